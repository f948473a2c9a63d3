package candid

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokText
	tokNat
	tokPunct
)

type token struct {
	kind tokKind
	text string
	off  int
}

func (t token) is(kind tokKind, text string) bool {
	return t.kind == kind && t.text == text
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// lex tokenizes text[s.start:s.end]. Offsets stay relative to text.
func lex(text string, s span) ([]token, error) {
	var toks []token
	i := s.start
	for i < s.end {
		c := text[i]
		switch {
		case isSpace(c):
			i++
		case isIdentStart(c):
			j := i + 1
			for j < s.end && isIdentPart(text[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: text[i:j], off: i})
			i = j
		case isDigit(c):
			j := i + 1
			for j < s.end && (isIdentPart(text[j])) {
				j++
			}
			toks = append(toks, token{kind: tokNat, text: text[i:j], off: i})
			i = j
		case c == '"':
			end, ok := skipText([]byte(text[:s.end]), i)
			if !ok {
				return nil, errAt(UnsupportedSyntax, i, "unterminated text literal")
			}
			val, err := unescape(text[i+1:end-1], i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokText, text: val, off: i})
			i = end
		case c == '-' && i+1 < s.end && text[i+1] == '>':
			toks = append(toks, token{kind: tokPunct, text: "->", off: i})
			i += 2
		case strings.IndexByte("(){}:;,=", c) >= 0:
			toks = append(toks, token{kind: tokPunct, text: text[i : i+1], off: i})
			i++
		default:
			r, _ := utf8.DecodeRuneInString(text[i:])
			return nil, errAt(UnsupportedSyntax, i, "unexpected character %q", r)
		}
	}
	toks = append(toks, token{kind: tokEOF, off: s.end})
	return toks, nil
}

func unescape(raw string, off int) (string, error) {
	if strings.IndexByte(raw, '\\') < 0 {
		return raw, nil
	}
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			b.WriteByte(raw[i])
			continue
		}
		i++
		if i >= len(raw) {
			return "", errAt(UnsupportedSyntax, off, "dangling escape")
		}
		switch c := raw[i]; c {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '\\', '"', '\'':
			b.WriteByte(c)
		case 'u':
			end := strings.IndexByte(raw[i:], '}')
			if i+1 >= len(raw) || raw[i+1] != '{' || end < 0 {
				return "", errAt(UnsupportedSyntax, off, "malformed unicode escape")
			}
			hex := strings.ReplaceAll(raw[i+2:i+end], "_", "")
			cp, err := strconv.ParseUint(hex, 16, 32)
			if err != nil || !utf8.ValidRune(rune(cp)) {
				return "", errAt(UnsupportedSyntax, off, "invalid code point %q", hex)
			}
			b.WriteRune(rune(cp))
			i += end
		default:
			if i+1 >= len(raw) {
				return "", errAt(UnsupportedSyntax, off, "unknown escape \\%c", c)
			}
			v, err := strconv.ParseUint(raw[i:i+2], 16, 8)
			if err != nil {
				return "", errAt(UnsupportedSyntax, off, "unknown escape \\%c", c)
			}
			b.WriteByte(byte(v))
			i++
		}
	}
	return b.String(), nil
}

// parseNat reads a decimal or 0x-prefixed literal with optional underscores.
func parseNat(t token) (uint32, error) {
	s := strings.ReplaceAll(t.text, "_", "")
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, errAt(UnsupportedSyntax, t.off, "invalid field id %q", t.text)
	}
	return uint32(v), nil
}
