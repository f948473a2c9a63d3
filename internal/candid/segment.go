package candid

import "strings"

type span struct {
	start, end int
}

var closers = map[byte]byte{')': '(', '}': '{', ']': '['}

// segment splits comment-free text into top-level declarations at depth-0
// semicolons. Brackets must balance; the "->" arrow is not a delimiter.
func segment(text string) ([]span, error) {
	var (
		stack []int
		spans []span
		start int
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '"':
			end, ok := skipText([]byte(text), i)
			if !ok {
				return nil, errAt(UnsupportedSyntax, i, "unterminated text literal")
			}
			i = end - 1
		case '(', '{', '[':
			stack = append(stack, i)
		case ')', '}', ']':
			if len(stack) == 0 {
				return nil, errAt(UnbalancedDelimiters, i, "unexpected %q", c)
			}
			open := text[stack[len(stack)-1]]
			if closers[c] != open {
				return nil, errAt(UnbalancedDelimiters, i, "%q closes %q opened at offset %d", c, open, stack[len(stack)-1])
			}
			stack = stack[:len(stack)-1]
		case ';':
			if len(stack) == 0 {
				spans = appendSpan(spans, text, start, i)
				start = i + 1
			}
		}
	}
	if len(stack) > 0 {
		open := stack[len(stack)-1]
		return nil, errAt(UnbalancedDelimiters, open, "%q is never closed", text[open])
	}
	return appendSpan(spans, text, start, len(text)), nil
}

func appendSpan(spans []span, text string, start, end int) []span {
	if strings.TrimSpace(text[start:end]) == "" {
		return spans
	}
	return append(spans, span{start: start, end: end})
}
