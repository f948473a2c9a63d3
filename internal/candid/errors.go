package candid

import (
	"fmt"
	"sort"

	"icgate/go-backend/internal/platform/apperr"
)

type ParseErrorKind string

const (
	UnterminatedComment     ParseErrorKind = "UnterminatedComment"
	UnbalancedDelimiters    ParseErrorKind = "UnbalancedDelimiters"
	UnresolvedTypeReference ParseErrorKind = "UnresolvedTypeReference"
	UnsupportedSyntax       ParseErrorKind = "UnsupportedSyntax"
)

// Position is 1-based line and column (in bytes) plus a 0-based byte offset
// into the original document.
type Position struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

type ParseError struct {
	Kind ParseErrorKind
	Pos  Position
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("candid: %s at %s: %s", e.Kind, e.Pos, e.Msg)
}

func (e *ParseError) ErrorKind() string     { return string(e.Kind) }
func (e *ParseError) ErrorCategory() string { return apperr.CategoryParse }

func errAt(kind ParseErrorKind, offset int, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Pos: Position{Offset: offset}, Msg: fmt.Sprintf(format, args...)}
}

// EncodeError reports the argument path whose value could not be encoded.
type EncodeError struct {
	Path string
	Msg  string
}

func (e *EncodeError) Error() string {
	if e.Path == "" {
		return "candid: encode: " + e.Msg
	}
	return fmt.Sprintf("candid: encode %s: %s", e.Path, e.Msg)
}

// DecodeError reports a malformed message or a value that does not fit the
// declared type. Mismatch is set for the latter.
type DecodeError struct {
	Path     string
	Msg      string
	Mismatch bool
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return "candid: decode: " + e.Msg
	}
	return fmt.Sprintf("candid: decode %s: %s", e.Path, e.Msg)
}

// lineIndex maps byte offsets to line and column.
type lineIndex []int

func newLineIndex(src string) lineIndex {
	idx := lineIndex{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

func (l lineIndex) locate(offset int) Position {
	line := sort.Search(len(l), func(i int) bool { return l[i] > offset }) - 1
	if line < 0 {
		line = 0
	}
	return Position{Offset: offset, Line: line + 1, Column: offset - l[line] + 1}
}
