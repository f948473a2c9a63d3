package registry

import (
	"errors"
	"fmt"

	"icgate/go-backend/internal/platform/apperr"
)

type ErrorKind string

const (
	DuplicateName        ErrorKind = "DuplicateName"
	NotFound             ErrorKind = "NotFound"
	InterfaceUnavailable ErrorKind = "InterfaceUnavailable"
	InvalidEntry         ErrorKind = "InvalidEntry"
)

// Error is returned by every registry operation that fails for a reason the
// caller can act on.
type Error struct {
	Kind ErrorKind
	Name string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("registry: %s %q", e.Kind, e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) ErrorKind() string     { return string(e.Kind) }
func (e *Error) ErrorCategory() string { return apperr.CategoryRegistry }

// Is matches errors of the same kind; a target without a name matches any.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Name == "" || t.Name == e.Name)
}

// IsKind reports whether err is a registry error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrNoInterface is returned by fetchers that have nothing for an entry.
var ErrNoInterface = errors.New("registry: no interface available")
