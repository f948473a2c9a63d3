// Package apperr turns component errors into the typed descriptors handed to
// callers at the process boundary.
package apperr

import (
	"errors"
	"strings"
)

const (
	CategoryAPI      = "api"
	CategoryParse    = "parse"
	CategoryCrypto   = "crypto"
	CategoryRegistry = "registry"
	CategoryCall     = "call"
	CategoryStorage  = "storage"
)

// Kinded is implemented by every typed error of the core components.
type Kinded interface {
	error
	ErrorKind() string
	ErrorCategory() string
}

// Error is a sentinel carrying a stable kind.
type Error struct {
	category string
	kind     string
	message  string
}

func New(category, kind, message string) *Error {
	return &Error{category: normalizeCategory(category), kind: kind, message: message}
}

func (e *Error) Error() string         { return e.message }
func (e *Error) ErrorKind() string     { return e.kind }
func (e *Error) ErrorCategory() string { return e.category }

type Descriptor struct {
	Category  string `json:"category"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func Describe(err error) Descriptor {
	if err == nil {
		return Descriptor{}
	}
	d := Descriptor{Category: CategoryAPI, Kind: "Internal", Message: err.Error()}
	var kinded Kinded
	if errors.As(err, &kinded) {
		d.Category = normalizeCategory(kinded.ErrorCategory())
		d.Kind = kinded.ErrorKind()
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		d.Retryable = r.Retryable()
	}
	return d
}

// Is reports whether err carries kind.
func Is(err error, kind string) bool {
	var kinded Kinded
	return errors.As(err, &kinded) && kinded.ErrorKind() == kind
}

func normalizeCategory(category string) string {
	switch c := strings.ToLower(strings.TrimSpace(category)); c {
	case CategoryParse, CategoryCrypto, CategoryRegistry, CategoryCall, CategoryStorage:
		return c
	default:
		return CategoryAPI
	}
}
