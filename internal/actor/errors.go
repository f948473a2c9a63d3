package actor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"icgate/go-backend/internal/agent"
	"icgate/go-backend/internal/candid"
	"icgate/go-backend/internal/platform/apperr"
)

type ErrorKind string

const (
	UnknownMethod         ErrorKind = "UnknownMethod"
	ArgumentEncodingError ErrorKind = "ArgumentEncodingError"
	ResponseDecodingError ErrorKind = "ResponseDecodingError"
	Unauthorized          ErrorKind = "Unauthorized"
	Rejected              ErrorKind = "Rejected"
	TransportError        ErrorKind = "TransportError"
)

// CallError is the only error type Call returns for a failed invocation.
type CallError struct {
	Kind   ErrorKind
	Method string
	// Field is the argument path for ArgumentEncodingError and the result
	// path for ResponseDecodingError.
	Field      string
	State      State
	Mode       candid.CallMode
	Transport  agent.TransportKind
	RejectCode uint64
	// NonceSupplied is set when the caller pinned the request id.
	NonceSupplied bool
	Err           error
}

func (e *CallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "actor: %s %s", e.Method, e.Kind)
	switch {
	case e.Transport != "":
		fmt.Fprintf(&b, " (%s)", e.Transport)
	case e.Kind == Rejected:
		fmt.Fprintf(&b, " (code %d)", e.RejectCode)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	fmt.Fprintf(&b, " in state %s", e.State)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() error         { return e.Err }
func (e *CallError) ErrorKind() string     { return string(e.Kind) }
func (e *CallError) ErrorCategory() string { return apperr.CategoryCall }

// Transient reports failures that may clear up on their own: timeouts,
// connection failures and SYS_TRANSIENT rejects.
func (e *CallError) Transient() bool {
	switch e.Kind {
	case TransportError:
		return e.Transport == agent.TransportTimeout || e.Transport == agent.TransportConnectionFailed
	case Rejected:
		return e.RejectCode == agent.RejectSysTransient
	}
	return false
}

// Retryable reports whether resending cannot execute an update twice.
// Queries are always safe; updates only when the caller supplied a nonce,
// which makes the resubmission carry the same request id.
func (e *CallError) Retryable() bool {
	return e.Transient() && (e.Mode == candid.ModeQuery || e.NonceSupplied)
}

var authMarkers = []string{"unauthorized", "not authorized", "permission denied", "access denied"}

// classify maps agent failures after transmission onto CallError kinds.
func classify(err error) (ErrorKind, agent.TransportKind, uint64) {
	var (
		te  *agent.TransportError
		he  *agent.HTTPError
		rej *agent.RejectError
	)
	switch {
	case errors.As(err, &te):
		return TransportError, te.Kind, 0
	case errors.As(err, &he):
		switch {
		case he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden:
			return Unauthorized, "", 0
		case he.Status == http.StatusTooManyRequests || he.Status >= 500:
			return TransportError, agent.TransportConnectionFailed, 0
		default:
			return TransportError, agent.TransportMalformed, 0
		}
	case errors.As(err, &rej):
		if rej.Code == agent.RejectCanisterReject || rej.Code == agent.RejectCanisterError {
			msg := strings.ToLower(rej.Message)
			for _, m := range authMarkers {
				if strings.Contains(msg, m) {
					return Unauthorized, "", rej.Code
				}
			}
		}
		return Rejected, "", rej.Code
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TransportError, agent.TransportTimeout, 0
	default:
		return TransportError, agent.TransportMalformed, 0
	}
}
