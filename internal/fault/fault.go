// Package fault defines the tagged error taxonomy shared by handlers, the
// executor and the workers. Retry decisions and user-facing messages are
// pure functions of the kind.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and messaging policy.
type Kind string

const (
	// KindTransient covers network timeouts, 5xx responses and store
	// contention. Eligible for retry.
	KindTransient Kind = "transient"
	// KindPermanent covers 4xx responses, schema and format failures.
	// Reported once, never retried.
	KindPermanent Kind = "permanent"
	// KindPolicy covers capability blocks, missing approvals and
	// unauthorized users. Audited, never retried.
	KindPolicy Kind = "policy"
	// KindValidation covers bad user parameters. Produces a clarification
	// or a direct human-readable error.
	KindValidation Kind = "validation"
	// KindCircuitOpen is a short-lived transient: the route breaker is open.
	KindCircuitOpen Kind = "circuit-open"
	// KindOverflow is ingress-side queue saturation; mapped to HTTP 429.
	KindOverflow Kind = "overflow"
)

// Error is a kinded error with an optional user-facing remedy hint.
type Error struct {
	Kind   Kind
	Msg    string
	Remedy string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Transient is shorthand for New(KindTransient, ...).
func Transient(format string, args ...any) *Error { return New(KindTransient, format, args...) }

// Permanent is shorthand for New(KindPermanent, ...).
func Permanent(format string, args ...any) *Error { return New(KindPermanent, format, args...) }

// Policy is shorthand for New(KindPolicy, ...).
func Policy(format string, args ...any) *Error { return New(KindPolicy, format, args...) }

// Validation is shorthand for New(KindValidation, ...).
func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }

// CircuitOpen is shorthand for New(KindCircuitOpen, ...).
func CircuitOpen(format string, args ...any) *Error { return New(KindCircuitOpen, format, args...) }

// Overflow is shorthand for New(KindOverflow, ...).
func Overflow(format string, args ...any) *Error { return New(KindOverflow, format, args...) }

// KindOf extracts the kind of err. Unkinded errors are coerced to
// KindPermanent, the catch-all for anything a handler failed to classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPermanent
}

// IsRetryable reports whether the executor may retry after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// RemedyOf returns the remedy hint attached to err, if any.
func RemedyOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Remedy
	}
	return ""
}

// WithRemedy returns a copy of the error carrying a user-facing remedy hint.
func (e *Error) WithRemedy(remedy string) *Error {
	cp := *e
	cp.Remedy = remedy
	return &cp
}
