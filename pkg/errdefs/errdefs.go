package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every error the daemon can return to a client. The set is
// closed: handlers must map any internal failure onto one of these before
// replying.
type Kind string

const (
	KindAuth            Kind = "auth"
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindRateLimit       Kind = "rate_limit"
	KindTimeout         Kind = "timeout"
	KindContextOverflow Kind = "context_overflow"
	KindNetwork         Kind = "network"
	KindOverloaded      Kind = "overloaded"
	KindToolError       Kind = "tool_error"
	KindAbort           Kind = "abort"
	KindInternal        Kind = "internal"
)

// Error is the one error type that crosses the protocol boundary.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Kind so callers can compare against the sentinel
// constructors, e.g. errors.Is(err, errdefs.Abort("")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind Kind, retryable bool, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: retryable}
}

// Authf builds an auth error.
func Authf(format string, args ...any) *Error {
	return newError(KindAuth, false, fmt.Sprintf(format, args...))
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, false, fmt.Sprintf(format, args...))
}

// NotFoundf builds a not_found error.
func NotFoundf(format string, args ...any) *Error {
	return newError(KindNotFound, false, fmt.Sprintf(format, args...))
}

// RateLimitf builds a retryable rate_limit error.
func RateLimitf(format string, args ...any) *Error {
	return newError(KindRateLimit, true, fmt.Sprintf(format, args...))
}

// Timeoutf builds a retryable timeout error.
func Timeoutf(format string, args ...any) *Error {
	return newError(KindTimeout, true, fmt.Sprintf(format, args...))
}

// ContextOverflowf builds a context_overflow error.
func ContextOverflowf(format string, args ...any) *Error {
	return newError(KindContextOverflow, false, fmt.Sprintf(format, args...))
}

// Networkf builds a retryable network error.
func Networkf(format string, args ...any) *Error {
	return newError(KindNetwork, true, fmt.Sprintf(format, args...))
}

// Overloadedf builds a retryable overloaded error.
func Overloadedf(format string, args ...any) *Error {
	return newError(KindOverloaded, true, fmt.Sprintf(format, args...))
}

// ToolErrorf builds a tool_error.
func ToolErrorf(format string, args ...any) *Error {
	return newError(KindToolError, false, fmt.Sprintf(format, args...))
}

// Abort builds a cancellation error. Cancellation is never retried.
func Abort(msg string) *Error {
	if msg == "" {
		msg = "operation cancelled"
	}
	return newError(KindAbort, false, msg)
}

// Internalf builds an internal error. The watchdog treats internal errors
// from the health probe as a restart trigger.
func Internalf(format string, args ...any) *Error {
	return newError(KindInternal, false, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to e and returns e.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// KindOf extracts the kind from any error, mapping context cancellation to
// abort and everything unclassified to internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsAbort reports whether err is a cancellation.
func IsAbort(err error) bool {
	return KindOf(err) == KindAbort
}

// IsRetryable reports whether a client may retry the failed request.
func IsRetryable(err error) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Retryable
	}
	return false
}

// From converts an arbitrary error into *Error without losing an existing
// classification.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	switch KindOf(err) {
	case KindAbort:
		return Abort(err.Error()).Wrap(err)
	case KindTimeout:
		return Timeoutf("%v", err).Wrap(err)
	default:
		return Internalf("%v", err).Wrap(err)
	}
}
