package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an orchestrator error. Every surfaced error carries a
// short stable code so clients and operators can branch on it without
// parsing messages.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindResourceExhausted     Kind = "resource_exhausted"
	KindDriverFailure         Kind = "driver_failure"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindNotFound              Kind = "not_found"
	KindForbidden             Kind = "forbidden"
	KindConflict              Kind = "conflict"
)

// Error is the orchestrator error type. The wrapped cause is kept for
// logging only and never leaks to clients.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches a library error to the orchestrator error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusConflict
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

func ResourceExhausted(format string, args ...interface{}) *Error {
	return newError(KindResourceExhausted, format, args...)
}

func DriverFailure(format string, args ...interface{}) *Error {
	return newError(KindDriverFailure, format, args...)
}

func DependencyUnavailable(format string, args ...interface{}) *Error {
	return newError(KindDependencyUnavailable, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newError(KindForbidden, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

// KindOf extracts the kind from any error in the chain; unknown errors
// report as driver-side failures so they surface as 5xx.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDriverFailure
}

// Is reports whether any error in the chain carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// AsError extracts the typed error from a chain, or wraps an unknown one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return DriverFailure("internal error").WithCause(err)
}

// Transient reports whether the substrate should redeliver the message
// that produced this error. Dependency outages retry; everything else is
// a permanent fault for the message in hand.
func Transient(err error) bool {
	return Is(err, KindDependencyUnavailable)
}
