// Package apierr carries the error taxonomy every component classifies
// into, and maps each kind to an HTTP status.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is a taxonomy tag, not a concrete error type.
type Kind string

const (
	Validation          Kind = "validation"
	Authentication       Kind = "authentication"
	Authorization        Kind = "authorization"
	NotFound             Kind = "not_found"
	RateLimited          Kind = "rate_limited"
	TransientDownstream  Kind = "transient_downstream"
	PermanentDownstream  Kind = "permanent_downstream"
	IllegalTransition    Kind = "illegal_transition"
	Internal             Kind = "internal"
)

// Error wraps an underlying cause with a taxonomy Kind and optional
// structured fields (field path for Validation, retry-after for
// RateLimited).
type Error struct {
	Kind           Kind
	Message        string
	Field          string
	RetryAfterSecs int
	Cause          error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...), Field: field}
}

func RateLimitedf(retryAfterSecs int, format string, args ...any) *Error {
	return &Error{Kind: RateLimited, Message: fmt.Sprintf(format, args...), RetryAfterSecs: retryAfterSecs}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the taxonomy Kind of err, defaulting to Internal when err
// does not carry one.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the status code the HTTP surface returns.
func HTTPStatus(k Kind) int {
	switch k {
	case Validation:
		return 400
	case Authentication:
		return 401
	case Authorization:
		return 403
	case NotFound:
		return 404
	case RateLimited:
		return 429
	case IllegalTransition:
		return 409
	case TransientDownstream, PermanentDownstream:
		return 502
	default:
		return 500
	}
}
