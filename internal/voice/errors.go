package voice

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures so the host can decide on retry,
// backoff or user notification.
type ErrorKind string

const (
	// KindConfig: bad or missing credentials/parameters; detected before
	// any network call.
	KindConfig ErrorKind = "config"

	// KindConnection: a session could not be established, or the
	// provider dropped it.
	KindConnection ErrorKind = "connection"

	// KindProtocol: the provider sent malformed or unexpected data.
	KindProtocol ErrorKind = "protocol"

	// KindTimeout: a network call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindOverrun: an internal bounded buffer overflowed.
	KindOverrun ErrorKind = "overrun"

	// KindProvider: the provider reported a failure (rate limit, quota).
	KindProvider ErrorKind = "provider"

	// KindValidation: the caller supplied invalid input.
	KindValidation ErrorKind = "validation"
)

// Error is the typed error surfaced by all adapters.
type Error struct {
	Kind ErrorKind

	// Op names the failing operation, e.g. "stt.push" or "llm.complete".
	Op string

	// Message is the provider-reported or local detail text.
	Message string

	// Status is the provider HTTP status code, if any.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed adapter error.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError builds a typed adapter error around a cause.
func WrapError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the error kind, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an adapter error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
