// Package apperrors defines the closed set of error kinds propagated across
// component boundaries (spec.md §6.1, §7). Callers branch on Kind(), never
// on message text.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of stable error kinds.
type Kind string

const (
	KindVersionConflict      Kind = "VersionConflict"
	KindIncidentTerminated   Kind = "IncidentTerminated"
	KindIncidentNotFound     Kind = "IncidentNotFound"
	KindUnauthorizedDashboard Kind = "UnauthorizedDashboard"
	KindRateLimited          Kind = "RateLimited"
	KindSafetyViolation      Kind = "SafetyViolation"
	KindUnavailable          Kind = "Unavailable"
	KindCancelled            Kind = "Cancelled"
	KindValidationError      Kind = "ValidationError"
)

// Error is a structured application error that preserves message and causal
// context while exposing a stable Kind for callers to branch on.
type Error struct {
	kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Message)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Kind returns the stable error kind.
func (e *Error) Kind() Kind {
	if e == nil {
		return ""
	}
	return e.kind
}

// Is reports whether err carries the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

// Retryable classifies an error kind as transient/retryable at the caller
// level (spec.md §7 error taxonomy: transient vs conflict vs validation vs
// safety vs terminal vs logic).
func Retryable(kind Kind) bool {
	switch kind {
	case KindUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}
