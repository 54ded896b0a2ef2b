package domain

import (
	"errors"
	"fmt"
)

// Kind classifies service errors. Kinds are stable identifiers surfaced to
// callers and carried on failure events; messages are free-form and may
// change.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindAlreadyLocked   Kind = "ALREADY_LOCKED"
	KindDuplicate       Kind = "DUPLICATE"
	KindInvalidState    Kind = "INVALID_STATE"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindForbidden       Kind = "FORBIDDEN"
	KindNoTenantContext Kind = "NO_TENANT_CONTEXT"
	KindPoolShutdown    Kind = "POOL_SHUTDOWN"
	KindQueueFull       Kind = "QUEUE_FULL"
	KindTimeout         Kind = "TIMEOUT"
	KindCancelled       Kind = "CANCELLED"
	KindServiceNotFound Kind = "SERVICE_NOT_FOUND"
	KindUnavailable     Kind = "DEPENDENCY_UNAVAILABLE"
	KindInternal        Kind = "INTERNAL"
)

type (
	// Error is the structured error returned by every service operation.
	// Details carry machine-readable context (holder identity on
	// ALREADY_LOCKED, field names on VALIDATION, and so on).
	Error struct {
		Kind    Kind
		Message string
		Details map[string]any
		cause   error
	}
)

// E builds a new Error of the given kind.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a new Error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that unwraps to cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a machine-readable detail and returns the error for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so errors.Is(err, domain.E(kind, "")) matches any
// error of that kind.
func (e *Error) Is(target error) bool {
	var de *Error
	if !errors.As(target, &de) {
		return false
	}
	return e.Kind == de.Kind
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
