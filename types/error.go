package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the coordination core.
type ErrorCode string

// Structural error codes. Never retried; the caller must fix the request.
const (
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Transient error codes. Retried internally up to a bound, surfaced once exhausted.
const (
	ErrDependency   ErrorCode = "DEPENDENCY_ERROR"
	ErrTimeout      ErrorCode = "TIMEOUT"
	ErrResourceBusy ErrorCode = "RESOURCE_BUSY"
)

// Routed error codes.
const (
	// ErrConflict is routed to the conflict engine rather than surfaced as a bare failure.
	ErrConflict  ErrorCode = "CONFLICT"
	ErrCancelled ErrorCode = "CANCELLED"
	ErrInternal  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	// EntityID references the handoff, conflict, decision or lock the error is about.
	EntityID string `json:"entity_id,omitempty"`
	Cause    error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithEntity records the id of the entity the error refers to.
func (e *Error) WithEntity(id string) *Error {
	e.EntityID = id
	return e
}

// NewValidationError reports a malformed request. Never retried.
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...))
}

// NewDependencyError reports an unmet task dependency. Retryable once the dependency completes.
func NewDependencyError(format string, args ...any) *Error {
	return NewError(ErrDependency, fmt.Sprintf(format, args...)).WithRetryable(true)
}

// NewTimeoutError reports a missing response within a deadline.
func NewTimeoutError(format string, args ...any) *Error {
	return NewError(ErrTimeout, fmt.Sprintf(format, args...)).WithRetryable(true)
}

// NewConflictError reports a concurrent incompatible write or vote.
func NewConflictError(conflictID, format string, args ...any) *Error {
	return NewError(ErrConflict, fmt.Sprintf(format, args...)).WithEntity(conflictID)
}

// NewPermissionError reports an unauthorized agent. Never retried.
func NewPermissionError(format string, args ...any) *Error {
	return NewError(ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// NewResourceError reports a tool at capacity.
func NewResourceError(format string, args ...any) *Error {
	return NewError(ErrResourceBusy, fmt.Sprintf(format, args...)).WithRetryable(true)
}

// NewNotFoundError reports an unknown entity.
func NewNotFoundError(kind, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s not found: %s", kind, id)).WithEntity(id)
}

// NewTransitionError reports an illegal state machine move.
func NewTransitionError(entity, from, to string) *Error {
	return NewError(ErrInvalidTransition, fmt.Sprintf("invalid transition %s -> %s", from, to)).WithEntity(entity)
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
