package model

import (
	"errors"
	"fmt"
)

// Error codes carried by ErrorEnvelope.Code.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrInvalidState    = "INVALID_STATE"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error returned by the workflow and permission
// layers and rendered by the HTTP transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError is one failed rule on one input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err is nil or
// not an *ErrorEnvelope anywhere in its chain.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsNotFound reports whether err carries a NOT_FOUND code.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrNotFound
}

// NewBadRequestError reports malformed input, such as an empty identifier.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError reports a missing or unusable caller identity.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError reports an action the caller may not take at the
// submission's current stage, or a failed permission check.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError reports a missing submission, user, grant or workflow.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError reports a lost revision race or a duplicate record.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error. It is used when a
// submission's recorded stage no longer exists in its workflow definition.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewValidationError wraps field failures from boundary validation.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "validation failed",
		Details: details,
	}
}

// NewInternalError is what clients see for any unclassified failure; the
// cause is logged, never returned.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "internal error",
	}
}
