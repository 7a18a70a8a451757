package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeDuplicateID       = "DUPLICATE_ID"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTerminal          = "TERMINAL"
	ErrCodeStageFailed       = "STAGE_FAILED"
	ErrCodeStalled           = "STALLED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodePanic             = "PANIC"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeConflict          = "VERSION_CONFLICT"
)

// FlowError is the structured error type for all defiflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   Stage          `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches the pipeline stage the error originated from.
func (e *FlowError) WithStage(stage Stage) *FlowError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// NotFound builds the error returned for unknown execution identifiers.
func NotFound(id string) *FlowError {
	return NewErrorf(ErrCodeNotFound, "execution %q not found", id).
		WithDetails(map[string]any{"execution_id": id})
}
