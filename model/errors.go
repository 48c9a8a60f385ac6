package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Stage engine error codes.
const (
	ErrStageNotFound     = "STAGE_NOT_FOUND"
	ErrReadinessNotMet   = "READINESS_NOT_MET"
	ErrStaleStage        = "STALE_STAGE"
	ErrDispatchFailed    = "DISPATCH_FAILED"
	ErrInvalidStageTable = "INVALID_STAGE_TABLE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or "" when err carries none.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err is an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backing store is temporarily unavailable",
	}
}

// NewStageNotFoundError reports a stage identifier missing from the stage table.
func NewStageNotFoundError(stage string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStageNotFound,
		Message: fmt.Sprintf("stage %q is not defined in the stage table", stage),
	}
}

// NewReadinessNotMetError reports the readiness flags that are still false.
func NewReadinessNotMetError(stage string, failing []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(failing))
	for _, flag := range failing {
		details = append(details, FieldError{
			Field:   flag,
			Code:    ErrReadinessNotMet,
			Message: fmt.Sprintf("%s is not satisfied", flag),
		})
	}
	msg := fmt.Sprintf("stage %q is not ready for transfer", stage)
	if len(failing) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(failing, ", "))
	}
	return &ErrorEnvelope{Code: ErrReadinessNotMet, Message: msg, Details: details}
}

// NewStaleStageError reports that a work order is no longer at the stage the
// caller validated against.
func NewStaleStageError(workOrderID, expected, actual string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrStaleStage,
		Message: fmt.Sprintf("work order %q is at stage %q, not %q; reload and retry",
			workOrderID, actual, expected),
	}
}

// NewDispatchFailedError reports that the dispatch side effect of a completed
// transfer failed. The stage change itself stands.
func NewDispatchFailedError(stage string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDispatchFailed,
		Message: fmt.Sprintf("stage updated but dispatch record for %q failed; contact an administrator", stage),
		cause:   cause,
	}
}

// NewInvalidStageTableError reports a stage table that failed validation.
func NewInvalidStageTableError(problems []string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidStageTable,
		Message: "stage table is invalid: " + strings.Join(problems, "; "),
	}
}
