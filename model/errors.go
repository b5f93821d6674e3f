package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest              = "BAD_REQUEST"
	ErrNotFound                = "NOT_FOUND"
	ErrConflict                = "CONFLICT"
	ErrValidationError         = "VALIDATION_ERROR"
	ErrInvalidState            = "INVALID_STATE"
	ErrExecutionError          = "EXECUTION_ERROR"
	ErrUnsupportedStageService = "UNSUPPORTED_STAGE_SERVICE"
	ErrInternalError           = "INTERNAL_ERROR"
)

// Validation detail codes reported in FieldError.Code.
const (
	VCodeRequired             = "REQUIRED"
	VCodeEmptyStages          = "EMPTY_STAGES"
	VCodeDuplicateStage       = "DUPLICATE_STAGE"
	VCodeUnknownDependency    = "UNKNOWN_DEPENDENCY"
	VCodeCircularDependency   = "CIRCULAR_DEPENDENCY"
	VCodeInvalidRetryPolicy   = "INVALID_RETRY_POLICY"
	VCodeInvalidTimeout       = "INVALID_TIMEOUT"
	VCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	VCodeInvalidSchedule      = "INVALID_SCHEDULE"
	VCodeInvalidStatus        = "INVALID_STATUS"
)

// ErrorEnvelope is the single error type surfaced by the engine. The Code
// classifies the failure; Stage is set for stage-level failures.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	Stage   string       `json:"stage,omitempty"`

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

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
// The message of the first detail is promoted so the error reads well on
// its own.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	msg := "workflow definition is invalid"
	if len(details) > 0 {
		msg = details[0].Message
	}
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: msg,
		Details: details,
	}
}

// NewExecutionError wraps a stage collaborator failure.
func NewExecutionError(stageID string, cause error) *ErrorEnvelope {
	msg := "stage failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &ErrorEnvelope{
		Code:    ErrExecutionError,
		Message: msg,
		Stage:   stageID,
		cause:   cause,
	}
}

// NewUnsupportedStageServiceError reports a stage whose service has no
// registered runner. It is never retried.
func NewUnsupportedStageServiceError(stageID, service string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnsupportedStageService,
		Message: fmt.Sprintf("stage %q uses unsupported service %q", stageID, service),
		Stage:   stageID,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// HasCode reports whether err, or any error it wraps, is an ErrorEnvelope
// with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// HasDetail reports whether err is a validation error carrying a detail with
// the given code.
func HasDetail(err error, code string) bool {
	var ee *ErrorEnvelope
	if !errors.As(err, &ee) {
		return false
	}
	for _, d := range ee.Details {
		if d.Code == code {
			return true
		}
	}
	return false
}
