package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeEvaluation          = "EVALUATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeIntegration         = "INTEGRATION_ERROR"
	ErrCodeAsyncExecution      = "ASYNC_EXECUTION_ERROR"
	ErrCodeAsyncTimeout        = "ASYNC_TIMEOUT"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeStepFailed          = "STEP_FAILED"
	ErrCodeStore               = "STORE_ERROR"
)

// ConveyorError is the structured error type for all engine operations.
type ConveyorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConveyorError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConveyorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConveyorError.
func NewError(code, message string) *ConveyorError {
	return &ConveyorError{Code: code, Message: message}
}

// NewErrorf creates a new ConveyorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConveyorError {
	return &ConveyorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ConveyorError) WithStep(stepID string) *ConveyorError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConveyorError) WithCause(err error) *ConveyorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConveyorError) WithDetails(details map[string]any) *ConveyorError {
	e.Details = details
	return e
}
