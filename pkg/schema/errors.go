package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInvalidPath   = "INVALID_PATH"
	ErrCodeComputedField = "COMPUTED_FIELD_ERROR"
	ErrCodeExpression    = "EXPRESSION_ERROR"
	ErrCodeStepFailed    = "STEP_FAILED"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeLoopControl   = "LOOP_CONTROL_ERROR"
	ErrCodeCycleDetected = "CYCLE_DETECTED"
	ErrCodeTask          = "TASK_ERROR"
	ErrCodeStore         = "STORE_ERROR"
)

// WorkflowError is the structured error type for all engine operations.
// The polling API never surfaces raw errors: every failure crossing the
// tool boundary is one of these, serialized as {error: {code, message}}.
type WorkflowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *WorkflowError) Error() string {
	switch {
	case e.WorkflowID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] workflow %s step %s: %s", e.Code, e.WorkflowID, e.StepID, e.Message)
	case e.WorkflowID != "":
		return fmt.Sprintf("[%s] workflow %s: %s", e.Code, e.WorkflowID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WorkflowError.
func NewError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message}
}

// NewErrorf creates a new WorkflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *WorkflowError) WithWorkflow(workflowID string) *WorkflowError {
	e.WorkflowID = workflowID
	return e
}

// WithStep attaches a step ID to the error.
func (e *WorkflowError) WithStep(stepID string) *WorkflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	e.Details = details
	return e
}

// AsWorkflowError converts any error into a *WorkflowError, wrapping
// unknown error types under ErrCodeStepFailed.
func AsWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr
	}
	return &WorkflowError{Code: ErrCodeStepFailed, Message: err.Error(), Cause: err}
}
