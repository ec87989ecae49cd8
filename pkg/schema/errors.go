package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStepFailed      = "STEP_FAILED"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeExpression      = "EXPRESSION_ERROR"
	ErrCodeToolUnavailable = "TOOL_UNAVAILABLE"
	ErrCodeToolNotFound    = "TOOL_NOT_FOUND"
	ErrCodeLLMUnavailable  = "LLM_UNAVAILABLE"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeRunPanic        = "RUN_PANIC"
)

// CRMError is the structured error type shared by the engine, the store and
// the capability layer.
type CRMError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    int            `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CRMError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Step > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.Step, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *CRMError) Unwrap() error {
	return e.Cause
}

// Is reports code equality so callers can match with errors.Is against a
// bare NewError(code, "").
func (e *CRMError) Is(target error) bool {
	t, ok := target.(*CRMError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the failure is transient.
func (e *CRMError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeExecution, ErrCodeStore:
		return true
	}
	return false
}

// NewError creates a new CRMError.
func NewError(code, message string) *CRMError {
	return &CRMError{Code: code, Message: message}
}

// NewErrorf creates a new CRMError with a formatted message.
func NewErrorf(code, format string, args ...any) *CRMError {
	return &CRMError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step order to the error.
func (e *CRMError) WithStep(order int) *CRMError {
	e.Step = order
	return e
}

// WithCause attaches an underlying cause.
func (e *CRMError) WithCause(err error) *CRMError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CRMError) WithDetails(details map[string]any) *CRMError {
	e.Details = details
	return e
}

// ErrorCode extracts the code of the first CRMError in err's chain.
func ErrorCode(err error) string {
	var ce *CRMError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}
