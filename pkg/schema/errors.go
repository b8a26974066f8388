package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStepFailed     = "STEP_FAILED"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeLoopDetected   = "LOOP_DETECTED"
	ErrCodeNonRetryable   = "NON_RETRYABLE"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeVault          = "VAULT_ERROR"
	ErrCodeExpression     = "EXPRESSION_ERROR"
	ErrCodeNoExecutor     = "NO_EXECUTOR"
)

// nonRetryableCodes are failures that repeat identically on every attempt.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:   true,
	ErrCodeNotFound:     true,
	ErrCodeConflict:     true,
	ErrCodeCancelled:    true,
	ErrCodeLoopDetected: true,
	ErrCodeNonRetryable: true,
	ErrCodeNoExecutor:   true,
	ErrCodeExpression:   true,
}

// ChainError is the structured error type used across chain execution.
type ChainError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChainError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether another attempt could plausibly succeed.
func (e *ChainError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new ChainError.
func NewError(code, message string) *ChainError {
	return &ChainError{Code: code, Message: message}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return &ChainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ChainError) WithStep(stepID string) *ChainError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}

// ErrorCode extracts the code of the first ChainError in err's chain, or "".
func ErrorCode(err error) string {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Message returns the human-readable part of err. For a ChainError that is the
// bare message without code and step decorations, which is what step results
// and run records carry.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ce *ChainError
	if errors.As(err, &ce) && ce == err {
		if ce.Cause != nil && ce.Message == "" {
			return ce.Cause.Error()
		}
		return ce.Message
	}
	return err.Error()
}
