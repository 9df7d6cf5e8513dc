package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeSerialization     = "SERIALIZATION_ERROR"
	ErrCodeOffline           = "OFFLINE"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCrypto            = "CRYPTO_ERROR"
)

// SyncError is the structured error type for all draftsync operations.
type SyncError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  OnboardingStep `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SyncError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code indicates a transient failure
// worth retrying. Validation and transition errors never are; offline is a
// state, not a failure, and is handled by deferring rather than retrying.
func (e *SyncError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeNonRetryable,
		ErrCodeSerialization, ErrCodeCancelled, ErrCodeOffline, ErrCodeCrypto:
		return false
	default:
		return true
	}
}

// NewError creates a new SyncError.
func NewError(code, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}

// NewErrorf creates a new SyncError with a formatted message.
func NewErrorf(code, format string, args ...any) *SyncError {
	return &SyncError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *SyncError) WithStep(step OnboardingStep) *SyncError {
	e.StepID = step
	return e
}

// WithCause attaches an underlying cause.
func (e *SyncError) WithCause(err error) *SyncError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SyncError) WithDetails(details map[string]any) *SyncError {
	e.Details = details
	return e
}
