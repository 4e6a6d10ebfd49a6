package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: no_match, visibility_timeout, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError with the same code, so copies made with
// WithCause or WithMessage still match the predefined errors.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	return ok && t.Code != "" && t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithMessagef is WithMessage with formatting.
func (e *ExecutionError) WithMessagef(format string, args ...interface{}) *ExecutionError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// ErrDriverTimeout is wrapped by drivers when a bounded wait elapses.
var ErrDriverTimeout = errors.New("driver wait timed out")

// Predefined errors
var (
	// Document errors
	ErrInvalidDocument = &ExecutionError{
		Category: ErrCategoryDocument,
		Code:     "invalid_document",
		Message:  "invalid test document",
	}

	// Resolution errors
	ErrNoMatch = &ExecutionError{
		Category: ErrCategoryResolution,
		Code:     "no_match",
		Message:  "no element matches selector",
	}
	ErrIndexOutOfBounds = &ExecutionError{
		Category: ErrCategoryResolution,
		Code:     "index_out_of_bounds",
		Message:  "selector index out of bounds",
	}
	ErrLocateFailed = &ExecutionError{
		Category: ErrCategoryResolution,
		Code:     "locate_failed",
		Message:  "could not query elements",
	}
	ErrVisibilityTimeout = &ExecutionError{
		Category: ErrCategoryResolution,
		Code:     "visibility_timeout",
		Message:  "element did not become visible",
	}
	ErrTextUnavailable = &ExecutionError{
		Category: ErrCategoryResolution,
		Code:     "text_unavailable",
		Message:  "could not read element text",
	}
	ErrActionFailed = &ExecutionError{
		Category: ErrCategoryResolution,
		Code:     "action_failed",
		Message:  "action failed",
	}

	// Validation errors
	ErrContentMismatch = &ExecutionError{
		Category: ErrCategoryValidation,
		Code:     "content_mismatch",
		Message:  "content validation failed",
	}
	ErrValidationConfig = &ExecutionError{
		Category: ErrCategoryValidation,
		Code:     "validation_config",
		Message:  "invalid validation configuration",
	}

	// Critical errors
	ErrLaunchFailed = &ExecutionError{
		Category: ErrCategoryCritical,
		Code:     "launch_failed",
		Message:  "could not start browser session",
	}
	ErrNavigationFailed = &ExecutionError{
		Category: ErrCategoryCritical,
		Code:     "navigation_failed",
		Message:  "navigation failed",
	}
	ErrDriverPanic = &ExecutionError{
		Category: ErrCategoryCritical,
		Code:     "driver_panic",
		Message:  "driver panicked",
	}
	ErrCancelled = &ExecutionError{
		Category: ErrCategoryCritical,
		Code:     "cancelled",
		Message:  "run cancelled",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of the first ExecutionError in err's
// chain, or ErrCategoryNone.
func CategoryOf(err error) ErrorCategory {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ErrCategoryNone
}

// CodeOf returns the code of the first ExecutionError in err's chain.
func CodeOf(err error) string {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCritical reports whether err ends the test.
func IsCritical(err error) bool {
	return CategoryOf(err) == ErrCategoryCritical
}
