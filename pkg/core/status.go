package core

import "fmt"

// StepStatus represents the execution status of a step or test
type StepStatus int

const (
	StatusPending StepStatus = iota // Not yet started
	StatusRunning                   // Currently executing
	StatusPassed                    // Completed successfully
	StatusFailed                    // Action, resolution or validation failed
	StatusSkipped                   // Not run because an earlier failure aborted the test
)

// String returns the string representation of StepStatus
func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the status indicates success
func (s StepStatus) IsSuccess() bool {
	return s == StatusPassed
}

// MarshalText encodes the status as its name.
func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *StepStatus) UnmarshalText(text []byte) error {
	for _, st := range []StepStatus{StatusPending, StatusRunning, StatusPassed, StatusFailed, StatusSkipped} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// ErrorCategory classifies a failure for reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryDocument                        // Malformed or structurally invalid test document
	ErrCategoryResolution                      // No match, index out of bounds, visibility timeout
	ErrCategoryValidation                      // Content did not satisfy its check
	ErrCategoryCritical                        // Launch, navigation, cancellation or driver crash
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryDocument:
		return "document"
	case ErrCategoryResolution:
		return "resolution"
	case ErrCategoryValidation:
		return "validation"
	case ErrCategoryCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the category as its name.
func (c ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name.
func (c *ErrorCategory) UnmarshalText(text []byte) error {
	for _, cat := range []ErrorCategory{ErrCategoryNone, ErrCategoryDocument, ErrCategoryResolution, ErrCategoryValidation, ErrCategoryCritical} {
		if cat.String() == string(text) {
			*c = cat
			return nil
		}
	}
	return fmt.Errorf("unknown error category %q", text)
}
