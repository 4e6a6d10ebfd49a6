package core

import (
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

// StepResult captures the outcome of one step or one start condition
type StepResult struct {
	// Identity
	Name   string      `json:"name"`
	Action flow.Action `json:"action,omitempty"` // empty for start conditions

	// Status
	Status   StepStatus    `json:"status"`
	Category ErrorCategory `json:"errorCategory,omitempty"`
	Code     string        `json:"errorCode,omitempty"`

	// Timing
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	// Output
	Content          *string  `json:"content,omitempty"` // captured text, only when validation was configured
	Error            string   `json:"error,omitempty"`
	ValidationErrors []string `json:"validationErrors,omitempty"`
	Screenshot       string   `json:"screenshot,omitempty"` // diagnostic capture path

	Err error `json:"-"` // typed error for errors.Is
}

// Failed reports whether the step failed.
func (r *StepResult) Failed() bool {
	return r.Status == StatusFailed
}

// TestResult captures the outcome of one test document
type TestResult struct {
	// Identity
	TestName       string   `json:"testName"`
	FunctionalUnit string   `json:"functionalUnit,omitempty"`
	SourcePath     string   `json:"sourceFile,omitempty"`
	Tags           []string `json:"tags,omitempty"`

	// Status (aggregated from steps)
	Status   StepStatus `json:"status"`
	Critical bool       `json:"critical,omitempty"` // a critical error ended the test
	Error    string     `json:"error,omitempty"`
	Err      error      `json:"-"`

	// Timing
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	// Results: failed start conditions first, then steps in document order
	Steps []StepResult `json:"steps"`

	// Summary (computed)
	TotalSteps   int `json:"totalSteps"`
	PassedSteps  int `json:"passedSteps"`
	FailedSteps  int `json:"failedSteps"`
	SkippedSteps int `json:"skippedSteps"` // defined steps never run
}

// ComputeSummary calculates step counts from the Steps slice. defined is
// the number of steps in the document; steps it lists that produced no
// result count as skipped.
func (t *TestResult) ComputeSummary(defined int) {
	t.TotalSteps = len(t.Steps)
	t.PassedSteps = 0
	t.FailedSteps = 0

	executed := 0
	for _, step := range t.Steps {
		switch step.Status {
		case StatusPassed:
			t.PassedSteps++
		case StatusFailed:
			t.FailedSteps++
		}
		if step.Action != "" {
			executed++
		}
	}
	t.SkippedSteps = defined - executed
	if t.SkippedSteps < 0 {
		t.SkippedSteps = 0
	}
}

// AggregateStatus determines the test status:
// failed iff a critical error occurred or any recorded result failed.
func (t *TestResult) AggregateStatus() StepStatus {
	if t.Critical {
		return StatusFailed
	}
	for _, step := range t.Steps {
		if step.Status == StatusFailed {
			return StatusFailed
		}
	}
	return StatusPassed
}

// FailedStepNames returns the names of failed results in order.
func (t *TestResult) FailedStepNames() []string {
	var names []string
	for _, step := range t.Steps {
		if step.Status == StatusFailed {
			names = append(names, step.Name)
		}
	}
	return names
}

// RunResult captures the outcome of executing several tests
type RunResult struct {
	RunID string `json:"runId"`

	// Timing
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	// Results, in input order
	Tests []TestResult `json:"tests"`

	// Summary
	TotalTests   int `json:"totalTests"`
	PassedTests  int `json:"passedTests"`
	FailedTests  int `json:"failedTests"`
	SkippedTests int `json:"skippedTests"`
}

// ComputeSummary calculates test counts from the Tests slice
func (r *RunResult) ComputeSummary() {
	r.TotalTests = len(r.Tests)
	r.PassedTests = 0
	r.FailedTests = 0
	r.SkippedTests = 0

	for _, t := range r.Tests {
		switch t.Status {
		case StatusPassed:
			r.PassedTests++
		case StatusFailed:
			r.FailedTests++
		case StatusSkipped:
			r.SkippedTests++
		}
	}
}

// Success returns true if every test passed
func (r *RunResult) Success() bool {
	for _, t := range r.Tests {
		if !t.Status.IsSuccess() {
			return false
		}
	}
	return len(r.Tests) > 0
}
