package core

import (
	"testing"

	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

func TestTestResult_AggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		result   TestResult
		expected StepStatus
	}{
		{
			name: "all passed",
			result: TestResult{Steps: []StepResult{
				{Name: "a", Status: StatusPassed},
				{Name: "b", Status: StatusPassed},
			}},
			expected: StatusPassed,
		},
		{
			name:     "no steps",
			result:   TestResult{},
			expected: StatusPassed,
		},
		{
			name: "one failed",
			result: TestResult{Steps: []StepResult{
				{Name: "a", Status: StatusPassed},
				{Name: "b", Status: StatusFailed},
			}},
			expected: StatusFailed,
		},
		{
			name:     "critical without steps",
			result:   TestResult{Critical: true},
			expected: StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.AggregateStatus(); got != tt.expected {
				t.Errorf("AggregateStatus() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTestResult_ComputeSummary(t *testing.T) {
	r := TestResult{Steps: []StepResult{
		{Name: "Load #banner", Status: StatusFailed},
		{Name: "a", Action: flow.ActionClick, Status: StatusPassed},
		{Name: "b", Action: flow.ActionInput, Status: StatusFailed},
	}}
	r.ComputeSummary(4)

	if r.TotalSteps != 3 {
		t.Errorf("TotalSteps = %d, want 3", r.TotalSteps)
	}
	if r.PassedSteps != 1 {
		t.Errorf("PassedSteps = %d, want 1", r.PassedSteps)
	}
	if r.FailedSteps != 2 {
		t.Errorf("FailedSteps = %d, want 2", r.FailedSteps)
	}
	if r.SkippedSteps != 2 {
		t.Errorf("SkippedSteps = %d, want 2", r.SkippedSteps)
	}
}

func TestTestResult_FailedStepNames(t *testing.T) {
	r := TestResult{Steps: []StepResult{
		{Name: "a", Status: StatusFailed},
		{Name: "b", Status: StatusPassed},
		{Name: "c", Status: StatusFailed},
	}}
	got := r.FailedStepNames()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("FailedStepNames() = %v, want [a c]", got)
	}
}

func TestRunResult_ComputeSummary(t *testing.T) {
	r := RunResult{Tests: []TestResult{
		{Status: StatusPassed},
		{Status: StatusFailed},
		{Status: StatusSkipped},
		{Status: StatusPassed},
	}}
	r.ComputeSummary()

	if r.TotalTests != 4 || r.PassedTests != 2 || r.FailedTests != 1 || r.SkippedTests != 1 {
		t.Errorf("summary = %d/%d/%d/%d", r.TotalTests, r.PassedTests, r.FailedTests, r.SkippedTests)
	}
	if r.Success() {
		t.Error("Success() should be false with a failure")
	}
}

func TestRunResult_Success(t *testing.T) {
	if (&RunResult{}).Success() {
		t.Error("empty run is not a success")
	}
	r := RunResult{Tests: []TestResult{{Status: StatusPassed}}}
	if !r.Success() {
		t.Error("all passed should be success")
	}
}
