// Package report writes run results to disk as they happen.
//
// Layout of an output directory:
//   - report.json: run index (small, rewritten on every change, mutex-protected)
//   - <slug>-results.json: one detail file per test, written when the test ends
//   - report.html: static summary rendered from the two above
//   - screenshots/<test-slug>/<step-slug>.png: failure captures
//
// Consumers poll report.json and fetch a detail file once its entry is terminal.
package report

import (
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
)

// Version is the report schema version.
const Version = "1.0.0"

// ============================================================================
// INDEX (report.json)
// ============================================================================

// Index is the run-level file that binds everything together.
type Index struct {
	Version     string          `json:"version"`
	RunID       string          `json:"runId,omitempty"`
	UpdateSeq   uint64          `json:"updateSeq"`
	Status      core.StepStatus `json:"status"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Runner      RunnerInfo      `json:"runner"`
	Summary     Summary         `json:"summary"`
	Tests       []TestEntry     `json:"tests"`
}

// RunnerInfo describes how the run was executed.
type RunnerInfo struct {
	Version string `json:"version"`
	Driver  string `json:"driver"`
	Browser string `json:"browser,omitempty"`
}

// Summary contains aggregated test counts.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// TestEntry is the index entry for a test (minimal info).
type TestEntry struct {
	Index          int             `json:"index"` // position in the run
	ID             string          `json:"id"`    // execution ID, set when the test starts
	Name           string          `json:"name"`
	FunctionalUnit string          `json:"functionalUnit,omitempty"`
	SourceFile     string          `json:"sourceFile,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	DataFile       string          `json:"dataFile"` // detail file, relative to the output dir
	Status         core.StepStatus `json:"status"`
	UpdateSeq      uint64          `json:"updateSeq"`
	StartTime      *time.Time      `json:"startTime,omitempty"`
	EndTime        *time.Time      `json:"endTime,omitempty"`
	Duration       *int64          `json:"duration,omitempty"` // milliseconds
	Steps          StepSummary     `json:"steps"`
	Error          *string         `json:"error,omitempty"`
}

// StepSummary contains step counts for a test.
type StepSummary struct {
	Total   int  `json:"total"`
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Current *int `json:"current,omitempty"` // index of the running step
}

// ============================================================================
// TEST DETAIL (<slug>-results.json)
// ============================================================================

// TestDetail is the full result of one test.
type TestDetail struct {
	ID             string          `json:"id"`
	TestName       string          `json:"testName"`
	FunctionalUnit string          `json:"functionalUnit,omitempty"`
	SourceFile     string          `json:"sourceFile,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Status         core.StepStatus `json:"status"`
	Critical       bool            `json:"critical,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartTime      time.Time       `json:"startTime"`
	DurationMs     int64           `json:"durationMs"`
	Summary        StepSummary     `json:"summary"`
	Steps          []StepDetail    `json:"steps"`
}

// StepDetail is the result of one step or failed start condition.
type StepDetail struct {
	Name             string             `json:"name"`
	Action           string             `json:"action,omitempty"`
	Status           core.StepStatus    `json:"status"`
	ErrorCategory    core.ErrorCategory `json:"errorCategory,omitempty"`
	ErrorCode        string             `json:"errorCode,omitempty"`
	StartTime        time.Time          `json:"startTime"`
	DurationMs       int64              `json:"durationMs"`
	Content          *string            `json:"content,omitempty"`
	Error            string             `json:"error,omitempty"`
	ValidationErrors []string           `json:"validationErrors,omitempty"`
	Screenshot       string             `json:"screenshot,omitempty"` // relative to the output dir
}

// NewTestDetail converts an engine result. Screenshot paths are made
// relative to outputDir when they live under it.
func NewTestDetail(id string, result *core.TestResult, outputDir string) TestDetail {
	d := TestDetail{
		ID:             id,
		TestName:       result.TestName,
		FunctionalUnit: result.FunctionalUnit,
		SourceFile:     result.SourcePath,
		Tags:           result.Tags,
		Status:         result.Status,
		Critical:       result.Critical,
		Error:          result.Error,
		StartTime:      result.StartTime,
		DurationMs:     result.Duration.Milliseconds(),
		Summary:        summaryOf(result),
		Steps:          make([]StepDetail, 0, len(result.Steps)),
	}
	for _, s := range result.Steps {
		var category core.ErrorCategory
		if s.Failed() {
			category = s.Category
		}
		d.Steps = append(d.Steps, StepDetail{
			Name:             s.Name,
			Action:           string(s.Action),
			Status:           s.Status,
			ErrorCategory:    category,
			ErrorCode:        s.Code,
			StartTime:        s.StartTime,
			DurationMs:       s.Duration.Milliseconds(),
			Content:          s.Content,
			Error:            s.Error,
			ValidationErrors: s.ValidationErrors,
			Screenshot:       relPath(outputDir, s.Screenshot),
		})
	}
	return d
}

func summaryOf(result *core.TestResult) StepSummary {
	return StepSummary{
		Total:   result.TotalSteps,
		Passed:  result.PassedSteps,
		Failed:  result.FailedSteps,
		Skipped: result.SkippedSteps,
	}
}
