package report

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/executor"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// progressDebounce delays index writes for step progress.
const progressDebounce = 100 * time.Millisecond

// WriterConfig configures a Writer.
type WriterConfig struct {
	OutputDir  string
	Runner     RunnerInfo
	ResultsCSV string // ledger path; empty disables it
	Title      string // HTML title
	Allure     bool   // also write allure-results/ at the end of the run
}

// Writer records a run on disk. It implements executor.Observer and is safe
// for concurrent use by a parallel runner.
type Writer struct {
	mu    sync.Mutex
	cfg   WriterConfig
	path  string
	index *Index
	csv   *CSVLedger

	timer *time.Timer
}

var _ executor.Observer = (*Writer)(nil)

// NewWriter writes the skeleton index, with every test pending, and returns
// a writer for the run.
func NewWriter(cfg WriterConfig, defs []*flow.TestDefinition) (*Writer, error) {
	if cfg.Title == "" {
		cfg.Title = "Test Report"
	}
	if err := ensureDir(cfg.OutputDir); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	now := time.Now()
	index := &Index{
		Version:     Version,
		Status:      core.StatusPending,
		StartTime:   now,
		LastUpdated: now,
		Runner:      cfg.Runner,
		Tests:       make([]TestEntry, len(defs)),
	}
	for i, name := range DataFileNames(defs) {
		def := defs[i]
		index.Tests[i] = TestEntry{
			Index:          i,
			Name:           def.TestName,
			FunctionalUnit: def.FunctionalUnit,
			SourceFile:     def.SourcePath,
			Tags:           def.Tags,
			DataFile:       name,
			Status:         core.StatusPending,
			Steps:          StepSummary{Total: len(def.Steps)},
		}
	}

	w := &Writer{
		cfg:   cfg,
		path:  filepath.Join(cfg.OutputDir, "report.json"),
		index: index,
	}
	if cfg.ResultsCSV != "" {
		w.csv = NewCSVLedger(cfg.ResultsCSV)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(true); err != nil {
		return nil, err
	}
	return w, nil
}

// DataFileNames returns the detail file name of each test:
// <slug>-results.json, where the slug comes from the test name or, failing
// that, the source file. Duplicates get a numeric suffix.
func DataFileNames(defs []*flow.TestDefinition) []string {
	seen := make(map[string]int)
	names := make([]string, len(defs))
	for i, def := range defs {
		base := def.TestName
		if base == "" {
			base = strings.TrimSuffix(filepath.Base(def.SourcePath), filepath.Ext(def.SourcePath))
		}
		slug := core.Slug(base)
		seen[slug]++
		if n := seen[slug]; n > 1 {
			slug += "-" + strconv.Itoa(n)
		}
		names[i] = slug + "-results.json"
	}
	return names
}

// OnTestStart marks the test running.
func (w *Writer) OnTestStart(info executor.TestInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entry(info)
	if e == nil {
		return
	}
	now := time.Now()
	e.ID = info.ID
	e.Status = core.StatusRunning
	e.StartTime = &now
	e.UpdateSeq++
	if w.index.Status == core.StatusPending {
		w.index.Status = core.StatusRunning
		w.index.StartTime = now
	}
	w.flushOrWarn(false)
}

// OnStateChange is a no-op; the index tracks tests, not engine states.
func (w *Writer) OnStateChange(executor.TestInfo, executor.State) {}

// OnStepStart records the running step.
func (w *Writer) OnStepStart(info executor.TestInfo, index int, _ *flow.Step) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entry(info)
	if e == nil {
		return
	}
	current := index
	e.Steps.Current = &current
	e.UpdateSeq++
	w.debounceLocked()
}

// OnStepEnd counts the result.
func (w *Writer) OnStepEnd(info executor.TestInfo, _ int, result *core.StepResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entry(info)
	if e == nil {
		return
	}
	switch result.Status {
	case core.StatusPassed:
		e.Steps.Passed++
	case core.StatusFailed:
		e.Steps.Failed++
	}
	e.UpdateSeq++
	w.debounceLocked()
}

// OnTestEnd writes the test's detail file and ledger row, then flushes the
// index.
func (w *Writer) OnTestEnd(info executor.TestInfo, result *core.TestResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entry(info)
	if e == nil {
		return
	}
	w.finishLocked(e, info.ID, result)
	w.flushOrWarn(true)
}

// Finish records the run result. Tests the runner skipped never reach the
// observer, so their entries are completed here. The HTML summary and the
// optional Allure results are regenerated last.
func (w *Writer) Finish(run *core.RunResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.index.RunID = run.RunID
	for i := range run.Tests {
		if i >= len(w.index.Tests) {
			break
		}
		e := &w.index.Tests[i]
		if !e.Status.IsTerminal() {
			w.finishLocked(e, e.ID, &run.Tests[i])
		}
	}

	end := run.StartTime.Add(run.Duration)
	if run.StartTime.IsZero() {
		end = time.Now()
	} else {
		w.index.StartTime = run.StartTime
	}
	w.index.EndTime = &end
	w.index.Status = w.computeRunStatus()

	if err := w.flushLocked(true); err != nil {
		return err
	}
	if w.cfg.Allure {
		if err := GenerateAllure(w.cfg.OutputDir); err != nil {
			return fmt.Errorf("allure: %w", err)
		}
	}
	return nil
}

// Close stops the debounce timer and writes pending progress.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushOrWarn(false)
}

// Index returns a copy of the current index.
func (w *Writer) Index() Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := *w.index
	idx.Tests = append([]TestEntry(nil), w.index.Tests...)
	return idx
}

func (w *Writer) entry(info executor.TestInfo) *TestEntry {
	if info.Index < 0 || info.Index >= len(w.index.Tests) {
		logger.Warn("report: test index %d out of range", info.Index)
		return nil
	}
	return &w.index.Tests[info.Index]
}

func (w *Writer) finishLocked(e *TestEntry, id string, result *core.TestResult) {
	end := result.StartTime.Add(result.Duration)
	ms := result.Duration.Milliseconds()
	e.ID = id
	e.Status = result.Status
	if !result.StartTime.IsZero() {
		start := result.StartTime
		e.StartTime = &start
	}
	e.EndTime = &end
	e.Duration = &ms
	e.Steps = summaryOf(result)
	if result.Error != "" {
		msg := result.Error
		e.Error = &msg
	}
	e.UpdateSeq++

	detail := NewTestDetail(id, result, w.cfg.OutputDir)
	if err := atomicWriteJSON(filepath.Join(w.cfg.OutputDir, e.DataFile), detail); err != nil {
		logger.Error("report: write %s: %v", e.DataFile, err)
	}
	if w.csv != nil {
		if err := w.csv.Append(result); err != nil {
			logger.Error("report: append %s: %v", w.cfg.ResultsCSV, err)
		}
	}
}

func (w *Writer) debounceLocked() {
	if w.timer == nil {
		w.timer = time.AfterFunc(progressDebounce, func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.flushOrWarn(false)
		})
	}
}

func (w *Writer) flushOrWarn(html bool) {
	if err := w.flushLocked(html); err != nil {
		logger.Warn("report: %v", err)
	}
}

// flushLocked writes the index while holding the lock. The HTML summary is
// regenerated for terminal updates only.
func (w *Writer) flushLocked(html bool) error {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	w.index.UpdateSeq++
	w.index.LastUpdated = time.Now()
	w.index.Summary = w.computeSummary()

	if err := atomicWriteJSON(w.path, w.index); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if html {
		if err := GenerateHTML(w.cfg.OutputDir, HTMLConfig{Title: w.cfg.Title}); err != nil {
			return fmt.Errorf("generate html: %w", err)
		}
	}
	return nil
}

func (w *Writer) computeSummary() Summary {
	var s Summary
	for _, t := range w.index.Tests {
		s.Total++
		switch t.Status {
		case core.StatusPassed:
			s.Passed++
		case core.StatusFailed:
			s.Failed++
		case core.StatusSkipped:
			s.Skipped++
		case core.StatusRunning:
			s.Running++
		case core.StatusPending:
			s.Pending++
		}
	}
	return s
}

// computeRunStatus: running until every test is terminal, then failed if
// any test failed.
func (w *Writer) computeRunStatus() core.StepStatus {
	hasFailure := false
	for _, t := range w.index.Tests {
		if !t.Status.IsTerminal() {
			return core.StatusRunning
		}
		if t.Status == core.StatusFailed {
			hasFailure = true
		}
	}
	if hasFailure {
		return core.StatusFailed
	}
	return core.StatusPassed
}
