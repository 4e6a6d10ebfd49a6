package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

// RunnerConfig configures the test runner.
type RunnerConfig struct {
	Engine      Config
	Parallelism int  // Max concurrent tests (0 or 1 = sequential)
	StopOnFail  bool // Skip tests not yet started after the first failure
}

// Runner executes a batch of test definitions.
type Runner struct {
	config RunnerConfig
	engine *Engine
}

// NewRunner creates a new Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		config: cfg,
		engine: NewEngine(cfg.Engine),
	}
}

// Engine returns the engine shared by every test of the run.
func (r *Runner) Engine() *Engine {
	return r.engine
}

// Run executes defs and returns their results in input order. Each test
// gets its own browser session.
func (r *Runner) Run(ctx context.Context, defs []*flow.TestDefinition) core.RunResult {
	run := core.RunResult{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
		Tests:     make([]core.TestResult, len(defs)),
	}

	limit := r.config.Parallelism
	if limit < 1 {
		limit = 1
	}
	var (
		g       errgroup.Group
		stopped atomic.Bool
	)
	g.SetLimit(limit)

	for i, def := range defs {
		info := TestInfo{
			ID:     uuid.NewString(),
			Name:   def.TestName,
			Source: def.SourcePath,
			Index:  i,
			Total:  len(defs),
		}
		if reason := r.stopReason(ctx, &stopped); reason != "" {
			run.Tests[i] = skippedTest(def, reason)
			continue
		}

		g.Go(func() error {
			// Re-check: the slot may have been granted after a failure.
			if reason := r.stopReason(ctx, &stopped); reason != "" {
				run.Tests[i] = skippedTest(def, reason)
				return nil
			}
			result := r.engine.RunTest(ctx, def, info)
			run.Tests[i] = result
			if r.config.StopOnFail && result.Status == core.StatusFailed {
				stopped.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	run.Duration = time.Since(run.StartTime)
	run.ComputeSummary()
	return run
}

func (r *Runner) stopReason(ctx context.Context, stopped *atomic.Bool) string {
	if ctx.Err() != nil {
		return "run cancelled"
	}
	if stopped.Load() {
		return "run stopped"
	}
	return ""
}

func skippedTest(def *flow.TestDefinition, reason string) core.TestResult {
	tr := core.TestResult{
		TestName:       def.TestName,
		FunctionalUnit: def.FunctionalUnit,
		SourcePath:     def.SourcePath,
		Tags:           def.Tags,
		Status:         core.StatusSkipped,
		Error:          reason,
		StartTime:      time.Now(),
	}
	tr.ComputeSummary(len(def.Steps))
	return tr
}
