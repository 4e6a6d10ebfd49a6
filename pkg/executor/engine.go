// Package executor replays test documents against a browser session.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// DefaultWait bounds every wait that no document level configures.
const DefaultWait = 30 * time.Second

// FailurePolicy decides whether a failed step ends the test.
type FailurePolicy string

const (
	// FailureAbort stops at the first failed step or start condition.
	FailureAbort FailurePolicy = "abort"
	// FailureCollect runs every step and reports all failures.
	FailureCollect FailurePolicy = "collect"
)

// StartCheckMode decides how start conditions are evaluated.
type StartCheckMode string

const (
	// StartChecksSequential checks start conditions one after another.
	StartChecksSequential StartCheckMode = "sequential"
	// StartChecksConcurrent checks all start conditions at once.
	StartChecksConcurrent StartCheckMode = "concurrent"
)

// ParseFailurePolicy parses "abort" or "collect". Empty means abort.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(s)) {
	case "", FailureAbort:
		return FailureAbort, nil
	case FailureCollect:
		return FailureCollect, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (want abort or collect)", s)
}

// ParseStartCheckMode parses "sequential" or "concurrent". Empty means
// sequential.
func ParseStartCheckMode(s string) (StartCheckMode, error) {
	switch StartCheckMode(strings.ToLower(s)) {
	case "", StartChecksSequential:
		return StartChecksSequential, nil
	case StartChecksConcurrent:
		return StartChecksConcurrent, nil
	}
	return "", fmt.Errorf("unknown start check mode %q (want sequential or concurrent)", s)
}

// State is a phase of one test execution.
type State int

const (
	StateInit State = iota
	StateNavigatingStart
	StateCheckingStartConditions
	StateRunningSteps
	StateFinalizing
	StateDone
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNavigatingStart:
		return "navigating-start"
	case StateCheckingStartConditions:
		return "checking-start-conditions"
	case StateRunningSteps:
		return "running-steps"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Config configures the engine.
type Config struct {
	Launcher      core.Launcher
	Launch        core.LaunchOptions
	DefaultWait   time.Duration        // used when no document level sets a wait
	WaitUntil     core.WaitUntil       // navigation completion condition
	FailurePolicy FailurePolicy        // abort (default) or collect
	StartChecks   StartCheckMode       // sequential (default) or concurrent
	PollInterval  time.Duration        // presence polling interval
	Diagnostics   core.DiagnosticsSink // failure captures; nil disables
	Observer      Observer             // progress events; nil disables
	Variables     map[string]string    // ${...} and $VAR values
	ImportEnv     bool                 // also expose process env vars
}

// Engine runs single tests. It holds no per-test state and is safe for
// concurrent use; each Run acquires its own session.
type Engine struct {
	config   Config
	patterns sync.Map // compiled validation patterns
}

// NewEngine creates an engine, filling defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = DefaultWait
	}
	if cfg.WaitUntil == "" {
		cfg.WaitUntil = core.WaitUntilNetworkIdle
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailureAbort
	}
	if cfg.StartChecks == "" {
		cfg.StartChecks = StartChecksSequential
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = core.NullSink{}
	}
	if cfg.Observer == nil {
		cfg.Observer = ObserverFuncs{}
	}
	return &Engine{config: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Run executes one test as a standalone run.
func (e *Engine) Run(ctx context.Context, def *flow.TestDefinition) core.TestResult {
	return e.RunTest(ctx, def, TestInfo{
		ID:     uuid.NewString(),
		Name:   def.TestName,
		Source: def.SourcePath,
		Total:  1,
	})
}

// RunTest executes one test. It never panics and never returns an error:
// every failure, including driver panics, is recorded in the result.
func (e *Engine) RunTest(ctx context.Context, def *flow.TestDefinition, info TestInfo) (result core.TestResult) {
	start := time.Now()
	obs := e.config.Observer
	result = core.TestResult{
		TestName:       def.TestName,
		FunctionalUnit: def.FunctionalUnit,
		SourcePath:     def.SourcePath,
		Tags:           def.Tags,
		Status:         core.StatusRunning,
		StartTime:      start,
	}
	obs.OnTestStart(info)

	var session core.Session
	defer func() {
		if r := recover(); r != nil {
			logger.Error("test %q: recovered panic: %v", def.TestName, r)
			markCritical(&result, core.ErrDriverPanic.WithMessagef("driver panicked: %v", r))
		}
		obs.OnStateChange(info, StateFinalizing)
		if session != nil {
			if err := session.Close(); err != nil {
				logger.Warn("test %q: closing session: %v", def.TestName, err)
			}
		}
		result.Status = result.AggregateStatus()
		result.ComputeSummary(len(def.Steps))
		result.Duration = time.Since(start)
		obs.OnStateChange(info, StateDone)
		obs.OnTestEnd(info, &result)
	}()

	obs.OnStateChange(info, StateInit)
	def = e.expand(def)
	if err := ctx.Err(); err != nil {
		markCritical(&result, core.ErrCancelled.WithCause(err))
		return result
	}

	var err error
	session, err = e.config.Launcher.Launch(ctx, e.config.Launch)
	if err != nil {
		markCritical(&result, core.ErrLaunchFailed.WithCause(err))
		return result
	}
	page, err := session.NewPage(ctx)
	if err != nil {
		markCritical(&result, core.ErrLaunchFailed.WithMessage("could not open page").WithCause(err))
		return result
	}

	obs.OnStateChange(info, StateNavigatingStart)
	gotoOpts := core.GotoOptions{
		WaitUntil: e.config.WaitUntil,
		Timeout:   flow.FirstWait(e.config.DefaultWait, def.Wait),
	}
	if err := page.Goto(ctx, def.StartURL, gotoOpts); err != nil {
		markCritical(&result, core.ErrNavigationFailed.WithMessagef("navigate to %s", def.StartURL).WithCause(err))
		e.capture(ctx, page, def.TestName, "start")
		return result
	}

	obs.OnStateChange(info, StateCheckingStartConditions)
	failures, critical := e.checkStartConditions(ctx, page, def)
	for i := range failures {
		result.Steps = append(result.Steps, failures[i])
		obs.OnStepEnd(info, -1-i, &failures[i])
	}
	if critical != nil {
		markCritical(&result, critical)
		return result
	}
	if ctx.Err() != nil {
		markCritical(&result, core.ErrCancelled.WithCause(ctx.Err()))
		return result
	}
	if len(failures) > 0 && e.config.FailurePolicy == FailureAbort {
		return result
	}

	obs.OnStateChange(info, StateRunningSteps)
	for i := range def.Steps {
		if err := ctx.Err(); err != nil {
			markCritical(&result, core.ErrCancelled.WithCause(err))
			break
		}

		step := &def.Steps[i]
		obs.OnStepStart(info, i, step)
		sr, critical := e.runStep(ctx, page, def, step)
		result.Steps = append(result.Steps, sr)
		obs.OnStepEnd(info, i, &result.Steps[len(result.Steps)-1])

		if critical != nil {
			markCritical(&result, critical)
			break
		}
		if ctx.Err() != nil {
			markCritical(&result, core.ErrCancelled.WithCause(ctx.Err()))
			break
		}
		if sr.Failed() && e.config.FailurePolicy == FailureAbort {
			break
		}
	}
	return result
}

// expand applies variable expansion to a copy of def.
func (e *Engine) expand(def *flow.TestDefinition) *flow.TestDefinition {
	if len(e.config.Variables) == 0 && !e.config.ImportEnv {
		return def
	}
	se := NewScriptEngine()
	defer se.Close()
	if e.config.ImportEnv {
		se.ImportSystemEnv()
	}
	se.SetVariables(e.config.Variables)
	return se.ExpandDefinition(def)
}

// checkStartConditions evaluates every start condition and returns one
// failed result per failing condition, in document order. A driver panic
// during a check is returned as the critical error.
func (e *Engine) checkStartConditions(ctx context.Context, page core.Page, def *flow.TestDefinition) ([]core.StepResult, error) {
	results := make([]*core.StepResult, len(def.StartPageLoadObjects))

	var (
		mu       sync.Mutex
		critical error
	)
	check := func(i int) {
		sel := def.StartPageLoadObjects[i]
		defer func() {
			if r := recover(); r != nil {
				err := core.ErrDriverPanic.WithMessagef("driver panicked: %v", r)
				sr := &core.StepResult{Name: "Load " + sel.Describe(), Status: core.StatusFailed, StartTime: time.Now()}
				setError(sr, err)
				results[i] = sr

				mu.Lock()
				if critical == nil {
					critical = err
				}
				mu.Unlock()
			}
		}()
		results[i] = e.checkStartCondition(ctx, page, def, sel)
	}

	if e.config.StartChecks == StartChecksConcurrent && len(results) > 1 {
		var g errgroup.Group
		for i := range results {
			g.Go(func() error {
				check(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range results {
			if ctx.Err() != nil || critical != nil {
				break
			}
			check(i)
		}
	}

	var failures []core.StepResult
	for _, sr := range results {
		if sr != nil {
			failures = append(failures, *sr)
		}
	}
	return failures, critical
}

// checkStartCondition returns a failed result, or nil when sel holds.
func (e *Engine) checkStartCondition(ctx context.Context, page core.Page, def *flow.TestDefinition, sel flow.Selector) *core.StepResult {
	start := time.Now()
	name := "Load " + sel.Describe()
	timeout := flow.FirstWait(e.config.DefaultWait, sel.Wait, def.Wait)

	check := e.checkObject(ctx, page, sel, timeout)
	if check.err == nil && len(check.validationErrors) == 0 {
		return nil
	}

	sr := &core.StepResult{
		Name:             name,
		Status:           core.StatusFailed,
		StartTime:        start,
		Content:          check.content,
		ValidationErrors: check.validationErrors,
	}
	err := check.err
	if err == nil {
		err = core.ErrContentMismatch.WithMessage(strings.Join(check.validationErrors, "; "))
	}
	setError(sr, err)
	sr.Screenshot = e.capture(ctx, page, def.TestName, name)
	sr.Duration = time.Since(start)
	return sr
}

// capture records diagnostics, logging rather than failing on error.
func (e *Engine) capture(ctx context.Context, page core.Page, testName, stepName string) string {
	// Captures run even after cancellation.
	capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	path, err := e.config.Diagnostics.CaptureFailure(capCtx, page, testName, stepName)
	if err != nil {
		logger.Warn("test %q: capture for %q failed: %v", testName, stepName, err)
		return ""
	}
	return path
}

func setError(sr *core.StepResult, err error) {
	sr.Err = err
	sr.Error = fmt.Sprintf("step %q: %v", sr.Name, err)
	sr.Category = core.CategoryOf(err)
	sr.Code = core.CodeOf(err)
}

func markCritical(result *core.TestResult, err error) {
	if result.Critical {
		return
	}
	result.Critical = true
	result.Err = err
	result.Error = err.Error()
}
