package executor

import (
	"strings"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// TestInfo identifies one test execution to observers.
type TestInfo struct {
	ID     string // unique per execution
	Name   string
	Source string
	Index  int // 0-based position in the run
	Total  int // tests in the run
}

// Observer receives engine progress. Start-condition results are reported
// through OnStepEnd with a negative index. Implementations used with a
// parallel Runner must be safe for concurrent use.
type Observer interface {
	OnTestStart(info TestInfo)
	OnStateChange(info TestInfo, state State)
	OnStepStart(info TestInfo, index int, step *flow.Step)
	OnStepEnd(info TestInfo, index int, result *core.StepResult)
	OnTestEnd(info TestInfo, result *core.TestResult)
}

// ObserverFuncs adapts optional callbacks to Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	TestStart   func(info TestInfo)
	StateChange func(info TestInfo, state State)
	StepStart   func(info TestInfo, index int, step *flow.Step)
	StepEnd     func(info TestInfo, index int, result *core.StepResult)
	TestEnd     func(info TestInfo, result *core.TestResult)
}

func (f ObserverFuncs) OnTestStart(info TestInfo) {
	if f.TestStart != nil {
		f.TestStart(info)
	}
}

func (f ObserverFuncs) OnStateChange(info TestInfo, state State) {
	if f.StateChange != nil {
		f.StateChange(info, state)
	}
}

func (f ObserverFuncs) OnStepStart(info TestInfo, index int, step *flow.Step) {
	if f.StepStart != nil {
		f.StepStart(info, index, step)
	}
}

func (f ObserverFuncs) OnStepEnd(info TestInfo, index int, result *core.StepResult) {
	if f.StepEnd != nil {
		f.StepEnd(info, index, result)
	}
}

func (f ObserverFuncs) OnTestEnd(info TestInfo, result *core.TestResult) {
	if f.TestEnd != nil {
		f.TestEnd(info, result)
	}
}

// Observers fans events out in order. Nil entries are skipped.
type Observers []Observer

func (o Observers) OnTestStart(info TestInfo) {
	for _, obs := range o {
		if obs != nil {
			obs.OnTestStart(info)
		}
	}
}

func (o Observers) OnStateChange(info TestInfo, state State) {
	for _, obs := range o {
		if obs != nil {
			obs.OnStateChange(info, state)
		}
	}
}

func (o Observers) OnStepStart(info TestInfo, index int, step *flow.Step) {
	for _, obs := range o {
		if obs != nil {
			obs.OnStepStart(info, index, step)
		}
	}
}

func (o Observers) OnStepEnd(info TestInfo, index int, result *core.StepResult) {
	for _, obs := range o {
		if obs != nil {
			obs.OnStepEnd(info, index, result)
		}
	}
}

func (o Observers) OnTestEnd(info TestInfo, result *core.TestResult) {
	for _, obs := range o {
		if obs != nil {
			obs.OnTestEnd(info, result)
		}
	}
}

// LogObserver writes progress to the run log.
type LogObserver struct{}

func (LogObserver) OnTestStart(info TestInfo) {
	logger.Info("test %q started (%s) id=%s", info.Name, info.Source, info.ID)
}

func (LogObserver) OnStateChange(info TestInfo, state State) {
	logger.Debug("test %q: state %s", info.Name, state)
}

func (LogObserver) OnStepStart(info TestInfo, index int, step *flow.Step) {
	logger.Debug("test %q: step %d %q: %s", info.Name, index+1, step.Name, step.Describe())
}

func (LogObserver) OnStepEnd(info TestInfo, index int, result *core.StepResult) {
	if result.Failed() {
		msg := result.Error
		if len(result.ValidationErrors) > 0 {
			msg += " [" + strings.Join(result.ValidationErrors, "; ") + "]"
		}
		logger.Warn("test %q: %q failed (%s): %s", info.Name, result.Name, result.Category, msg)
		return
	}
	logger.Info("test %q: %q passed in %v", info.Name, result.Name, result.Duration)
}

func (LogObserver) OnTestEnd(info TestInfo, result *core.TestResult) {
	if result.Critical {
		logger.Error("test %q: critical error: %s", info.Name, result.Error)
	}
	logger.Info("test %q %s in %v (%d passed, %d failed, %d skipped)",
		info.Name, result.Status, result.Duration, result.PassedSteps, result.FailedSteps, result.SkippedSteps)
}
