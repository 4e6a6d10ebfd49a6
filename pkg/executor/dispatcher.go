package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/content"
	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

// runStep performs the step's action and then checks its PageLoadObjects.
// The second return value is non-nil only for errors that end the test.
func (e *Engine) runStep(ctx context.Context, page core.Page, def *flow.TestDefinition, step *flow.Step) (core.StepResult, error) {
	start := time.Now()
	sr := core.StepResult{
		Name:      step.Name,
		Action:    step.Action,
		Status:    core.StatusRunning,
		StartTime: start,
	}

	var (
		stepErr  error
		critical error
	)
	if err := e.dispatch(ctx, page, def, step); err != nil {
		stepErr = err
		if core.IsCritical(err) {
			critical = err
		}
	} else {
		for _, sel := range step.PageLoadObjects {
			timeout := flow.FirstWait(e.config.DefaultWait, sel.Wait, step.Wait, def.Wait)
			check := e.checkObject(ctx, page, sel, timeout)
			if check.content != nil {
				sr.Content = check.content
			}
			sr.ValidationErrors = append(sr.ValidationErrors, check.validationErrors...)
			if check.err != nil {
				stepErr = check.err
				if core.IsCritical(check.err) {
					critical = check.err
				}
				break
			}
		}
		if stepErr == nil && len(sr.ValidationErrors) > 0 {
			stepErr = core.ErrContentMismatch.WithMessage(strings.Join(sr.ValidationErrors, "; "))
		}
	}

	sr.Status = core.StatusPassed
	if stepErr != nil {
		sr.Status = core.StatusFailed
		setError(&sr, stepErr)
		sr.Screenshot = e.capture(ctx, page, def.TestName, step.Name)
	}
	sr.Duration = time.Since(start)
	return sr, critical
}

// dispatch performs the step's action. A missing target makes the action
// a no-op.
func (e *Engine) dispatch(ctx context.Context, page core.Page, def *flow.TestDefinition, step *flow.Step) error {
	switch step.Action {
	case flow.ActionClick:
		if !step.HasObject() {
			return nil
		}
		el, err := Await(ctx, page, *step.Object, e.objectWait(def, step), e.config.PollInterval)
		if err != nil {
			return err
		}
		if err := el.Click(ctx); err != nil {
			return core.ErrActionFailed.WithMessagef("click %s", step.Object.Describe()).WithCause(err)
		}
		return nil

	case flow.ActionFetch:
		if step.URL == "" {
			return nil
		}
		opts := core.GotoOptions{
			WaitUntil: e.config.WaitUntil,
			Timeout:   flow.FirstWait(e.config.DefaultWait, step.Wait, def.Wait),
		}
		if err := page.Goto(ctx, step.URL, opts); err != nil {
			return core.ErrNavigationFailed.WithMessagef("navigate to %s", step.URL).WithCause(err)
		}
		return nil

	case flow.ActionInput:
		if !step.HasObject() || step.Input == "" {
			return nil
		}
		el, err := Await(ctx, page, *step.Object, e.objectWait(def, step), e.config.PollInterval)
		if err != nil {
			return err
		}
		if err := el.Fill(ctx, step.Input); err != nil {
			return core.ErrActionFailed.WithMessagef("fill %s", step.Object.Describe()).WithCause(err)
		}
		return nil

	default:
		return core.ErrInvalidDocument.WithMessagef("unknown action %q", step.Action)
	}
}

func (e *Engine) objectWait(def *flow.TestDefinition, step *flow.Step) time.Duration {
	return flow.FirstWait(e.config.DefaultWait, step.Object.Wait, step.Wait, def.Wait)
}

// objectCheck is the outcome of checking one element.
type objectCheck struct {
	content          *string  // captured text, when validation is configured
	validationErrors []string // content failures
	err              error    // resolution failure; stops further checks
}

// checkObject resolves sel, waits for it to be visible and validates its
// text when a check is configured.
func (e *Engine) checkObject(ctx context.Context, page core.Page, sel flow.Selector, timeout time.Duration) objectCheck {
	el, err := Await(ctx, page, sel, timeout, e.config.PollInterval)
	if err != nil {
		return objectCheck{err: err}
	}
	if !sel.HasValidation() {
		return objectCheck{}
	}

	text, err := el.TextContent(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return objectCheck{err: core.ErrCancelled.WithCause(ctx.Err())}
		}
		return objectCheck{err: core.ErrTextUnavailable.WithMessagef("read text of %s", sel.Describe()).WithCause(err)}
	}

	check := objectCheck{content: &text}
	if sel.ExpectedContent != "" && !content.Contains(text, sel.ExpectedContent) {
		check.validationErrors = append(check.validationErrors,
			fmt.Sprintf("%s: expected content %q not found in %q", sel.Describe(), sel.ExpectedContent, text))
	}
	if sel.Validation != "" {
		if msg := e.validate(sel, text); msg != "" {
			check.validationErrors = append(check.validationErrors, msg)
		}
	}
	return check
}

// validate returns a failure message, or "" when text satisfies sel.
func (e *Engine) validate(sel flow.Selector, text string) string {
	pattern, err := e.pattern(sel.Validation, sel.ValidationPattern)
	if err != nil {
		return fmt.Sprintf("%s: %s validation misconfigured: %v", sel.Describe(), sel.Validation, err)
	}
	ok, err := content.Validate(text, sel.Validation, pattern)
	if err != nil {
		return fmt.Sprintf("%s: %s validation misconfigured: %v", sel.Describe(), sel.Validation, err)
	}
	if !ok {
		if sel.ValidationPattern != "" {
			return fmt.Sprintf("%s: content %q does not satisfy %s %s", sel.Describe(), text, sel.Validation, sel.ValidationPattern)
		}
		return fmt.Sprintf("%s: content %q is not a valid %s", sel.Describe(), text, sel.Validation)
	}
	return ""
}

type compiledPattern struct {
	value any
	err   error
}

// pattern compiles a validation pattern once per engine.
func (e *Engine) pattern(kind content.Kind, src string) (any, error) {
	key := string(kind) + "\x00" + src
	if v, ok := e.patterns.Load(key); ok {
		cp := v.(compiledPattern)
		return cp.value, cp.err
	}
	value, err := content.ResolvePattern(kind, src)
	v, _ := e.patterns.LoadOrStore(key, compiledPattern{value: value, err: err})
	cp := v.(compiledPattern)
	return cp.value, cp.err
}
