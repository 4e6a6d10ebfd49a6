package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/content"
	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/driver/mock"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

const loginURL = "http://app.test/login"

// loginSite serves a login form whose submit button reveals #welcome.
func loginSite() map[string]mock.PageSpec {
	return map[string]mock.PageSpec{
		loginURL: {
			"h1":    {{Text: "Sign in"}},
			"#user": {{}},
			"#pass": {{}},
			"#submit": {{OnClick: func(p *mock.Page) {
				p.Set("#welcome", &mock.Element{Text: "Welcome, ada"})
			}}},
		},
	}
}

func loginTest() *flow.TestDefinition {
	return &flow.TestDefinition{
		TestName:             "Login",
		FunctionalUnit:       "auth",
		StartURL:             loginURL,
		StartPageLoadObjects: []flow.Selector{{Selector: "h1", ExpectedContent: "Sign"}},
		Steps: []flow.Step{
			{Name: "user", Action: flow.ActionInput, Object: &flow.Selector{Selector: "#user"}, Input: "ada"},
			{Name: "pass", Action: flow.ActionInput, Object: &flow.Selector{Selector: "#pass"}, Input: "secret"},
			{
				Name:            "submit",
				Action:          flow.ActionClick,
				Object:          &flow.Selector{Selector: "#submit"},
				PageLoadObjects: []flow.Selector{{Selector: "#welcome", ExpectedContent: "Welcome"}},
			},
		},
	}
}

type harness struct {
	launcher *mock.Launcher
	sink     *core.RecordingSink
	engine   *Engine
}

func newHarness(mcfg mock.Config, mutate func(*Config)) *harness {
	h := &harness{launcher: mock.New(mcfg), sink: &core.RecordingSink{}}
	cfg := Config{
		Launcher:     h.launcher,
		DefaultWait:  200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Diagnostics:  h.sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.engine = NewEngine(cfg)
	return h
}

func (h *harness) page(t *testing.T) *mock.Page {
	t.Helper()
	sessions := h.launcher.Sessions()
	if len(sessions) == 0 {
		t.Fatal("no session launched")
	}
	pages := sessions[len(sessions)-1].Pages()
	if len(pages) == 0 {
		t.Fatal("no page opened")
	}
	return pages[0]
}

func (h *harness) assertClosed(t *testing.T) {
	t.Helper()
	if n := h.launcher.OpenSessions(); n != 0 {
		t.Errorf("open sessions = %d, want 0", n)
	}
}

func TestEngine_LoginPasses(t *testing.T) {
	h := newHarness(mock.Config{Pages: loginSite()}, nil)

	res := h.engine.Run(context.Background(), loginTest())

	if res.Status != core.StatusPassed {
		t.Fatalf("Status = %v, want passed (error %q, steps %+v)", res.Status, res.Error, res.Steps)
	}
	if res.TotalSteps != 3 || res.PassedSteps != 3 || res.SkippedSteps != 0 {
		t.Errorf("summary = %d/%d/%d, want 3/3/0", res.TotalSteps, res.PassedSteps, res.SkippedSteps)
	}
	if res.FunctionalUnit != "auth" {
		t.Errorf("FunctionalUnit = %q, want auth", res.FunctionalUnit)
	}

	submit := res.Steps[2]
	if submit.Content == nil || *submit.Content != "Welcome, ada" {
		t.Errorf("submit content = %v, want Welcome, ada", submit.Content)
	}
	if res.Steps[0].Content != nil {
		t.Errorf("input step captured content %q without validation", *res.Steps[0].Content)
	}

	page := h.page(t)
	fills := page.Fills()
	if len(fills) != 2 || fills[0].Value != "ada" || fills[1].Value != "secret" {
		t.Errorf("fills = %+v", fills)
	}
	if clicks := page.Clicks(); len(clicks) != 1 || clicks[0] != "#submit[0]" {
		t.Errorf("clicks = %v, want [#submit[0]]", clicks)
	}
	if len(h.sink.Captures) != 0 {
		t.Errorf("captures = %v, want none", h.sink.Captures)
	}
	h.assertClosed(t)
}

func TestEngine_PostConditionNeverAppears(t *testing.T) {
	site := loginSite()
	site[loginURL]["#submit"] = []*mock.Element{{}}
	h := newHarness(mock.Config{Pages: site}, nil)

	res := h.engine.Run(context.Background(), loginTest())

	if res.Status != core.StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	if res.Critical {
		t.Error("missing element must not be critical")
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Name != "submit" || !last.Failed() {
		t.Fatalf("last step = %q %v, want failed submit", last.Name, last.Status)
	}
	if !strings.Contains(last.Error, "submit") {
		t.Errorf("Error = %q, want step name", last.Error)
	}
	if !errors.Is(last.Err, core.ErrNoMatch) {
		t.Errorf("Err = %v, want ErrNoMatch", last.Err)
	}
	if last.Category != core.ErrCategoryResolution {
		t.Errorf("Category = %v, want resolution", last.Category)
	}
	if len(h.sink.Captures) != 1 || h.sink.Captures[0].StepName != "submit" {
		t.Errorf("captures = %+v, want one for submit", h.sink.Captures)
	}
	if last.Screenshot != "login/submit.png" {
		t.Errorf("Screenshot = %q", last.Screenshot)
	}
	h.assertClosed(t)
}

func TestEngine_IntegerValidationFails(t *testing.T) {
	pages := map[string]mock.PageSpec{
		"u": {"#count": {{Text: "42 items"}}, "#go": {{}}},
	}
	h := newHarness(mock.Config{Pages: pages}, nil)
	def := &flow.TestDefinition{
		TestName: "count",
		StartURL: "u",
		Steps: []flow.Step{{
			Name:            "check",
			Action:          flow.ActionClick,
			Object:          &flow.Selector{Selector: "#go"},
			PageLoadObjects: []flow.Selector{{Selector: "#count", Validation: content.KindInteger}},
		}},
	}

	res := h.engine.Run(context.Background(), def)

	if res.Status != core.StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	sr := res.Steps[0]
	if !errors.Is(sr.Err, core.ErrContentMismatch) {
		t.Errorf("Err = %v, want ErrContentMismatch", sr.Err)
	}
	if sr.Category != core.ErrCategoryValidation {
		t.Errorf("Category = %v, want validation", sr.Category)
	}
	if len(sr.ValidationErrors) != 1 {
		t.Fatalf("ValidationErrors = %v, want 1", sr.ValidationErrors)
	}
	if sr.Content == nil || *sr.Content != "42 items" {
		t.Errorf("Content = %v, want 42 items", sr.Content)
	}
}

func TestEngine_CollectsValidationErrorsUntilResolutionFails(t *testing.T) {
	pages := map[string]mock.PageSpec{
		"u": {
			"#go": {{}},
			"#a":  {{Text: "one"}},
			"#b":  {{Text: "two"}},
			"#d":  {{Text: "abc"}},
			"#c":  {{Text: "5"}},
		},
	}
	h := newHarness(mock.Config{Pages: pages}, nil)
	def := &flow.TestDefinition{
		TestName: "partial",
		StartURL: "u",
		Steps: []flow.Step{{
			Name:   "check",
			Action: flow.ActionClick,
			Object: &flow.Selector{Selector: "#go"},
			PageLoadObjects: []flow.Selector{
				{Selector: "#a", Validation: content.KindInteger},
				{Selector: "#b", Validation: content.KindNumeric},
				{Selector: "#d", ExpectedContent: "zzz"},
				{Selector: "#missing", Wait: 30},
				{Selector: "#c", Validation: content.KindInteger},
			},
		}},
	}

	res := h.engine.Run(context.Background(), def)

	if res.Status != core.StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	sr := res.Steps[0]
	if len(sr.ValidationErrors) != 3 {
		t.Fatalf("ValidationErrors = %q, want 3", sr.ValidationErrors)
	}
	for i, sel := range []string{"#a", "#b", "#d"} {
		if !strings.Contains(sr.ValidationErrors[i], sel) {
			t.Errorf("ValidationErrors[%d] = %q, want mention of %s", i, sr.ValidationErrors[i], sel)
		}
	}
	if !errors.Is(sr.Err, core.ErrNoMatch) {
		t.Errorf("Err = %v, want ErrNoMatch", sr.Err)
	}
	if sr.Category != core.ErrCategoryResolution {
		t.Errorf("Category = %v, want resolution", sr.Category)
	}
	for _, q := range h.page(t).Queries() {
		if q == "#c" {
			t.Fatalf("#c queried after #missing failed to resolve: %v", h.page(t).Queries())
		}
	}
}

func TestEngine_RegexAndPredicate(t *testing.T) {
	pages := map[string]mock.PageSpec{
		"u": {"#total": {{Text: "$19.99"}}, "#qty": {{Text: "7"}}},
	}
	tests := []struct {
		name string
		sel  flow.Selector
		want core.StepStatus
	}{
		{"regex match", flow.Selector{Selector: "#total", Validation: content.KindRegex, ValidationPattern: `^\$\d+\.\d{2}$`}, core.StatusPassed},
		{"regex miss", flow.Selector{Selector: "#total", Validation: content.KindRegex, ValidationPattern: `^\d+$`}, core.StatusFailed},
		{"bad regex", flow.Selector{Selector: "#total", Validation: content.KindRegex, ValidationPattern: `(`}, core.StatusFailed},
		{"predicate", flow.Selector{Selector: "#qty", Validation: content.KindPredicate, ValidationPattern: "v => Number(v) > 5"}, core.StatusPassed},
		{"predicate false", flow.Selector{Selector: "#qty", Validation: content.KindPredicate, ValidationPattern: "v => Number(v) > 50"}, core.StatusFailed},
		{"numeric", flow.Selector{Selector: "#qty", Validation: content.KindNumeric}, core.StatusPassed},
	}
	h := newHarness(mock.Config{Pages: pages}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &flow.TestDefinition{
				TestName: tt.name,
				StartURL: "u",
				Steps:    []flow.Step{{Name: "check", Action: flow.ActionClick, PageLoadObjects: []flow.Selector{tt.sel}}},
			}
			res := h.engine.Run(context.Background(), def)
			if got := res.Steps[0].Status; got != tt.want {
				t.Errorf("Status = %v, want %v (%s)", got, tt.want, res.Steps[0].Error)
			}
		})
	}
}

func TestEngine_ClickWithoutObjectChecksPostConditions(t *testing.T) {
	pages := map[string]mock.PageSpec{"u": {"#banner": {{Text: "Sale"}}}}
	h := newHarness(mock.Config{Pages: pages}, nil)
	def := &flow.TestDefinition{
		TestName: "banner",
		StartURL: "u",
		Steps: []flow.Step{
			{Name: "seen", Action: flow.ActionClick, PageLoadObjects: []flow.Selector{{Selector: "#banner", ExpectedContent: "Sale"}}},
			{Name: "absent", Action: flow.ActionClick, PageLoadObjects: []flow.Selector{{Selector: "#popup"}}},
		},
	}

	res := h.engine.Run(context.Background(), def)

	if res.Steps[0].Status != core.StatusPassed {
		t.Errorf("seen = %v, want passed", res.Steps[0].Status)
	}
	if res.Steps[1].Status != core.StatusFailed {
		t.Errorf("absent = %v, want failed", res.Steps[1].Status)
	}
	if len(h.page(t).Clicks()) != 0 {
		t.Errorf("clicks = %v, want none", h.page(t).Clicks())
	}
}

func TestEngine_InputWithoutValueIsNoop(t *testing.T) {
	h := newHarness(mock.Config{Pages: map[string]mock.PageSpec{"u": {}}}, nil)
	def := &flow.TestDefinition{
		TestName: "noop",
		StartURL: "u",
		Steps: []flow.Step{
			{Name: "empty", Action: flow.ActionInput, Object: &flow.Selector{Selector: "#missing"}},
			{Name: "no object", Action: flow.ActionInput, Input: "x"},
			{Name: "no url", Action: flow.ActionFetch},
		},
	}

	res := h.engine.Run(context.Background(), def)

	if res.Status != core.StatusPassed {
		t.Fatalf("Status = %v, want passed: %s", res.Status, res.Error)
	}
	if len(h.page(t).Fills()) != 0 {
		t.Errorf("fills = %v, want none", h.page(t).Fills())
	}
}

func TestEngine_FetchNavigates(t *testing.T) {
	pages := map[string]mock.PageSpec{
		"a": {},
		"b": {"#home": {{Text: "Home"}}},
	}
	h := newHarness(mock.Config{Pages: pages}, nil)
	def := &flow.TestDefinition{
		TestName: "nav",
		StartURL: "a",
		Steps: []flow.Step{{
			Name:            "go",
			Action:          flow.ActionFetch,
			URL:             "b",
			PageLoadObjects: []flow.Selector{{Selector: "#home"}},
		}},
	}

	res := h.engine.Run(context.Background(), def)

	if res.Status != core.StatusPassed {
		t.Fatalf("Status = %v, want passed: %+v", res.Status, res.Steps)
	}
	visits := h.page(t).Visits()
	if len(visits) != 2 || visits[1] != "b" {
		t.Errorf("visits = %v, want [a b]", visits)
	}
}

func TestEngine_FailurePolicy(t *testing.T) {
	pages := map[string]mock.PageSpec{"u": {"#ok": {{}}}}
	def := &flow.TestDefinition{
		TestName: "policy",
		StartURL: "u",
		Steps: []flow.Step{
			{Name: "broken", Action: flow.ActionClick, Object: &flow.Selector{Selector: "#nope"}},
			{Name: "fine", Action: flow.ActionClick, Object: &flow.Selector{Selector: "#ok"}},
		},
	}

	t.Run("abort", func(t *testing.T) {
		h := newHarness(mock.Config{Pages: pages}, nil)
		res := h.engine.Run(context.Background(), def)
		if len(res.Steps) != 1 {
			t.Fatalf("results = %d, want 1", len(res.Steps))
		}
		if res.SkippedSteps != 1 {
			t.Errorf("SkippedSteps = %d, want 1", res.SkippedSteps)
		}
		if res.Status != core.StatusFailed {
			t.Errorf("Status = %v, want failed", res.Status)
		}
	})

	t.Run("collect", func(t *testing.T) {
		h := newHarness(mock.Config{Pages: pages}, func(c *Config) { c.FailurePolicy = FailureCollect })
		res := h.engine.Run(context.Background(), def)
		if len(res.Steps) != 2 {
			t.Fatalf("results = %d, want 2", len(res.Steps))
		}
		if res.Steps[1].Status != core.StatusPassed {
			t.Errorf("second step = %v, want passed", res.Steps[1].Status)
		}
		if res.Status != core.StatusFailed || res.FailedSteps != 1 || res.PassedSteps != 1 {
			t.Errorf("summary = %v %d/%d", res.Status, res.PassedSteps, res.FailedSteps)
		}
	})
}

func TestEngine_StartConditions(t *testing.T) {
	pages := map[string]mock.PageSpec{"u": {"#a": {{Text: "A"}}, "#go": {{}}}}
	def := &flow.TestDefinition{
		TestName: "start",
		StartURL: "u",
		StartPageLoadObjects: []flow.Selector{
			{Selector: "#missing1"},
			{Selector: "#a", ExpectedContent: "A"},
			{Selector: "#a", Index: 3},
		},
		Steps: []flow.Step{{Name: "go", Action: flow.ActionClick, Object: &flow.Selector{Selector: "#go"}}},
	}

	for _, mode := range []StartCheckMode{StartChecksSequential, StartChecksConcurrent} {
		t.Run(string(mode)+"/abort", func(t *testing.T) {
			h := newHarness(mock.Config{Pages: pages}, func(c *Config) { c.StartChecks = mode })
			res := h.engine.Run(context.Background(), def)

			if len(res.Steps) != 2 {
				t.Fatalf("results = %+v, want two start failures", res.Steps)
			}
			if res.Steps[0].Name != "Load #missing1" || res.Steps[1].Name != "Load #a[3]" {
				t.Errorf("names = %q, %q", res.Steps[0].Name, res.Steps[1].Name)
			}
			if !errors.Is(res.Steps[1].Err, core.ErrIndexOutOfBounds) {
				t.Errorf("Err = %v, want ErrIndexOutOfBounds", res.Steps[1].Err)
			}
			if res.SkippedSteps != 1 || res.Status != core.StatusFailed {
				t.Errorf("skipped = %d status = %v", res.SkippedSteps, res.Status)
			}
			if len(h.page(t).Clicks()) != 0 {
				t.Error("steps ran after start condition failure")
			}
			h.assertClosed(t)
		})
	}

	t.Run("collect runs steps", func(t *testing.T) {
		h := newHarness(mock.Config{Pages: pages}, func(c *Config) { c.FailurePolicy = FailureCollect })
		res := h.engine.Run(context.Background(), def)
		if len(res.Steps) != 3 || res.Steps[2].Name != "go" {
			t.Fatalf("results = %+v", res.Steps)
		}
		if res.Status != core.StatusFailed {
			t.Errorf("Status = %v, want failed", res.Status)
		}
	})
}

func TestEngine_SelectorWaitOverridesDefault(t *testing.T) {
	pages := map[string]mock.PageSpec{"u": {"#slow": {{AppearAfter: 150 * time.Millisecond}}}}
	def := &flow.TestDefinition{
		TestName:             "slow",
		StartURL:             "u",
		StartPageLoadObjects: []flow.Selector{{Selector: "#slow", Wait: 1000}},
	}
	h := newHarness(mock.Config{Pages: pages}, func(c *Config) { c.DefaultWait = 20 * time.Millisecond })

	res := h.engine.Run(context.Background(), def)

	if res.Status != core.StatusPassed {
		t.Errorf("Status = %v, want passed: %+v", res.Status, res.Steps)
	}
}

func TestEngine_CriticalErrors(t *testing.T) {
	tests := []struct {
		name string
		mcfg mock.Config
		want error
	}{
		{"launch", mock.Config{LaunchErr: errors.New("no chrome")}, core.ErrLaunchFailed},
		{"navigation", mock.Config{NavigateErr: map[string]error{loginURL: errors.New("dns")}}, core.ErrNavigationFailed},
		{"panic in step", mock.Config{Pages: loginSite(), PanicOn: "#submit"}, core.ErrDriverPanic},
		{"panic in start check", mock.Config{Pages: loginSite(), PanicOn: "h1"}, core.ErrDriverPanic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.mcfg, nil)
			res := h.engine.Run(context.Background(), loginTest())

			if !res.Critical || res.Status != core.StatusFailed {
				t.Fatalf("Critical = %v Status = %v, want critical failure", res.Critical, res.Status)
			}
			if !errors.Is(res.Err, tt.want) {
				t.Errorf("Err = %v, want %v", res.Err, tt.want)
			}
			h.assertClosed(t)
		})
	}
}

func TestEngine_ConcurrentStartCheckPanic(t *testing.T) {
	h := newHarness(mock.Config{Pages: loginSite(), PanicOn: "#pass"}, func(c *Config) {
		c.StartChecks = StartChecksConcurrent
	})
	def := loginTest()
	def.StartPageLoadObjects = []flow.Selector{{Selector: "h1"}, {Selector: "#pass"}, {Selector: "#user"}}

	res := h.engine.Run(context.Background(), def)

	if !res.Critical || !errors.Is(res.Err, core.ErrDriverPanic) {
		t.Fatalf("Critical = %v Err = %v, want driver panic", res.Critical, res.Err)
	}
	if len(res.Steps) != 1 || res.Steps[0].Name != "Load #pass" {
		t.Errorf("results = %+v", res.Steps)
	}
	h.assertClosed(t)
}

func TestEngine_Cancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		h := newHarness(mock.Config{Pages: loginSite()}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := h.engine.Run(ctx, loginTest())

		if !errors.Is(res.Err, core.ErrCancelled) {
			t.Errorf("Err = %v, want ErrCancelled", res.Err)
		}
		if len(h.launcher.Sessions()) != 0 {
			t.Error("session launched for cancelled test")
		}
	})

	t.Run("during wait", func(t *testing.T) {
		site := loginSite()
		site[loginURL]["#submit"] = []*mock.Element{{}}
		h := newHarness(mock.Config{Pages: site}, func(c *Config) { c.DefaultWait = 10 * time.Second })
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		start := time.Now()
		res := h.engine.Run(ctx, loginTest())

		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Run took %v after cancel", elapsed)
		}
		if !res.Critical || !errors.Is(res.Err, core.ErrCancelled) {
			t.Errorf("Critical = %v Err = %v, want cancelled", res.Critical, res.Err)
		}
		h.assertClosed(t)
	})
}

func TestEngine_VariableExpansion(t *testing.T) {
	h := newHarness(mock.Config{Pages: loginSite()}, func(c *Config) {
		c.Variables = map[string]string{"USER": "grace", "GREETING": "Welcome"}
	})
	def := loginTest()
	def.Steps[0].Input = "${USER}"
	def.Steps[1].Input = "$USER-${1+1}"
	def.Steps[2].PageLoadObjects[0].ExpectedContent = "$GREETING"

	res := h.engine.Run(context.Background(), def)

	if res.Status != core.StatusPassed {
		t.Fatalf("Status = %v, want passed: %+v", res.Status, res.Steps)
	}
	fills := h.page(t).Fills()
	if fills[0].Value != "grace" || fills[1].Value != "grace-2" {
		t.Errorf("fills = %+v", fills)
	}
	if def.Steps[0].Input != "${USER}" {
		t.Errorf("definition mutated: %q", def.Steps[0].Input)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func TestEngine_ObserverEvents(t *testing.T) {
	log := &eventLog{}
	obs := ObserverFuncs{
		TestStart: func(TestInfo) { log.add("start") },
		StepStart: func(_ TestInfo, i int, s *flow.Step) { log.add("step:" + s.Name) },
		StepEnd: func(_ TestInfo, i int, r *core.StepResult) {
			if i < 0 {
				log.add("condition:" + r.Name)
				return
			}
			log.add("end:" + r.Status.String())
		},
		TestEnd: func(_ TestInfo, r *core.TestResult) { log.add("done:" + r.Status.String()) },
	}
	h := newHarness(mock.Config{Pages: loginSite()}, func(c *Config) {
		c.Observer = obs
		c.FailurePolicy = FailureCollect
	})
	def := loginTest()
	def.StartPageLoadObjects = append(def.StartPageLoadObjects, flow.Selector{Selector: "#nope"})
	def.Steps = def.Steps[:1]

	h.engine.Run(context.Background(), def)

	want := []string{"start", "condition:Load #nope", "step:user", "end:passed", "done:failed"}
	if strings.Join(log.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", log.events, want)
	}
}
