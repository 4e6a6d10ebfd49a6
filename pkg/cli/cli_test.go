package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/executor"
	"github.com/devicelab-dev/pagecheck/pkg/history"
	"github.com/devicelab-dev/pagecheck/pkg/report"
)

func init() {
	colorsEnabled = false
}

// runApp runs the CLI with args and returns everything it printed.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := NewApp()
	var buf bytes.Buffer
	app.Writer = &buf
	app.ErrWriter = &buf
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"pagecheck", "--no-ansi"}, args...))
	return buf.String(), err
}

// captureRunConfig parses run flags without executing anything.
func captureRunConfig(t *testing.T, args ...string) (*RunConfig, error) {
	t.Helper()
	var got *RunConfig
	cmd := *runCommand
	cmd.Action = func(c *cli.Context) error {
		var err error
		got, err = buildRunConfig(c)
		return err
	}
	app := &cli.App{
		Name:           "pagecheck",
		Flags:          GlobalFlags,
		Commands:       []*cli.Command{&cmd},
		Writer:         io.Discard,
		ErrWriter:      io.Discard,
		ExitErrHandler: func(*cli.Context, error) {},
	}
	err := app.Run(append([]string{"pagecheck", "run"}, args...))
	return got, err
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// shopServer serves a two-page site for the static driver.
func shopServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1 id="title">Welcome to the shop</h1><a id="cart" href="/cart">Cart</a></body></html>`)
	})
	mux.HandleFunc("/cart", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div id="count">3 items</div></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const shopTest = `{
  "testName": "Shop",
  "functionalUnit": "store",
  "startUrl": "$BASE_URL/",
  "startPageLoadObjects": [{"selector": "#title", "expectedContent": "Welcome"}],
  "steps": [
    {
      "name": "open cart",
      "action": "click",
      "object": "#cart",
      "PageLoadObjects": [{"selector": "#count", "expectedContent": "items"}]
    }
  ]
}`

const brokenTest = `testName: Broken
functionalUnit: store
startUrl: $BASE_URL/
wait: 200
steps:
  - name: open cart
    action: click
    object: "#missing"
`

func TestResolveOutputDir_Default(t *testing.T) {
	dir, err := resolveOutputDir("", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(dir, "reports"+string(filepath.Separator)) {
		t.Errorf("expected dir to start with reports/, got %s", dir)
	}
	if filepath.Dir(dir) != "reports" {
		t.Errorf("expected reports/<timestamp>, got %s", dir)
	}
}

func TestResolveOutputDir_CustomOutput(t *testing.T) {
	dir, err := resolveOutputDir("./my-reports", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(dir) != "my-reports" {
		t.Errorf("expected my-reports/<timestamp>, got %s", dir)
	}
}

func TestResolveOutputDir_Flatten(t *testing.T) {
	dir, err := resolveOutputDir("./my-reports/", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir != "my-reports" {
		t.Errorf("expected my-reports, got %s", dir)
	}
}

func TestResolveOutputDir_FlattenWithoutOutput(t *testing.T) {
	_, err := resolveOutputDir("", true)
	if err == nil {
		t.Fatal("expected error for --flatten without --output")
	}
	if !strings.Contains(err.Error(), "--flatten requires --output") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseEnvVars(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want map[string]string
	}{
		{"valid", []string{"USER=test", "PASS=secret"}, map[string]string{"USER": "test", "PASS": "secret"}},
		{"value with equals", []string{"QUERY=a=b"}, map[string]string{"QUERY": "a=b"}},
		{"invalid format", []string{"NOVALUE", "OK=1"}, map[string]string{"OK": "1"}},
		{"empty value", []string{"EMPTY="}, map[string]string{"EMPTY": ""}},
		{"nil", nil, map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseEnvVars(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0ms"},
		{500 * time.Millisecond, "500ms"},
		{999 * time.Millisecond, "999ms"},
		{time.Second, "1.0s"},
		{1500 * time.Millisecond, "1.5s"},
		{59999 * time.Millisecond, "60.0s"},
		{time.Minute, "1m 0s"},
		{90 * time.Second, "1m 30s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	names := make(map[string]bool)
	for _, f := range GlobalFlags {
		for _, name := range f.Names() {
			names[name] = true
		}
	}
	for _, name := range []string{"verbose", "no-ansi"} {
		if !names[name] {
			t.Errorf("expected global flag %q", name)
		}
	}
}

func TestRunCommand_TestAlias(t *testing.T) {
	if runCommand.Name != "run" {
		t.Fatalf("expected run, got %s", runCommand.Name)
	}
	if len(runCommand.Aliases) != 1 || runCommand.Aliases[0] != "test" {
		t.Errorf("expected alias test, got %v", runCommand.Aliases)
	}
}

func TestRunCommand_NoArgs(t *testing.T) {
	_, err := runApp(t, "run")
	if err == nil || !strings.Contains(err.Error(), "at least one test file or folder is required") {
		t.Errorf("expected missing paths error, got %v", err)
	}
}

func TestRunCommand_FlattenWithoutOutput(t *testing.T) {
	_, err := runApp(t, "run", "--flatten", "x.json")
	if err == nil || !strings.Contains(err.Error(), "--flatten requires --output") {
		t.Errorf("expected flatten error, got %v", err)
	}
}

func TestBuildRunConfig_Defaults(t *testing.T) {
	cfg, err := captureRunConfig(t, "tests/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != "" || cfg.Browser != "chromium" || !cfg.Headless {
		t.Errorf("unexpected browser settings: %q %q %v", cfg.Driver, cfg.Browser, cfg.Headless)
	}
	if cfg.FailurePolicy != executor.FailureAbort || cfg.StartChecks != executor.StartChecksSequential {
		t.Errorf("unexpected policies: %s %s", cfg.FailurePolicy, cfg.StartChecks)
	}
	if cfg.ResultsCSV != filepath.Join(cfg.OutputDir, "results.csv") {
		t.Errorf("expected results.csv in output dir, got %s", cfg.ResultsCSV)
	}
	if cfg.Strict || cfg.Continuous || cfg.Trace || cfg.Allure {
		t.Error("expected optional modes off")
	}
}

func TestBuildRunConfig_FlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, filepath.Join(dir, "pagecheck.yaml"), `
tests:
  - suite/
driver: static
browser: firefox
headless: false
parallel: 3
failurePolicy: collect
stopOnFail: true
env:
  USER: config
  HOST: example.com
output: `+filepath.Join(dir, "out")+`
flatten: true
includeTags: [smoke]
historyDb: `+filepath.Join(dir, "h.db")+`
trace: true
webdriverUrl: http://grid:4444
`)

	cfg, err := captureRunConfig(t,
		"--config", configPath,
		"--parallel", "5",
		"--start-checks", "concurrent",
		"-e", "USER=cli",
		"--verbose",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Paths) != 1 || cfg.Paths[0] != "suite/" {
		t.Errorf("expected paths from config, got %v", cfg.Paths)
	}
	if cfg.Driver != "static" || cfg.Browser != "firefox" || cfg.Headless {
		t.Errorf("expected config browser settings, got %q %q %v", cfg.Driver, cfg.Browser, cfg.Headless)
	}
	if cfg.Parallel != 5 {
		t.Errorf("expected flag parallel 5, got %d", cfg.Parallel)
	}
	if cfg.WebDriverURL != "http://grid:4444" {
		t.Errorf("expected config webdriverUrl, got %q", cfg.WebDriverURL)
	}
	if cfg.FailurePolicy != executor.FailureCollect || cfg.StartChecks != executor.StartChecksConcurrent {
		t.Errorf("unexpected policies: %s %s", cfg.FailurePolicy, cfg.StartChecks)
	}
	if !cfg.StopOnFail || !cfg.Trace || !cfg.Verbose {
		t.Errorf("expected stopOnFail, trace and verbose")
	}
	if cfg.Env["USER"] != "cli" || cfg.Env["HOST"] != "example.com" {
		t.Errorf("expected CLI env over config env, got %v", cfg.Env)
	}
	if cfg.OutputDir != filepath.Join(dir, "out") {
		t.Errorf("expected flattened output dir, got %s", cfg.OutputDir)
	}
	if len(cfg.IncludeTags) != 1 || cfg.IncludeTags[0] != "smoke" {
		t.Errorf("expected include tags from config, got %v", cfg.IncludeTags)
	}
	if cfg.HistoryDB != filepath.Join(dir, "h.db") {
		t.Errorf("expected history db from config, got %s", cfg.HistoryDB)
	}
}

func TestBuildRunConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"failure policy", []string{"--failure-policy", "retry", "t.json"}, "failure policy"},
		{"start checks", []string{"--start-checks", "random", "t.json"}, "start check"},
		{"wait until", []string{"--wait-until", "idle", "t.json"}, "unknown wait-until"},
		{"negative wait", []string{"--wait", "-1", "t.json"}, "must not be negative"},
		{"missing config", []string{"--config", "/nonexistent/pagecheck.yaml", "t.json"}, "failed to load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := captureRunConfig(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRunCommand_EndToEnd(t *testing.T) {
	srv := shopServer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tests", "shop.json"), shopTest)
	writeFile(t, filepath.Join(dir, "tests", "broken.yaml"), brokenTest)
	out := filepath.Join(dir, "out")
	dbPath := filepath.Join(dir, "history.db")
	promPath := filepath.Join(dir, "pagecheck.prom")

	output, err := runApp(t, "run",
		"--driver", "static",
		"-e", "BASE_URL="+srv.URL,
		"--output", out, "--flatten",
		"--history-db", dbPath,
		"--metrics-file", promPath,
		"--trace",
		"--allure",
		filepath.Join(dir, "tests"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, output)
	}

	for _, want := range []string{"Found 2 test(s)", "✓ open cart", "✗ open cart", "TOTAL", "1/2"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}

	index, details, err := report.ReadReport(out)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if index.Summary.Passed != 1 || index.Summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", index.Summary)
	}
	if index.Runner.Driver != "static" {
		t.Errorf("expected driver static, got %s", index.Runner.Driver)
	}
	if len(details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(details))
	}

	for _, name := range []string{"report.html", "results.csv", "trace.json", "pagecheck.log", "broken-results.json", "shop-results.json"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	if entries, err := os.ReadDir(filepath.Join(out, "allure-results")); err != nil || len(entries) == 0 {
		t.Errorf("expected allure results, got %v (%v)", entries, err)
	}

	csvData, _ := os.ReadFile(filepath.Join(out, "results.csv"))
	if lines := strings.Split(strings.TrimSpace(string(csvData)), "\n"); len(lines) != 3 {
		t.Errorf("expected header and 2 rows, got %q", csvData)
	}

	prom, _ := os.ReadFile(promPath)
	if !strings.Contains(string(prom), `pagecheck_test_results_total{status="failed"} 1`) {
		t.Errorf("unexpected metrics:\n%s", prom)
	}

	trace, _ := os.ReadFile(filepath.Join(out, "trace.json"))
	if !strings.Contains(string(trace), "test Shop") {
		t.Errorf("trace missing test span")
	}

	store, err := history.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.Runs(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Passed != 1 || runs[0].Failed != 1 || runs[0].RunID != index.RunID {
		t.Errorf("unexpected history: %+v", runs)
	}
}

func TestRunCommand_Strict(t *testing.T) {
	srv := shopServer(t)
	dir := t.TempDir()
	broken := writeFile(t, filepath.Join(dir, "broken.yaml"), brokenTest)
	shop := writeFile(t, filepath.Join(dir, "shop.json"), shopTest)
	args := []string{"--driver", "static", "-e", "BASE_URL=" + srv.URL, "--output", filepath.Join(dir, "out"), "--flatten"}

	// Failed tests alone do not fail the command
	if _, err := runApp(t, append(append([]string{"run"}, args...), broken)...); err != nil {
		t.Errorf("expected no error without --strict, got %v", err)
	}

	_, err := runApp(t, append(append([]string{"test", "--strict"}, args...), broken)...)
	if code := exitCode(err); code != 1 {
		t.Errorf("expected exit code 1 with --strict, got %d (%v)", code, err)
	}

	if _, err := runApp(t, append(append([]string{"run", "--strict"}, args...), shop)...); err != nil {
		t.Errorf("expected passing run to succeed with --strict, got %v", err)
	}
}

func TestRunCommand_InvalidDocument(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, filepath.Join(dir, "bad.json"), `{"steps": []}`)

	output, err := runApp(t, "run", "--driver", "mock", "--output", filepath.Join(dir, "out"), "--flatten", bad)
	if err == nil || !strings.Contains(err.Error(), "validation failed with 1 error(s)") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(output, "startUrl is required") {
		t.Errorf("expected parse error in output:\n%s", output)
	}
}

func TestRunCommand_UnknownDriver(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, filepath.Join(dir, "t.json"), `{"startUrl": "http://localhost"}`)

	_, err := runApp(t, "run", "--driver", "selenium", "--output", filepath.Join(dir, "out"), "--flatten", doc)
	if err == nil || !strings.Contains(err.Error(), `unknown driver "selenium"`) {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok", "shop.json"), shopTest)
	writeFile(t, filepath.Join(dir, "bad", "bad.json"), `{"startUrl": ""}`)

	output, err := runApp(t, "validate", filepath.Join(dir, "ok"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "✓ Shop") || !strings.Contains(output, "1 valid, 0 error(s)") {
		t.Errorf("unexpected output:\n%s", output)
	}

	_, err = runApp(t, "validate", filepath.Join(dir, "bad"))
	if code := exitCode(err); code != 1 {
		t.Errorf("expected exit code 1, got %d (%v)", code, err)
	}
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	run := &core.RunResult{RunID: "run-1", StartTime: time.Now(), Duration: time.Second, Tests: []core.TestResult{
		{TestName: "Login", Status: core.StatusFailed, StartTime: time.Now(), Steps: []core.StepResult{{Name: "submit", Status: core.StatusFailed}}},
	}}
	run.ComputeSummary()
	if err := store.RecordRun(context.Background(), run, history.RunMeta{Driver: "static"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	output, err := runApp(t, "history", "--history-db", dbPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "run-1") || !strings.Contains(output, "static") {
		t.Errorf("expected run listing:\n%s", output)
	}

	output, err = runApp(t, "history", "--history-db", dbPath, "Login")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "1 run(s), 0 passed, 1 failed") || !strings.Contains(output, "submit") {
		t.Errorf("expected test history:\n%s", output)
	}

	output, err = runApp(t, "history", "--history-db", dbPath, "--prune", "1ns")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Pruned 1 run(s)") || !strings.Contains(output, "No runs recorded") {
		t.Errorf("expected prune output:\n%s", output)
	}
}

func TestHistoryCommand_NoDatabase(t *testing.T) {
	t.Setenv("PAGECHECK_HISTORY_DB", "")
	_, err := runApp(t, "history")
	if err == nil || !strings.Contains(err.Error(), "no history database configured") {
		t.Errorf("expected missing database error, got %v", err)
	}
}

func TestInstallCommand_UnknownBrowser(t *testing.T) {
	_, err := runApp(t, "install", "netscape")
	if err == nil || !strings.Contains(err.Error(), `unknown browser "netscape"`) {
		t.Errorf("expected unknown browser error, got %v", err)
	}
}

func TestConsolePrinter_BufferedKeepsTestsTogether(t *testing.T) {
	var buf bytes.Buffer
	p := newConsolePrinter(&buf, true)
	a := executor.TestInfo{ID: "a", Name: "Alpha", Index: 0, Total: 2}
	b := executor.TestInfo{ID: "b", Name: "Beta", Index: 1, Total: 2}

	p.OnTestStart(a)
	p.OnTestStart(b)
	p.OnStepEnd(b, 0, &core.StepResult{Name: "beta step", Status: core.StatusPassed})
	p.OnStepEnd(a, 0, &core.StepResult{Name: "alpha step", Status: core.StatusFailed, Error: "no element matches selector", ValidationErrors: []string{"want Welcome"}})
	if buf.Len() != 0 {
		t.Fatalf("expected nothing before a test ends, got %q", buf.String())
	}
	p.OnTestEnd(b, &core.TestResult{Status: core.StatusPassed})
	p.OnTestEnd(a, &core.TestResult{Status: core.StatusFailed})

	out := buf.String()
	betaAt, alphaAt := strings.Index(out, "Beta"), strings.Index(out, "Alpha")
	if betaAt < 0 || alphaAt < 0 || betaAt > alphaAt {
		t.Fatalf("expected Beta block before Alpha block:\n%s", out)
	}
	if !strings.Contains(out[betaAt:alphaAt], "✓ beta step") {
		t.Errorf("beta step not in Beta block:\n%s", out)
	}
	alphaBlock := out[alphaAt:]
	for _, want := range []string{"✗ alpha step", "╰─ no element matches selector", "╰─ want Welcome"} {
		if !strings.Contains(alphaBlock, want) {
			t.Errorf("Alpha block missing %q:\n%s", want, alphaBlock)
		}
	}
}

func TestPrintSummary(t *testing.T) {
	run := &core.RunResult{Duration: 2 * time.Second, Tests: []core.TestResult{
		{TestName: "Login", Status: core.StatusPassed, TotalSteps: 2, PassedSteps: 2},
		{TestName: strings.Repeat("x", 50), Status: core.StatusFailed, TotalSteps: 2, FailedSteps: 1, SkippedSteps: 1},
		{TestName: "Checkout", Status: core.StatusSkipped, TotalSteps: 1, SkippedSteps: 1},
	}}
	run.ComputeSummary()

	var buf bytes.Buffer
	printSummary(&buf, run)
	out := buf.String()

	for _, want := range []string{"2 steps passing", "1 steps failing", "2 steps skipped", "✓ PASS", "✗ FAIL", "- SKIP", "1/3", strings.Repeat("x", 39) + "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestWatched(t *testing.T) {
	sep := string(filepath.Separator)
	paths := []string{"tests", filepath.Join("other", "one.json")}
	tests := []struct {
		name string
		want bool
	}{
		{"tests" + sep + "a.json", true},
		{"tests" + sep + "sub" + sep + "b.yaml", true},
		{"testsuite" + sep + "a.json", false},
		{filepath.Join("other", "one.json"), true},
		{filepath.Join("other", "two.json"), false},
	}
	for _, tt := range tests {
		if got := watched(paths, tt.name); got != tt.want {
			t.Errorf("watched(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if !watched([]string{"."}, "a.json") {
		t.Error("expected . to cover relative paths")
	}
}

func TestWatchDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "suite", "a.json"), "{}")
	writeFile(t, filepath.Join(dir, "suite", "nested", "b.json"), "{}")
	writeFile(t, filepath.Join(dir, "suite", ".git", "c.json"), "{}")
	single := writeFile(t, filepath.Join(dir, "single", "one.json"), "{}")

	dirs := watchDirs([]string{filepath.Join(dir, "suite"), single, filepath.Join(dir, "missing")})
	want := map[string]bool{
		filepath.Join(dir, "suite"):           true,
		filepath.Join(dir, "suite", "nested"): true,
		filepath.Join(dir, "single"):          true,
	}
	if len(dirs) != len(want) {
		t.Fatalf("got %v, want %v", dirs, want)
	}
	for _, d := range dirs {
		if !want[d] {
			t.Errorf("unexpected watch dir %s", d)
		}
	}
}
