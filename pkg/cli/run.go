package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/pagecheck/pkg/config"
	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/driver"
	"github.com/devicelab-dev/pagecheck/pkg/executor"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
	"github.com/devicelab-dev/pagecheck/pkg/history"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
	"github.com/devicelab-dev/pagecheck/pkg/metrics"
	"github.com/devicelab-dev/pagecheck/pkg/report"
	"github.com/devicelab-dev/pagecheck/pkg/telemetry"
	"github.com/devicelab-dev/pagecheck/pkg/validator"
)

// launchTimeout bounds browser startup.
const launchTimeout = 60 * time.Second

var runCommand = &cli.Command{
	Name:      "run",
	Aliases:   []string{"test"},
	Usage:     "Run test documents against a browser",
	ArgsUsage: "<test-file-or-folder>...",
	Description: `Run one or more JSON or YAML test documents.

Reports are generated in the output directory:
  - Default: ./reports/<timestamp>/
  - With --output: <output>/<timestamp>/
  - With --output and --flatten: <output>/ (no timestamp subfolder)

Failed tests do not change the exit code unless --strict is given.

Examples:
  pagecheck run tests/login.json
  pagecheck run tests/ -e BASE_URL=http://localhost:8080
  pagecheck run tests/ --include-tags smoke --failure-policy collect
  pagecheck run tests/ --driver static --parallel 8
  pagecheck run tests/ --output ./out --flatten --history-db .pagecheck/history.db`,
	Flags: []cli.Flag{
		// Configuration
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to pagecheck.yaml (default: ./pagecheck.yaml if present)",
		},

		// Variables
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Variables for ${...} expansion (KEY=VALUE)",
		},

		// Tag filtering
		&cli.StringSliceFlag{
			Name:  "include-tags",
			Usage: "Only run tests with one of these tags",
		},
		&cli.StringSliceFlag{
			Name:  "exclude-tags",
			Usage: "Skip tests with any of these tags",
		},

		// Browser
		&cli.StringFlag{
			Name:    "driver",
			Aliases: []string{"d"},
			Usage:   "Browser driver (" + strings.Join(driver.Names(), ", ") + ")",
			EnvVars: []string{"PAGECHECK_DRIVER"},
		},
		&cli.StringFlag{
			Name:  "browser",
			Usage: "Browser engine (chromium, firefox, webkit)",
		},
		&cli.BoolFlag{
			Name:  "headless",
			Usage: "Run the browser without a window",
			Value: true,
		},
		&cli.IntFlag{
			Name:  "slow-mo",
			Usage: "Delay between driver operations in ms",
		},
		&cli.StringFlag{
			Name:    "chrome-path",
			Usage:   "Chrome binary for the chromedp driver",
			EnvVars: []string{"PAGECHECK_CHROME"},
		},
		&cli.BoolFlag{
			Name:  "no-sandbox",
			Usage: "Start Chrome without its sandbox (chromedp driver)",
		},
		&cli.StringFlag{
			Name:    "webdriver-url",
			Usage:   "WebDriver server for the webdriver driver (e.g. http://localhost:9515)",
			EnvVars: []string{"PAGECHECK_WEBDRIVER_URL"},
		},

		// Execution
		&cli.IntFlag{
			Name:  "wait",
			Usage: "Default wait in ms when a document sets none",
		},
		&cli.StringFlag{
			Name:  "wait-until",
			Usage: "Navigation completes on load, domcontentloaded, networkidle or commit",
		},
		&cli.StringFlag{
			Name:  "failure-policy",
			Usage: "abort stops a test at its first failure, collect runs every step",
		},
		&cli.StringFlag{
			Name:  "start-checks",
			Usage: "Check start page objects sequentially or concurrently",
		},
		&cli.IntFlag{
			Name:  "parallel",
			Usage: "Run up to N tests at once, each in its own browser session",
		},
		&cli.BoolFlag{
			Name:  "stop-on-fail",
			Usage: "Skip tests not yet started after the first failure",
		},

		// Output
		&cli.StringFlag{
			Name:  "output",
			Usage: "Output directory for reports (default: ./reports)",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Don't create timestamp subfolder (requires --output)",
		},
		&cli.StringFlag{
			Name:  "results-csv",
			Usage: "CSV ledger appended with one row per test (default: <output>/results.csv)",
		},
		&cli.StringFlag{
			Name:    "history-db",
			Usage:   "SQLite database recording every run",
			EnvVars: []string{"PAGECHECK_HISTORY_DB"},
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "Write Prometheus metrics to this textfile",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "Write OpenTelemetry spans to <output>/trace.json",
		},
		&cli.BoolFlag{
			Name:  "allure",
			Usage: "Also write Allure results to <output>/allure-results",
		},

		// Modes
		&cli.BoolFlag{
			Name:    "continuous",
			Aliases: []string{"c"},
			Usage:   "Re-run when a test document changes",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Exit non-zero when any test does not pass",
		},
	},
	Action: runTests,
}

// RunConfig holds the complete test run configuration.
type RunConfig struct {
	// Selection
	Paths       []string
	IncludeTags []string
	ExcludeTags []string

	// Variables
	Env map[string]string

	// Browser
	Driver       string
	Browser      string
	Headless     bool
	SlowMo       time.Duration
	ChromePath   string
	NoSandbox    bool
	WebDriverURL string

	// Execution
	Wait          time.Duration
	WaitUntil     core.WaitUntil
	FailurePolicy executor.FailurePolicy
	StartChecks   executor.StartCheckMode
	Parallel      int
	StopOnFail    bool

	// Output
	OutputDir   string // Final resolved output directory
	ResultsCSV  string
	HistoryDB   string
	MetricsFile string
	Trace       bool
	Allure      bool

	// Modes
	Continuous bool
	Strict     bool
	Verbose    bool
}

func runTests(c *cli.Context) error {
	cfg, err := buildRunConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := c.App.Writer
	if cfg.Continuous {
		return watchAndRun(ctx, cfg, out)
	}

	run, err := executeRun(ctx, cfg, out)
	if err != nil {
		return err
	}
	if cfg.Strict && !run.Success() {
		return cli.Exit("", 1)
	}
	return nil
}

// loadWorkspaceConfig loads the --config file, or pagecheck.yaml from the
// working directory when no path is given.
func loadWorkspaceConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadFromDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildRunConfig merges flags over the workspace config over defaults.
func buildRunConfig(c *cli.Context) (*RunConfig, error) {
	ws, err := loadWorkspaceConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	str := func(flag, fromConfig string) string {
		if c.IsSet(flag) || fromConfig == "" {
			return c.String(flag)
		}
		return fromConfig
	}
	num := func(flag string, fromConfig int) int {
		if c.IsSet(flag) || fromConfig == 0 {
			return c.Int(flag)
		}
		return fromConfig
	}
	flag := func(name string, fromConfig bool) bool {
		if c.IsSet(name) {
			return c.Bool(name)
		}
		return c.Bool(name) || fromConfig
	}
	list := func(name string, fromConfig []string) []string {
		if c.IsSet(name) {
			return c.StringSlice(name)
		}
		return fromConfig
	}

	paths := c.Args().Slice()
	if len(paths) == 0 {
		paths = ws.Tests
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one test file or folder is required")
	}

	// Config env first, CLI overrides
	env := make(map[string]string)
	for k, v := range ws.Env {
		env[k] = v
	}
	for k, v := range parseEnvVars(c.StringSlice("env")) {
		env[k] = v
	}

	outputDir, err := resolveOutputDir(str("output", ws.Output), flag("flatten", ws.Flatten))
	if err != nil {
		return nil, err
	}

	policy, err := executor.ParseFailurePolicy(strings.ToLower(str("failure-policy", ws.FailurePolicy)))
	if err != nil {
		return nil, err
	}
	checks, err := executor.ParseStartCheckMode(strings.ToLower(str("start-checks", ws.StartChecks)))
	if err != nil {
		return nil, err
	}
	waitUntil := core.WaitUntil(strings.ToLower(str("wait-until", ws.WaitUntil)))
	if waitUntil != "" && !waitUntil.Valid() {
		return nil, fmt.Errorf("unknown wait-until %q (want load, domcontentloaded, networkidle or commit)", waitUntil)
	}

	headless := ws.IsHeadless()
	if c.IsSet("headless") {
		headless = c.Bool("headless")
	}

	browser := str("browser", ws.Browser)
	if browser == "" {
		browser = "chromium"
	}

	wait := num("wait", ws.Wait)
	slowMo := num("slow-mo", ws.SlowMo)
	if wait < 0 || slowMo < 0 {
		return nil, fmt.Errorf("wait and slow-mo must not be negative")
	}

	resultsCSV := str("results-csv", ws.ResultsCSV)
	if resultsCSV == "" {
		resultsCSV = filepath.Join(outputDir, "results.csv")
	}

	return &RunConfig{
		Paths:         paths,
		IncludeTags:   list("include-tags", ws.IncludeTags),
		ExcludeTags:   list("exclude-tags", ws.ExcludeTags),
		Env:           env,
		Driver:        strings.ToLower(str("driver", ws.Driver)),
		Browser:       strings.ToLower(browser),
		Headless:      headless,
		SlowMo:        time.Duration(slowMo) * time.Millisecond,
		ChromePath:    c.String("chrome-path"),
		NoSandbox:     c.Bool("no-sandbox"),
		WebDriverURL:  str("webdriver-url", ws.WebDriverURL),
		Wait:          time.Duration(wait) * time.Millisecond,
		WaitUntil:     waitUntil,
		FailurePolicy: policy,
		StartChecks:   checks,
		Parallel:      num("parallel", ws.Parallel),
		StopOnFail:    flag("stop-on-fail", ws.StopOnFail),
		OutputDir:     outputDir,
		ResultsCSV:    resultsCSV,
		HistoryDB:     str("history-db", ws.HistoryDB),
		MetricsFile:   str("metrics-file", ws.MetricsFile),
		Trace:         flag("trace", ws.Trace),
		Allure:        flag("allure", ws.Allure),
		Continuous:    c.Bool("continuous"),
		Strict:        c.Bool("strict"),
		Verbose:       c.Bool("verbose"),
	}, nil
}

// resolveOutputDir determines the output directory based on flags.
// - No --output: ./reports/<timestamp>/
// - --output given: <output>/<timestamp>/
// - --output + --flatten: <output>/ (error if --output not given)
func resolveOutputDir(output string, flatten bool) (string, error) {
	if flatten && output == "" {
		return "", fmt.Errorf("--flatten requires --output to be specified")
	}

	baseDir := output
	if baseDir == "" {
		baseDir = "./reports"
	}

	if flatten {
		return filepath.Clean(baseDir), nil
	}

	// Create timestamp-based subfolder
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(baseDir, timestamp), nil
}

func parseEnvVars(envs []string) map[string]string {
	result := make(map[string]string)
	for _, e := range envs {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}

// executeRun performs one complete run: discovery, execution and every
// configured output. Test failures are reported in the result, not as an
// error.
func executeRun(ctx context.Context, cfg *RunConfig, out io.Writer) (*core.RunResult, error) {
	// 1. Create output directory
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// 2. Initialize logging
	logPath := filepath.Join(cfg.OutputDir, "pagecheck.log")
	if err := logger.Init(logPath); err != nil {
		fmt.Fprintf(out, "Warning: Failed to initialize logger: %v\n", err)
	}
	defer logger.Close()
	if cfg.Verbose {
		logger.SetVerbose(os.Stderr)
		defer logger.SetVerbose(nil)
	}

	logger.Info("=== Test execution started ===")
	logger.Info("Output directory: %s", cfg.OutputDir)
	logger.Info("Driver: %s, browser: %s, headless: %v", cfg.Driver, cfg.Browser, cfg.Headless)

	// 3. Validate and parse documents
	defs, err := loadTests(cfg, out)
	if err != nil {
		logger.Error("Validation failed: %v", err)
		return nil, err
	}
	logger.Info("Validated %d test(s)", len(defs))

	// 4. Open the driver
	launcher, err := driver.Open(driver.Options{
		Name:            cfg.Driver,
		Browser:         cfg.Browser,
		DriverDirectory: config.GetBrowsersDir(driver.Playwright),
		ChromePath:      cfg.ChromePath,
		NoSandbox:       cfg.NoSandbox,
		WebDriverURL:    cfg.WebDriverURL,
		UserAgent:       "pagecheck/" + Version,
	})
	if err != nil {
		logger.Error("Driver setup failed: %v", err)
		return nil, err
	}
	defer func() {
		if err := launcher.Close(); err != nil {
			logger.Warn("Failed to close driver: %v", err)
		}
	}()

	// 5. Execute
	run, err := executeTests(ctx, cfg, launcher, defs, out)
	if err != nil {
		return nil, err
	}
	logger.Info("Run %s completed: %d passed, %d failed, %d skipped",
		run.RunID, run.PassedTests, run.FailedTests, run.SkippedTests)
	return run, nil
}

// loadTests validates every path and returns the tests to run.
func loadTests(cfg *RunConfig, out io.Writer) ([]*flow.TestDefinition, error) {
	result := validator.New(cfg.IncludeTags, cfg.ExcludeTags).Validate(cfg.Paths...)

	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  %s⚠%s %s\n", color(colorYellow), color(colorReset), w)
		logger.Warn("%s", w)
	}
	if !result.IsValid() {
		fmt.Fprintf(out, "Validation errors:\n")
		for _, err := range result.Errors {
			fmt.Fprintf(out, "  - %v\n", err)
		}
		return nil, fmt.Errorf("validation failed with %d error(s)", len(result.Errors))
	}
	if len(result.Tests) == 0 {
		return nil, fmt.Errorf("no test documents found")
	}

	fmt.Fprintf(out, "\n%sSetup%s\n", color(colorBold), color(colorReset))
	fmt.Fprintln(out, strings.Repeat("─", 40))
	msg := fmt.Sprintf("Found %d test(s)", len(result.Tests))
	if result.Filtered > 0 {
		msg += fmt.Sprintf(", %d filtered by tags", result.Filtered)
	}
	fmt.Fprintf(out, "  %s✓%s %s\n", color(colorGreen), color(colorReset), msg)
	return result.Tests, nil
}

// executeTests runs defs with every configured observer attached and writes
// the run's outputs.
func executeTests(ctx context.Context, cfg *RunConfig, launcher core.Launcher, defs []*flow.TestDefinition, out io.Writer) (*core.RunResult, error) {
	driverName := cfg.Driver
	if driverName == "" {
		driverName = driver.Default
	}

	writer, err := report.NewWriter(report.WriterConfig{
		OutputDir: cfg.OutputDir,
		Runner: report.RunnerInfo{
			Version: Version,
			Driver:  driverName,
			Browser: cfg.Browser,
		},
		ResultsCSV: cfg.ResultsCSV,
		Title:      "pagecheck report",
		Allure:     cfg.Allure,
	}, defs)
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	defer writer.Close()

	observers := executor.Observers{
		newConsolePrinter(out, cfg.Parallel > 1),
		writer,
		executor.LogObserver{},
	}

	var collector *metrics.Collector
	if cfg.MetricsFile != "" {
		collector = metrics.New()
		observers = append(observers, collector)
	}

	var tracer *telemetry.Tracer
	if cfg.Trace {
		f, err := os.Create(filepath.Join(cfg.OutputDir, "trace.json"))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		defer f.Close()
		tracer, err = telemetry.NewStdout(f, Version)
		if err != nil {
			return nil, err
		}
		observers = append(observers, tracer)
	}

	runner := executor.NewRunner(executor.RunnerConfig{
		Engine: executor.Config{
			Launcher: launcher,
			Launch: core.LaunchOptions{
				Browser:  cfg.Browser,
				Headless: cfg.Headless,
				SlowMo:   cfg.SlowMo,
				Timeout:  launchTimeout,
			},
			DefaultWait:   cfg.Wait,
			WaitUntil:     cfg.WaitUntil,
			FailurePolicy: cfg.FailurePolicy,
			StartChecks:   cfg.StartChecks,
			Diagnostics:   &core.ScreenshotSink{Dir: filepath.Join(cfg.OutputDir, "screenshots")},
			Observer:      observers,
			Variables:     cfg.Env,
			ImportEnv:     true,
		},
		Parallelism: cfg.Parallel,
		StopOnFail:  cfg.StopOnFail,
	})

	run := runner.Run(ctx, defs)

	// Outputs are written even when the run was interrupted.
	finishCtx := context.WithoutCancel(ctx)
	if err := writer.Finish(&run); err != nil {
		fmt.Fprintf(out, "  %s⚠%s Warning: failed to finish report: %v\n", color(colorYellow), color(colorReset), err)
	}
	if collector != nil {
		collector.RecordSkipped(&run)
		if err := collector.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("Failed to write metrics: %v", err)
		}
	}
	if tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(finishCtx, 5*time.Second)
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces: %v", err)
		}
		cancel()
	}
	if cfg.HistoryDB != "" {
		meta := history.RunMeta{Driver: driverName, Browser: cfg.Browser}
		if err := recordHistory(finishCtx, cfg.HistoryDB, &run, meta); err != nil {
			logger.Warn("Failed to record history: %v", err)
			fmt.Fprintf(out, "  %s⚠%s Warning: failed to record history: %v\n", color(colorYellow), color(colorReset), err)
		}
	}

	printSummary(out, &run)
	printReports(out, cfg)
	return &run, nil
}

func recordHistory(ctx context.Context, path string, run *core.RunResult, meta history.RunMeta) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordRun(ctx, run, meta)
}

func printReports(out io.Writer, cfg *RunConfig) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Reports:")
	fmt.Fprintf(out, "    HTML:   %s\n", filepath.Join(cfg.OutputDir, "report.html"))
	fmt.Fprintf(out, "    JSON:   %s\n", filepath.Join(cfg.OutputDir, "report.json"))
	fmt.Fprintf(out, "    CSV:    %s\n", cfg.ResultsCSV)
	if cfg.Allure {
		fmt.Fprintf(out, "    Allure: %s\n", filepath.Join(cfg.OutputDir, "allure-results"))
	}
	if cfg.Trace {
		fmt.Fprintf(out, "    Trace:  %s\n", filepath.Join(cfg.OutputDir, "trace.json"))
	}
	if cfg.MetricsFile != "" {
		fmt.Fprintf(out, "    Metrics: %s\n", cfg.MetricsFile)
	}
	fmt.Fprintln(out)
}
