package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/executor"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Slow step threshold
const slowThreshold = 5 * time.Second

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

// consolePrinter prints live progress. With buffered set, each test's lines
// are held until it ends so parallel tests do not interleave.
type consolePrinter struct {
	out      io.Writer
	buffered bool

	mu   sync.Mutex
	bufs map[string]*bytes.Buffer
}

var _ executor.Observer = (*consolePrinter)(nil)

func newConsolePrinter(out io.Writer, buffered bool) *consolePrinter {
	return &consolePrinter{out: out, buffered: buffered, bufs: make(map[string]*bytes.Buffer)}
}

// writer returns where lines for the test go. Callers hold mu.
func (p *consolePrinter) writer(id string) io.Writer {
	if !p.buffered {
		return p.out
	}
	b, ok := p.bufs[id]
	if !ok {
		b = &bytes.Buffer{}
		p.bufs[id] = b
	}
	return b
}

func (p *consolePrinter) OnTestStart(info executor.TestInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.writer(info.ID)
	fmt.Fprintf(w, "\n  %s[%d/%d]%s %s%s%s (%s)\n",
		color(colorCyan), info.Index+1, info.Total, color(colorReset),
		color(colorBold), info.Name, color(colorReset), info.Source)
	fmt.Fprintln(w, "  "+strings.Repeat("─", 60))
}

func (p *consolePrinter) OnStateChange(executor.TestInfo, executor.State) {}

func (p *consolePrinter) OnStepStart(executor.TestInfo, int, *flow.Step) {}

func (p *consolePrinter) OnStepEnd(info executor.TestInfo, _ int, result *core.StepResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	printStep(p.writer(info.ID), result)
}

func (p *consolePrinter) OnTestEnd(info executor.TestInfo, result *core.TestResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.writer(info.ID)
	if result.Critical {
		fmt.Fprintf(w, "    %s!%s %s\n", color(colorRed), color(colorReset), result.Error)
	}
	symbol, c := statusSymbol(result.Status)
	fmt.Fprintf(w, "%s%s %s%s %s%s%s\n",
		color(c), symbol, color(colorReset), info.Name,
		color(colorGray), formatDuration(result.Duration), color(colorReset))

	if b, ok := p.bufs[info.ID]; ok {
		p.out.Write(b.Bytes())
		delete(p.bufs, info.ID)
	}
}

func printStep(w io.Writer, result *core.StepResult) {
	durStr := formatDuration(result.Duration)
	if !result.Failed() {
		symbol := "✓"
		symbolColor := color(colorGreen)
		durColor := ""
		if result.Duration >= slowThreshold {
			durColor = color(colorYellow)
			symbol = "⚠"
			symbolColor = color(colorYellow)
		}
		fmt.Fprintf(w, "    %s%s%s %s %s(%s)%s\n",
			symbolColor, symbol, color(colorReset), result.Name, durColor, durStr, color(colorReset))
		return
	}

	fmt.Fprintf(w, "    %s✗%s %s (%s)\n", color(colorRed), color(colorReset), result.Name, durStr)
	if result.Error != "" {
		fmt.Fprintf(w, "      %s╰─%s %s\n", color(colorGray), color(colorReset), result.Error)
	}
	for _, msg := range result.ValidationErrors {
		fmt.Fprintf(w, "      %s╰─%s %s\n", color(colorGray), color(colorReset), msg)
	}
	if result.Screenshot != "" {
		fmt.Fprintf(w, "      %sscreenshot: %s%s\n", color(colorGray), result.Screenshot, color(colorReset))
	}
}

func statusSymbol(s core.StepStatus) (string, string) {
	switch s {
	case core.StatusPassed:
		return "✓", colorGreen
	case core.StatusFailed:
		return "✗", colorRed
	default:
		return "-", colorCyan
	}
}

func printSummary(w io.Writer, run *core.RunResult) {
	totalSteps := 0
	passedSteps := 0
	failedSteps := 0
	skippedSteps := 0
	for _, tr := range run.Tests {
		totalSteps += tr.TotalSteps
		passedSteps += tr.PassedSteps
		failedSteps += tr.FailedSteps
		skippedSteps += tr.SkippedSteps
	}

	fmt.Fprintln(w)
	if passedSteps > 0 {
		fmt.Fprintf(w, "  %s%d steps passing%s (%s)\n", color(colorGreen), passedSteps, color(colorReset), formatDuration(run.Duration))
	}
	if failedSteps > 0 {
		fmt.Fprintf(w, "  %s%d steps failing%s\n", color(colorRed), failedSteps, color(colorReset))
	}
	if skippedSteps > 0 {
		fmt.Fprintf(w, "  %s%d steps skipped%s\n", color(colorCyan), skippedSteps, color(colorReset))
	}
	fmt.Fprintln(w)

	tableWidth := 92
	fmt.Fprintln(w, strings.Repeat("═", tableWidth))
	fmt.Fprintf(w, "  %-42s %6s %7s %6s %6s %6s %10s\n", "Test", "Status", "Steps", "Pass", "Fail", "Skip", "Duration")
	fmt.Fprintln(w, strings.Repeat("─", tableWidth))

	for _, tr := range run.Tests {
		var status, statusColor string
		switch tr.Status {
		case core.StatusFailed:
			status, statusColor = "✗ FAIL", color(colorRed)
		case core.StatusSkipped:
			status, statusColor = "- SKIP", color(colorCyan)
		default:
			status, statusColor = "✓ PASS", color(colorGreen)
		}

		name := tr.TestName
		if len(name) > 42 {
			name = name[:39] + "..."
		}
		fmt.Fprintf(w, "  %-42s %s%6s%s %7d %6d %6d %6d %10s\n",
			name, statusColor, status, color(colorReset),
			tr.TotalSteps, tr.PassedSteps, tr.FailedSteps, tr.SkippedSteps,
			formatDuration(tr.Duration))
	}

	fmt.Fprintln(w, strings.Repeat("─", tableWidth))
	statusStr := fmt.Sprintf("%d/%d", run.PassedTests, run.TotalTests)
	statusColor := color(colorGreen)
	if run.FailedTests > 0 {
		statusColor = color(colorRed)
	}
	fmt.Fprintf(w, "  %s%-42s%s %s%6s%s %7d %6d %6d %6d %10s\n",
		color(colorBold), "TOTAL", color(colorReset),
		statusColor, statusStr, color(colorReset),
		totalSteps, passedSteps, failedSteps, skippedSteps,
		formatDuration(run.Duration))
	fmt.Fprintln(w, strings.Repeat("═", tableWidth))
}

// formatDuration shows milliseconds below 1s, seconds below a minute, and
// minutes with seconds otherwise.
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", mins, secs)
}
