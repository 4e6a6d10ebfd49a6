package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
)

// HTMLConfig contains configuration for HTML report generation.
type HTMLConfig struct {
	OutputPath  string // Path to write the HTML file
	EmbedAssets bool   // Embed screenshots as base64 (makes file larger but portable)
	Title       string // Report title (default: "Test Report")
}

// GenerateHTML renders report.html from the report directory.
func GenerateHTML(reportDir string, cfg HTMLConfig) error {
	index, tests, err := ReadReport(reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	if cfg.Title == "" {
		cfg.Title = "Test Report"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join(reportDir, "report.html")
	}

	data := buildHTMLData(reportDir, index, tests, cfg)
	html, err := renderHTML(data)
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	return atomicWriteFile(cfg.OutputPath, []byte(html))
}

// HTMLData contains all data needed for the HTML template.
type HTMLData struct {
	Title         string
	GeneratedAt   string
	Index         *Index
	Tests         []TestHTMLData
	TotalDuration string
	PassRate      float64
}

// TestHTMLData contains test data formatted for HTML.
type TestHTMLData struct {
	TestDetail
	StatusClass string
	DurationStr string
	DurationPct float64
	Steps       []StepHTMLData
}

// StepHTMLData contains step data formatted for HTML.
type StepHTMLData struct {
	StepDetail
	StatusClass string
	DurationStr string
	Image       string // screenshot src: relative path or data URI
}

func buildHTMLData(reportDir string, index *Index, tests []TestDetail, cfg HTMLConfig) HTMLData {
	var maxDuration int64
	for _, t := range tests {
		if t.DurationMs > maxDuration {
			maxDuration = t.DurationMs
		}
	}

	testsData := make([]TestHTMLData, len(tests))
	for i, t := range tests {
		steps := make([]StepHTMLData, len(t.Steps))
		for j, s := range t.Steps {
			step := StepHTMLData{
				StepDetail:  s,
				StatusClass: s.Status.String(),
				DurationStr: formatDuration(s.DurationMs),
			}
			if s.Screenshot != "" {
				if cfg.EmbedAssets {
					step.Image = loadAsBase64(filepath.Join(reportDir, s.Screenshot))
				} else {
					step.Image = s.Screenshot
				}
			}
			steps[j] = step
		}

		var pct float64
		if maxDuration > 0 {
			pct = float64(t.DurationMs) / float64(maxDuration) * 100
		}
		testsData[i] = TestHTMLData{
			TestDetail:  t,
			StatusClass: t.Status.String(),
			DurationStr: formatDuration(t.DurationMs),
			DurationPct: pct,
			Steps:       steps,
		}
	}

	var passRate float64
	if index.Summary.Total > 0 {
		passRate = float64(index.Summary.Passed) / float64(index.Summary.Total) * 100
	}

	total := "-"
	if index.EndTime != nil {
		total = formatDuration(index.EndTime.Sub(index.StartTime).Milliseconds())
	}

	return HTMLData{
		Title:         cfg.Title,
		GeneratedAt:   time.Now().Format("2006-01-02 15:04:05"),
		Index:         index,
		Tests:         testsData,
		TotalDuration: total,
		PassRate:      passRate,
	}
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", ms)
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func loadAsBase64(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(path))
	mimeType := "image/png"
	if ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

var htmlFuncs = template.FuncMap{
	"safeURL": func(s string) template.URL { return template.URL(s) },
	"failed":  func(s core.StepStatus) bool { return s == core.StatusFailed },
}

var reportTemplate = template.Must(template.New("report").Funcs(htmlFuncs).Parse(htmlTemplate))

func renderHTML(data HTMLData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        :root {
            --bg-primary: #ffffff;
            --bg-secondary: #f9fafb;
            --text-primary: #000000;
            --text-muted: rgb(107, 114, 128);
            --border-color: #e5e7eb;
            --passed: #22c55e;
            --failed: #ef4444;
            --failed-bg: rgba(239, 68, 68, 0.08);
            --skipped: #eab308;
            --running: #06b6d4;
            --pending: #6b7280;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            line-height: 1.5;
        }
        .header { background: var(--bg-secondary); border-bottom: 1px solid var(--border-color); padding: 16px 24px; }
        .header h1 { font-size: 18px; font-weight: 600; }
        .meta { font-size: 12px; color: var(--text-muted); }
        .stats { display: flex; gap: 16px; margin-top: 12px; }
        .stat { padding: 8px 14px; border: 1px solid var(--border-color); border-radius: 6px; background: var(--bg-primary); }
        .stat b { display: block; font-size: 20px; }
        main { padding: 16px 24px; }
        details.test { border: 1px solid var(--border-color); border-radius: 6px; margin-bottom: 10px; }
        details.test > summary { display: flex; gap: 12px; align-items: center; padding: 10px 14px; cursor: pointer; }
        .name { flex: 1; font-weight: 500; }
        .bar { width: 120px; height: 6px; background: var(--bg-secondary); border-radius: 3px; overflow: hidden; }
        .bar span { display: block; height: 100%; background: var(--running); }
        .badge { font-size: 11px; text-transform: uppercase; font-weight: 600; padding: 2px 8px; border-radius: 10px; color: white; }
        .badge.passed { background: var(--passed); }
        .badge.failed { background: var(--failed); }
        .badge.skipped { background: var(--skipped); }
        .badge.running { background: var(--running); }
        .badge.pending { background: var(--pending); }
        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        td, th { text-align: left; padding: 6px 14px; border-top: 1px solid var(--border-color); vertical-align: top; }
        tr.failed { background: var(--failed-bg); }
        .error { color: var(--failed); white-space: pre-wrap; }
        .content { font-family: ui-monospace, monospace; color: var(--text-muted); }
        img.shot { max-width: 480px; border: 1px solid var(--border-color); margin-top: 6px; }
    </style>
</head>
<body>
<div class="header">
    <h1>{{.Title}}</h1>
    <div class="meta">
        Run {{.Index.RunID}} &middot; {{.Index.Runner.Driver}}{{with .Index.Runner.Browser}} / {{.}}{{end}}
        &middot; generated {{.GeneratedAt}} &middot; total {{.TotalDuration}}
        &middot; status <span class="badge {{.Index.Status}}">{{.Index.Status}}</span>
    </div>
    <div class="stats">
        <div class="stat"><b>{{.Index.Summary.Total}}</b>tests</div>
        <div class="stat"><b>{{.Index.Summary.Passed}}</b>passed</div>
        <div class="stat"><b>{{.Index.Summary.Failed}}</b>failed</div>
        <div class="stat"><b>{{.Index.Summary.Skipped}}</b>skipped</div>
        <div class="stat"><b>{{printf "%.0f" .PassRate}}%</b>pass rate</div>
    </div>
</div>
<main>
{{range .Tests}}
    <details class="test"{{if failed .Status}} open{{end}}>
        <summary>
            <span class="badge {{.StatusClass}}">{{.StatusClass}}</span>
            <span class="name">{{.TestName}}{{with .FunctionalUnit}} <span class="meta">({{.}})</span>{{end}}</span>
            <span class="meta">{{.Summary.Passed}}/{{.Summary.Total}} steps</span>
            <span class="bar"><span style="width: {{printf "%.0f" .DurationPct}}%"></span></span>
            <span class="meta">{{.DurationStr}}</span>
        </summary>
        {{with .Error}}<div class="error" style="padding: 0 14px 8px">{{.}}</div>{{end}}
        {{if .Steps}}
        <table>
            <tr><th>Step</th><th>Action</th><th>Status</th><th>Duration</th><th>Details</th></tr>
            {{range .Steps}}
            <tr class="{{.StatusClass}}">
                <td>{{.Name}}</td>
                <td>{{.Action}}</td>
                <td><span class="badge {{.StatusClass}}">{{.StatusClass}}</span></td>
                <td>{{.DurationStr}}</td>
                <td>
                    {{with .Content}}<div class="content">{{.}}</div>{{end}}
                    {{with .Error}}<div class="error">{{.}}</div>{{end}}
                    {{range .ValidationErrors}}<div class="error">{{.}}</div>{{end}}
                    {{with .Image}}<img class="shot" src="{{safeURL .}}" alt="screenshot">{{end}}
                </td>
            </tr>
            {{end}}
        </table>
        {{end}}
    </details>
{{end}}
</main>
</body>
</html>
`
