package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
tests:
  - tests/smoke
includeTags:
  - smoke
excludeTags:
  - wip
driver: playwright
browser: firefox
headless: false
wait: 5000
waitUntil: load
failurePolicy: collect
startChecks: concurrent
parallel: 4
stopOnFail: true
env:
  USER: test
  PASS: secret
output: out
resultsCsv: out/summary.csv
historyDb: .pagecheck/history.db
metricsFile: out/pagecheck.prom
trace: true
allure: true
webdriverUrl: http://localhost:4444
`
	path := writeConfig(t, t.TempDir(), "pagecheck.yaml", content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Tests) != 1 || cfg.Tests[0] != "tests/smoke" {
		t.Errorf("expected tests [tests/smoke], got %v", cfg.Tests)
	}
	if len(cfg.IncludeTags) != 1 || cfg.IncludeTags[0] != "smoke" {
		t.Errorf("expected includeTags [smoke], got %v", cfg.IncludeTags)
	}
	if len(cfg.ExcludeTags) != 1 || cfg.ExcludeTags[0] != "wip" {
		t.Errorf("expected excludeTags [wip], got %v", cfg.ExcludeTags)
	}
	if cfg.Env["USER"] != "test" || cfg.Env["PASS"] != "secret" {
		t.Errorf("expected env {USER:test, PASS:secret}, got %v", cfg.Env)
	}
	if cfg.Driver != "playwright" || cfg.Browser != "firefox" {
		t.Errorf("expected playwright/firefox, got %s/%s", cfg.Driver, cfg.Browser)
	}
	if cfg.IsHeadless() {
		t.Error("expected headless false")
	}
	if cfg.Wait != 5000 || cfg.WaitUntil != "load" {
		t.Errorf("expected wait 5000 load, got %d %s", cfg.Wait, cfg.WaitUntil)
	}
	if cfg.FailurePolicy != "collect" || cfg.StartChecks != "concurrent" {
		t.Errorf("expected collect/concurrent, got %s/%s", cfg.FailurePolicy, cfg.StartChecks)
	}
	if cfg.Parallel != 4 || !cfg.StopOnFail {
		t.Errorf("expected parallel 4 stopOnFail, got %d %v", cfg.Parallel, cfg.StopOnFail)
	}
	if cfg.ResultsCSV != "out/summary.csv" || cfg.HistoryDB != ".pagecheck/history.db" {
		t.Errorf("unexpected outputs: %s %s", cfg.ResultsCSV, cfg.HistoryDB)
	}
	if cfg.MetricsFile != "out/pagecheck.prom" || !cfg.Trace || !cfg.Allure {
		t.Errorf("unexpected metrics/trace/allure: %s %v %v", cfg.MetricsFile, cfg.Trace, cfg.Allure)
	}
	if cfg.WebDriverURL != "http://localhost:4444" {
		t.Errorf("unexpected webdriverUrl: %s", cfg.WebDriverURL)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/pagecheck.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "pagecheck.yaml", `tests: [invalid yaml`)

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"driver", "driver: selenium"},
		{"browser", "browser: ie"},
		{"waitUntil", "waitUntil: forever"},
		{"failurePolicy", "failurePolicy: retry"},
		{"startChecks", "startChecks: random"},
		{"wait", "wait: -1"},
		{"parallel", "parallel: -2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "pagecheck.yaml", tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %q", tt.content)
			}
		})
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "pagecheck.yaml", ``)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Tests) != 0 {
		t.Errorf("expected empty tests, got %v", cfg.Tests)
	}
	if !cfg.IsHeadless() {
		t.Error("expected headless by default")
	}
}

func TestLoadFromDir_PagecheckYml(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "pagecheck.yml", `driver: chromedp`)

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Driver != "chromedp" {
		t.Errorf("expected driver chromedp, got %s", cfg.Driver)
	}
}

func TestLoadFromDir_NoConfig(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Should return empty config
	if cfg.Driver != "" {
		t.Errorf("expected empty driver, got %s", cfg.Driver)
	}
}

func TestLoadFromDir_PrefersYamlOverYml(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "pagecheck.yaml", `driver: static`)
	writeConfig(t, dir, "pagecheck.yml", `driver: mock`)

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Should prefer pagecheck.yaml
	if cfg.Driver != "static" {
		t.Errorf("expected driver static (from pagecheck.yaml), got %s", cfg.Driver)
	}
}
