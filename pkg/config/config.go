// Package config handles configuration for pagecheck.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileNames are the workspace config files LoadFromDir looks for, in order.
var FileNames = []string{"pagecheck.yaml", "pagecheck.yml"}

// Config represents the workspace configuration (pagecheck.yaml).
// Zero values mean "not set"; CLI flags override set values.
type Config struct {
	// Test selection
	Tests       []string `yaml:"tests"`       // Files or directories to run
	IncludeTags []string `yaml:"includeTags"` // Tags to include
	ExcludeTags []string `yaml:"excludeTags"` // Tags to exclude

	// Browser
	Driver       string `yaml:"driver"`       // playwright, chromedp, webdriver, static or mock
	Browser      string `yaml:"browser"`      // chromium, firefox or webkit
	Headless     *bool  `yaml:"headless"`     // nil means headless
	SlowMo       int    `yaml:"slowMo"`       // ms between driver operations
	WebDriverURL string `yaml:"webdriverUrl"` // server for the webdriver driver

	// Execution settings
	Wait          int               `yaml:"wait"`          // Default wait in ms
	WaitUntil     string            `yaml:"waitUntil"`     // load, domcontentloaded, networkidle, commit
	FailurePolicy string            `yaml:"failurePolicy"` // abort or collect
	StartChecks   string            `yaml:"startChecks"`   // sequential or concurrent
	Parallel      int               `yaml:"parallel"`      // Max concurrent tests
	StopOnFail    bool              `yaml:"stopOnFail"`    // Skip remaining tests after a failure
	Env           map[string]string `yaml:"env"`           // Variables for ${...} expansion

	// Outputs
	Output      string `yaml:"output"`      // Results directory
	Flatten     bool   `yaml:"flatten"`     // Write results directly into output
	ResultsCSV  string `yaml:"resultsCsv"`  // Extra CSV summary path
	HistoryDB   string `yaml:"historyDb"`   // SQLite run history path
	MetricsFile string `yaml:"metricsFile"` // Prometheus textfile path
	Trace       bool   `yaml:"trace"`       // Export spans to <output>/trace.json
	Allure      bool   `yaml:"allure"`      // Also write <output>/allure-results
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &cfg, nil
}

// LoadFromDir looks for pagecheck.yaml or pagecheck.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	for _, name := range FileNames {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return Load(configPath)
		}
	}

	// No config file found, return empty config
	return &Config{}, nil
}

// Validate checks enumerated fields and ranges.
func (c *Config) Validate() error {
	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"driver", c.Driver, []string{"playwright", "chromedp", "webdriver", "static", "mock"}},
		{"browser", c.Browser, []string{"chromium", "firefox", "webkit"}},
		{"waitUntil", c.WaitUntil, []string{"load", "domcontentloaded", "networkidle", "commit"}},
		{"failurePolicy", c.FailurePolicy, []string{"abort", "collect"}},
		{"startChecks", c.StartChecks, []string{"sequential", "concurrent"}},
	}
	for _, ch := range checks {
		if ch.value == "" {
			continue
		}
		if !contains(ch.allowed, strings.ToLower(ch.value)) {
			return fmt.Errorf("invalid %s %q (want one of %s)", ch.field, ch.value, strings.Join(ch.allowed, ", "))
		}
	}
	if c.Wait < 0 {
		return fmt.Errorf("wait must not be negative")
	}
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative")
	}
	if c.SlowMo < 0 {
		return fmt.Errorf("slowMo must not be negative")
	}
	return nil
}

// IsHeadless reports the headless setting, defaulting to true.
func (c *Config) IsHeadless() bool {
	return c.Headless == nil || *c.Headless
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
