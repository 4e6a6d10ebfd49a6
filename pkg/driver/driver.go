// Package driver selects a core.Launcher implementation by name.
package driver

import (
	"fmt"
	"slices"
	"strings"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/driver/chromedp"
	"github.com/devicelab-dev/pagecheck/pkg/driver/mock"
	"github.com/devicelab-dev/pagecheck/pkg/driver/playwright"
	"github.com/devicelab-dev/pagecheck/pkg/driver/static"
	"github.com/devicelab-dev/pagecheck/pkg/driver/webdriver"
)

// Driver names
const (
	Playwright = "playwright"
	Chromedp   = "chromedp"
	Static     = "static"
	WebDriver  = "webdriver"
	Mock       = "mock"
)

// Default is used when no driver is configured.
const Default = Playwright

// Names returns every supported driver.
func Names() []string {
	return []string{Playwright, Chromedp, WebDriver, Static, Mock}
}

// Options configure Open.
type Options struct {
	Name    string // one of Names(); empty selects Default
	Browser string // checked against what the driver supports

	// Playwright
	DriverDirectory string // driver and browser cache
	SkipInstall     bool

	// Chromedp
	ChromePath string
	NoSandbox  bool

	// WebDriver
	WebDriverURL string // chromedriver, geckodriver or Selenium Grid endpoint

	// Static
	UserAgent string
}

// Open returns the launcher for opts.Name. The mock driver runs in
// permissive mode: every selector matches, so documents can be dry-run.
func Open(opts Options) (core.Launcher, error) {
	name := strings.ToLower(opts.Name)
	if name == "" {
		name = Default
	}

	switch name {
	case Playwright:
		if opts.Browser != "" && !slices.Contains(playwright.Browsers, opts.Browser) {
			return nil, fmt.Errorf("playwright: unknown browser %q (want one of %s)", opts.Browser, strings.Join(playwright.Browsers, ", "))
		}
		return playwright.New(playwright.Options{
			DriverDirectory: opts.DriverDirectory,
			SkipInstall:     opts.SkipInstall,
		}), nil
	case Chromedp:
		if opts.Browser != "" && opts.Browser != "chromium" {
			return nil, fmt.Errorf("chromedp: only chromium is supported, not %q", opts.Browser)
		}
		return chromedp.New(chromedp.Options{
			ExecPath:  opts.ChromePath,
			NoSandbox: opts.NoSandbox,
		}), nil
	case WebDriver:
		if opts.Browser != "" && !slices.Contains(webdriver.Browsers, opts.Browser) {
			return nil, fmt.Errorf("webdriver: unknown browser %q (want one of %s)", opts.Browser, strings.Join(webdriver.Browsers, ", "))
		}
		if opts.WebDriverURL == "" {
			return nil, fmt.Errorf("webdriver: a server URL is required")
		}
		return webdriver.New(webdriver.Options{URL: opts.WebDriverURL}), nil
	case Static:
		return static.New(static.Options{UserAgent: opts.UserAgent}), nil
	case Mock:
		return mock.New(mock.Config{Permissive: true}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (want one of %s)", opts.Name, strings.Join(Names(), ", "))
	}
}
