// Package playwright implements core.Launcher with Playwright.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// Supported browser engines
var Browsers = []string{"chromium", "firefox", "webkit"}

// Options configure the Playwright driver install.
type Options struct {
	// DriverDirectory holds the Playwright driver and browsers. Empty uses
	// Playwright's default cache.
	DriverDirectory string
	// SkipInstall fails instead of downloading missing browsers.
	SkipInstall bool
}

// Launcher starts one browser process per engine and hands out an
// isolated browser context per session.
type Launcher struct {
	opts Options

	mu       sync.Mutex
	pw       *pw.Playwright
	browsers map[string]pw.Browser
	closed   bool
}

// New creates a launcher. Playwright starts on the first Launch.
func New(opts Options) *Launcher {
	return &Launcher{opts: opts, browsers: make(map[string]pw.Browser)}
}

// Install downloads the Playwright driver and the given browsers.
func Install(opts Options, browsers ...string) error {
	if len(browsers) == 0 {
		browsers = []string{"chromium"}
	}
	err := pw.Install(&pw.RunOptions{
		DriverDirectory: opts.DriverDirectory,
		Browsers:        browsers,
		Stdout:          logger.GetWriter(),
		Stderr:          logger.GetWriter(),
	})
	if err != nil {
		return fmt.Errorf("install playwright: %w", err)
	}
	return nil
}

// Launch opens a new browser context.
func (l *Launcher) Launch(ctx context.Context, opts core.LaunchOptions) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	browser, err := l.browser(opts)
	if err != nil {
		return nil, err
	}

	bctx, err := browser.NewContext()
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	if opts.Timeout > 0 {
		bctx.SetDefaultNavigationTimeout(millis(opts.Timeout))
	}
	return &Session{bctx: bctx}, nil
}

// browser returns the running browser for opts, launching it once.
func (l *Launcher) browser(opts core.LaunchOptions) (pw.Browser, error) {
	name := opts.Browser
	if name == "" {
		name = "chromium"
	}
	key := fmt.Sprintf("%s/headless=%v", name, opts.Headless)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errors.New("launcher closed")
	}
	if b, ok := l.browsers[key]; ok && b.IsConnected() {
		return b, nil
	}

	if l.pw == nil {
		logger.Info("starting playwright (driver dir %q)", l.opts.DriverDirectory)
		p, err := pw.Run(&pw.RunOptions{
			DriverDirectory:     l.opts.DriverDirectory,
			SkipInstallBrowsers: l.opts.SkipInstall,
			Browsers:            []string{name},
			Stdout:              logger.GetWriter(),
			Stderr:              logger.GetWriter(),
		})
		if err != nil {
			return nil, fmt.Errorf("start playwright: %w", err)
		}
		l.pw = p
	}

	var bt pw.BrowserType
	switch name {
	case "chromium":
		bt = l.pw.Chromium
	case "firefox":
		bt = l.pw.Firefox
	case "webkit":
		bt = l.pw.WebKit
	default:
		return nil, fmt.Errorf("unknown browser %q", name)
	}

	launch := pw.BrowserTypeLaunchOptions{Headless: pw.Bool(opts.Headless)}
	if opts.SlowMo > 0 {
		launch.SlowMo = pw.Float(millis(opts.SlowMo))
	}
	if opts.Timeout > 0 {
		launch.Timeout = pw.Float(millis(opts.Timeout))
	}
	b, err := bt.Launch(launch)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", name, err)
	}
	l.browsers[key] = b
	return b, nil
}

// Close stops every browser and the Playwright driver.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	var errs []error
	for key, b := range l.browsers {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	l.browsers = make(map[string]pw.Browser)
	if l.pw != nil {
		if err := l.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
		l.pw = nil
	}
	return errors.Join(errs...)
}

// Session is one browser context.
type Session struct {
	bctx pw.BrowserContext
}

// NewPage opens a tab in the session's context.
func (s *Session) NewPage(ctx context.Context) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	return &Page{page: p}, nil
}

// Close closes the context and all its pages.
func (s *Session) Close() error {
	return s.bctx.Close()
}

// Page wraps a Playwright page.
type Page struct {
	page pw.Page
}

var waitUntilStates = map[core.WaitUntil]*pw.WaitUntilState{
	core.WaitUntilLoad:             pw.WaitUntilStateLoad,
	core.WaitUntilDOMContentLoaded: pw.WaitUntilStateDomcontentloaded,
	core.WaitUntilNetworkIdle:      pw.WaitUntilStateNetworkidle,
	core.WaitUntilCommit:           pw.WaitUntilStateCommit,
}

// Goto navigates and waits for opts.WaitUntil.
func (p *Page) Goto(ctx context.Context, url string, opts core.GotoOptions) error {
	gotoOpts := pw.PageGotoOptions{WaitUntil: waitUntilStates[opts.WaitUntil]}
	if t := bounded(ctx, opts.Timeout); t > 0 {
		gotoOpts.Timeout = pw.Float(millis(t))
	}
	return run(ctx, func() error {
		_, err := p.page.Goto(url, gotoOpts)
		return mapErr(err)
	})
}

// LocateAll returns a lazy locator.
func (p *Page) LocateAll(selector string) core.ElementSet {
	return &elementSet{loc: p.page.Locator(selector)}
}

// Screenshot writes a full-page PNG to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	return run(ctx, func() error {
		_, err := p.page.Screenshot(pw.PageScreenshotOptions{
			Path:     pw.String(path),
			FullPage: pw.Bool(true),
		})
		return err
	})
}

// URL returns the current location.
func (p *Page) URL() string {
	return p.page.URL()
}

type elementSet struct {
	loc pw.Locator
}

func (s *elementSet) Count(ctx context.Context) (int, error) {
	var n int
	err := run(ctx, func() error {
		var err error
		n, err = s.loc.Count()
		return err
	})
	return n, err
}

func (s *elementSet) Nth(i int) core.Element {
	return &element{loc: s.loc.Nth(i)}
}

type element struct {
	loc pw.Locator
}

func (e *element) WaitForVisible(ctx context.Context, timeout time.Duration) error {
	t := bounded(ctx, timeout)
	return run(ctx, func() error {
		return mapErr(e.loc.WaitFor(pw.LocatorWaitForOptions{
			State:   pw.WaitForSelectorStateVisible,
			Timeout: pw.Float(millis(t)),
		}))
	})
}

func (e *element) Click(ctx context.Context) error {
	return run(ctx, func() error {
		return mapErr(e.loc.Click(pw.LocatorClickOptions{Timeout: actionTimeout(ctx)}))
	})
}

func (e *element) Fill(ctx context.Context, value string) error {
	return run(ctx, func() error {
		return mapErr(e.loc.Fill(value, pw.LocatorFillOptions{Timeout: actionTimeout(ctx)}))
	})
}

func (e *element) TextContent(ctx context.Context) (string, error) {
	var text string
	err := run(ctx, func() error {
		var err error
		text, err = e.loc.TextContent(pw.LocatorTextContentOptions{Timeout: actionTimeout(ctx)})
		return mapErr(err)
	})
	return text, err
}

// defaultActionTimeout bounds actions on an element that is already visible.
const defaultActionTimeout = 10 * time.Second

func actionTimeout(ctx context.Context) *float64 {
	return pw.Float(millis(bounded(ctx, defaultActionTimeout)))
}

// bounded caps d by the context deadline.
func bounded(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if rem := time.Until(deadline); d <= 0 || rem < d {
			d = rem
		}
	}
	if d < time.Millisecond && d != 0 {
		d = time.Millisecond
	}
	return d
}

// run calls fn, returning early with ctx.Err() when ctx is cancelled.
// Playwright calls are not cancellable; fn keeps running until its own
// timeout.
func run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mapErr(err error) error {
	if err != nil && errors.Is(err, pw.ErrTimeout) {
		return fmt.Errorf("%w: %v", core.ErrDriverTimeout, err)
	}
	return err
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
