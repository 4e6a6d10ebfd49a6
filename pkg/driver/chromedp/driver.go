// Package chromedp implements core.Launcher over the Chrome DevTools
// Protocol. It needs a local Chrome or Chromium but no Node runtime.
package chromedp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// Options configure the Chrome process.
type Options struct {
	ExecPath  string // Chrome binary; empty searches the usual locations
	NoSandbox bool   // needed inside most containers
}

// Launcher owns one Chrome process. Each session is a separate browser
// context, so cookies and storage are not shared between tests.
type Launcher struct {
	opts Options

	mu          sync.Mutex
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelBrows context.CancelFunc
	headless    bool
	closed      bool
}

// New creates a launcher. Chrome starts on the first Launch.
func New(opts Options) *Launcher {
	return &Launcher{opts: opts}
}

// Launch opens a new browser context with one tab.
func (l *Launcher) Launch(ctx context.Context, opts core.LaunchOptions) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Browser != "" && opts.Browser != "chromium" {
		return nil, fmt.Errorf("chromedp driver only supports chromium, not %q", opts.Browser)
	}
	browserCtx, err := l.browser(opts)
	if err != nil {
		return nil, err
	}

	tab, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	startCtx := tab
	if opts.Timeout > 0 {
		var cancelStart context.CancelFunc
		startCtx, cancelStart = context.WithTimeout(tab, opts.Timeout)
		defer cancelStart()
	}
	if err := chromedp.Run(startCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Session{tab: tab, cancel: cancel, slowMo: opts.SlowMo}, nil
}

func (l *Launcher) browser(opts core.LaunchOptions) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errors.New("launcher closed")
	}
	if l.browserCtx != nil {
		if l.headless != opts.Headless {
			logger.Warn("chromedp: browser already running with headless=%v", l.headless)
		}
		return l.browserCtx, nil
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 800),
	)
	if l.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if l.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Debug("chromedp: "+format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Warn("chromedp: "+format, args...)
		}),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	l.browserCtx = browserCtx
	l.cancelAlloc = cancelAlloc
	l.cancelBrows = cancelBrowser
	l.headless = opts.Headless
	return browserCtx, nil
}

// Close shuts Chrome down.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.cancelBrows != nil {
		l.cancelBrows()
		l.cancelAlloc()
		l.browserCtx = nil
		l.cancelBrows = nil
		l.cancelAlloc = nil
	}
	return nil
}

// Session is one browser context.
type Session struct {
	tab    context.Context
	cancel context.CancelFunc
	slowMo time.Duration

	mu      sync.Mutex
	pages   int
	cancels []context.CancelFunc
}

// NewPage returns the session's first tab, then opens new ones.
func (s *Session) NewPage(ctx context.Context) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages++
	if s.pages == 1 {
		return &Page{tab: s.tab, slowMo: s.slowMo}, nil
	}
	tab, cancel := chromedp.NewContext(s.tab)
	if err := chromedp.Run(tab); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	s.cancels = append(s.cancels, cancel)
	return &Page{tab: tab, slowMo: s.slowMo}, nil
}

// Close closes the browser context and its tabs.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.cancel()
	return nil
}

// Page is one Chrome tab.
type Page struct {
	tab    context.Context
	slowMo time.Duration

	mu  sync.Mutex
	url string
}

// exec runs actions on the tab, bounded by timeout and cancelled with ctx.
func (p *Page) exec(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(p.tab, timeout)
	} else {
		runCtx, cancel = context.WithCancel(p.tab)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrDriverTimeout, err)
	}
	return err
}

// Goto navigates and waits for the load event. Every WaitUntil value
// is treated as load.
func (p *Page) Goto(ctx context.Context, url string, opts core.GotoOptions) error {
	if err := p.exec(ctx, opts.Timeout, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return err
	}
	var loc string
	if err := p.exec(ctx, 0, chromedp.Location(&loc)); err == nil {
		p.mu.Lock()
		p.url = loc
		p.mu.Unlock()
	}
	return nil
}

// LocateAll returns a lazy view of selector's matches.
func (p *Page) LocateAll(selector string) core.ElementSet {
	return &elementSet{page: p, selector: selector}
}

// Screenshot writes a PNG of the viewport to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := p.exec(ctx, 0, chromedp.CaptureScreenshot(&buf)); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// URL returns the location after the last navigation.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

type elementSet struct {
	page     *Page
	selector string
}

func (s *elementSet) Count(ctx context.Context) (int, error) {
	var n int
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(s.selector))
	if err := s.page.exec(ctx, 0, chromedp.Evaluate(expr, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *elementSet) Nth(i int) core.Element {
	return &element{page: s.page, selector: s.selector, index: i}
}

type element struct {
	page     *Page
	selector string
	index    int
}

const visiblePoll = 50 * time.Millisecond

// script wraps body in a function that receives the element as el and
// throws when it is detached.
func (e *element) script(body string) string {
	detached := jsString(fmt.Sprintf("element %s[%d] is detached", e.selector, e.index))
	return fmt.Sprintf(`(() => {
	const el = document.querySelectorAll(%s)[%d];
	if (!el) throw new Error(%s);
	%s
})()`, jsString(e.selector), e.index, detached, body)
}

const visibleBody = `const s = getComputedStyle(el);
	const r = el.getBoundingClientRect();
	return s.visibility !== "hidden" && s.display !== "none" && r.width > 0 && r.height > 0;`

func (e *element) WaitForVisible(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var visible bool
		err := e.page.exec(ctx, 0, chromedp.Evaluate(e.script(visibleBody), &visible))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && visible {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("waiting for %s[%d] to be visible: %w", e.selector, e.index, core.ErrDriverTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(visiblePoll):
		}
	}
}

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const centerBody = `el.scrollIntoView({block: "center", inline: "center"});
	const r = el.getBoundingClientRect();
	return {x: r.left + r.width / 2, y: r.top + r.height / 2};`

func (e *element) Click(ctx context.Context) error {
	e.page.pause()
	var pt point
	return e.page.exec(ctx, 0,
		chromedp.Evaluate(e.script(centerBody), &pt),
		chromedp.ActionFunc(func(c context.Context) error {
			return chromedp.MouseClickXY(pt.X, pt.Y).Do(c)
		}),
	)
}

const focusClearBody = `el.focus();
	if ("value" in el) el.value = "";
	return true;`

func (e *element) Fill(ctx context.Context, value string) error {
	e.page.pause()
	var ok bool
	changed := e.script(`el.dispatchEvent(new Event("input", {bubbles: true}));
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return true;`)
	return e.page.exec(ctx, 0,
		chromedp.Evaluate(e.script(focusClearBody), &ok),
		chromedp.ActionFunc(func(c context.Context) error {
			return input.InsertText(value).Do(c)
		}),
		chromedp.Evaluate(changed, &ok),
	)
}

func (e *element) TextContent(ctx context.Context) (string, error) {
	var text string
	if err := e.page.exec(ctx, 0, chromedp.Evaluate(e.script(`return el.textContent ?? "";`), &text)); err != nil {
		return "", err
	}
	return text, nil
}

func (p *Page) pause() {
	if p.slowMo > 0 {
		time.Sleep(p.slowMo)
	}
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
