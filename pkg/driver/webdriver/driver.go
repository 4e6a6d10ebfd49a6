package webdriver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// Options configure the WebDriver endpoint.
type Options struct {
	URL        string       // e.g. http://localhost:9515 for chromedriver
	HTTPClient *http.Client // nil uses a default client
}

// Launcher creates one WebDriver session per Launch. Nothing is shared
// between sessions, so Close has nothing to release.
type Launcher struct {
	opts Options
}

// New creates a launcher for the server at opts.URL.
func New(opts Options) *Launcher {
	return &Launcher{opts: opts}
}

// browserNames maps pagecheck browser names to W3C browserName values.
var browserNames = map[string]string{
	"chromium": "chrome",
	"firefox":  "firefox",
	"webkit":   "safari",
}

// Browsers lists the browsers a WebDriver server can be asked for.
var Browsers = []string{"chromium", "firefox", "webkit"}

// Capabilities builds the alwaysMatch capabilities for opts.
func Capabilities(opts core.LaunchOptions) (map[string]interface{}, error) {
	browser := opts.Browser
	if browser == "" {
		browser = "chromium"
	}
	name, ok := browserNames[browser]
	if !ok {
		return nil, fmt.Errorf("webdriver: unknown browser %q", opts.Browser)
	}

	caps := map[string]interface{}{
		"browserName":      name,
		"pageLoadStrategy": "normal",
	}
	if opts.Headless {
		switch browser {
		case "chromium":
			caps["goog:chromeOptions"] = map[string]interface{}{
				"args": []string{"--headless=new", "--window-size=1280,800"},
			}
		case "firefox":
			caps["moz:firefoxOptions"] = map[string]interface{}{
				"args": []string{"-headless"},
			}
		default:
			logger.Warn("webdriver: %s has no headless mode, starting a visible window", browser)
		}
	}
	return caps, nil
}

// Launch creates a session on the server.
func (l *Launcher) Launch(ctx context.Context, opts core.LaunchOptions) (core.Session, error) {
	if l.opts.URL == "" {
		return nil, errors.New("webdriver: no server URL configured")
	}
	caps, err := Capabilities(opts)
	if err != nil {
		return nil, err
	}

	startCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client := NewClient(l.opts.URL, l.opts.HTTPClient)
	if err := client.NewSession(startCtx, caps); err != nil {
		return nil, err
	}
	logger.Debug("webdriver: session %s on %s", client.SessionID(), l.opts.URL)
	return &Session{client: client, slowMo: opts.SlowMo}, nil
}

// Close is a no-op; sessions are deleted by Session.Close.
func (l *Launcher) Close() error {
	return nil
}

// closeTimeout bounds session deletion, which runs after the test
// context may already be cancelled.
const closeTimeout = 10 * time.Second

// Session is one WebDriver session. Commands are serialised because the
// protocol has a single current window per session.
type Session struct {
	client *Client
	slowMo time.Duration

	mu      sync.Mutex
	current string // handle of the current window
	pages   int
}

// NewPage returns the session's initial window, then opens new tabs.
func (s *Session) NewPage(ctx context.Context) (core.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pages == 0 {
		handle, err := s.client.WindowHandle(ctx)
		if err != nil {
			return nil, err
		}
		s.current = handle
		s.pages++
		return &Page{sess: s, handle: handle}, nil
	}
	handle, err := s.client.NewWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	s.pages++
	return &Page{sess: s, handle: handle}, nil
}

// Close deletes the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.client.DeleteSession(ctx)
}

// Page is one window of a session.
type Page struct {
	sess   *Session
	handle string

	mu  sync.Mutex
	url string
}

// do runs fn with the page's window current.
func (p *Page) do(ctx context.Context, fn func(c *Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := p.sess
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != p.handle {
		if err := s.client.SwitchToWindow(ctx, p.handle); err != nil {
			return fmt.Errorf("switch to window: %w", err)
		}
		s.current = p.handle
	}
	err := fn(s.client)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsCode(err, codeTimeout) {
		return fmt.Errorf("%w: %v", core.ErrDriverTimeout, err)
	}
	return err
}

// Goto navigates and waits for the load event. Every WaitUntil value
// is treated as load.
func (p *Page) Goto(ctx context.Context, url string, opts core.GotoOptions) error {
	return p.do(ctx, func(c *Client) error {
		if opts.Timeout > 0 {
			if err := c.SetPageLoadTimeout(ctx, opts.Timeout); err != nil {
				return err
			}
		}
		if err := c.Navigate(ctx, url); err != nil {
			return err
		}
		if loc, err := c.CurrentURL(ctx); err == nil {
			p.mu.Lock()
			p.url = loc
			p.mu.Unlock()
		}
		return nil
	})
}

// LocateAll returns a lazy view of selector's matches.
func (p *Page) LocateAll(selector string) core.ElementSet {
	return &elementSet{page: p, selector: selector}
}

// Screenshot writes a PNG of the window to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	err := p.do(ctx, func(c *Client) error {
		var err error
		buf, err = c.Screenshot(ctx)
		return err
	})
	if err != nil {
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

func (p *Page) pause() {
	if p.sess.slowMo > 0 {
		time.Sleep(p.sess.slowMo)
	}
}

type elementSet struct {
	page     *Page
	selector string
}

func (s *elementSet) Count(ctx context.Context) (int, error) {
	var n int
	err := s.page.do(ctx, func(c *Client) error {
		ids, err := c.FindElements(ctx, s.selector)
		n = len(ids)
		return err
	})
	return n, err
}

func (s *elementSet) Nth(i int) core.Element {
	return &element{page: s.page, selector: s.selector, index: i}
}

// element re-resolves selector on every call, so it follows the page
// across navigations the way a locator does.
type element struct {
	page     *Page
	selector string
	index    int
}

// with resolves the element and runs fn on its ID, retrying once when
// the DOM changes between lookup and use.
func (e *element) with(ctx context.Context, fn func(c *Client, id string) error) error {
	return e.page.do(ctx, func(c *Client) error {
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			var ids []string
			ids, err = c.FindElements(ctx, e.selector)
			if err != nil {
				return err
			}
			if e.index >= len(ids) {
				return fmt.Errorf("element %s[%d] is detached", e.selector, e.index)
			}
			err = fn(c, ids[e.index])
			if !IsCode(err, codeStaleElement) {
				return err
			}
		}
		return err
	})
}

const visiblePoll = 50 * time.Millisecond

func (e *element) WaitForVisible(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var visible bool
		err := e.with(ctx, func(c *Client, id string) error {
			var err error
			visible, err = c.IsElementDisplayed(ctx, id)
			return err
		})
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

func (e *element) Click(ctx context.Context) error {
	e.page.pause()
	return e.with(ctx, func(c *Client, id string) error {
		return c.ClickElement(ctx, id)
	})
}

func (e *element) Fill(ctx context.Context, value string) error {
	e.page.pause()
	return e.with(ctx, func(c *Client, id string) error {
		if err := c.ClearElement(ctx, id); err != nil {
			return err
		}
		return c.SendKeys(ctx, id, value)
	})
}

func (e *element) TextContent(ctx context.Context) (string, error) {
	var text string
	err := e.with(ctx, func(c *Client, id string) error {
		var err error
		text, err = c.TextContent(ctx, id)
		return err
	})
	return text, err
}
