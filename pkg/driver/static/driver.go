// Package static implements core.Launcher without a browser: pages are
// fetched over HTTP and queried with goquery. Scripts do not run, so it
// suits server-rendered pages and smoke checks.
package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/devicelab-dev/pagecheck/pkg/core"
)

// ErrNoScreenshots is returned by Page.Screenshot.
var ErrNoScreenshots = errors.New("static driver cannot take screenshots")

// Options configure the HTTP client.
type Options struct {
	UserAgent string
	Transport http.RoundTripper // nil uses http.DefaultTransport
}

// Launcher creates HTTP sessions.
type Launcher struct {
	opts Options
}

// New creates a launcher.
func New(opts Options) *Launcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "pagecheck-static/1"
	}
	return &Launcher{opts: opts}
}

// Launch creates a session with its own cookie jar.
func (l *Launcher) Launch(ctx context.Context, opts core.LaunchOptions) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Jar: jar, Transport: l.opts.Transport, Timeout: opts.Timeout}
	return &Session{client: client, userAgent: l.opts.UserAgent}, nil
}

// Close does nothing; sessions hold no processes.
func (l *Launcher) Close() error { return nil }

// Session is an HTTP client with a cookie jar.
type Session struct {
	client    *http.Client
	userAgent string
}

// NewPage returns an empty page.
func (s *Session) NewPage(ctx context.Context) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Page{session: s, url: "about:blank"}, nil
}

// Close drops idle connections.
func (s *Session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Page is the last document fetched.
type Page struct {
	session *Session

	mu  sync.Mutex
	url string
	doc *goquery.Document
}

// Goto fetches url. Every WaitUntil value is satisfied once the body is read.
func (p *Page) Goto(ctx context.Context, rawURL string, opts core.GotoOptions) error {
	return p.load(ctx, http.MethodGet, rawURL, nil, opts.Timeout)
}

func (p *Page) load(ctx context.Context, method, rawURL string, body url.Values, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if method == http.MethodPost {
		reader = strings.NewReader(body.Encode())
	} else if body != nil {
		u, err := url.Parse(rawURL)
		if err != nil {
			return err
		}
		u.RawQuery = body.Encode()
		rawURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.session.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.session.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", core.ErrDriverTimeout, err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, rawURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = resp.Request.URL.String()
	p.doc = doc
	return nil
}

// LocateAll returns a lazy view of selector's matches.
func (p *Page) LocateAll(selector string) core.ElementSet {
	return &elementSet{page: p, selector: selector}
}

// Screenshot always fails.
func (p *Page) Screenshot(context.Context, string) error {
	return ErrNoScreenshots
}

// URL returns the final URL of the last fetch, after redirects.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) find(selector string) *goquery.Selection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return &goquery.Selection{}
	}
	return p.doc.Find(selector)
}

func (p *Page) resolve(ref string) (string, error) {
	base, err := url.Parse(p.URL())
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

type elementSet struct {
	page     *Page
	selector string
}

func (s *elementSet) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// goquery matches nothing for a selector it cannot compile.
	if _, err := cascadia.Compile(s.selector); err != nil {
		return 0, fmt.Errorf("invalid selector %q: %w", s.selector, err)
	}
	return s.page.find(s.selector).Length(), nil
}

func (s *elementSet) Nth(i int) core.Element {
	return &element{page: s.page, selector: s.selector, index: i}
}

type element struct {
	page     *Page
	selector string
	index    int
}

func (e *element) node() (*goquery.Selection, error) {
	sel := e.page.find(e.selector)
	if e.index >= sel.Length() {
		return nil, fmt.Errorf("element %s[%d] is detached", e.selector, e.index)
	}
	return sel.Eq(e.index), nil
}

// WaitForVisible checks visibility once; a static document never changes.
func (e *element) WaitForVisible(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := e.node()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrDriverTimeout, err)
	}
	if hidden(n) {
		return fmt.Errorf("%s[%d] is hidden: %w", e.selector, e.index, core.ErrDriverTimeout)
	}
	return nil
}

// hidden reports markup that hides n or one of its ancestors.
func hidden(n *goquery.Selection) bool {
	if n.Is(`input[type="hidden"]`) {
		return true
	}
	for s := n; s.Length() > 0; s = s.Parent() {
		if _, ok := s.Attr("hidden"); ok {
			return true
		}
		if v, _ := s.Attr("aria-hidden"); v == "true" {
			return true
		}
		style, _ := s.Attr("style")
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

// Click follows links and submits forms.
func (e *element) Click(ctx context.Context) error {
	n, err := e.node()
	if err != nil {
		return err
	}

	if a := n.Closest("a[href]"); a.Length() > 0 {
		href, _ := a.Attr("href")
		if strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return nil
		}
		target, err := e.page.resolve(href)
		if err != nil {
			return err
		}
		return e.page.load(ctx, http.MethodGet, target, nil, 0)
	}

	if n.Is(`button:not([type="button"]):not([type="reset"]), input[type="submit"], input[type="image"]`) {
		if form := n.Closest("form"); form.Length() > 0 {
			return e.submit(ctx, form, n)
		}
	}
	return nil
}

func (e *element) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	values := url.Values{}
	form.Find("input[name], select[name], textarea[name]").Each(func(_ int, f *goquery.Selection) {
		name, _ := f.Attr("name")
		if _, disabled := f.Attr("disabled"); disabled {
			return
		}
		switch {
		case f.Is(`input[type="checkbox"], input[type="radio"]`):
			if _, checked := f.Attr("checked"); checked {
				values.Add(name, f.AttrOr("value", "on"))
			}
		case f.Is(`input[type="submit"], input[type="image"], input[type="button"]`):
		case f.Is("select"):
			opt := f.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = f.Find("option").First()
			}
			values.Add(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
		case f.Is("textarea"):
			values.Add(name, f.AttrOr("value", f.Text()))
		default:
			values.Add(name, f.AttrOr("value", ""))
		}
	})
	if name, ok := submitter.Attr("name"); ok {
		values.Add(name, submitter.AttrOr("value", ""))
	}

	action, err := e.page.resolve(form.AttrOr("action", ""))
	if err != nil {
		return err
	}
	method := http.MethodGet
	if strings.EqualFold(form.AttrOr("method", ""), "post") {
		method = http.MethodPost
	}
	return e.page.load(ctx, method, action, values, 0)
}

// Fill sets the value attribute so a later form submission sends it.
func (e *element) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := e.node()
	if err != nil {
		return err
	}
	if !n.Is("input, textarea") {
		return fmt.Errorf("%s[%d] is not a text field", e.selector, e.index)
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	n.SetAttr("value", value)
	return nil
}

func (e *element) TextContent(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n, err := e.node()
	if err != nil {
		return "", err
	}
	return n.Text(), nil
}
