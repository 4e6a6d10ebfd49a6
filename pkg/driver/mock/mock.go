// Package mock provides a scripted in-memory browser for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
)

// Element is a scripted DOM element.
type Element struct {
	Text         string
	Value        string        // set by Fill
	Hidden       bool          // never becomes visible
	AppearAfter  time.Duration // absent from the DOM until this long after load
	VisibleAfter time.Duration // hidden until this long after load
	ClickErr     error         // returned by Click
	OnClick      func(p *Page) // runs after a successful click
}

// PageSpec maps selectors to their matches, in document order.
type PageSpec map[string][]*Element

// Config configures mock driver behavior.
type Config struct {
	// Pages holds the content served per URL. Unknown URLs load an empty page.
	Pages map[string]PageSpec
	// NavigateErr fails navigation to the given URLs.
	NavigateErr map[string]error
	// LaunchErr fails every Launch.
	LaunchErr error
	// PanicOn makes Count panic for this selector.
	PanicOn string
	// Permissive makes unknown selectors match visible elements with
	// DefaultText. Used for dry runs.
	Permissive  bool
	DefaultText string
}

// permissiveCount is the match count reported for unknown selectors in
// permissive mode.
const permissiveCount = 1024

// Launcher is a mock implementation of core.Launcher.
type Launcher struct {
	Config Config

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

// New creates a new mock launcher.
func New(cfg Config) *Launcher {
	return &Launcher{Config: cfg}
}

// Launch starts a mock session.
func (l *Launcher) Launch(ctx context.Context, _ core.LaunchOptions) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Config.LaunchErr != nil {
		return nil, l.Config.LaunchErr
	}
	s := &Session{launcher: l}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// Close marks the launcher closed.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Sessions returns every session launched so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// OpenSessions counts sessions not yet closed.
func (l *Launcher) OpenSessions() int {
	n := 0
	for _, s := range l.Sessions() {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Session is a mock browser session.
type Session struct {
	launcher *Launcher

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

// NewPage opens a blank page.
func (s *Session) NewPage(ctx context.Context) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &Page{session: s, url: "about:blank", dom: PageSpec{}, loadedAt: time.Now()}
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()
	return p, nil
}

// Close closes the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pages returns the pages opened in this session.
func (s *Session) Pages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Page(nil), s.pages...)
}

// Fill records one Fill call.
type Fill struct {
	Selector string
	Index    int
	Value    string
}

// Page is a mock browser tab.
type Page struct {
	session *Session

	mu          sync.Mutex
	url         string
	dom         PageSpec
	loadedAt    time.Time
	visits      []string
	clicks      []string
	fills       []Fill
	screenshots []string
	queries     []string
}

// Goto loads the scripted content for url.
func (p *Page) Goto(ctx context.Context, url string, _ core.GotoOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.session.launcher.Config.NavigateErr[url]; err != nil {
		return err
	}
	p.Load(url)
	return nil
}

// Load replaces the page content with the scripted content for url. It
// is the in-page equivalent of a navigation and may be called from OnClick.
func (p *Page) Load(url string) {
	spec := p.session.launcher.Config.Pages[url]
	dom := make(PageSpec, len(spec))
	for sel, els := range spec {
		dom[sel] = cloneElements(els)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.dom = dom
	p.loadedAt = time.Now()
	p.visits = append(p.visits, url)
}

// Set replaces the matches for selector. Timings are relative to the
// original page load.
func (p *Page) Set(selector string, els ...*Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dom[selector] = cloneElements(els)
}

// Remove deletes every match for selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dom, selector)
}

// LocateAll returns a lazy view of selector's matches.
func (p *Page) LocateAll(selector string) core.ElementSet {
	p.mu.Lock()
	p.queries = append(p.queries, selector)
	p.mu.Unlock()
	return &elementSet{page: p, selector: selector}
}

// Screenshot writes a 1x1 PNG to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(path, pixelPNG, 0o644); err != nil {
		return err
	}
	p.mu.Lock()
	p.screenshots = append(p.screenshots, path)
	p.mu.Unlock()
	return nil
}

// URL returns the current location.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Visits returns every URL loaded, in order.
func (p *Page) Visits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visits...)
}

// Clicks returns the selectors clicked, formatted as selector[index].
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Fills returns every Fill call.
func (p *Page) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}

// Screenshots returns the paths written by Screenshot.
func (p *Page) Screenshots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.screenshots...)
}

// Queries returns every selector passed to LocateAll, in call order.
func (p *Page) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

// present returns the matches for selector that exist now. Callers hold p.mu.
func (p *Page) present(selector string) ([]*Element, bool) {
	els, ok := p.dom[selector]
	if !ok {
		return nil, false
	}
	elapsed := time.Since(p.loadedAt)
	out := make([]*Element, 0, len(els))
	for _, el := range els {
		if elapsed >= el.AppearAfter {
			out = append(out, el)
		}
	}
	return out, true
}

// lookup returns the i-th present match for selector.
func (p *Page) lookup(selector string, i int) (*Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	els, known := p.present(selector)
	if !known && p.session.launcher.Config.Permissive {
		return &Element{Text: p.session.launcher.Config.DefaultText}, nil
	}
	if i < 0 || i >= len(els) {
		return nil, fmt.Errorf("element %s[%d] is detached", selector, i)
	}
	return els[i], nil
}

func (p *Page) visible(el *Element) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !el.Hidden && time.Since(p.loadedAt) >= el.VisibleAfter
}

type elementSet struct {
	page     *Page
	selector string
}

func (s *elementSet) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cfg := s.page.session.launcher.Config
	if cfg.PanicOn != "" && cfg.PanicOn == s.selector {
		panic(fmt.Sprintf("mock panic counting %s", s.selector))
	}

	s.page.mu.Lock()
	defer s.page.mu.Unlock()
	els, known := s.page.present(s.selector)
	if !known && cfg.Permissive {
		return permissiveCount, nil
	}
	return len(els), nil
}

func (s *elementSet) Nth(i int) core.Element {
	return &element{page: s.page, selector: s.selector, index: i}
}

type element struct {
	page     *Page
	selector string
	index    int
}

const pollInterval = 10 * time.Millisecond

func (e *element) WaitForVisible(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		el, err := e.page.lookup(e.selector, e.index)
		if err == nil && e.page.visible(el) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("waiting for %s[%d] to be visible: %w", e.selector, e.index, core.ErrDriverTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (e *element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	el, err := e.page.lookup(e.selector, e.index)
	if err != nil {
		return err
	}
	if el.ClickErr != nil {
		return el.ClickErr
	}

	e.page.mu.Lock()
	e.page.clicks = append(e.page.clicks, fmt.Sprintf("%s[%d]", e.selector, e.index))
	e.page.mu.Unlock()

	if el.OnClick != nil {
		el.OnClick(e.page)
	}
	return nil
}

func (e *element) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	el, err := e.page.lookup(e.selector, e.index)
	if err != nil {
		return err
	}

	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	el.Value = value
	e.page.fills = append(e.page.fills, Fill{Selector: e.selector, Index: e.index, Value: value})
	return nil
}

func (e *element) TextContent(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	el, err := e.page.lookup(e.selector, e.index)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func cloneElements(els []*Element) []*Element {
	out := make([]*Element, len(els))
	for i, el := range els {
		c := *el
		out[i] = &c
	}
	return out
}

// Minimal valid PNG (1x1 transparent pixel)
var pixelPNG = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR chunk
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
	0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
	0x42, 0x60, 0x82,
}
