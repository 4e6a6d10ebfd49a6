// Package core provides the browser capability interfaces, error taxonomy and
// result model shared by the executor, drivers and reporters.
package core

import (
	"context"
	"time"
)

// Launcher starts browser sessions. Implementations: playwright, chromedp,
// webdriver, static, mock.
type Launcher interface {
	// Launch starts a session owned exclusively by the caller.
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)

	// Close releases resources shared by all sessions.
	Close() error
}

// LaunchOptions configure a browser session.
type LaunchOptions struct {
	Browser  string        // chromium, firefox, webkit
	Headless bool          // run without a visible window
	SlowMo   time.Duration // delay between driver operations
	Timeout  time.Duration // bound on startup
}

// Session is one browser instance.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// WaitUntil is the navigation completion condition.
type WaitUntil string

// Navigation completion conditions
const (
	WaitUntilLoad             WaitUntil = "load"
	WaitUntilDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitUntilNetworkIdle      WaitUntil = "networkidle"
	WaitUntilCommit           WaitUntil = "commit"
)

// Valid reports whether w is a known condition.
func (w WaitUntil) Valid() bool {
	switch w {
	case WaitUntilLoad, WaitUntilDOMContentLoaded, WaitUntilNetworkIdle, WaitUntilCommit:
		return true
	}
	return false
}

// GotoOptions bound a navigation.
type GotoOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// Page is a single browser tab.
type Page interface {
	Goto(ctx context.Context, url string, opts GotoOptions) error

	// LocateAll returns a live view of the elements matching selector.
	// Nothing is queried until a method on the set is called.
	LocateAll(selector string) ElementSet

	// Screenshot writes a capture of the page to path.
	Screenshot(ctx context.Context, path string) error

	// URL returns the current location.
	URL() string
}

// ElementSet is the set of elements matching one selector.
type ElementSet interface {
	Count(ctx context.Context) (int, error)
	Nth(i int) Element
}

// Element is one element of an ElementSet.
type Element interface {
	// WaitForVisible blocks until the element is visible. On timeout the
	// returned error wraps ErrDriverTimeout.
	WaitForVisible(ctx context.Context, timeout time.Duration) error
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	TextContent(ctx context.Context) (string, error)
}
