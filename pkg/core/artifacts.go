package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// DiagnosticsSink captures evidence when a step fails.
type DiagnosticsSink interface {
	// CaptureFailure records the state of page and returns the artifact
	// path, or "" when nothing was stored.
	CaptureFailure(ctx context.Context, page Page, testName, stepName string) (string, error)
}

// ScreenshotSink stores screenshots under Dir/<test-slug>/<step-slug>.png.
// A step slug already used in that directory gets a -2, -3, ... suffix.
type ScreenshotSink struct {
	Dir string

	mu   sync.Mutex
	used map[string]int
}

// CaptureFailure takes a screenshot of page.
func (s *ScreenshotSink) CaptureFailure(ctx context.Context, page Page, testName, stepName string) (string, error) {
	if page == nil {
		return "", nil
	}
	dir := filepath.Join(s.Dir, Slug(testName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, s.claim(dir, Slug(stepName))+".png")
	if err := page.Screenshot(ctx, path); err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	return path, nil
}

// claim returns name, suffixed when dir already holds a capture by that name.
func (s *ScreenshotSink) claim(dir, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used == nil {
		s.used = make(map[string]int)
	}
	key := filepath.Join(dir, name)
	s.used[key]++
	if n := s.used[key]; n > 1 {
		return name + "-" + strconv.Itoa(n)
	}
	return name
}

// NullSink discards captures.
type NullSink struct{}

// CaptureFailure does nothing.
func (NullSink) CaptureFailure(context.Context, Page, string, string) (string, error) {
	return "", nil
}

// Capture is one call recorded by a RecordingSink.
type Capture struct {
	TestName string
	StepName string
}

// RecordingSink remembers every capture request. Used in tests.
type RecordingSink struct {
	mu       sync.Mutex
	Captures []Capture
}

// CaptureFailure records the request and returns a synthetic path.
func (r *RecordingSink) CaptureFailure(_ context.Context, _ Page, testName, stepName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Captures = append(r.Captures, Capture{TestName: testName, StepName: stepName})
	return Slug(testName) + "/" + Slug(stepName) + ".png", nil
}

// Slug lowercases s and joins its alphanumeric runs with hyphens:
// "Login Smoke #2" becomes "login-smoke-2".
func Slug(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}
