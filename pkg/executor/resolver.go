package executor

import (
	"context"
	"errors"
	"time"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

// DefaultPollInterval is how often Await re-queries the DOM.
const DefaultPollInterval = 100 * time.Millisecond

// Resolve takes one snapshot of the elements matching sel.Selector and
// returns the one at sel.Index. It does not wait and does not cache.
func Resolve(ctx context.Context, page core.Page, sel flow.Selector) (core.Element, error) {
	set := page.LocateAll(sel.Selector)
	count, err := set.Count(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.ErrCancelled.WithCause(ctx.Err())
		}
		return nil, core.ErrLocateFailed.WithMessagef("query %q", sel.Selector).WithCause(err)
	}
	if count == 0 {
		return nil, core.ErrNoMatch.
			WithMessagef("no element matches %q", sel.Selector).
			WithDetails(map[string]interface{}{"selector": sel.Selector})
	}
	if sel.Index >= count {
		return nil, core.ErrIndexOutOfBounds.
			WithMessagef("index %d out of bounds for %q (%d matches)", sel.Index, sel.Selector, count).
			WithDetails(map[string]interface{}{"selector": sel.Selector, "index": sel.Index, "count": count})
	}
	return set.Nth(sel.Index), nil
}

// Await resolves sel, polling until the element is present, then waits for
// it to become visible. Both phases share one timeout budget. Presence
// failures keep their own error (no match, index out of bounds); a presence
// success followed by a visibility timeout reports ErrVisibilityTimeout.
func Await(ctx context.Context, page core.Page, sel flow.Selector, timeout, poll time.Duration) (core.Element, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	var el core.Element
	for {
		var err error
		el, err = Resolve(ctx, page, sel)
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrNoMatch) && !errors.Is(err, core.ErrIndexOutOfBounds) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, err
		}
		wait := poll
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, core.ErrCancelled.WithCause(ctx.Err())
		case <-time.After(wait):
		}
	}

	// Drivers treat a zero timeout as unbounded.
	remaining := time.Until(deadline)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	if err := el.WaitForVisible(ctx, remaining); err != nil {
		if ctx.Err() != nil {
			return nil, core.ErrCancelled.WithCause(ctx.Err())
		}
		return nil, core.ErrVisibilityTimeout.
			WithMessagef("%s not visible within %v", sel.Describe(), timeout).
			WithCause(err)
	}
	return el, nil
}
