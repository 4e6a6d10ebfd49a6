package static

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/pagecheck/pkg/core"
)

const loginPage = `<!doctype html>
<html><body>
<h1>Sign in</h1>
<ul><li>one</li><li>two</li><li style="display: none">three</li></ul>
<div hidden><span id="secret">x</span></div>
<a id="about" href="/about">About</a>
<form action="/login" method="post">
  <input name="user">
  <input name="token" type="hidden" value="t0k">
  <input type="checkbox" name="remember" checked>
  <button id="submit" name="go" value="1">Log in</button>
</form>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1 id="title">About us</h1></body></html>`)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
		fmt.Fprintf(w, `<html><body><p id="welcome">Welcome, %s (%s, %s, %s)</p></body></html>`,
			r.PostForm.Get("user"), r.PostForm.Get("token"), r.PostForm.Get("remember"), r.PostForm.Get("go"))
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `<html><body><p id="sid">%s</p></body></html>`, c.Value)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openPage(t *testing.T, url string) core.Page {
	t.Helper()
	ctx := context.Background()
	s, err := New(Options{}).Launch(ctx, core.LaunchOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	p, err := s.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Goto(ctx, url, core.GotoOptions{}))
	return p
}

func TestPage_CountAndText(t *testing.T) {
	srv := newSite(t)
	p := openPage(t, srv.URL+"/")
	ctx := context.Background()

	n, err := p.LocateAll("li").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	text, err := p.LocateAll("li").Nth(1).TextContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", text)

	_, err = p.LocateAll("li").Nth(7).TextContent(ctx)
	assert.Error(t, err)

	_, err = p.LocateAll("li[").Count(ctx)
	assert.ErrorContains(t, err, "invalid selector")
}

func TestElement_Visibility(t *testing.T) {
	srv := newSite(t)
	p := openPage(t, srv.URL+"/")
	ctx := context.Background()

	assert.NoError(t, p.LocateAll("h1").Nth(0).WaitForVisible(ctx, time.Second))
	for _, sel := range []string{"li:nth-child(3)", "#secret", `input[name="token"]`, "#missing"} {
		err := p.LocateAll(sel).Nth(0).WaitForVisible(ctx, time.Second)
		assert.True(t, errors.Is(err, core.ErrDriverTimeout), "%s: %v", sel, err)
	}
}

func TestElement_ClickLink(t *testing.T) {
	srv := newSite(t)
	p := openPage(t, srv.URL+"/")
	ctx := context.Background()

	require.NoError(t, p.LocateAll("#about").Nth(0).Click(ctx))

	assert.Equal(t, srv.URL+"/about", p.URL())
	text, err := p.LocateAll("#title").Nth(0).TextContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "About us", text)
}

func TestElement_FillAndSubmit(t *testing.T) {
	srv := newSite(t)
	p := openPage(t, srv.URL+"/")
	ctx := context.Background()

	require.NoError(t, p.LocateAll(`input[name="user"]`).Nth(0).Fill(ctx, "ada"))
	require.NoError(t, p.LocateAll("#submit").Nth(0).Click(ctx))

	text, err := p.LocateAll("#welcome").Nth(0).TextContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Welcome, ada (t0k, on, 1)", text)

	// The session keeps cookies between navigations.
	require.NoError(t, p.Goto(ctx, srv.URL+"/me", core.GotoOptions{}))
	sid, err := p.LocateAll("#sid").Nth(0).TextContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", sid)
}

func TestElement_FillRejectsNonFields(t *testing.T) {
	srv := newSite(t)
	p := openPage(t, srv.URL+"/")

	assert.Error(t, p.LocateAll("h1").Nth(0).Fill(context.Background(), "x"))
}

func TestPage_GotoErrors(t *testing.T) {
	srv := newSite(t)
	ctx := context.Background()
	s, err := New(Options{}).Launch(ctx, core.LaunchOptions{})
	require.NoError(t, err)
	p, err := s.NewPage(ctx)
	require.NoError(t, err)

	assert.ErrorContains(t, p.Goto(ctx, srv.URL+"/me", core.GotoOptions{}), "401")

	err = p.Goto(ctx, srv.URL+"/slow", core.GotoOptions{Timeout: 50 * time.Millisecond})
	assert.True(t, errors.Is(err, core.ErrDriverTimeout), "got %v", err)
}

func TestPage_Screenshot(t *testing.T) {
	srv := newSite(t)
	p := openPage(t, srv.URL+"/")

	assert.ErrorIs(t, p.Screenshot(context.Background(), "x.png"), ErrNoScreenshots)
}
