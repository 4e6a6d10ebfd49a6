// Package webdriver implements core.Launcher over the W3C WebDriver
// protocol, for chromedriver, geckodriver, safaridriver or a Selenium Grid.
package webdriver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// W3C WebDriver element identifier key (standard constant)
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// Error is a WebDriver error response.
type Error struct {
	Status  int    // HTTP status
	Code    string // W3C error code, e.g. "no such element"
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// W3C error codes the driver reacts to
const (
	codeStaleElement = "stale element reference"
	codeTimeout      = "timeout"
)

// IsCode reports whether err is a WebDriver error with the given code.
func IsCode(err error, code string) bool {
	var wdErr *Error
	return errors.As(err, &wdErr) && wdErr.Code == code
}

// Client handles HTTP communication with one WebDriver session.
type Client struct {
	serverURL string
	sessionID string
	client    *http.Client
}

// NewClient creates a client for the server at serverURL. A nil
// httpClient uses one with a generous timeout for slow browser startup.
func NewClient(serverURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		client:    httpClient,
	}
}

// SessionID returns the current session, or "" before NewSession.
func (c *Client) SessionID() string {
	return c.sessionID
}

// NewSession creates a session with the given capabilities.
func (c *Client) NewSession(ctx context.Context, capabilities map[string]interface{}) error {
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": capabilities,
		},
	}

	resp, err := c.post(ctx, "/session", body)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	value, ok := resp["value"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("invalid session response")
	}
	c.sessionID, _ = value["sessionId"].(string)
	if c.sessionID == "" {
		return fmt.Errorf("no session ID in response")
	}
	return nil
}

// DeleteSession closes the session and its browser.
func (c *Client) DeleteSession(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.delete(ctx, c.sessionPath())
	c.sessionID = ""
	return err
}

// SetPageLoadTimeout bounds navigation.
func (c *Client) SetPageLoadTimeout(ctx context.Context, timeout time.Duration) error {
	_, err := c.post(ctx, c.sessionPath()+"/timeouts", map[string]interface{}{
		"pageLoad": timeout.Milliseconds(),
	})
	return err
}

// Navigation

// Navigate loads url in the current window.
func (c *Client) Navigate(ctx context.Context, url string) error {
	_, err := c.post(ctx, c.sessionPath()+"/url", map[string]interface{}{
		"url": url,
	})
	return err
}

// CurrentURL returns the current window's location.
func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, c.sessionPath()+"/url")
	if err != nil {
		return "", err
	}
	url, _ := resp["value"].(string)
	return url, nil
}

// Windows

// WindowHandle returns the current window.
func (c *Client) WindowHandle(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, c.sessionPath()+"/window")
	if err != nil {
		return "", err
	}
	handle, _ := resp["value"].(string)
	if handle == "" {
		return "", fmt.Errorf("no window handle in response")
	}
	return handle, nil
}

// NewWindow opens a tab and returns its handle without switching to it.
func (c *Client) NewWindow(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, c.sessionPath()+"/window/new", map[string]interface{}{
		"type": "tab",
	})
	if err != nil {
		return "", err
	}
	value, _ := resp["value"].(map[string]interface{})
	handle, _ := value["handle"].(string)
	if handle == "" {
		return "", fmt.Errorf("no window handle in response")
	}
	return handle, nil
}

// SwitchToWindow makes handle the current window.
func (c *Client) SwitchToWindow(ctx context.Context, handle string) error {
	_, err := c.post(ctx, c.sessionPath()+"/window", map[string]interface{}{
		"handle": handle,
	})
	return err
}

// Element Operations

// FindElements returns the IDs of every element matching a CSS selector.
func (c *Client) FindElements(ctx context.Context, selector string) ([]string, error) {
	body := map[string]interface{}{
		"using": "css selector",
		"value": selector,
	}

	resp, err := c.post(ctx, c.sessionPath()+"/elements", body)
	if err != nil {
		return nil, err
	}

	values, ok := resp["value"].([]interface{})
	if !ok {
		return nil, nil
	}

	var ids []string
	for _, v := range values {
		if elem, ok := v.(map[string]interface{}); ok {
			if id := extractElementID(elem); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// ClickElement clicks an element using WebDriver standard endpoint.
func (c *Client) ClickElement(ctx context.Context, elementID string) error {
	_, err := c.post(ctx, c.elementPath(elementID)+"/click", map[string]interface{}{})
	return err
}

// ClearElement clears an editable element.
func (c *Client) ClearElement(ctx context.Context, elementID string) error {
	_, err := c.post(ctx, c.elementPath(elementID)+"/clear", map[string]interface{}{})
	return err
}

// SendKeys types text into an element.
func (c *Client) SendKeys(ctx context.Context, elementID, text string) error {
	_, err := c.post(ctx, c.elementPath(elementID)+"/value", map[string]interface{}{
		"text": text,
	})
	return err
}

// IsElementDisplayed checks if element is visible.
func (c *Client) IsElementDisplayed(ctx context.Context, elementID string) (bool, error) {
	resp, err := c.get(ctx, c.elementPath(elementID)+"/displayed")
	if err != nil {
		return false, err
	}
	displayed, _ := resp["value"].(bool)
	return displayed, nil
}

// TextContent returns the element's DOM textContent. The standard text
// endpoint returns rendered text instead, which drops hidden descendants.
func (c *Client) TextContent(ctx context.Context, elementID string) (string, error) {
	resp, err := c.post(ctx, c.sessionPath()+"/execute/sync", map[string]interface{}{
		"script": "return arguments[0].textContent;",
		"args":   []interface{}{map[string]interface{}{w3cElementKey: elementID}},
	})
	if err != nil {
		return "", err
	}
	text, _ := resp["value"].(string)
	return text, nil
}

// Screenshot returns a PNG of the current window.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := c.get(ctx, c.sessionPath()+"/screenshot")
	if err != nil {
		return nil, err
	}
	encoded, ok := resp["value"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid screenshot response")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// HTTP Helpers

func (c *Client) sessionPath() string {
	return "/session/" + c.sessionID
}

func (c *Client) elementPath(elementID string) string {
	return c.sessionPath() + "/element/" + elementID
}

func (c *Client) get(ctx context.Context, path string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodPost, path, body)
}

func (c *Client) delete(ctx context.Context, path string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodDelete, path, nil)
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	url := c.serverURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &Error{Status: resp.StatusCode, Code: "unknown error", Message: strings.TrimSpace(string(respBody))}
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if errValue, ok := result["value"].(map[string]interface{}); ok {
		if code, ok := errValue["error"].(string); ok {
			msg, _ := errValue["message"].(string)
			return result, &Error{Status: resp.StatusCode, Code: code, Message: msg}
		}
	}
	if resp.StatusCode >= 400 {
		return result, &Error{Status: resp.StatusCode, Code: "unknown error", Message: http.StatusText(resp.StatusCode)}
	}

	return result, nil
}

func extractElementID(value map[string]interface{}) string {
	// W3C format
	if id, ok := value[w3cElementKey].(string); ok {
		return id
	}
	// Legacy format
	if id, ok := value["ELEMENT"].(string); ok {
		return id
	}
	return ""
}
