// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package httpstub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// SignatureHeader carries the request signature when an auth token is set
const SignatureHeader = "X-Twilio-Signature"

// WebhookClient fetches scripts and media on behalf of a call
type WebhookClient interface {
	// GET fetches url with query merged into its query string
	GET(ctx context.Context, url string, query url.Values) (status int, body []byte, headers http.Header, err error)
	// POST sends form as multipart/form-data
	POST(ctx context.Context, url string, form url.Values) (status int, body []byte, headers http.Header, err error)
}

// CallScoped is implemented by clients that can keep per-call state such as
// cookies between script fetches
type CallScoped interface {
	ForCall() WebhookClient
}

// DefaultWebhookClient is the default implementation using http.Client
type DefaultWebhookClient struct {
	client    *http.Client
	timeout   time.Duration
	authToken string
}

// ClientOption configures a DefaultWebhookClient
type ClientOption func(*DefaultWebhookClient)

// WithAuthToken signs every request with token
func WithAuthToken(token string) ClientOption {
	return func(c *DefaultWebhookClient) {
		c.authToken = token
	}
}

// NewDefaultWebhookClient creates a new default webhook client
func NewDefaultWebhookClient(timeout time.Duration, opts ...ClientOption) *DefaultWebhookClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	c := &DefaultWebhookClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForCall returns a client sharing this one's settings with its own cookie jar
func (c *DefaultWebhookClient) ForCall() WebhookClient {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return c
	}
	return &DefaultWebhookClient{
		client: &http.Client{
			Timeout: c.timeout,
			Jar:     jar,
		},
		timeout:   c.timeout,
		authToken: c.authToken,
	}
}

// GET makes an HTTP GET request
func (c *DefaultWebhookClient) GET(ctx context.Context, targetURL string, query url.Values) (status int, body []byte, headers http.Header, err error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("invalid url %q: %w", targetURL, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.sign(req, u.String(), nil)
	return c.do(req)
}

// POST makes an HTTP POST request with multipart form data
func (c *DefaultWebhookClient) POST(ctx context.Context, targetURL string, form url.Values) (status int, body []byte, headers http.Header, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range sortedKeys(form) {
		for _, v := range form[k] {
			if err := w.WriteField(k, v); err != nil {
				return 0, nil, nil, fmt.Errorf("failed to encode form: %w", err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return 0, nil, nil, fmt.Errorf("failed to encode form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, &buf)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.sign(req, targetURL, form)
	return c.do(req)
}

func (c *DefaultWebhookClient) do(req *http.Request) (int, []byte, http.Header, error) {
	req.Header.Set("User-Agent", "twiari/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, resp.Header, nil
}

func (c *DefaultWebhookClient) sign(req *http.Request, fullURL string, form url.Values) {
	if c.authToken == "" {
		return
	}
	req.Header.Set(SignatureHeader, Signature(c.authToken, fullURL, form))
}

// Signature computes the request signature: HMAC-SHA1 keyed by the auth token
// over the full URL followed by each form key and value in key order.
func Signature(authToken, fullURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range sortedKeys(form) {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sortedKeys(form url.Values) []string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MockWebhookClient is a test double for capturing webhook calls
type MockWebhookClient struct {
	mu    sync.Mutex
	calls []MockCall
	// ResponseFunc allows tests to control responses
	ResponseFunc func(method, url string, form url.Values) (status int, body []byte, headers http.Header, err error)
}

// MockCall records a webhook call
type MockCall struct {
	Method  string
	URL     string
	Form    url.Values
	Time    time.Time
	Context context.Context
}

// NewMockWebhookClient creates a new mock client
func NewMockWebhookClient() *MockWebhookClient {
	return &MockWebhookClient{
		ResponseFunc: func(method, url string, form url.Values) (int, []byte, http.Header, error) {
			// Default: return empty TwiML response
			return 200, []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`), make(http.Header), nil
		},
	}
}

// GET records the call and returns the configured response
func (m *MockWebhookClient) GET(ctx context.Context, targetURL string, query url.Values) (int, []byte, http.Header, error) {
	return m.serve(ctx, http.MethodGet, targetURL, query)
}

// POST records the call and returns the configured response
func (m *MockWebhookClient) POST(ctx context.Context, targetURL string, form url.Values) (int, []byte, http.Header, error) {
	return m.serve(ctx, http.MethodPost, targetURL, form)
}

func (m *MockWebhookClient) serve(ctx context.Context, method, targetURL string, form url.Values) (int, []byte, http.Header, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{
		Method:  method,
		URL:     targetURL,
		Form:    form,
		Time:    time.Now(),
		Context: ctx,
	})
	respond := m.ResponseFunc
	m.mu.Unlock()

	if respond != nil {
		return respond(method, targetURL, form)
	}

	return 200, []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`), make(http.Header), nil
}

// Calls returns a copy of every recorded call
func (m *MockWebhookClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears all recorded calls
func (m *MockWebhookClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// GetCallsTo returns all calls to a specific URL
func (m *MockWebhookClient) GetCallsTo(url string) []MockCall {
	var result []MockCall
	for _, call := range m.Calls() {
		if call.URL == url {
			result = append(result, call)
		}
	}
	return result
}
