package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// DefaultUserAgent identifies requests when Config.UserAgent is empty.
const DefaultUserAgent = "prospect/1.0"

// Config defines the setup for the HTTP Client.
type Config struct {
	// Timeout bounds a whole exchange, body included. Zero selects 30s.
	// A negative value disables it, which long-lived streaming responses need.
	Timeout time.Duration
	// HeaderTimeout bounds the wait for response headers only. It still
	// applies when Timeout is disabled. Requires an *http.Transport.
	HeaderTimeout time.Duration
	MaxRedirects  int
	UseCookieJar  bool
	// UserAgent and Token are set on every request built by PostJSON.
	UserAgent string
	Token     string
	// Provide a custom Transport, e.g. for proxies or uTLS fingerprinting
	Transport http.RoundTripper
}

// Client wraps a standard http.Client to provide configurable timeouts,
// redirect policies, cookie management and JSON request helpers.
type Client struct {
	*http.Client
	userAgent string
	token     string
}

// New creates a new HTTP client based on the provided configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := &http.Client{
		Timeout: cfg.Timeout,
	}

	// Setup custom redirect policy
	if cfg.MaxRedirects >= 0 {
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		}
	} else {
		// Don't follow any redirects if max < 0
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	// Cookie jar persistence
	if cfg.UseCookieJar {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		c.Jar = jar
	}

	transport := cfg.Transport
	if cfg.HeaderTimeout > 0 {
		if transport == nil {
			transport = http.DefaultTransport
		}
		t, ok := transport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("header timeout needs *http.Transport, got %T", transport)
		}
		t = t.Clone()
		t.ResponseHeaderTimeout = cfg.HeaderTimeout
		transport = t
	}
	if transport != nil {
		c.Transport = transport
	}

	return &Client{Client: c, userAgent: cfg.UserAgent, token: cfg.Token}, nil
}

// Do executes an HTTP request. The provided context.Context should control
// the overarching request timeout/cancellation independent of the client timeout.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		return nil, errors.New("context cannot be nil")
	}

	// Always clone the request with the provided context
	reqWithCtx := req.Clone(ctx)

	resp, err := c.Client.Do(reqWithCtx)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}

// PostJSON marshals body and POSTs it to url with JSON content headers, the
// configured User-Agent and, when set, a bearer token. accept is sent as the
// Accept header. The caller owns the response body.
func (c *Client) PostJSON(ctx context.Context, url, accept string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.Do(ctx, req)
}
