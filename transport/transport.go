// Package transport issues the two request shapes the cloud service uses:
// form-encoded POSTs and query-string GETs. It returns the status code and
// the full body; interpreting either is left to the caller.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultRetryMax = 2
	userAgent       = "cloudcam/1 (+https://github.com/jmcleod/cloudcam)"
)

// Error reports a request that never produced an HTTP response
// (DNS, connect, TLS, timeout, cancelled context).
type Error struct {
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// Client wraps an *http.Client with bounded retries for replayable
// requests.
type Client struct {
	hc *http.Client

	// RetryMax is the number of extra attempts for GETs that failed
	// before a response arrived. POSTs are never retried.
	RetryMax int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithTimeout sets the total per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.hc.Timeout = d
	}
}

// WithRetryMax sets the number of extra GET attempts.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.RetryMax = n
	}
}

// New returns a Client with sane timeouts.
func New(opts ...Option) *Client {
	c := &Client{
		hc: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		RetryMax: defaultRetryMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostForm sends form as application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) (*Response, error) {
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		copyHeader(req.Header, header)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	return c.do(ctx, http.MethodPost, rawURL, build, 0)
}

// Get issues a GET with query merged into rawURL's existing query string.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, header http.Header) (*Response, error) {
	target := rawURL
	if len(query) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, &Error{Method: http.MethodGet, URL: rawURL, Err: err}
		}
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		copyHeader(req.Header, header)
		return req, nil
	}
	return c.do(ctx, http.MethodGet, target, build, max(c.RetryMax, 0))
}

func (c *Client) do(ctx context.Context, method, target string, build func() (*http.Request, error), retries int) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, &Error{Method: method, URL: redact(target), Err: err}
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", userAgent)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}
	return nil, &Error{Method: method, URL: redact(target), Err: lastErr}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// redact drops the query string so signed download URLs and credentials
// never end up in error messages or logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
