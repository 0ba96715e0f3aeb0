// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package upstream is the outbound HTTP transport shared by every call made
// to the game backend and its identity provider.
//
// Requests carry the headers of the emulated Android client, run under a
// bounded per-call timeout, and come back as a fully read Response. Transport
// failures are classified as ErrTimeout or ErrUnavailable; interpreting the
// response body is left to callers.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Emulated client headers.
const (
	UnityVersion = "2017.4.39f1"
	UserAgent    = "Dalvik/2.1.0 (Linux; U; Android 11; KB2000 Build/RP1A.201005.001)"
)

// Transport defaults.
const (
	DefaultTimeout   = 10 * time.Second
	MaxResponseBytes = 8 << 20
)

// Domain tables returned by the backend contain a platform placeholder.
const (
	platformPlaceholder = "{0}"
	platformName        = "Android"
)

// Error codes for transport failures.
const (
	CodeTimeout     = "UPSTREAM_TIMEOUT"
	CodeUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeBadResponse = "UPSTREAM_BAD_RESPONSE"
)

var (
	// ErrTimeout is wrapped by errors for calls that exceeded their deadline.
	// The call may or may not have reached the backend.
	ErrTimeout = errors.New("upstream timeout")

	// ErrUnavailable is wrapped by errors for calls that failed in transport.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrBadResponse is wrapped when a response body cannot be decoded.
	ErrBadResponse = errors.New("upstream bad response")
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return oops.Code(CodeBadResponse).
			With("status", r.StatusCode).
			With("body_bytes", len(r.Body)).
			Wrap(fmt.Errorf("%w: %w", ErrBadResponse, err))
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP executor.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithTimeout sets the per-call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client sends requests to the backend with the emulated client headers.
// It is safe for concurrent use.
type Client struct {
	http    Doer
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a Client. Without options it uses a dedicated
// http.Client, DefaultTimeout, and a discard logger.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, header, nil)
}

// PostJSON marshals body and issues a POST request. A nil body is sent as {}.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, body any) (*Response, error) {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, oops.Code("UPSTREAM_ENCODE_FAILED").
				With("url", url).
				Wrap(err)
		}
	}
	return c.do(ctx, http.MethodPost, url, header, payload)
}

func (c *Client) do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, oops.Code(CodeUnavailable).
			With("url", url).
			Wrap(fmt.Errorf("%w: %w", ErrUnavailable, err))
	}

	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Unity-Version", UnityVersion)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Connection", "Keep-Alive")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err, method, url)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, classify(err, method, url)
	}

	c.logger.DebugContext(ctx, "upstream call",
		"method", method,
		"url", url,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func classify(err error, method, url string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return oops.Code(CodeTimeout).
			With("method", method).
			With("url", url).
			Wrap(fmt.Errorf("%w: %w", ErrTimeout, err))
	}
	return oops.Code(CodeUnavailable).
		With("method", method).
		With("url", url).
		Wrap(fmt.Errorf("%w: %w", ErrUnavailable, err))
}

// IsTransient reports whether err is a transport failure the caller may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// JoinURL appends endpoint to base and substitutes the platform placeholder
// found in backend domain tables.
func JoinURL(base, endpoint string) string {
	url := strings.ReplaceAll(base, platformPlaceholder, platformName)
	if endpoint == "" {
		return url
	}
	return strings.TrimRight(url, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
