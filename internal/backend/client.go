// Package backend is the client for the remote execution engine: it opens
// the chunked event stream for a run and, in degraded mode, performs the
// single request/response execution call.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/lienzo/pulse/pkg/schema"
)

const (
	streamPath  = "/api/v1/runs/stream"
	executePath = "/api/v1/runs"

	// defaultOpenTimeout bounds the wait for response headers when opening
	// a stream, so a non-responding backend never hangs a session.
	defaultOpenTimeout = 15 * time.Second

	maxErrorBody = 8 * 1024
)

// RunRequest is the payload of both execution calls: the full graph snapshot
// plus the user input.
type RunRequest struct {
	Graph *schema.GraphSnapshot `json:"graph"`
	Input map[string]any        `json:"input,omitempty"`
}

// Client talks to one execution backend.
type Client struct {
	baseURL     string
	http        *http.Client
	openTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests, custom TLS).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithOpenTimeout overrides the bounded wait for stream-open headers.
// Order-independent with the other options.
func WithOpenTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.openTimeout = d }
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		openTimeout: defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	} else {
		// Copy so the header-timeout transport never mutates a caller-owned
		// client.
		clone := *c.http
		c.http = &clone
	}
	c.http.Transport = headerTimeoutTransport(c.http.Transport, c.openTimeout)
	return c
}

// headerTimeoutTransport returns rt with ResponseHeaderTimeout set to d.
// A custom round tripper that is not an *http.Transport is returned
// unchanged; its owner controls timeouts.
func headerTimeoutTransport(rt http.RoundTripper, d time.Duration) http.RoundTripper {
	switch t := rt.(type) {
	case nil:
		return &http.Transport{ResponseHeaderTimeout: d}
	case *http.Transport:
		clone := t.Clone()
		clone.ResponseHeaderTimeout = d
		return clone
	default:
		return rt
	}
}

// OpenStream starts a run and returns the event stream body. The caller owns
// the ReadCloser; cancelling ctx releases the underlying connection.
func (c *Client) OpenStream(ctx context.Context, snap *schema.GraphSnapshot, input map[string]any) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, streamPath, snap, input)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "open stream: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("open stream", resp)
	}
	return resp.Body, nil
}

// Execute performs the non-streaming execution call. The backend's
// synchronous result mirrors the complete event shape.
func (c *Client) Execute(ctx context.Context, snap *schema.GraphSnapshot, input map[string]any) (*schema.CompleteEvent, error) {
	req, err := c.newRequest(ctx, executePath, snap, input)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "execute: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("execute", resp)
	}

	var result schema.CompleteEvent
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDecode, "decode execute response: %s", err.Error()).WithCause(err)
	}
	return &result, nil
}

func (c *Client) newRequest(ctx context.Context, path string, snap *schema.GraphSnapshot, input map[string]any) (*http.Request, error) {
	body, err := json.Marshal(RunRequest{Graph: snap, Input: input})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal run request: %s", err.Error()).WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func statusError(op string, resp *http.Response) *schema.PulseError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return schema.NewErrorf(schema.ErrCodeBackend, "%s: backend returned %s", op, resp.Status).
		WithDetails(map[string]any{
			"status": resp.StatusCode,
			"body":   string(snippet),
		})
}
