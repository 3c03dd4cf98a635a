// Package client is a Go client for the syncd HTTP and WebSocket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const apiPrefix = "/api/v1"

// Client talks to one syncd server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    uint64
	backoff    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries retries read requests that fail with a network error or a
// 5xx response. Lifecycle actions and writes are never retried.
func WithRetries(n uint64, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		backoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List fetches one page of operations.
func (c *Client) List(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	setQuery(q, "status", opts.Status)
	setQuery(q, "source", opts.Source)
	setQuery(q, "target", opts.Target)
	setQuery(q, "dataType", opts.DataType)
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/syncs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out Page
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

// Get fetches a single operation.
func (c *Client) Get(ctx context.Context, id string) (*Operation, error) {
	var out Operation
	if err := c.get(ctx, "/syncs/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create submits a new operation definition.
func (c *Client) Create(ctx context.Context, def Definition) (*Operation, error) {
	var out Operation
	if err := c.do(ctx, http.MethodPost, "/syncs", def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update applies a partial update.
func (c *Client) Update(ctx context.Context, id string, patch Patch) (*Operation, error) {
	var out Operation
	if err := c.do(ctx, http.MethodPatch, "/syncs/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes an operation, optionally keeping its run history.
func (c *Client) Delete(ctx context.Context, id string, keepHistory bool) error {
	path := "/syncs/" + url.PathEscape(id)
	if keepHistory {
		path += "?keepHistory=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Run starts a manual run.
func (c *Client) Run(ctx context.Context, id string) (*Operation, error) {
	return c.action(ctx, id, "run")
}

// Retry restarts a failed operation.
func (c *Client) Retry(ctx context.Context, id string) (*Operation, error) {
	return c.action(ctx, id, "retry")
}

// Cancel stops a pending, scheduled or running operation.
func (c *Client) Cancel(ctx context.Context, id string) (*Operation, error) {
	return c.action(ctx, id, "cancel")
}

func (c *Client) action(ctx context.Context, id, action string) (*Operation, error) {
	var out Operation
	if err := c.do(ctx, http.MethodPost, "/syncs/"+url.PathEscape(id)+"/actions/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists the runs of an operation, newest first.
func (c *Client) History(ctx context.Context, id string) ([]History, error) {
	var out []History
	if err := c.get(ctx, "/syncs/"+url.PathEscape(id)+"/history", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// get performs a read, retrying transient failures when configured.
func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.retries == 0 {
		return c.do(ctx, http.MethodGet, path, nil, out)
	}

	b := retry.NewExponential(c.backoff)
	b = retry.WithMaxRetries(c.retries, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return err
		}
		if err != nil && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if len(data) > 0 {
		if err := json.Unmarshal(data, apiErr); err != nil {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}
