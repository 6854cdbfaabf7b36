// Package apiclient is the Go client for the validationd HTTP API. It backs
// the vctl command line and the run watch dashboard.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apihttp "github.com/fyrsmithlabs/validationd/internal/http"
	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/orchestrator"
	"github.com/fyrsmithlabs/validationd/internal/pivot"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client calls one validationd server.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every call except Wait, whose window is set by the caller.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client for baseURL. token is sent as a bearer credential.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Health reads the server health summary.
func (c *Client) Health(ctx context.Context) (*apihttp.HealthResponse, error) {
	var out apihttp.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Initiate submits a run. An empty key lets the server reject the request.
func (c *Client) Initiate(ctx context.Context, req apihttp.InitiateRequest) (*initiator.Response, error) {
	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set(apihttp.IdempotencyKeyHeader, req.IdempotencyKey)
	}
	var out initiator.Response
	if err := c.call(ctx, http.MethodPost, "/api/v1/runs", header, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status reads one snapshot of a run.
func (c *Client) Status(ctx context.Context, runID string) (*run.Snapshot, error) {
	var out run.Snapshot
	if err := c.call(ctx, http.MethodGet, runPath(runID, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide answers the run's open checkpoint.
func (c *Client) Decide(ctx context.Context, runID string, req apihttp.DecisionRequest) (*orchestrator.DecisionResult, error) {
	var out orchestrator.DecisionResult
	if err := c.call(ctx, http.MethodPost, runPath(runID, "/decisions"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decisions lists the run's decision audit trail.
func (c *Client) Decisions(ctx context.Context, runID string) ([]apihttp.DecisionView, error) {
	var out []apihttp.DecisionView
	if err := c.call(ctx, http.MethodGet, runPath(runID, "/decisions"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Alternatives reads the pivot view of an open pivot checkpoint.
func (c *Client) Alternatives(ctx context.Context, runID string) (*pivot.Record, error) {
	var out pivot.Record
	if err := c.call(ctx, http.MethodGet, runPath(runID, "/alternatives"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait long-polls the server until the run pauses or finishes, or window
// elapses. A zero window uses the server default.
func (c *Client) Wait(ctx context.Context, runID string, window time.Duration) (*apihttp.WaitResponse, error) {
	path := runPath(runID, "/wait")
	if window > 0 {
		path += "?timeout=" + url.QueryEscape(window.String())
		// Leave room for the server to answer after its own window closes.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, window+c.timeout)
		defer cancel()
	}
	var out apihttp.WaitResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func runPath(runID, suffix string) string {
	return "/api/v1/runs/" + url.PathEscape(runID) + suffix
}

// call applies the per-call timeout.
func (c *Client) call(ctx context.Context, method, path string, header http.Header, in, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.do(ctx, method, path, header, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body apihttp.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && (body.Error != "" || body.Code != "") {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.RetryAfter = time.Duration(body.RetryAfterSeconds) * time.Second
	} else {
		// echo.HTTPError bodies carry only a message field.
		var plain struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &plain) == nil && plain.Message != "" {
			apiErr.Message = plain.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
