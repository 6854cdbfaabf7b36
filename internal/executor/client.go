// Package executor is the typed client for the remote validation executor:
// kick off a run, read its status, and resume it from a checkpoint.
//
// The client performs no retries. Every failure is returned as one of the
// run package's typed errors so callers choose their own policy.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Client implements JobControl over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *Metrics
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMetrics attaches call metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client. Endpoint configuration is checked per call so
// a partially configured daemon can still serve status reads.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) requireEndpoints() error {
	missing := []string{}
	if c.cfg.KickoffURL == "" {
		missing = append(missing, "executor.kickoff_url")
	}
	if c.cfg.StatusURL == "" {
		missing = append(missing, "executor.status_url")
	}
	if c.cfg.HITLApproveURL == "" {
		missing = append(missing, "executor.hitl_approve_url")
	}
	if len(missing) > 0 {
		return &run.ConfigurationError{Setting: strings.Join(missing, ", ")}
	}
	return nil
}

// Start kicks off a run.
func (c *Client) Start(ctx context.Context, in StartInput) (*StartResponse, error) {
	ctx, span := c.tracer.Start(ctx, "executor.Start",
		trace.WithAttributes(attribute.String("project.id", in.ProjectID)))
	defer span.End()

	if err := c.requireEndpoints(); err != nil {
		return nil, c.fail(ctx, span, "start", time.Now(), err)
	}

	var resp StartResponse
	start := time.Now()
	if err := c.do(ctx, "start", http.MethodPost, c.cfg.KickoffURL, in, &resp); err != nil {
		return nil, c.fail(ctx, span, "start", start, err)
	}
	if resp.RunID == "" {
		return nil, c.fail(ctx, span, "start", start, &run.ProtocolError{Reason: "kickoff response has no run_id"})
	}

	span.SetAttributes(attribute.String("run.id", resp.RunID))
	c.metrics.Record(ctx, "start", "ok", time.Since(start))
	c.logger.Info("executor run started",
		zap.String("project_id", in.ProjectID),
		zap.String("run_id", resp.RunID),
		zap.String("status", resp.Status))
	return &resp, nil
}

// Status reads a run snapshot. It never mutates local state.
func (c *Client) Status(ctx context.Context, runID string) (*run.Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "executor.Status",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	if c.cfg.StatusURL == "" {
		return nil, c.fail(ctx, span, "status", time.Now(), &run.ConfigurationError{Setting: "executor.status_url"})
	}
	if runID == "" {
		return nil, c.fail(ctx, span, "status", time.Now(), &run.ValidationError{Field: "run_id", Reason: "is required"})
	}

	endpoint := strings.TrimRight(c.cfg.StatusURL, "/") + "/" + url.PathEscape(runID)
	var snap run.Snapshot
	start := time.Now()
	if err := c.do(ctx, "status", http.MethodGet, endpoint, nil, &snap); err != nil {
		return nil, c.fail(ctx, span, "status", start, err)
	}
	if snap.RunID == "" {
		snap.RunID = runID
	}

	span.SetAttributes(attribute.String("run.status", string(snap.Status)))
	c.metrics.Record(ctx, "status", "ok", time.Since(start))
	return &snap, nil
}

// Resume submits a checkpoint decision. A 2xx response with success false
// means the executor refused the decision and is reported as ConflictError.
func (c *Client) Resume(ctx context.Context, d run.Decision) (*run.ResumeResult, error) {
	ctx, span := c.tracer.Start(ctx, "executor.Resume",
		trace.WithAttributes(
			attribute.String("run.id", d.RunID),
			attribute.String("checkpoint", d.Checkpoint),
			attribute.String("decision", d.Decision)))
	defer span.End()

	if c.cfg.HITLApproveURL == "" {
		return nil, c.fail(ctx, span, "resume", time.Now(), &run.ConfigurationError{Setting: "executor.hitl_approve_url"})
	}

	body := resumeRequest{
		RunID:      d.RunID,
		Checkpoint: d.Checkpoint,
		Decision:   d.Decision,
		Feedback:   d.Feedback,
		DecidedBy:  d.DecidedBy,
	}
	var res run.ResumeResult
	start := time.Now()
	if err := c.do(ctx, "resume", http.MethodPost, c.cfg.HITLApproveURL, body, &res); err != nil {
		return nil, c.fail(ctx, span, "resume", start, err)
	}
	if !res.Success {
		return nil, c.fail(ctx, span, "resume", start, &run.ConflictError{
			RunID:  d.RunID,
			Status: run.StatusPaused,
			Reason: "executor rejected decision: " + res.Message,
		})
	}

	c.metrics.Record(ctx, "resume", "ok", time.Since(start))
	c.logger.Info("executor run resumed",
		zap.String("run_id", d.RunID),
		zap.String("checkpoint", d.Checkpoint),
		zap.String("decision", d.Decision),
		zap.Bool("resumed", res.Resumed))
	return &res, nil
}

func (c *Client) fail(ctx context.Context, span trace.Span, op string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.Record(ctx, op, outcome(err), time.Since(start))
	c.logger.Warn("executor call failed", zap.String("operation", op), zap.Error(err))
	return err
}

func outcome(err error) string {
	switch err.(type) {
	case *run.ConfigurationError:
		return "configuration"
	case *run.RemoteError:
		return "remote"
	case *run.ProtocolError:
		return "protocol"
	case *run.ConflictError:
		return "rejected"
	default:
		return "error"
	}
}

// do performs one JSON request. Transport failures and non-2xx responses are
// RemoteError; undecodable 2xx bodies are ProtocolError.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &run.RemoteError{Operation: op, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &run.RemoteError{Operation: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &run.RemoteError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &run.RemoteError{Operation: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &run.ProtocolError{Reason: op + " response is not valid JSON", Err: err}
	}
	return nil
}
