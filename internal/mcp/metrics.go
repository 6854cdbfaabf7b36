package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/idempotency"
	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

const instrumentationName = "github.com/fyrsmithlabs/validationd/internal/mcp"

// Metrics counts tool calls, their latency and their failures by reason.
type Metrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// NewMetrics builds the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create mcp instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &Metrics{}
	var err error
	m.calls, err = meter.Int64Counter("validationd.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls by tool"),
		metric.WithUnit("{invocation}"))
	warn("invocations_total", err)

	m.failures, err = meter.Int64Counter("validationd.mcp.tool.errors_total",
		metric.WithDescription("Failed MCP tool calls by tool and reason"),
		metric.WithUnit("{error}"))
	warn("errors_total", err)

	// validation_status may block on a long poll, hence the upper buckets.
	m.latency, err = meter.Float64Histogram("validationd.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	warn("duration_seconds", err)

	m.active, err = meter.Int64UpDownCounter("validationd.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return m
}

// Track marks a call to tool as started. The returned func ends it and
// records the outcome.
func (m *Metrics) Track(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.active != nil {
		m.active.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.active != nil {
			m.active.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", categorizeError(err))))
		}
	}
}

// categorizeError maps the run error taxonomy onto a bounded reason label.
func categorizeError(err error) string {
	var (
		validation *run.ValidationError
		conflict   *run.ConflictError
		limit      *run.LimitExceededError
		rate       *initiator.RateLimitedError
		cfg        *run.ConfigurationError
		remote     *run.RemoteError
		protocol   *run.ProtocolError
		timeout    *run.TimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return "validation_error"
	case errors.Is(err, initiator.ErrUnauthorized):
		return "auth_error"
	case errors.Is(err, run.ErrNotFound):
		return "not_found"
	case errors.As(err, &conflict), errors.Is(err, idempotency.ErrInFlight):
		return "conflict"
	case errors.As(err, &limit):
		return "pivot_limit"
	case errors.As(err, &rate):
		return "rate_limited"
	case errors.As(err, &cfg):
		return "configuration_error"
	case errors.As(err, &remote), errors.As(err, &protocol):
		return "executor_error"
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
