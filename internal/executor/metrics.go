package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/validationd/internal/executor"

// Metrics records outbound executor calls.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates executor call instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.requests, err = m.meter.Int64Counter(
		"validationd.executor.requests_total",
		metric.WithDescription("Executor calls labeled by operation (start, status, resume) and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create executor requests counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"validationd.executor.request_duration_seconds",
		metric.WithDescription("Executor call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		m.logger.Warn("failed to create executor duration histogram", zap.Error(err))
	}
}

// Record adds one call of op with the given outcome.
func (m *Metrics) Record(ctx context.Context, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
}
