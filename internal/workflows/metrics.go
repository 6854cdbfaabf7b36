package workflows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/validationd/internal/workflows"

// Metrics for the kickoff retry workflow
var (
	kickoffRetryCounter  metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)
	logger := zap.L()

	var err error

	kickoffRetryCounter, err = meter.Int64Counter(
		"validationd.workflows.kickoff_retry.attempts",
		metric.WithDescription("Kickoff retry attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		logger.Warn("failed to create kickoff retry counter", zap.Error(err))
	}

	activityDuration, err = meter.Float64Histogram(
		"validationd.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create activity duration", zap.Error(err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"validationd.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create activity error counter", zap.Error(err))
	}
}

func init() {
	initMetrics()
}

func recordActivity(ctx context.Context, activity string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", activity))
	if activityDuration != nil {
		activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil && activityErrorCounter != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}

func recordKickoffAttempt(ctx context.Context, outcome string) {
	if kickoffRetryCounter != nil {
		kickoffRetryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
