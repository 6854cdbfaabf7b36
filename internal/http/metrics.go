package http

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/validationd/internal/http"

// HTTPMetrics records request counts and latency per route. Long-poll
// requests to /wait are held for up to the wait window, so their latency
// goes to a separate histogram with wider buckets.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	waits    metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// NewHTTPMetrics builds the instruments on meter, or on the global meter
// provider when meter is nil. Instruments that fail to register are skipped.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &HTTPMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("validationd.http.requests_total",
		metric.WithDescription("API requests by method, route and status"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.latency, err = meter.Float64Histogram("validationd.http.request_duration_seconds",
		metric.WithDescription("API request latency, excluding long-poll waits"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	warn("request_duration_seconds", err)

	m.waits, err = meter.Float64Histogram("validationd.http.wait_duration_seconds",
		metric.WithDescription("Time long-poll requests were held before the run paused, finished or the window closed"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600))
	warn("wait_duration_seconds", err)

	m.active, err = meter.Int64UpDownCounter("validationd.http.active_requests",
		metric.WithDescription("API requests in flight, including held long-polls"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return m
}

// MetricsMiddleware records every request. Routes are labelled by their
// template, so run ids never become label values.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.active != nil {
				m.active.Add(ctx, 1)
				defer m.active.Add(ctx, -1)
			}

			err := next(c)

			route := routeLabel(c.Path())
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			hist := m.latency
			if strings.HasSuffix(route, "/wait") {
				hist = m.waits
			}
			if hist != nil {
				hist.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
