package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/validationd/internal/telemetry"
)

func histogramCount(t *testing.T, tel *telemetry.TestTelemetry, name string) uint64 {
	t.Helper()
	m, ok := tel.Metric(context.Background(), name)
	if !ok {
		return 0
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "%s has type %T", name, m.Data)
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewHTTPMetrics(tel.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"run_id": c.Param("id")})
	})
	e.GET("/api/v1/runs/:id/wait", func(c echo.Context) error {
		return c.JSON(http.StatusOK, WaitResponse{Done: false})
	})

	for _, path := range []string{"/api/v1/runs/r1", "/api/v1/runs/r2", "/api/v1/runs/r1/wait"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	ctx := context.Background()
	assert.Equal(t, int64(3), tel.CounterValue(ctx, "validationd.http.requests_total"))

	reqs, ok := tel.Metric(ctx, "validationd.http.requests_total")
	require.True(t, ok)
	perRoute := map[string]int64{}
	for _, dp := range reqs.Data.(metricdata.Sum[int64]).DataPoints {
		v, _ := dp.Attributes.Value("route")
		perRoute[v.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{
		"/api/v1/runs/:id":      2,
		"/api/v1/runs/:id/wait": 1,
	}, perRoute)

	assert.Equal(t, uint64(2), histogramCount(t, tel, "validationd.http.request_duration_seconds"))
	assert.Equal(t, uint64(1), histogramCount(t, tel, "validationd.http.wait_duration_seconds"))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/runs/:id", routeLabel("/api/v1/runs/:id"))
	assert.Equal(t, "unmatched", routeLabel(""))
}
