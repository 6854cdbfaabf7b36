package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func fieldMap(fields []zap.Field) map[string]zap.Field {
	m := make(map[string]zap.Field, len(fields))
	for _, f := range fields {
		m[f.Key] = f
	}
	return m
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Correlation(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, "alice")
	ctx = WithRun(ctx, "proj-1", "run.42")

	fields := fieldMap(ContextFields(ctx))
	assert.Equal(t, traceID.String(), fields["trace_id"].String)
	assert.Equal(t, spanID.String(), fields["span_id"].String)
	assert.Contains(t, fields, "trace_sampled")
	assert.Equal(t, "req-1", fields["request.id"].String)
	assert.Equal(t, "alice", fields["user.id"].String)
	assert.Equal(t, "proj-1", fields["project.id"].String)
	assert.Equal(t, "run.42", fields["run.id"].String)
}

func TestWithRequestID_DropsInvalid(t *testing.T) {
	for _, id := range []string{"", "has space", "new\nline", strings.Repeat("a", maxIDLen+1)} {
		ctx := WithRequestID(context.Background(), id)
		assert.Empty(t, RequestIDFromContext(ctx), "id %q should be dropped", id)
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("local-0b6c"))
	assert.False(t, ValidID("alice@example.com"))
	assert.False(t, ValidID(""))
}

func TestWithUserID_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { WithUserID(context.Background(), "") })
	assert.Panics(t, func() { WithUserID(context.Background(), "a/b") })
	assert.NotPanics(t, func() { WithUserID(context.Background(), "user_1.dev-x") })
}

func TestWithRun(t *testing.T) {
	ctx := WithRun(context.Background(), "", "r1")
	r := RunFromContext(ctx)
	require.NotNil(t, r)
	assert.Equal(t, "r1", r.RunID)

	fields := fieldMap(ContextFields(ctx))
	assert.NotContains(t, fields, "project.id")

	assert.Panics(t, func() { WithRun(context.Background(), "proj 1", "r1") })
	assert.Nil(t, RunFromContext(context.Background()))
}

func TestFor(t *testing.T) {
	tl := NewTestLogger()
	base := tl.Underlying()
	assert.Same(t, base, For(context.Background(), base))

	ctx := WithRun(WithRequestID(context.Background(), "req-1"), "p1", "r1")
	tl.For(ctx).Info("decision applied")
	tl.AssertField(t, "decision applied", "request.id", "req-1")
	tl.AssertField(t, "decision applied", "run.id", "r1")
}
