package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/executor"
	"github.com/fyrsmithlabs/validationd/internal/executor/executortest"
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/telemetry"
)

func TestClient_StartStatusResume(t *testing.T) {
	fake := executortest.New(t)
	fake.Script(
		run.Snapshot{Status: run.StatusRunning, CurrentPhase: 1, Progress: run.Progress{ProgressPct: 40}},
		executortest.Paused(1, "approve_brief", "approved", "rejected"),
		run.Snapshot{Status: run.StatusRunning, CurrentPhase: 2},
	)
	c := executor.NewClient(fake.Config(), zap.NewNop(), executor.WithMetrics(executor.NewMetrics(zap.NewNop())))
	ctx := context.Background()

	started, err := c.Start(ctx, executor.StartInput{ProjectID: "p1", RawIdea: "a marketplace for used lab gear"})
	require.NoError(t, err)
	assert.Equal(t, "r1", started.RunID)
	assert.Equal(t, "started", started.Status)
	require.Len(t, fake.Starts(), 1)
	assert.Equal(t, "p1", fake.Starts()[0].ProjectID)

	snap, err := c.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, snap.Status)
	assert.Equal(t, 40.0, snap.Progress.ProgressPct)

	snap, err = c.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusPaused, snap.Status)
	require.NotNil(t, snap.HITLCheckpoint)
	assert.Equal(t, "approve_brief", snap.HITLCheckpoint.Checkpoint)

	res, err := c.Resume(ctx, run.Decision{RunID: "r1", Checkpoint: "approve_brief", Decision: "approved", DecidedBy: "u1"})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "u1", fake.Resumes()[0].DecidedBy)

	snap, err = c.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, snap.Status)
}

func TestClient_MissingEndpoints(t *testing.T) {
	c := executor.NewClient(executor.Config{StatusURL: "http://x"}, nil)

	_, err := c.Start(context.Background(), executor.StartInput{ProjectID: "p1"})
	var cerr *run.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Setting, "executor.kickoff_url")
	assert.False(t, run.IsRetryable(err))

	_, err = c.Resume(context.Background(), run.Decision{RunID: "r1"})
	require.ErrorAs(t, err, &cerr)
}

func TestClient_NonSuccessIsRemoteError(t *testing.T) {
	fake := executortest.New(t)
	fake.FailStart(http.StatusServiceUnavailable)
	c := executor.NewClient(fake.Config(), nil)

	_, err := c.Start(context.Background(), executor.StartInput{ProjectID: "p1"})
	var rerr *run.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusServiceUnavailable, rerr.StatusCode)
	assert.Contains(t, rerr.Body, "executor unavailable")
	assert.True(t, run.IsRetryable(err))

	_, err = c.Status(context.Background(), "missing")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.StatusCode)
}

func TestClient_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing run_id", `{"status":"started"}`},
		{"not json", `<html>ok</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := executor.NewClient(executor.Config{
				KickoffURL: srv.URL, StatusURL: srv.URL, HITLApproveURL: srv.URL,
			}, nil)
			_, err := c.Start(context.Background(), executor.StartInput{ProjectID: "p1"})
			var perr *run.ProtocolError
			require.ErrorAs(t, err, &perr)
		})
	}
}

func TestClient_ResumeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"checkpoint already consumed","resumed":false}`))
	}))
	defer srv.Close()

	c := executor.NewClient(executor.Config{KickoffURL: srv.URL, StatusURL: srv.URL, HITLApproveURL: srv.URL}, nil)
	_, err := c.Resume(context.Background(), run.Decision{RunID: "r1", Checkpoint: "approve_brief", Decision: "approved"})
	var conflict *run.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Reason, "already consumed")
}

func TestClient_RespectsRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := executor.NewClient(executor.Config{
		KickoffURL: srv.URL, StatusURL: srv.URL, HITLApproveURL: srv.URL,
		RequestTimeout: 50 * time.Millisecond,
	}, nil)
	_, err := c.Status(context.Background(), "r1")
	var rerr *run.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 0, rerr.StatusCode)
}

func TestClient_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	fake := executortest.New(t)
	fake.AddRun("r1", run.Snapshot{Status: run.StatusRunning, CurrentPhase: 1})
	c := executor.NewClient(fake.Config(), nil, executor.WithTracer(tel.Tracer("executor-test")))
	ctx := context.Background()

	_, err := c.Status(ctx, "r1")
	require.NoError(t, err)
	tel.AssertSpanExists(t, "executor.Status")
	tel.AssertSpanAttribute(t, "executor.Status", "run.id", "r1")
	tel.AssertSpanAttribute(t, "executor.Status", "run.status", "running")

	_, err = executor.NewClient(executor.Config{}, nil, executor.WithTracer(tel.Tracer("executor-test"))).
		Resume(ctx, run.Decision{RunID: "r1", Checkpoint: "c", Decision: "d"})
	require.Error(t, err)
	tel.AssertSpanStatus(t, "executor.Resume", codes.Error)
}
