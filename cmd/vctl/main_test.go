package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/fyrsmithlabs/validationd/internal/http"
	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/orchestrator"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

type fakeAPI struct {
	*httptest.Server
	initiate apihttp.InitiateRequest
	decision apihttp.DecisionRequest
	auth     string
	waitDone bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{waitDone: true}
	paused := run.Snapshot{
		RunID:           "r1",
		Status:          run.StatusPaused,
		CurrentPhase:    2,
		PhaseName:       "Segments",
		OverallProgress: 37.5,
		HITLCheckpoint: &run.Checkpoint{
			Checkpoint:  "segment_review",
			Title:       "Pick a segment",
			Options:     []run.Option{{ID: "proceed", Label: "Proceed"}, {ID: "pivot", Label: "Pivot"}},
			Recommended: "proceed",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, apihttp.HealthResponse{Status: "ok", PendingKickoffs: 2})
	})
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		f.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&f.initiate)
		writeJSON(w, http.StatusAccepted, initiator.Response{RunID: "r1", ProjectID: "p1", Status: "started"})
	})
	mux.HandleFunc("/api/v1/runs/r1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, paused)
	})
	mux.HandleFunc("/api/v1/runs/r1/decisions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, []apihttp.DecisionView{
				{ID: "d1", Checkpoint: "segment_review", Decision: "pivot", PivotType: "segment", DecidedBy: "alice", DecidedAt: "2026-01-02T03:04:05Z"},
			})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.decision)
		next := 3
		running := paused
		running.Status = run.StatusRunning
		running.HITLCheckpoint = nil
		writeJSON(w, http.StatusOK, orchestrator.DecisionResult{Run: running, Resumed: true, NextPhase: &next})
	})
	mux.HandleFunc("/api/v1/runs/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, apihttp.ErrorResponse{Error: "run missing not found", Code: "not_found"})
	})
	mux.HandleFunc("/api/v1/runs/r1/wait", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, apihttp.WaitResponse{Run: &paused, Done: f.waitDone})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHealth(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "health", "--server", api.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Pending kickoffs: 2")
}

func TestInitiate(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "initiate", "--server", api.URL, "--token", "tok",
		"--key", "k1", "--flow", "quick_start", "Meal kits for climbers")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", api.auth)
	assert.Equal(t, "k1", api.initiate.IdempotencyKey)
	assert.Equal(t, "quick_start", api.initiate.Flow)
	assert.Equal(t, "Meal kits for climbers", api.initiate.RawIdea)
	assert.Contains(t, out, "Run: r1")
	assert.Contains(t, out, "Key: k1")
}

func TestInitiate_GeneratesKey(t *testing.T) {
	api := newFakeAPI(t)
	_, err := execute(t, "initiate", "--server", api.URL, "idea")
	require.NoError(t, err)
	assert.Len(t, api.initiate.IdempotencyKey, 36)
}

func TestStatus(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "status", "--server", api.URL, "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "AWAITING DECISION")
	assert.Contains(t, out, "Phase: 2 (Segments)")
	assert.Contains(t, out, "Overall: 37.5%")
	assert.Contains(t, out, "* proceed")
}

func TestStatus_JSON(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "status", "--server", api.URL, "--json", "r1")
	require.NoError(t, err)

	var snap run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, run.StatusPaused, snap.Status)
}

func TestStatus_NotFound(t *testing.T) {
	api := newFakeAPI(t)
	_, err := execute(t, "status", "--server", api.URL, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDecide(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "decide", "--server", api.URL, "r1",
		"--checkpoint", "segment_review", "--decision", "proceed", "--feedback", "looks good")
	require.NoError(t, err)

	assert.Equal(t, apihttp.DecisionRequest{Checkpoint: "segment_review", Decision: "proceed", Feedback: "looks good"}, api.decision)
	assert.Contains(t, out, "Resumed: true")
	assert.Contains(t, out, "Next phase: 3")
}

func TestDecide_RequiresFlags(t *testing.T) {
	api := newFakeAPI(t)
	_, err := execute(t, "decide", "--server", api.URL, "r1", "--decision", "proceed")
	require.Error(t, err)
}

func TestDecisions(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "decisions", "--server", api.URL, "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "segment_review")
	assert.Contains(t, out, "pivot=segment")
	assert.Contains(t, out, "by=alice")
}

func TestWait(t *testing.T) {
	api := newFakeAPI(t)
	out, err := execute(t, "wait", "--server", api.URL, "--window", "1s", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "segment_review")

	api.waitDone = false
	_, err = execute(t, "wait", "--server", api.URL, "--window", "1s", "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still in progress")
}
