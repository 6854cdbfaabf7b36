// Package executortest provides a scripted in-process executor for tests.
package executortest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/validationd/internal/executor"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

// Resume is one recorded resume call.
type Resume struct {
	RunID      string `json:"run_id"`
	Checkpoint string `json:"checkpoint"`
	Decision   string `json:"decision"`
	Feedback   string `json:"feedback,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

type fakeRun struct {
	steps []run.Snapshot
	idx   int
}

// Server is a fake executor. Each status call returns the run's current
// script step and advances to the next one, except on paused steps, which
// hold until resumed, and on the final step, which repeats.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	script      []run.Snapshot
	runs        map[string]*fakeRun
	seq         int
	startFail   int
	statusFail  int
	startCalls  int
	statusCalls int
	starts      []executor.StartInput
	resumes     []Resume
	nextPhase   map[string]int
}

// New starts a fake executor closed on test cleanup. The default script
// runs straight to completion.
func New(t testing.TB) *Server {
	s := &Server{
		runs:      make(map[string]*fakeRun),
		nextPhase: make(map[string]int),
		script: []run.Snapshot{
			{Status: run.StatusRunning, CurrentPhase: 1, Progress: run.Progress{ProgressPct: 50}},
			{Status: run.StatusCompleted, CurrentPhase: 4, Progress: run.Progress{ProgressPct: 100}, Outputs: json.RawMessage(`{"verdict":"go"}`)},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/kickoff", s.handleKickoff)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.HandleFunc("/approve", s.handleApprove)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config returns a client configuration pointing at the fake.
func (s *Server) Config() executor.Config {
	return executor.Config{
		KickoffURL:     s.URL + "/kickoff",
		StatusURL:      s.URL + "/status",
		HITLApproveURL: s.URL + "/approve",
		Token:          "test-token",
	}
}

// Script replaces the steps used by runs started afterwards.
func (s *Server) Script(steps ...run.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = steps
}

// AddRun registers a run with its own script without a kickoff call.
func (s *Server) AddRun(runID string, steps ...run.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &fakeRun{steps: steps}
}

// FailStart makes kickoff respond with code. Zero restores success.
func (s *Server) FailStart(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFail = code
}

// FailStatus makes status respond with code. Zero restores success.
func (s *Server) FailStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFail = code
}

// NextPhase sets the next_phase reported when a decision on checkpoint is accepted.
func (s *Server) NextPhase(checkpoint string, phase int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPhase[checkpoint] = phase
}

// StartCalls returns the number of kickoff requests received.
func (s *Server) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// StatusCalls returns the number of status requests received.
func (s *Server) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

// Starts returns the kickoff bodies received.
func (s *Server) Starts() []executor.StartInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executor.StartInput(nil), s.starts...)
}

// Resumes returns the resume bodies received.
func (s *Server) Resumes() []Resume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resume(nil), s.resumes...)
}

func (s *Server) handleKickoff(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++

	if r.Header.Get("Authorization") != "Bearer test-token" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if s.startFail != 0 {
		http.Error(w, `{"error":"executor unavailable"}`, s.startFail)
		return
	}
	var in executor.StartInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.starts = append(s.starts, in)

	s.seq++
	id := fmt.Sprintf("r%d", s.seq)
	s.runs[id] = &fakeRun{steps: append([]run.Snapshot(nil), s.script...)}
	writeJSON(w, http.StatusOK, executor.StartResponse{RunID: id, Status: "started", Message: "crew kicked off"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++

	if s.statusFail != 0 {
		http.Error(w, `{"error":"status unavailable"}`, s.statusFail)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/status/")
	fr, ok := s.runs[id]
	if !ok || len(fr.steps) == 0 {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	snap := fr.steps[fr.idx]
	snap.RunID = id
	if snap.Status != run.StatusPaused && snap.HITLCheckpoint == nil && fr.idx < len(fr.steps)-1 {
		fr.idx++
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var req Resume
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.resumes = append(s.resumes, req)

	fr, ok := s.runs[req.RunID]
	if !ok {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	cur := fr.steps[fr.idx]
	if cur.HITLCheckpoint == nil || cur.HITLCheckpoint.Checkpoint != req.Checkpoint {
		http.Error(w, `{"error":"run is not paused at that checkpoint"}`, http.StatusConflict)
		return
	}
	if fr.idx < len(fr.steps)-1 {
		fr.idx++
	}

	res := run.ResumeResult{Success: true, Resumed: true, Message: "resumed from checkpoint"}
	if p, ok := s.nextPhase[req.Checkpoint]; ok {
		res.NextPhase = &p
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Paused builds a paused step at checkpoint with the given option ids.
func Paused(phase int, checkpoint string, options ...string) run.Snapshot {
	cp := &run.Checkpoint{Checkpoint: checkpoint, Title: checkpoint}
	for _, o := range options {
		cp.Options = append(cp.Options, run.Option{ID: o, Label: o})
	}
	if len(options) > 0 {
		cp.Recommended = options[0]
	}
	return run.Snapshot{Status: run.StatusPaused, CurrentPhase: phase, Progress: run.Progress{ProgressPct: 100}, HITLCheckpoint: cp}
}
