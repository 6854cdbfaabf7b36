// Package orchestrator is the application boundary of validationd. It
// exposes initiate, status, decide, wait and alternatives over the
// executor, the local store and one checkpoint state machine per run.
//
// # Overview
//
// Status reads go to the executor and pass through the run's Machine, which
// normalizes the snapshot, annotates overall progress from the run's phase
// table and keeps terminal snapshots sticky. Decisions are checked against
// the machine and, for pivot checkpoints, the pivot engine before the
// executor is asked to resume. Progress writes and event publishing are
// side effects: their failures are logged and never fail the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/events"
	"github.com/fyrsmithlabs/validationd/internal/executor"
	"github.com/fyrsmithlabs/validationd/internal/initiator"
	"github.com/fyrsmithlabs/validationd/internal/logging"
	"github.com/fyrsmithlabs/validationd/internal/phase"
	"github.com/fyrsmithlabs/validationd/internal/pivot"
	"github.com/fyrsmithlabs/validationd/internal/poller"
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/secrets"
	"github.com/fyrsmithlabs/validationd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/validationd/internal/orchestrator"

// Deps are the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Executor  executor.JobControl
	Initiator *initiator.Initiator
	Tables    *phase.Tables
	Pivots    *pivot.Engine
	Poll      poller.Config
	Scrubber  secrets.Scrubber
	Events    events.Publisher
	Metrics   *Metrics
	Logger    *zap.Logger
	// RetainFinished is how many terminal runs keep their machine in memory.
	// Older ones are dropped and rebuilt from the executor on the next read.
	RetainFinished int
}

// DefaultRetainFinished bounds the terminal runs held in memory.
const DefaultRetainFinished = 256

// DecisionResult reports an accepted decision.
type DecisionResult struct {
	Run        run.Snapshot `json:"run"`
	Resumed    bool         `json:"resumed"`
	Message    string       `json:"message,omitempty"`
	NextPhase  *int         `json:"next_phase,omitempty"`
	PivotType  string       `json:"pivot_type,omitempty"`
	PivotCount int          `json:"pivot_count,omitempty"`
	MaxPivots  int          `json:"max_pivots,omitempty"`
}

// tracked is the in-memory state of one run. mu serializes refreshes and
// decisions so a snapshot read before a resume cannot reopen the checkpoint.
type tracked struct {
	mu      sync.Mutex
	machine *run.Machine
}

// Service implements the orchestration operations.
type Service struct {
	deps   Deps
	poll   *poller.Driver
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]*tracked
	// finished holds the ids of terminal runs in runs, oldest first.
	finished []string
}

// NewService validates deps.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required for orchestrator")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required for orchestrator")
	}
	if deps.Initiator == nil {
		return nil, errors.New("initiator is required for orchestrator")
	}
	if deps.Tables == nil {
		deps.Tables = phase.Defaults()
	}
	if deps.Pivots == nil {
		deps.Pivots = pivot.NewEngine(pivot.DefaultMaxPivots)
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RetainFinished <= 0 {
		deps.RetainFinished = DefaultRetainFinished
	}
	s := &Service{
		deps:   deps,
		tracer: otel.Tracer(instrumentationName),
		runs:   make(map[string]*tracked),
	}
	s.poll = poller.New(s.Status, deps.Poll, deps.Logger)
	return s, nil
}

// Initiate submits a new run.
func (s *Service) Initiate(ctx context.Context, req initiator.Request) (*initiator.Response, error) {
	resp, err := s.deps.Initiator.Initiate(ctx, req)
	switch {
	case err != nil:
		s.deps.Metrics.initiation("rejected")
		return nil, err
	case resp.Replayed:
		s.deps.Metrics.initiation("replayed")
	case resp.Deferred:
		s.deps.Metrics.initiation("deferred")
	default:
		s.deps.Metrics.initiation("started")
	}
	return resp, nil
}

func (s *Service) track(rec *store.Run) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.runs[rec.RunID]; ok {
		return t
	}
	m := run.NewMachine(rec.RunID, s.deps.Tables.ForFlow(phase.Flow(rec.Flow)))
	m.AllowCustom = pivot.AllowsCustom
	t := &tracked{machine: m}
	s.runs[rec.RunID] = t
	s.deps.Metrics.setActive(len(s.runs) - len(s.finished))
	return t
}

// retire marks t finished once it turns terminal and drops the oldest
// finished runs past RetainFinished.
func (s *Service) retire(runID string, t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[runID] != t {
		return
	}
	s.finished = append(s.finished, runID)
	for len(s.finished) > s.deps.RetainFinished {
		delete(s.runs, s.finished[0])
		s.finished = s.finished[1:]
	}
	s.deps.Metrics.setActive(len(s.runs) - len(s.finished))
}

// Status reads the run's current snapshot. Once the run is terminal the
// executor is no longer consulted.
func (s *Service) Status(ctx context.Context, runID string) (*run.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Status", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	rec, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, s.spanErr(span, err)
	}
	t := s.track(rec)
	t.mu.Lock()
	snap, err := s.refresh(ctx, rec, t)
	t.mu.Unlock()
	if err != nil {
		return nil, s.spanErr(span, err)
	}
	span.SetAttributes(attribute.String("run.status", string(snap.Status)), attribute.Float64("run.overall_progress", snap.OverallProgress))
	return &snap, nil
}

// refresh observes the latest executor snapshot into t and records side
// effects. Callers hold t.mu.
func (s *Service) refresh(ctx context.Context, rec *store.Run, t *tracked) (run.Snapshot, error) {
	m := t.machine
	if m.Terminal() {
		return m.Current(), nil
	}
	prev := m.Current()
	gen := m.Generation()
	table := s.deps.Tables.ForFlow(phase.Flow(rec.Flow))

	var raw run.Snapshot
	if rec.KickoffPending() {
		raw = run.Snapshot{Status: rec.Status, CurrentPhase: rec.CurrentPhase, Error: rec.Error}
		if raw.Status != run.StatusFailed {
			raw.Status = run.StatusPending
			raw.CurrentPhase = table.First()
		}
	} else {
		got, err := s.deps.Executor.Status(ctx, rec.ExecutorRunID)
		if err != nil {
			return run.Snapshot{}, err
		}
		raw = *got
	}
	raw.RunID = rec.RunID
	raw.Flow = string(table.Flow)
	if raw.PhaseName == "" {
		raw.PhaseName = table.Name(raw.CurrentPhase)
	}

	snap, err := m.ObserveAt(gen, raw)
	if err != nil {
		return run.Snapshot{}, err
	}
	s.deps.Metrics.statusRead(string(snap.Status))

	if snap.Status != prev.Status {
		s.persistStatus(ctx, rec.RunID, snap)
		ev := events.Event{Type: events.StatusChanged, RunID: rec.RunID, ProjectID: rec.ProjectID, Status: snap.Status,
			Phase: snap.CurrentPhase, OverallProgress: snap.OverallProgress, Message: snap.Error}
		s.publish(ctx, ev)
		if snap.HITLCheckpoint != nil {
			ev.Type = events.CheckpointOpen
			ev.Checkpoint = snap.HITLCheckpoint.Checkpoint
			s.publish(ctx, ev)
		}
		if snap.Status.Terminal() {
			s.retire(rec.RunID, t)
		}
	}
	if snap.CurrentPhase != prev.CurrentPhase || snap.OverallProgress != prev.OverallProgress {
		if err := s.deps.Store.UpdateRunProgress(ctx, rec.RunID, snap.CurrentPhase, snap.PhaseName, snap.OverallProgress); err != nil {
			s.deps.Logger.Warn("failed to persist run progress", zap.String("run_id", rec.RunID), zap.Error(err))
		}
	}
	return snap, nil
}

func (s *Service) persistStatus(ctx context.Context, runID string, snap run.Snapshot) {
	if err := s.deps.Store.UpdateRunStatus(ctx, runID, snap.Status, snap.Error); err != nil {
		s.deps.Logger.Warn("failed to persist run status",
			zap.String("run_id", runID), zap.String("status", string(snap.Status)), zap.Error(err))
	}
}

// Decide submits d for the run's open checkpoint. Decisions against a
// terminal run fail with ConflictError before the executor is called.
// Concurrent decisions for one run are serialized; the loser sees the
// checkpoint already consumed.
func (s *Service) Decide(ctx context.Context, d run.Decision) (*DecisionResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Decide", trace.WithAttributes(
		attribute.String("run.id", d.RunID),
		attribute.String("checkpoint", d.Checkpoint),
		attribute.String("decision", d.Decision)))
	defer span.End()

	res, err := s.decide(ctx, d)
	if err != nil {
		s.deps.Metrics.decision("rejected")
		return nil, s.spanErr(span, err)
	}
	return res, nil
}

func (s *Service) decide(ctx context.Context, d run.Decision) (*DecisionResult, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	rec, err := s.deps.Store.GetRun(ctx, d.RunID)
	if err != nil {
		return nil, err
	}
	t := s.track(rec)
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.machine
	if _, err := s.refresh(ctx, rec, t); err != nil {
		return nil, err
	}
	if err := m.CheckDecision(d); err != nil {
		return nil, err
	}
	cp := m.Current().HITLCheckpoint

	d.Feedback = s.deps.Scrubber.Scrub(d.Feedback).Text

	var (
		adm     = pivot.Admission{Type: kindOf(d.Decision)}
		pRecord *pivot.Record
	)
	if s.deps.Pivots.IsPivot(cp) {
		pt, _ := pivot.TypeOf(cp.Checkpoint)
		local, err := s.deps.Store.PivotCount(ctx, rec.RunID, string(pt))
		if err != nil {
			return nil, err
		}
		if pRecord, err = s.deps.Pivots.Inspect(rec.RunID, cp, local); err != nil {
			return nil, err
		}
		if adm, err = s.deps.Pivots.Admit(pRecord, cp, d); err != nil {
			return nil, err
		}
	}

	remote := d
	remote.RunID = rec.ExecutorRunID
	resumed, err := s.deps.Executor.Resume(ctx, remote)
	if err != nil {
		return nil, err
	}
	if adm.Counts && resumed.NextPhase == nil {
		p := adm.ReturnPhase
		resumed.NextPhase = &p
	}
	snap := m.Resumed(*resumed, adm.Counts)

	out := &DecisionResult{Run: snap, Resumed: resumed.Resumed, Message: resumed.Message, NextPhase: resumed.NextPhase}
	s.record(ctx, rec, d, pRecord, adm, out)
	s.deps.Metrics.decision(string(adm.Type))

	logging.For(ctx, s.deps.Logger).Info("checkpoint decision accepted",
		zap.String("run_id", rec.RunID),
		zap.String("checkpoint", d.Checkpoint),
		zap.String("decision", d.Decision),
		zap.String("kind", string(adm.Type)))
	return out, nil
}

// kindOf labels non-pivot decisions for metrics.
func kindOf(decision string) pivot.Kind {
	switch decision {
	case run.DecisionOverrideProceed:
		return pivot.KindOverride
	case run.DecisionKillProject:
		return pivot.KindKill
	}
	return "approve"
}

// record writes the audit trail after the executor accepted a decision. The
// decision is already in effect, so failures here are logged only.
func (s *Service) record(ctx context.Context, rec *store.Run, d run.Decision, pRecord *pivot.Record, adm pivot.Admission, out *DecisionResult) {
	log := logging.For(ctx, s.deps.Logger).With(zap.String("run_id", rec.RunID), zap.String("checkpoint", d.Checkpoint))

	audit := &store.Decision{RunID: rec.RunID, Checkpoint: d.Checkpoint, Decision: d.Decision, Feedback: d.Feedback, DecidedBy: d.DecidedBy}
	if pRecord != nil {
		audit.PivotType = string(pRecord.Type)
		out.PivotType = string(pRecord.Type)
		out.PivotCount = pRecord.PivotCount
		out.MaxPivots = pRecord.MaxPivots
	}
	if err := s.deps.Store.InsertDecision(ctx, audit); err != nil {
		log.Warn("failed to record decision", zap.Error(err))
	}
	if adm.Counts && pRecord != nil {
		n, err := s.deps.Store.IncrementPivotCount(ctx, rec.RunID, string(pRecord.Type))
		if err != nil {
			log.Warn("failed to increment pivot count", zap.Error(err))
			n = pRecord.PivotCount + 1
		}
		out.PivotCount = max(n, pRecord.PivotCount+1)
		s.publish(ctx, events.Event{Type: events.PivotApplied, RunID: rec.RunID, ProjectID: rec.ProjectID,
			Checkpoint: d.Checkpoint, Decision: d.Decision, Phase: out.Run.CurrentPhase,
			Message: fmt.Sprintf("%d of %d pivots used", out.PivotCount, pRecord.MaxPivots)})
	}
	s.persistStatus(ctx, rec.RunID, out.Run)
	if err := s.deps.Store.UpdateRunProgress(ctx, rec.RunID, out.Run.CurrentPhase, out.Run.PhaseName, out.Run.OverallProgress); err != nil {
		log.Warn("failed to persist run progress", zap.Error(err))
	}
	s.publish(ctx, events.Event{Type: events.DecisionMade, RunID: rec.RunID, ProjectID: rec.ProjectID,
		Status: out.Run.Status, Checkpoint: d.Checkpoint, Decision: d.Decision})
}

// Wait long-polls the run until it pauses, completes or fails.
func (s *Service) Wait(ctx context.Context, runID string, onProgress poller.ProgressFunc) (*run.Snapshot, error) {
	snap, err := s.poll.Wait(ctx, runID, onProgress)
	s.deps.Metrics.wait(waitResult(snap, err))
	return snap, err
}

// Follow initiates a run and long-polls it.
func (s *Service) Follow(ctx context.Context, req initiator.Request, onProgress poller.ProgressFunc) (*run.Snapshot, error) {
	snap, err := s.poll.Follow(ctx, func(ctx context.Context) (string, error) {
		resp, err := s.Initiate(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.RunID, nil
	}, onProgress)
	s.deps.Metrics.wait(waitResult(snap, err))
	return snap, err
}

func waitResult(snap *run.Snapshot, err error) string {
	var (
		failed  *run.RunFailedError
		timeout *run.TimeoutError
	)
	switch {
	case err == nil && snap != nil:
		return string(snap.Status)
	case errors.As(err, &failed):
		return "failed"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Alternatives returns the pivot view of the run's open checkpoint.
func (s *Service) Alternatives(ctx context.Context, runID string) (*pivot.Record, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Alternatives", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	snap, err := s.Status(ctx, runID)
	if err != nil {
		return nil, s.spanErr(span, err)
	}
	cp := snap.HITLCheckpoint
	if snap.Status != run.StatusPaused || !s.deps.Pivots.IsPivot(cp) {
		return nil, s.spanErr(span, &run.ConflictError{RunID: runID, Status: snap.Status, Reason: "run is not paused at a pivot checkpoint"})
	}
	pt, _ := pivot.TypeOf(cp.Checkpoint)
	local, err := s.deps.Store.PivotCount(ctx, runID, string(pt))
	if err != nil {
		return nil, s.spanErr(span, err)
	}
	rec, err := s.deps.Pivots.Inspect(runID, cp, local)
	if err != nil {
		return nil, s.spanErr(span, err)
	}
	return rec, nil
}

// Decisions returns the audit trail of a run.
func (s *Service) Decisions(ctx context.Context, runID string) ([]*store.Decision, error) {
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.deps.Store.ListDecisions(ctx, runID)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.deps.Events.Publish(ctx, e); err != nil {
		s.deps.Logger.Warn("failed to publish run event", zap.String("type", string(e.Type)), zap.String("run_id", e.RunID), zap.Error(err))
	}
}

func (s *Service) spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
