package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/events"
	"github.com/fyrsmithlabs/validationd/internal/executor"
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/store"
)

// Activities holds the dependencies of the kickoff retry activities.
// Register it with a worker as a struct so its methods become activities.
type Activities struct {
	Store    store.Store
	Executor executor.JobControl
	Events   events.Publisher
	Logger   *zap.Logger
}

// NewActivities validates deps.
func NewActivities(st store.Store, exec executor.JobControl, pub events.Publisher, logger *zap.Logger) (*Activities, error) {
	if st == nil {
		return nil, errors.New("store is required for kickoff activities")
	}
	if exec == nil {
		return nil, errors.New("executor is required for kickoff activities")
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{Store: st, Executor: exec, Events: pub, Logger: logger}, nil
}

// RetryKickoff makes one start attempt for a pending run. A run that is
// already bound is reported as such without calling the executor, so a
// retried activity never starts the run twice.
func (a *Activities) RetryKickoff(ctx context.Context, runID string) (binding *KickoffBinding, err error) {
	start := time.Now()
	defer func() { recordActivity(ctx, "retry_kickoff", start, err) }()

	rec, err := a.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, classify("failed to load run", err)
	}
	if !rec.KickoffPending() {
		recordKickoffAttempt(ctx, "already_bound")
		return &KickoffBinding{ExecutorRunID: rec.ExecutorRunID, AlreadyBound: true}, nil
	}
	if rec.Status != run.StatusPending {
		return nil, classify("failed to retry kickoff", &run.ValidationError{Field: "run_id", Reason: "run " + runID + " is " + string(rec.Status)})
	}
	project, err := a.Store.GetProject(ctx, rec.ProjectID)
	if err != nil {
		return nil, classify("failed to load project", err)
	}

	resp, err := a.Executor.Start(ctx, executor.StartInput{
		ProjectID: project.ID,
		UserID:    project.UserID,
		RawIdea:   project.RawIdea,
		Context:   project.Context,
		Flow:      project.Flow,
	})
	if err != nil {
		recordKickoffAttempt(ctx, "failed")
		if rerr := a.Store.RecordKickoffFailure(ctx, runID, err.Error()); rerr != nil {
			a.Logger.Warn("failed to record kickoff failure", zap.String("run_id", runID), zap.Error(rerr))
		}
		return nil, classify("failed to start run", err)
	}

	if err := a.Store.BindExecutorRun(ctx, runID, resp.RunID); err != nil {
		return nil, WrapActivityError("failed to bind executor run", err)
	}
	recordKickoffAttempt(ctx, "bound")
	a.Logger.Info("deferred kickoff accepted",
		zap.String("run_id", runID),
		zap.String("executor_run_id", resp.RunID),
		zap.Int("previous_attempts", rec.KickoffAttempts))
	a.publish(ctx, events.Event{
		Type:      events.KickoffRetried,
		RunID:     runID,
		ProjectID: rec.ProjectID,
		Status:    run.StatusRunning,
		Phase:     rec.CurrentPhase,
		Message:   fmt.Sprintf("executor accepted run as %s", resp.RunID),
	})
	return &KickoffBinding{ExecutorRunID: resp.RunID}, nil
}

// MarkKickoffFailed moves a run that never reached the executor to failed.
func (a *Activities) MarkKickoffFailed(ctx context.Context, input MarkFailedInput) (err error) {
	start := time.Now()
	defer func() { recordActivity(ctx, "mark_kickoff_failed", start, err) }()

	rec, err := a.Store.GetRun(ctx, input.RunID)
	if err != nil {
		return classify("failed to load run", err)
	}
	if !rec.KickoffPending() {
		return nil
	}
	msg := "executor did not accept the run: " + input.Reason
	if err := a.Store.UpdateRunStatus(ctx, input.RunID, run.StatusFailed, msg); err != nil {
		return WrapActivityError("failed to mark run failed", err)
	}
	recordKickoffAttempt(ctx, "abandoned")
	a.publish(ctx, events.Event{
		Type:      events.StatusChanged,
		RunID:     input.RunID,
		ProjectID: rec.ProjectID,
		Status:    run.StatusFailed,
		Message:   msg,
	})
	return nil
}

func (a *Activities) publish(ctx context.Context, e events.Event) {
	if err := a.Events.Publish(ctx, e); err != nil {
		a.Logger.Warn("failed to publish run event", zap.String("type", string(e.Type)), zap.String("run_id", e.RunID), zap.Error(err))
	}
}
