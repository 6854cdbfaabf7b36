package workflows

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/store"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval = 5 * time.Minute
	reconcileBatch           = 500
)

// PendingLister lists runs the executor never accepted.
type PendingLister interface {
	ListPendingKickoffs(ctx context.Context, limit int) ([]*store.Run, error)
}

// RetryScheduler starts the retry workflow of one run.
type RetryScheduler interface {
	ScheduleKickoffRetry(ctx context.Context, runID string) error
}

// Reconciler reschedules kickoff retries for every pending run. It covers
// runs whose inline scheduling failed and runs left pending by a restart.
// Workflow ids are per run, so scheduling a run that already has a retry in
// flight is a no-op.
type Reconciler struct {
	runs      PendingLister
	scheduler RetryScheduler
	interval  time.Duration
	logger    *zap.Logger
}

// NewReconciler creates a reconciler. A non-positive interval uses
// DefaultReconcileInterval.
func NewReconciler(runs PendingLister, scheduler RetryScheduler, interval time.Duration, logger *zap.Logger) (*Reconciler, error) {
	if runs == nil {
		return nil, errors.New("store is required for kickoff reconciler")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is required for kickoff reconciler")
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{runs: runs, scheduler: scheduler, interval: interval, logger: logger}, nil
}

// Reconcile schedules a retry for each pending run and returns how many were
// scheduled. A failed schedule is logged and the pass continues.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	pending, err := r.runs.ListPendingKickoffs(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return scheduled, err
		}
		if err := r.scheduler.ScheduleKickoffRetry(ctx, rec.RunID); err != nil {
			r.logger.Warn("failed to reschedule kickoff retry",
				zap.String("run_id", rec.RunID),
				zap.Int("kickoff_attempts", rec.KickoffAttempts),
				zap.Error(err))
			continue
		}
		scheduled++
	}
	if len(pending) > 0 {
		r.logger.Info("pending kickoffs reconciled",
			zap.Int("pending", len(pending)),
			zap.Int("scheduled", scheduled))
	}
	return scheduled, nil
}

// Run reconciles once immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("kickoff reconciliation failed", zap.Error(err))
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}
