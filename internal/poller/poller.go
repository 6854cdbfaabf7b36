// Package poller waits on a run by polling its status until it pauses at a
// checkpoint, completes, fails, or the attempt budget runs out.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 120
)

// StatusFunc reads one snapshot of a run.
type StatusFunc func(ctx context.Context, runID string) (*run.Snapshot, error)

// ProgressFunc observes every snapshot read while waiting.
type ProgressFunc func(run.Snapshot)

// StartFunc kicks off a run and returns its id.
type StartFunc func(ctx context.Context) (string, error)

// Config tunes the loop.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// Driver runs one wait loop per call; concurrent waits share nothing.
type Driver struct {
	status StatusFunc
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a driver. Zero config values use the defaults.
func New(status StatusFunc, cfg Config, logger *zap.Logger) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{status: status, cfg: cfg, logger: logger, now: time.Now}
}

// Config returns the effective loop configuration.
func (d *Driver) Config() Config { return d.cfg }

// Follow calls start and then waits on the run it created.
func (d *Driver) Follow(ctx context.Context, start StartFunc, onProgress ProgressFunc) (*run.Snapshot, error) {
	runID, err := start(ctx)
	if err != nil {
		return nil, err
	}
	return d.Wait(ctx, runID, onProgress)
}

// Wait sleeps one interval before every status read. It returns the
// snapshot on completed or paused, RunFailedError on failed, TimeoutError
// when MaxAttempts reads passed without either, and ctx.Err() promptly on
// cancellation. Status errors end the wait unchanged.
func (d *Driver) Wait(ctx context.Context, runID string, onProgress ProgressFunc) (*run.Snapshot, error) {
	started := d.now()
	timer := time.NewTimer(d.cfg.Interval)
	defer timer.Stop()

	var last *run.Snapshot
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		snap, err := d.status(ctx, runID)
		if err != nil {
			d.logger.Debug("status poll failed", zap.String("run_id", runID), zap.Int("attempt", attempt), zap.Error(err))
			return last, err
		}
		last = snap
		if onProgress != nil {
			onProgress(*snap)
		}

		switch snap.Status {
		case run.StatusCompleted, run.StatusPaused:
			return snap, nil
		case run.StatusFailed:
			return snap, &run.RunFailedError{RunID: runID, Message: snap.Error, Snapshot: snap}
		}
		timer.Reset(d.cfg.Interval)
	}
	return last, &run.TimeoutError{RunID: runID, Attempts: d.cfg.MaxAttempts, Elapsed: d.now().Sub(started), Last: last}
}
