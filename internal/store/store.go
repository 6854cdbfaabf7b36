// Package store persists projects, runs, pivot counts and decisions.
//
// The project and run writes of an initiation are separate statements with
// no enclosing transaction: a project may exist whose run never started.
package store

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = run.ErrNotFound

// Project is a submitted business idea.
type Project struct {
	ID        string
	UserID    string
	RawIdea   string
	Context   string
	Flow      string
	CreatedAt time.Time
}

// Run is the local record of a validation run. RunID is the identifier
// handed to callers; ExecutorRunID is the executor's id once kickoff
// succeeded. They are equal for runs started on the first attempt.
type Run struct {
	RunID           string
	ExecutorRunID   string
	ProjectID       string
	UserID          string
	Flow            string
	Status          run.Status
	CurrentPhase    int
	PhaseName       string
	OverallProgress float64
	Error           string
	KickoffError    string
	KickoffAttempts int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// KickoffPending reports whether the executor never accepted the run.
func (r *Run) KickoffPending() bool {
	return r.ExecutorRunID == ""
}

// Decision is an immutable audit record of a submitted decision.
type Decision struct {
	ID         string
	RunID      string
	Checkpoint string
	Decision   string
	Feedback   string
	DecidedBy  string
	PivotType  string
	DecidedAt  time.Time
}

// Store is the persistence boundary of the orchestrator.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status run.Status, errMsg string) error
	UpdateRunProgress(ctx context.Context, runID string, phase int, phaseName string, overall float64) error
	BindExecutorRun(ctx context.Context, runID, executorRunID string) error
	RecordKickoffFailure(ctx context.Context, runID, reason string) error
	ListPendingKickoffs(ctx context.Context, limit int) ([]*Run, error)

	PivotCount(ctx context.Context, runID, pivotType string) (int, error)
	IncrementPivotCount(ctx context.Context, runID, pivotType string) (int, error)

	InsertDecision(ctx context.Context, d *Decision) error
	ListDecisions(ctx context.Context, runID string) ([]*Decision, error)

	Close() error
}
