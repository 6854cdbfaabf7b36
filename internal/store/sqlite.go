package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	raw_idea   TEXT NOT NULL,
	context    TEXT NOT NULL DEFAULT '',
	flow       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id           TEXT PRIMARY KEY,
	executor_run_id  TEXT,
	project_id       TEXT NOT NULL REFERENCES projects(id),
	user_id          TEXT NOT NULL DEFAULT '',
	flow             TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	current_phase    INTEGER NOT NULL DEFAULT 0,
	phase_name       TEXT NOT NULL DEFAULT '',
	overall_progress REAL NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	kickoff_error    TEXT NOT NULL DEFAULT '',
	kickoff_attempts INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pivot_counts (
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	pivot_type TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, pivot_type)
);

CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	checkpoint TEXT NOT NULL,
	decision   TEXT NOT NULL,
	feedback   TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	pivot_type TEXT NOT NULL DEFAULT '',
	decided_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_executor ON runs(executor_run_id);
CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp() int64 { return s.now().UTC().UnixNano() }

func fromStamp(n int64) time.Time { return time.Unix(0, n).UTC() }

// CreateProject inserts p, assigning an id when empty.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, raw_idea, context, flow, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.RawIdea, p.Context, p.Flow, now)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	p.CreatedAt = fromStamp(now)
	return nil
}

// GetProject loads a project.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, raw_idea, context, flow, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.RawIdea, &p.Context, &p.Flow, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CreatedAt = fromStamp(created)
	return &p, nil
}

// CreateRun inserts r.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	if r.Status == "" {
		r.Status = run.StatusPending
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, executor_run_id, project_id, user_id, flow, status, current_phase,
			phase_name, overall_progress, error, kickoff_error, kickoff_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, nullString(r.ExecutorRunID), r.ProjectID, r.UserID, r.Flow, string(r.Status), r.CurrentPhase,
		r.PhaseName, r.OverallProgress, r.Error, r.KickoffError, r.KickoffAttempts, now, now)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	r.CreatedAt = fromStamp(now)
	r.UpdatedAt = r.CreatedAt
	return nil
}

const runColumns = `run_id, executor_run_id, project_id, user_id, flow, status, current_phase, phase_name,
	overall_progress, error, kickoff_error, kickoff_attempts, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var executorID sql.NullString
	var status string
	var created, updated int64
	err := row.Scan(&r.RunID, &executorID, &r.ProjectID, &r.UserID, &r.Flow, &status, &r.CurrentPhase,
		&r.PhaseName, &r.OverallProgress, &r.Error, &r.KickoffError, &r.KickoffAttempts, &created, &updated)
	if err != nil {
		return nil, err
	}
	if executorID.Valid {
		r.ExecutorRunID = executorID.String
	}
	r.Status = run.Status(status)
	r.CreatedAt = fromStamp(created)
	r.UpdatedAt = fromStamp(updated)
	return &r, nil
}

// GetRun loads a run by its public id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunStatus sets the status and error message of a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status run.Status, errMsg string) error {
	return s.exec(ctx, "update run status",
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE run_id = ?`,
		string(status), errMsg, s.stamp(), runID)
}

// UpdateRunProgress records the latest observed phase and overall progress.
func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, phase int, phaseName string, overall float64) error {
	return s.exec(ctx, "update run progress",
		`UPDATE runs SET current_phase = ?, phase_name = ?, overall_progress = ?, updated_at = ? WHERE run_id = ?`,
		phase, phaseName, overall, s.stamp(), runID)
}

// BindExecutorRun attaches the executor's id to a run whose kickoff was
// retried and marks it running. A run that is already bound is left alone.
func (s *SQLiteStore) BindExecutorRun(ctx context.Context, runID, executorRunID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET executor_run_id = ?, status = ?, kickoff_error = '', updated_at = ?
		 WHERE run_id = ? AND executor_run_id IS NULL`,
		executorRunID, string(run.StatusRunning), s.stamp(), runID)
	if err != nil {
		return fmt.Errorf("failed to bind executor run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

// RecordKickoffFailure stores why the executor did not accept the run.
func (s *SQLiteStore) RecordKickoffFailure(ctx context.Context, runID, reason string) error {
	return s.exec(ctx, "record kickoff failure",
		`UPDATE runs SET kickoff_error = ?, kickoff_attempts = kickoff_attempts + 1, updated_at = ? WHERE run_id = ?`,
		reason, s.stamp(), runID)
}

// ListPendingKickoffs returns runs the executor never accepted, oldest first.
func (s *SQLiteStore) ListPendingKickoffs(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE executor_run_id IS NULL AND status = ? ORDER BY created_at LIMIT ?`,
		string(run.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending kickoffs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PivotCount returns how many pivots of pivotType were applied to the run.
func (s *SQLiteStore) PivotCount(ctx context.Context, runID, pivotType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM pivot_counts WHERE run_id = ? AND pivot_type = ?`, runID, pivotType).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pivot count: %w", err)
	}
	return n, nil
}

// IncrementPivotCount adds one applied pivot and returns the new count.
func (s *SQLiteStore) IncrementPivotCount(ctx context.Context, runID, pivotType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO pivot_counts (run_id, pivot_type, count) VALUES (?, ?, 1)
		 ON CONFLICT (run_id, pivot_type) DO UPDATE SET count = count + 1
		 RETURNING count`, runID, pivotType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to increment pivot count: %w", err)
	}
	return n, nil
}

// InsertDecision appends an audit record.
func (s *SQLiteStore) InsertDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, run_id, checkpoint, decision, feedback, decided_by, pivot_type, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.Checkpoint, d.Decision, d.Feedback, d.DecidedBy, d.PivotType, d.DecidedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns a run's decisions in submission order.
func (s *SQLiteStore) ListDecisions(ctx context.Context, runID string) ([]*Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, checkpoint, decision, feedback, decided_by, pivot_type, decided_at
		 FROM decisions WHERE run_id = ? ORDER BY decided_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var d Decision
		var at int64
		if err := rows.Scan(&d.ID, &d.RunID, &d.Checkpoint, &d.Decision, &d.Feedback, &d.DecidedBy, &d.PivotType, &at); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.DecidedAt = fromStamp(at)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
