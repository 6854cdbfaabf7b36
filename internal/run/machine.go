package run

import (
	"encoding/json"
	"math"
	"sync"
	"time"
)

// DecisionCustom is the free-text alternative id. Checkpoints accept it only
// when the Machine's AllowCustom hook says so; the text travels in Feedback.
const DecisionCustom = "custom"

// failedWithoutDetail replaces an empty error on failed snapshots.
const failedWithoutDetail = "run failed without error detail"

// ProgressModel converts a phase number and in-phase percentage into overall
// completion. phase.Table implements it.
type ProgressModel interface {
	OverallProgress(currentPhase int, phasePct float64) float64
}

// Machine tracks the observed lifecycle of one run and decides which
// snapshots and decisions are admissible. It is safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	runID     string
	progress  ProgressModel
	current   *Snapshot
	terminal  bool
	highWater float64
	now       func() time.Time

	// gen counts accepted resumes. A snapshot read before a resume describes
	// the consumed checkpoint and must not be admitted after it.
	gen uint64

	// AllowCustom reports whether a checkpoint accepts DecisionCustom.
	AllowCustom func(checkpoint string) bool
}

// NewMachine creates a machine for runID starting in pending.
func NewMachine(runID string, progress ProgressModel) *Machine {
	return &Machine{
		runID:    runID,
		progress: progress,
		current:  &Snapshot{RunID: runID, Status: StatusPending},
		now:      time.Now,
	}
}

// RunID returns the run the machine tracks.
func (m *Machine) RunID() string { return m.runID }

// Current returns a copy of the last admitted snapshot.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.current
}

// Terminal reports whether a completed or failed snapshot has been observed.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// Generation returns the number of resumes recorded so far. Callers read it
// before fetching a snapshot and pass it to ObserveAt.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// ObserveAt is Observe for a snapshot fetched when the machine was at
// generation gen. If a resume was recorded since, the snapshot is stale and
// the current state is returned unchanged.
func (m *Machine) ObserveAt(gen uint64, s Snapshot) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return *m.current, nil
	}
	return m.observe(s)
}

// Observe admits a status snapshot. Once a terminal snapshot has been
// observed every later call returns that snapshot unchanged. Otherwise the
// snapshot is normalized, annotated with overall progress, and stored.
// Overall progress never decreases between observations unless a pivot
// reset it through Resumed.
func (m *Machine) Observe(s Snapshot) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observe(s)
}

func (m *Machine) observe(s Snapshot) (Snapshot, error) {
	if m.terminal {
		return *m.current, nil
	}
	if s.RunID == "" {
		s.RunID = m.runID
	}
	if s.RunID != m.runID {
		return Snapshot{}, &ProtocolError{Reason: "status for run " + s.RunID + " returned while polling " + m.runID}
	}
	if err := normalize(&s); err != nil {
		return Snapshot{}, err
	}

	overall := 0.0
	if m.progress != nil {
		overall = m.progress.OverallProgress(s.CurrentPhase, s.Progress.ProgressPct)
	}
	switch {
	case s.Status == StatusCompleted:
		overall = 100
	case overall < m.highWater:
		overall = m.highWater
	}
	m.highWater = overall
	s.OverallProgress = overall
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now()
	}

	m.current = &s
	m.terminal = s.Status.Terminal()
	return s, nil
}

func normalize(s *Snapshot) error {
	if !s.Status.Valid() {
		return &ProtocolError{Reason: "unknown run status " + string(s.Status)}
	}
	if s.HITLCheckpoint != nil && !s.Status.Terminal() {
		s.Status = StatusPaused
	}
	if s.Status == StatusPaused {
		if s.HITLCheckpoint == nil {
			return &ProtocolError{Reason: "run " + s.RunID + " is paused without a checkpoint"}
		}
		if err := s.HITLCheckpoint.Validate(); err != nil {
			return err
		}
	} else {
		s.HITLCheckpoint = nil
	}
	switch s.Status {
	case StatusFailed:
		if s.Error == "" {
			s.Error = failedWithoutDetail
		}
		s.Outputs = nil
	case StatusCompleted:
		if len(s.Outputs) == 0 || string(s.Outputs) == "null" {
			s.Outputs = json.RawMessage(`{}`)
		}
		s.Error = ""
	default:
		s.Outputs = nil
		s.Error = ""
	}
	s.Progress.ProgressPct = clamp(s.Progress.ProgressPct)
	return nil
}

// CheckDecision validates d against the current state without changing it.
// Terminal runs and checkpoint mismatches yield ConflictError; unknown
// option ids yield ValidationError.
func (m *Machine) CheckDecision(d Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current
	if m.terminal {
		return &ConflictError{RunID: m.runID, Status: cur.Status, Reason: "run is terminal and accepts no decisions"}
	}
	if cur.Status != StatusPaused || cur.HITLCheckpoint == nil {
		return &ConflictError{RunID: m.runID, Status: cur.Status, Reason: "run is not paused at a checkpoint"}
	}
	cp := cur.HITLCheckpoint
	if cp.Checkpoint != d.Checkpoint {
		return &ConflictError{RunID: m.runID, Status: cur.Status,
			Reason: "decision targets checkpoint " + d.Checkpoint + " but run is paused at " + cp.Checkpoint}
	}
	switch {
	case IsReservedDecision(d.Decision), cp.HasOption(d.Decision):
		return nil
	case d.Decision == DecisionCustom && m.AllowCustom != nil && m.AllowCustom(cp.Checkpoint):
		if d.Feedback == "" {
			return &ValidationError{Field: "feedback", Reason: "custom decision requires free text"}
		}
		return nil
	}
	return &ValidationError{Field: "decision", Reason: d.Decision + " is not an option of checkpoint " + cp.Checkpoint}
}

// Resumed records an accepted resume: the run returns to running and the
// checkpoint is consumed. When resetProgress is set the progress high-water
// mark is cleared so a pivot that rewinds the phase is reported faithfully.
func (m *Machine) Resumed(res ResumeResult, resetProgress bool) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminal {
		return *m.current
	}
	next := *m.current
	next.Status = StatusRunning
	next.HITLCheckpoint = nil
	if res.NextPhase != nil {
		next.CurrentPhase = *res.NextPhase
		next.PhaseName = ""
		next.Progress = Progress{}
	}
	if resetProgress {
		m.highWater = 0
		if m.progress != nil {
			next.OverallProgress = m.progress.OverallProgress(next.CurrentPhase, next.Progress.ProgressPct)
		}
		m.highWater = next.OverallProgress
	}
	next.UpdatedAt = m.now()
	m.current = &next
	m.gen++
	return next
}

func clamp(pct float64) float64 {
	if math.IsNaN(pct) || pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
