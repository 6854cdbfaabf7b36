package run

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reserved decision ids accepted at any checkpoint regardless of its options.
const (
	DecisionOverrideProceed = "override_proceed"
	DecisionKillProject     = "kill_project"
)

// IsReservedDecision reports whether id is an override or kill action.
func IsReservedDecision(id string) bool {
	return id == DecisionOverrideProceed || id == DecisionKillProject
}

// Progress is the executor's view of progress inside the current phase.
type Progress struct {
	ProgressPct  float64 `json:"progress_pct"`
	CurrentAgent string  `json:"current_agent,omitempty"`
	CurrentTask  string  `json:"current_task,omitempty"`
}

// Option is one selectable answer at a checkpoint.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Checkpoint is a pause point created by the executor. Context is an opaque
// envelope whose shape is discriminated by the Checkpoint identifier.
type Checkpoint struct {
	Checkpoint  string          `json:"checkpoint"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Options     []Option        `json:"options"`
	Recommended string          `json:"recommended,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// HasOption reports whether id matches one of the checkpoint's options.
func (c *Checkpoint) HasOption(id string) bool {
	for _, o := range c.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a checkpoint: an identifier, at
// least one option, and a recommendation that names an existing option.
func (c *Checkpoint) Validate() error {
	if c.Checkpoint == "" {
		return &ProtocolError{Reason: "checkpoint identifier is empty"}
	}
	if len(c.Options) == 0 {
		return &ProtocolError{Reason: "checkpoint " + c.Checkpoint + " has no options"}
	}
	if c.Recommended != "" && !c.HasOption(c.Recommended) {
		return &ProtocolError{Reason: "checkpoint " + c.Checkpoint + " recommends unknown option " + c.Recommended}
	}
	return nil
}

// DecodeContext unmarshals the checkpoint context envelope into v.
func (c *Checkpoint) DecodeContext(v interface{}) error {
	if len(c.Context) == 0 {
		return &ProtocolError{Reason: "checkpoint " + c.Checkpoint + " has no context"}
	}
	if err := json.Unmarshal(c.Context, v); err != nil {
		return &ProtocolError{Reason: "checkpoint " + c.Checkpoint + " context is malformed", Err: err}
	}
	return nil
}

// Snapshot is one observation of a run as reported by the executor, annotated
// locally with OverallProgress.
type Snapshot struct {
	RunID           string          `json:"run_id"`
	Flow            string          `json:"flow,omitempty"`
	Status          Status          `json:"status"`
	CurrentPhase    int             `json:"current_phase"`
	PhaseName       string          `json:"phase_name,omitempty"`
	Progress        Progress        `json:"progress"`
	OverallProgress float64         `json:"overall_progress"`
	Outputs         json.RawMessage `json:"outputs,omitempty"`
	Error           string          `json:"error,omitempty"`
	HITLCheckpoint  *Checkpoint     `json:"hitl_checkpoint,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// Decision is a caller's answer to a checkpoint. It is immutable once submitted.
type Decision struct {
	RunID      string    `json:"run_id"`
	Checkpoint string    `json:"checkpoint"`
	Decision   string    `json:"decision"`
	Feedback   string    `json:"feedback,omitempty"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	DecidedAt  time.Time `json:"decided_at,omitempty"`
}

// Validate checks the fields every decision must carry.
func (d *Decision) Validate() error {
	if d.RunID == "" {
		return &ValidationError{Field: "run_id", Reason: "is required"}
	}
	if d.Checkpoint == "" {
		return &ValidationError{Field: "checkpoint", Reason: "is required"}
	}
	if d.Decision == "" {
		return &ValidationError{Field: "decision", Reason: "is required"}
	}
	return nil
}

// ResumeResult is the executor's acknowledgement of an accepted decision.
type ResumeResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Resumed   bool   `json:"resumed"`
	NextPhase *int   `json:"next_phase,omitempty"`
}
