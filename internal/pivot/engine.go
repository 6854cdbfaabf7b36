// Package pivot specializes checkpoint handling for the four pivot
// archetypes: typed alternatives, evidence, and the pivot ceiling.
package pivot

import (
	"encoding/json"

	"github.com/fyrsmithlabs/validationd/internal/phase"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

// ReturnPhase is where a run continues after a pivot of type t is accepted.
// Segment, value and feature pivots retest desirability; strategic pivots
// continue in viability.
func ReturnPhase(t Type) int {
	if t == Strategic {
		return phase.Viability
	}
	return phase.Desirability
}

// Engine inspects pivot checkpoints and enforces the pivot ceiling.
type Engine struct {
	maxPivots int
}

// NewEngine creates an engine. A non-positive maxPivots uses DefaultMaxPivots.
func NewEngine(maxPivots int) *Engine {
	if maxPivots <= 0 {
		maxPivots = DefaultMaxPivots
	}
	return &Engine{maxPivots: maxPivots}
}

// MaxPivots returns the configured ceiling.
func (e *Engine) MaxPivots() int { return e.maxPivots }

// IsPivot reports whether cp is a pivot checkpoint.
func (e *Engine) IsPivot(cp *run.Checkpoint) bool {
	if cp == nil {
		return false
	}
	_, ok := TypeOf(cp.Checkpoint)
	return ok
}

// Inspect decodes a pivot checkpoint. localCount is the number of pivots of
// this type already applied according to local records; the effective count
// is the larger of it and the executor's.
func (e *Engine) Inspect(runID string, cp *run.Checkpoint, localCount int) (*Record, error) {
	t, ok := TypeOf(cp.Checkpoint)
	if !ok {
		return nil, &run.ValidationError{Field: "checkpoint", Reason: cp.Checkpoint + " is not a pivot checkpoint"}
	}

	var env envelope
	if len(cp.Context) > 0 {
		if err := cp.DecodeContext(&env); err != nil {
			return nil, err
		}
	}

	rec := &Record{
		RunID:        runID,
		Checkpoint:   cp.Checkpoint,
		Type:         t,
		PivotCount:   max(env.PivotCount, localCount),
		MaxPivots:    e.ceiling(env.MaxPivots),
		Evidence:     env.Evidence,
		AllowsCustom: AllowsCustom(cp.Checkpoint),
	}

	if len(env.Alternatives) > 0 && string(env.Alternatives) != "null" {
		var err error
		switch t {
		case Segment:
			err = json.Unmarshal(env.Alternatives, &rec.Segments)
		case Value:
			err = json.Unmarshal(env.Alternatives, &rec.Values)
		case Feature:
			err = json.Unmarshal(env.Alternatives, &rec.Features)
		case Strategic:
			err = json.Unmarshal(env.Alternatives, &rec.Levers)
			if err == nil {
				err = validateLevers(rec.Levers)
			}
		}
		if err != nil {
			if _, isProto := err.(*run.ProtocolError); isProto {
				return nil, err
			}
			return nil, &run.ProtocolError{Reason: cp.Checkpoint + " alternatives are malformed", Err: err}
		}
	}

	rec.LimitReached = rec.PivotCount >= rec.MaxPivots
	return rec, nil
}

// ceiling picks the stricter of the configured and executor-reported limits.
func (e *Engine) ceiling(remote int) int {
	if remote > 0 && remote < e.maxPivots {
		return remote
	}
	return e.maxPivots
}

func validateLevers(levers []StrategicLever) error {
	for _, l := range levers {
		switch l.Lever {
		case LeverPrice, LeverCost, LeverCombined:
		default:
			return &run.ProtocolError{Reason: "strategic lever " + l.ID + " has unknown kind " + l.Lever}
		}
	}
	return nil
}

// Admit decides whether d is admissible for rec. Reserved decisions are
// always admissible. Alternatives, including a segment custom alternative,
// are rejected with LimitExceededError once the ceiling is reached. Admit
// never changes rec; the caller increments the count after a successful
// resume.
func (e *Engine) Admit(rec *Record, cp *run.Checkpoint, d run.Decision) (Admission, error) {
	switch d.Decision {
	case run.DecisionOverrideProceed:
		return Admission{Type: KindOverride}, nil
	case run.DecisionKillProject:
		return Admission{Type: KindKill}, nil
	}

	kind := KindAlternative
	switch {
	case d.Decision == run.DecisionCustom:
		if !rec.AllowsCustom {
			return Admission{}, &run.ValidationError{Field: "decision", Reason: "custom alternatives are only accepted for segment pivots"}
		}
		if d.Feedback == "" {
			return Admission{}, &run.ValidationError{Field: "feedback", Reason: "custom decision requires free text"}
		}
		kind = KindCustom
	case rec.hasAlternative(d.Decision), cp != nil && cp.HasOption(d.Decision):
	default:
		return Admission{}, &run.ValidationError{Field: "decision", Reason: d.Decision + " is not an alternative of " + rec.Checkpoint}
	}

	if rec.PivotCount >= rec.MaxPivots {
		return Admission{}, &run.LimitExceededError{
			RunID:      rec.RunID,
			PivotType:  string(rec.Type),
			PivotCount: rec.PivotCount,
			MaxPivots:  rec.MaxPivots,
		}
	}
	return Admission{Type: kind, Counts: true, ReturnPhase: ReturnPhase(rec.Type)}, nil
}
