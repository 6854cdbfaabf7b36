package pivot

import "encoding/json"

// Type is a pivot archetype.
type Type string

const (
	Segment   Type = "segment"
	Value     Type = "value"
	Feature   Type = "feature"
	Strategic Type = "strategic"
)

// Checkpoint identifiers of the pivot archetypes.
const (
	CheckpointSegment   = "segment_pivot"
	CheckpointValue     = "value_pivot"
	CheckpointFeature   = "feature_pivot"
	CheckpointStrategic = "strategic_pivot"
)

// DefaultMaxPivots is the ceiling used when neither config nor the executor
// supply one.
const DefaultMaxPivots = 3

// TypeOf maps a checkpoint identifier to its pivot archetype.
func TypeOf(checkpoint string) (Type, bool) {
	switch checkpoint {
	case CheckpointSegment:
		return Segment, true
	case CheckpointValue:
		return Value, true
	case CheckpointFeature:
		return Feature, true
	case CheckpointStrategic:
		return Strategic, true
	}
	return "", false
}

// AllowsCustom reports whether checkpoint accepts a free-text alternative.
// Only segment pivots do.
func AllowsCustom(checkpoint string) bool {
	return checkpoint == CheckpointSegment
}

// SegmentAlternative is a candidate customer segment.
type SegmentAlternative struct {
	ID           string   `json:"id"`
	Segment      string   `json:"segment"`
	Description  string   `json:"description,omitempty"`
	ResonanceLow float64  `json:"resonance_low"`
	ResonanceHi  float64  `json:"resonance_high"`
	TradeOffs    []string `json:"trade_offs,omitempty"`
}

// ValueAlternative is a candidate value proposition.
type ValueAlternative struct {
	ID          string `json:"id"`
	Proposition string `json:"proposition"`
	Emphasis    string `json:"emphasis,omitempty"`
	Risk        string `json:"risk,omitempty"`
}

// FeatureDowngrade is a scope reduction for a feasibility pivot.
type FeatureDowngrade struct {
	ID                   string  `json:"id"`
	Description          string  `json:"description"`
	ValuePreservedPct    float64 `json:"value_preserved_pct"`
	TimelineReductionPct float64 `json:"timeline_reduction_pct"`
}

// Lever kinds for strategic pivots.
const (
	LeverPrice    = "price"
	LeverCost     = "cost"
	LeverCombined = "combined"
)

// StrategicLever is a unit-economics adjustment.
type StrategicLever struct {
	ID              string  `json:"id"`
	Lever           string  `json:"lever"`
	Description     string  `json:"description,omitempty"`
	ProjectedLTVCAC float64 `json:"projected_ltv_cac"`
}

// envelope is the checkpoint context shared by all pivot archetypes.
type envelope struct {
	PivotCount   int             `json:"pivot_count"`
	MaxPivots    int             `json:"max_pivots"`
	Alternatives json.RawMessage `json:"alternatives"`
	Evidence     json.RawMessage `json:"evidence,omitempty"`
}

// Record is the decoded view of a pivot checkpoint. Exactly one of the
// typed alternative slices is populated, matching Type.
type Record struct {
	RunID      string          `json:"run_id"`
	Checkpoint string          `json:"checkpoint"`
	Type       Type            `json:"pivot_type"`
	PivotCount int             `json:"pivot_count"`
	MaxPivots  int             `json:"max_pivots"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`

	Segments []SegmentAlternative `json:"segments,omitempty"`
	Values   []ValueAlternative   `json:"values,omitempty"`
	Features []FeatureDowngrade   `json:"features,omitempty"`
	Levers   []StrategicLever     `json:"levers,omitempty"`

	// AllowsCustom is set for segment pivots.
	AllowsCustom bool `json:"allows_custom"`
	// LimitReached is set once only override_proceed and kill_project remain.
	LimitReached bool `json:"limit_reached"`
}

// AlternativeIDs returns the ids of the typed alternatives in order.
func (r *Record) AlternativeIDs() []string {
	var ids []string
	for _, a := range r.Segments {
		ids = append(ids, a.ID)
	}
	for _, a := range r.Values {
		ids = append(ids, a.ID)
	}
	for _, a := range r.Features {
		ids = append(ids, a.ID)
	}
	for _, a := range r.Levers {
		ids = append(ids, a.ID)
	}
	return ids
}

func (r *Record) hasAlternative(id string) bool {
	for _, a := range r.AlternativeIDs() {
		if a == id {
			return true
		}
	}
	return false
}

// Kind classifies an admitted decision.
type Kind string

const (
	KindAlternative Kind = "alternative"
	KindCustom      Kind = "custom"
	KindOverride    Kind = "override_proceed"
	KindKill        Kind = "kill_project"
)

// Admission is the outcome of an admissible pivot decision.
type Admission struct {
	Type Kind
	// Counts is true when accepting the decision consumes one pivot.
	Counts bool
	// ReturnPhase is where the run continues after an alternative is accepted.
	ReturnPhase int
}
