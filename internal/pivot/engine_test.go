package pivot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

func segmentCheckpoint(count int) *run.Checkpoint {
	ctx, _ := json.Marshal(map[string]any{
		"pivot_count": count,
		"max_pivots":  3,
		"alternatives": []SegmentAlternative{
			{ID: "seg_smb", Segment: "Small clinics", ResonanceLow: 0.4, ResonanceHi: 0.6, TradeOffs: []string{"lower ACV"}},
			{ID: "seg_ent", Segment: "Hospital networks", ResonanceLow: 0.2, ResonanceHi: 0.5},
		},
		"evidence": map[string]any{"interviews": 12, "resonance": 0.18},
	})
	return &run.Checkpoint{
		Checkpoint: CheckpointSegment,
		Title:      "Segment pivot",
		Options: []run.Option{
			{ID: "seg_smb", Label: "Small clinics"},
			{ID: "seg_ent", Label: "Hospital networks"},
			{ID: run.DecisionOverrideProceed, Label: "Proceed anyway"},
		},
		Recommended: "seg_smb",
		Context:     ctx,
	}
}

func TestInspect_Segment(t *testing.T) {
	e := NewEngine(3)
	rec, err := e.Inspect("r1", segmentCheckpoint(1), 0)
	require.NoError(t, err)

	assert.Equal(t, Segment, rec.Type)
	assert.Equal(t, 1, rec.PivotCount)
	assert.Equal(t, 3, rec.MaxPivots)
	assert.True(t, rec.AllowsCustom)
	assert.False(t, rec.LimitReached)
	require.Len(t, rec.Segments, 2)
	assert.Equal(t, []string{"seg_smb", "seg_ent"}, rec.AlternativeIDs())
	assert.JSONEq(t, `{"interviews":12,"resonance":0.18}`, string(rec.Evidence))
}

func TestInspect_LocalCountWins(t *testing.T) {
	rec, err := NewEngine(3).Inspect("r1", segmentCheckpoint(0), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.PivotCount)
	assert.True(t, rec.LimitReached)
}

func TestInspect_TypedAlternatives(t *testing.T) {
	tests := []struct {
		checkpoint string
		alts       any
		check      func(t *testing.T, r *Record)
	}{
		{CheckpointValue, []ValueAlternative{{ID: "v1", Proposition: "Faster audits", Emphasis: "speed", Risk: "commodity"}},
			func(t *testing.T, r *Record) {
				require.Len(t, r.Values, 1)
				assert.Equal(t, "speed", r.Values[0].Emphasis)
			}},
		{CheckpointFeature, []FeatureDowngrade{{ID: "f1", Description: "Drop SSO", ValuePreservedPct: 85, TimelineReductionPct: 30}},
			func(t *testing.T, r *Record) {
				require.Len(t, r.Features, 1)
				assert.Equal(t, 85.0, r.Features[0].ValuePreservedPct)
			}},
		{CheckpointStrategic, []StrategicLever{{ID: "s1", Lever: LeverPrice, ProjectedLTVCAC: 3.2}},
			func(t *testing.T, r *Record) {
				require.Len(t, r.Levers, 1)
				assert.Equal(t, 3.2, r.Levers[0].ProjectedLTVCAC)
			}},
	}
	for _, tt := range tests {
		t.Run(tt.checkpoint, func(t *testing.T) {
			ctx, _ := json.Marshal(map[string]any{"pivot_count": 0, "alternatives": tt.alts})
			rec, err := NewEngine(0).Inspect("r1", &run.Checkpoint{
				Checkpoint: tt.checkpoint,
				Options:    []run.Option{{ID: "x"}},
				Context:    ctx,
			}, 0)
			require.NoError(t, err)
			assert.False(t, rec.AllowsCustom)
			assert.Equal(t, DefaultMaxPivots, rec.MaxPivots)
			tt.check(t, rec)
		})
	}
}

func TestInspect_Malformed(t *testing.T) {
	e := NewEngine(3)
	var perr *run.ProtocolError

	_, err := e.Inspect("r1", &run.Checkpoint{Checkpoint: CheckpointStrategic, Context: json.RawMessage(`{"alternatives":[{"id":"s1","lever":"magic"}]}`)}, 0)
	require.ErrorAs(t, err, &perr)

	_, err = e.Inspect("r1", &run.Checkpoint{Checkpoint: CheckpointValue, Context: json.RawMessage(`{"alternatives":"nope"}`)}, 0)
	require.ErrorAs(t, err, &perr)

	var verr *run.ValidationError
	_, err = e.Inspect("r1", &run.Checkpoint{Checkpoint: "approve_brief"}, 0)
	require.ErrorAs(t, err, &verr)
}

func TestAdmit_BelowLimit(t *testing.T) {
	e := NewEngine(3)
	cp := segmentCheckpoint(2)
	rec, err := e.Inspect("r1", cp, 0)
	require.NoError(t, err)

	adm, err := e.Admit(rec, cp, run.Decision{Decision: "seg_smb"})
	require.NoError(t, err)
	assert.True(t, adm.Counts)
	assert.Equal(t, KindAlternative, adm.Type)
	assert.Equal(t, 2, adm.ReturnPhase)

	adm, err = e.Admit(rec, cp, run.Decision{Decision: run.DecisionCustom, Feedback: "Veterinary practices"})
	require.NoError(t, err)
	assert.Equal(t, KindCustom, adm.Type)
	assert.True(t, adm.Counts)

	_, err = e.Admit(rec, cp, run.Decision{Decision: run.DecisionCustom})
	var verr *run.ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Equal(t, 2, rec.PivotCount, "admission never mutates the count")
}

func TestAdmit_AtLimit(t *testing.T) {
	e := NewEngine(3)
	cp := segmentCheckpoint(3)
	rec, err := e.Inspect("r1", cp, 0)
	require.NoError(t, err)

	for _, d := range []string{"seg_smb", run.DecisionCustom} {
		_, err = e.Admit(rec, cp, run.Decision{Decision: d, Feedback: "x"})
		var lerr *run.LimitExceededError
		require.ErrorAs(t, err, &lerr, d)
		assert.Equal(t, 3, lerr.PivotCount)
		assert.False(t, run.IsRetryable(err))
	}
	assert.Equal(t, 3, rec.PivotCount)

	adm, err := e.Admit(rec, cp, run.Decision{Decision: run.DecisionOverrideProceed})
	require.NoError(t, err)
	assert.False(t, adm.Counts)

	adm, err = e.Admit(rec, cp, run.Decision{Decision: run.DecisionKillProject})
	require.NoError(t, err)
	assert.Equal(t, KindKill, adm.Type)
}

func TestAdmit_CustomOnlyForSegment(t *testing.T) {
	e := NewEngine(3)
	cp := &run.Checkpoint{Checkpoint: CheckpointValue, Options: []run.Option{{ID: "v1"}}}
	rec, err := e.Inspect("r1", cp, 0)
	require.NoError(t, err)

	_, err = e.Admit(rec, cp, run.Decision{Decision: run.DecisionCustom, Feedback: "x"})
	var verr *run.ValidationError
	require.ErrorAs(t, err, &verr)

	adm, err := e.Admit(rec, cp, run.Decision{Decision: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 2, adm.ReturnPhase)
}

func TestReturnPhase(t *testing.T) {
	assert.Equal(t, 2, ReturnPhase(Segment))
	assert.Equal(t, 2, ReturnPhase(Value))
	assert.Equal(t, 2, ReturnPhase(Feature))
	assert.Equal(t, 4, ReturnPhase(Strategic))
}
