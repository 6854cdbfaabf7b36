// Package phase holds the weighted phase tables of the validation pipeline
// and converts an executor snapshot into overall completion.
package phase

import (
	"fmt"
	"sort"
)

// Flow selects a phase table at run creation.
type Flow string

const (
	FlowQuickStart Flow = "quick_start"
	FlowLegacy     Flow = "legacy"
)

// Phase is one named step of the pipeline.
type Phase struct {
	Number int     `json:"number" koanf:"number"`
	Name   string  `json:"name" koanf:"name"`
	Weight float64 `json:"weight" koanf:"weight"`
}

// Table is an ordered list of phases whose weights sum to 100.
type Table struct {
	Flow   Flow    `json:"flow"`
	Phases []Phase `json:"phases"`
}

// NewTable builds a table, ordering phases by number and validating weights.
func NewTable(flow Flow, phases []Phase) (*Table, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("phase table %s has no phases", flow)
	}
	ps := append([]Phase(nil), phases...)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Number < ps[j].Number })

	total := 0.0
	for i, p := range ps {
		if p.Weight < 0 {
			return nil, fmt.Errorf("phase %d of %s has negative weight", p.Number, flow)
		}
		if i > 0 && ps[i-1].Number == p.Number {
			return nil, fmt.Errorf("phase %d of %s is defined twice", p.Number, flow)
		}
		total += p.Weight
	}
	if total < 99.999 || total > 100.001 {
		return nil, fmt.Errorf("phase weights of %s sum to %.2f, want 100", flow, total)
	}
	return &Table{Flow: flow, Phases: ps}, nil
}

// Lookup returns the phase numbered n.
func (t *Table) Lookup(n int) (Phase, bool) {
	for _, p := range t.Phases {
		if p.Number == n {
			return p, true
		}
	}
	return Phase{}, false
}

// Name returns the display name of phase n, or "" if unknown.
func (t *Table) Name(n int) string {
	p, _ := t.Lookup(n)
	return p.Name
}

// First returns the lowest phase number.
func (t *Table) First() int { return t.Phases[0].Number }

// OverallProgress sums the weights of phases before currentPhase plus the
// completed fraction of the current phase, capped at 100. A phase number
// outside the table contributes nothing for itself. The function is pure.
func (t *Table) OverallProgress(currentPhase int, phasePct float64) float64 {
	if phasePct < 0 {
		phasePct = 0
	} else if phasePct > 100 {
		phasePct = 100
	}
	total := 0.0
	for _, p := range t.Phases {
		switch {
		case p.Number < currentPhase:
			total += p.Weight
		case p.Number == currentPhase:
			total += p.Weight * phasePct / 100
		}
	}
	if total > 100 {
		return 100
	}
	return total
}

// Tables is the set of phase tables keyed by flow.
type Tables struct {
	byFlow      map[Flow]*Table
	defaultFlow Flow
}

// NewTables indexes tables by flow. defaultFlow must be one of them.
func NewTables(defaultFlow Flow, tables ...*Table) (*Tables, error) {
	ts := &Tables{byFlow: make(map[Flow]*Table, len(tables)), defaultFlow: defaultFlow}
	for _, t := range tables {
		ts.byFlow[t.Flow] = t
	}
	if _, ok := ts.byFlow[defaultFlow]; !ok {
		return nil, fmt.Errorf("default flow %q has no phase table", defaultFlow)
	}
	return ts, nil
}

// ForFlow returns the table for f, falling back to the default flow when f
// is empty or unknown.
func (ts *Tables) ForFlow(f Flow) *Table {
	if t, ok := ts.byFlow[f]; ok {
		return t
	}
	return ts.byFlow[ts.defaultFlow]
}

// Has reports whether f has a table.
func (ts *Tables) Has(f Flow) bool {
	_, ok := ts.byFlow[f]
	return ok
}

// Default returns the default flow.
func (ts *Tables) Default() Flow { return ts.defaultFlow }

// QuickStart is the four-phase table used by new runs.
func QuickStart() *Table {
	return &Table{Flow: FlowQuickStart, Phases: []Phase{
		{Number: 1, Name: "VPC Discovery", Weight: 25},
		{Number: 2, Name: "Desirability", Weight: 30},
		{Number: 3, Name: "Feasibility", Weight: 25},
		{Number: 4, Name: "Viability", Weight: 20},
	}}
}

// Legacy is the five-phase table with the onboarding phase.
func Legacy() *Table {
	return &Table{Flow: FlowLegacy, Phases: []Phase{
		{Number: 0, Name: "Onboarding", Weight: 15},
		{Number: 1, Name: "VPC Discovery", Weight: 20},
		{Number: 2, Name: "Desirability", Weight: 25},
		{Number: 3, Name: "Feasibility", Weight: 20},
		{Number: 4, Name: "Viability", Weight: 20},
	}}
}

// Defaults returns both built-in tables with quick_start as the default.
func Defaults() *Tables {
	ts, _ := NewTables(FlowQuickStart, QuickStart(), Legacy())
	return ts
}

// Well-known phase numbers shared by both tables.
const (
	Desirability = 2
	Feasibility  = 3
	Viability    = 4
)
