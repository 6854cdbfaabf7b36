package secrets

import (
	"regexp"
	"sort"
)

// Scrubber redacts credentials from text.
type Scrubber interface {
	// Scrub returns text with credentials replaced and the rules that fired.
	Scrub(text string) Result
}

// Result reports one scrub. Matched values are never included.
type Result struct {
	Text  string         `json:"text"`
	Rules map[string]int `json:"rules,omitempty"`
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.Rules) > 0 }

type scrubber struct {
	placeholder string
	rules       []compiled
	allow       []*regexp.Regexp
}

type span struct{ start, end int }

// New builds a scrubber. A nil config uses DefaultConfig; a disabled config
// yields a scrubber that returns text unchanged.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return Noop{}, nil
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	return &scrubber{placeholder: placeholder, rules: rules, allow: allow}, nil
}

func (s *scrubber) Scrub(text string) Result {
	res := Result{Text: text}
	if text == "" {
		return res
	}

	var spans []span
	for _, r := range s.rules {
		if r.hint != nil && !r.hint.MatchString(text) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			if res.Rules == nil {
				res.Rules = make(map[string]int)
			}
			res.Rules[r.id]++
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(text))
	prev := 0
	for _, sp := range merged {
		out = append(out, text[prev:sp.start]...)
		out = append(out, s.placeholder...)
		prev = sp.end
	}
	out = append(out, text[prev:]...)
	res.Text = string(out)
	return res
}

func (s *scrubber) allowed(match string) bool {
	for _, a := range s.allow {
		if a.MatchString(match) {
			return true
		}
	}
	return false
}

// Noop returns text unchanged.
type Noop struct{}

// Scrub implements Scrubber.
func (Noop) Scrub(text string) Result { return Result{Text: text} }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = Noop{}
)
