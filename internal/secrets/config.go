// Package secrets redacts credentials that users paste into free-text
// submissions (business ideas, context notes, decision feedback) before the
// text is stored or forwarded to the executor.
package secrets

import (
	"fmt"
	"regexp"
)

// Config configures the redactor.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Placeholder replaces each redacted span (default "[REDACTED]").
	Placeholder string `koanf:"placeholder"`

	// Rules are matched in order; overlapping matches collapse into one span.
	Rules []Rule `koanf:"rules"`

	// Allow lists patterns that are never redacted, e.g. documented sample keys.
	Allow []string `koanf:"allow"`
}

// Rule is one credential pattern.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Hint is a case-insensitive word that must appear somewhere in the
	// text for the rule to run. Self-identifying prefixes leave it empty.
	Hint string `koanf:"hint"`
}

type compiled struct {
	id      string
	pattern *regexp.Regexp
	hint    *regexp.Regexp
}

// DefaultConfig enables the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Placeholder: "[REDACTED]",
		Rules:       DefaultRules(),
	}
}

func (c *Config) compile() ([]compiled, []*regexp.Regexp, error) {
	rules := make([]compiled, 0, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("secret rule %d: id is required", i)
		}
		p, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("secret rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiled{id: r.ID, pattern: p}
		if r.Hint != "" {
			cr.hint = regexp.MustCompile("(?i)" + regexp.QuoteMeta(r.Hint))
		}
		rules = append(rules, cr)
	}
	allow := make([]*regexp.Regexp, 0, len(c.Allow))
	for i, a := range c.Allow {
		p, err := regexp.Compile(a)
		if err != nil {
			return nil, nil, fmt.Errorf("secret allow pattern %d: %w", i, err)
		}
		allow = append(allow, p)
	}
	return rules, allow, nil
}

// DefaultRules covers credentials founders commonly paste alongside an idea:
// payment and cloud keys, tokens, connection strings and private keys.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY(?: BLOCK)?-----|$)`},
		{ID: "stripe-key", Pattern: `(?:sk|rk|pk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "aws-access-key-id", Pattern: `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`},
		{ID: "github-token", Pattern: `\b(?:gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})\b`},
		{ID: "slack-token", Pattern: `xox[abprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "openai-key", Pattern: `\bsk-(?:proj-)?[A-Za-z0-9_\-]{40,}`},
		{ID: "google-api-key", Pattern: `AIza[A-Za-z0-9_\-]{35}`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`},
		{ID: "connection-string", Pattern: `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?)://[^\s:/@]+:[^\s@]+@[^\s]+`},
		{ID: "bearer-token", Pattern: `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`, Hint: "bearer"},
		{ID: "assigned-secret", Pattern: `(?i)\b(?:api[_-]?key|secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`},
	}
}
