package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that decodes from config text. It accepts Go
// duration syntax ("90s", "5m") and, for environment variables, a bare
// number of seconds ("30").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	parsed, err := time.ParseDuration(s)
	if err != nil {
		secs, nerr := strconv.ParseInt(s, 10, 64)
		if nerr != nil {
			return err
		}
		parsed = time.Duration(secs) * time.Second
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

const redacted = "[REDACTED]"

// Secret holds a credential such as the executor token or an initiation
// bearer token. Every formatting and marshaling path prints a placeholder;
// only Value exposes the text.
type Secret string

// shown is what a Secret prints as: empty when unset, the placeholder
// otherwise.
func (s Secret) shown() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string   { return s.shown() }
func (s Secret) GoString() string { return "Secret(" + redacted + ")" }

// Value returns the secret text.
func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error)      { return json.Marshal(s.shown()) }
func (s Secret) MarshalText() ([]byte, error)      { return []byte(s.shown()), nil }
func (s Secret) MarshalYAML() (interface{}, error) { return s.shown(), nil }

// UnmarshalJSON rejects the placeholder so a dumped config never loads back
// as a bogus credential.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(raw))
}

func (s *Secret) UnmarshalText(text []byte) error {
	if string(text) == redacted {
		return fmt.Errorf("secret value is the redaction placeholder")
	}
	*s = Secret(text)
	return nil
}
