package logging

import (
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry at trace level and above so tests can
// assert on what a component logged.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a TestLogger with the default config.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// FilterMessage returns entries whose message equals msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.observed.FilterLevelExact(level).FilterMessageSnippet(msg).Len() == 0 {
		tb.Errorf("expected %v entry containing %q, got %+v", level, msg, t.observed.All())
	}
}

// AssertField fails tb unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		if got, ok := entry.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("field %q=%v not found on %q", key, want, msg)
}

// AssertNoSecrets fails tb when a field named like a configured sensitive
// field carries a clear value, or when a message or string field matches a
// configured redaction pattern.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	red := t.config.Redaction
	patterns := make([]*regexp.Regexp, 0, len(red.Patterns))
	for _, p := range red.Patterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	leaks := func(s string) bool {
		for _, re := range patterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}

	for _, entry := range t.observed.All() {
		if leaks(entry.Message) {
			tb.Errorf("secret in message %q", entry.Message)
		}
		for _, f := range entry.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			for _, name := range red.Fields {
				if strings.Contains(strings.ToLower(f.Key), strings.ToLower(name)) &&
					f.String != "" && !strings.HasPrefix(f.String, "[REDACTED") {
					tb.Errorf("field %q not redacted: %q", f.Key, f.String)
				}
			}
			if leaks(f.String) {
				tb.Errorf("secret in field %q: %q", f.Key, f.String)
			}
		}
	}
}
