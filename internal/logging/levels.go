package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one below debug. Executor request and response bodies are
// logged here.
const TraceLevel = zapcore.DebugLevel - 1

// LevelFromString parses a level name case-insensitively. "trace" is
// accepted in addition to zap's own names.
func LevelFromString(level string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "trace" {
		return TraceLevel, nil
	}
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
