package workflows

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapLogger adapts zap to the Temporal SDK logger so client and worker
// output goes through the daemon's logger instead of stdout.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewTemporalLogger wraps l for client.Options.Logger.
func NewTemporalLogger(l *zap.Logger) log.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLogger{s: l.Named("temporal").Sugar()}
}

func (z *zapLogger) Debug(msg string, keyvals ...interface{}) { z.s.Debugw(msg, keyvals...) }
func (z *zapLogger) Info(msg string, keyvals ...interface{})  { z.s.Infow(msg, keyvals...) }
func (z *zapLogger) Warn(msg string, keyvals ...interface{})  { z.s.Warnw(msg, keyvals...) }
func (z *zapLogger) Error(msg string, keyvals ...interface{}) { z.s.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (z *zapLogger) With(keyvals ...interface{}) log.Logger {
	return &zapLogger{s: z.s.With(keyvals...)}
}
