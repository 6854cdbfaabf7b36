package logging

import (
	"go.uber.org/zap/zapcore"
)

var sampledLevels = []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel}

// newSampledCore splits core into one branch per sampled level plus an
// unsampled branch for error and above. zap's sampler counts per message and
// level, so a busy poll loop at debug never starves a rare warn. Levels with
// no configured rate pass through.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	branches := []zapcore.Core{levelCore{Core: core, keep: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }}}
	for _, lvl := range sampledLevels {
		lvl := lvl
		branch := zapcore.Core(levelCore{Core: core, keep: func(l zapcore.Level) bool { return l == lvl }})
		if rate, ok := cfg.Levels[lvl]; ok && rate.Initial > 0 {
			branch = zapcore.NewSamplerWithOptions(branch, cfg.Tick.Duration(), rate.Initial, rate.Thereafter)
		}
		branches = append(branches, branch)
	}
	return zapcore.NewTee(branches...)
}

// levelCore passes only the levels keep accepts.
type levelCore struct {
	zapcore.Core
	keep func(zapcore.Level) bool
}

func (c levelCore) Enabled(l zapcore.Level) bool {
	return c.keep(l) && c.Core.Enabled(l)
}

func (c levelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c levelCore) With(fields []zapcore.Field) zapcore.Core {
	return levelCore{Core: c.Core.With(fields), keep: c.keep}
}
