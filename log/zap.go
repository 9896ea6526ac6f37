package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a sugared zap logger to the DexLogger facade.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	base  *zap.Logger
}

// NewZapLogger builds a console encoded logger writing to the given paths
// ("stdout", "stderr" or file paths).
func NewZapLogger(level string, paths ...string) (*ZapLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = paths
	cfg.DisableStacktrace = true

	base, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: base.Sugar(), base: base}, nil
}

// Named returns the underlying zap logger for components that log with
// structured fields.
func (l *ZapLogger) Named(name string) *zap.Logger {
	return l.base.WithOptions(zap.AddCallerSkip(-2)).Named(name)
}

func (l *ZapLogger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *ZapLogger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *ZapLogger) Warnf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *ZapLogger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}
