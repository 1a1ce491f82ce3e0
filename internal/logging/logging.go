// Package logging provides the structured logger used across the driver,
// runner, pipeline, and supervisor packages.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

// Logger is the structured-logging interface every package depends on,
// rather than *zap.SugaredLogger directly, so tests can substitute Nop.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	With(keysAndValues ...any) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a zap-backed Logger. mode "prod"/"production" selects
// zap.NewProductionConfig; anything else selects the development config.
func New(mode string) (Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	built, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: built.Sugar()}, nil
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(kv...)}
}

// Sync flushes any buffered log entries. Callers ignore the error the way
// most zap-based mains do, since os.Stdout/os.Stderr returning ENOTTY on
// Sync is a known, harmless zap quirk.
func Sync(l Logger) {
	if zl, ok := l.(*zapLogger); ok {
		_ = zl.sugar.Sync()
	}
}

type nopLogger struct{}

// Nop is a Logger that discards everything, used as a safe zero-value
// default and in tests that don't care about log output.
var Nop Logger = nopLogger{}

func (nopLogger) Debug(string, ...any)    {}
func (nopLogger) Info(string, ...any)     {}
func (nopLogger) Warn(string, ...any)     {}
func (nopLogger) Error(string, ...any)    {}
func (nopLogger) With(...any) Logger      { return nopLogger{} }
