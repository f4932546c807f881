// Package logging wires zap behind a logr.Logger and provides the
// best-effort helper used wherever an error must be logged and dropped.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap-backed logr.Logger. level is one of debug, info, warn,
// error; development switches to the console encoder.
func New(level string, development bool) (logr.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logr.Discard(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to build zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// BestEffort runs fn and logs, never returns, whatever goes wrong inside it,
// including a panic. keysAndValues should carry the job or request id.
func BestEffort(log logr.Logger, msg string, fn func() error, keysAndValues ...any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), msg, keysAndValues...)
		}
	}()
	if err := fn(); err != nil {
		log.Error(err, msg, keysAndValues...)
	}
}
