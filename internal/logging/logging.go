// Package logging builds the zap logger used across the daemon.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and encoder of the process logger.
type Config struct {
	Level       string
	Development bool
}

// New returns a zap logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// ParseLevel maps a textual level to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return level, fmt.Errorf("logging: invalid level %q", s)
	}
	return level, nil
}

// BadgerLogger adapts zap to badger's Logger interface. Badger is chatty at
// info, so only warnings and errors are passed through.
type BadgerLogger struct {
	sugar *zap.SugaredLogger
}

// Badger returns a badger logger writing through l.
func Badger(l *zap.Logger) *BadgerLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &BadgerLogger{sugar: l.Named("badger").Sugar()}
}

func (b *BadgerLogger) Errorf(format string, args ...any) {
	b.sugar.Errorf(strings.TrimSpace(format), args...)
}

func (b *BadgerLogger) Warningf(format string, args ...any) {
	b.sugar.Warnf(strings.TrimSpace(format), args...)
}

func (b *BadgerLogger) Infof(string, ...any) {}

func (b *BadgerLogger) Debugf(string, ...any) {}
