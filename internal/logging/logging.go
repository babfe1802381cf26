// Package logging builds the structured zap loggers used by the relay binaries.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON zap logger with the provided level string.
func NewLogger(level string) (*zap.Logger, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	return cfg.Build()
}

// ParseLevel converts a textual level ("debug", "info", ...) into a zap level.
// An empty string selects info.
func ParseLevel(level string) (zapcore.Level, error) {
	lower := strings.ToLower(strings.TrimSpace(level))
	if lower == "" {
		lower = "info"
	}
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return zapLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zapLevel, nil
}
