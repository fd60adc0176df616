package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a production JSON logger with ISO8601 timestamps.
// An unparsable level falls back to info.
func newLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			config.Level.SetLevel(lvl)
		}
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
