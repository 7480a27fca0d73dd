// Package logging builds the zap loggers used across tourney.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// JSON selects structured JSON output for machine consumption.
	JSON bool
	// Verbose lowers the level to debug.
	Verbose bool
}

// New returns a sugared logger. JSON output uses zap's production config;
// otherwise a compact console encoder writes to stderr so stdout stays
// free for reports.
func New(opts Options) (*zap.SugaredLogger, error) {
	level := zap.InfoLevel
	if opts.Verbose {
		level = zap.DebugLevel
	}

	if opts.JSON {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		config.OutputPaths = []string{"stderr"}
		logger, err := config.Build()
		if err != nil {
			return nil, err
		}
		return logger.Sugar(), nil
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)
	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// OrNop returns l, or a nop logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return Nop()
	}
	return l
}
