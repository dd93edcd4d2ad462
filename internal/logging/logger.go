package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger flavor. Devices run interactively and log to the console;
// the server of record logs JSON.
type Options struct {
	Level     string
	Console   bool
	Component string
	DeviceID  string
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	return Build(Options{Level: level})
}

// Build returns a zap logger for the given options. Output always goes to stderr so the CLI
// can write exports and scan results to stdout.
func Build(options Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if options.Console {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(options.Level))
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if options.Component != "" {
		logger = logger.With(zap.String("component", options.Component))
	}
	if options.DeviceID != "" {
		logger = logger.With(zap.String("device_id", options.DeviceID))
	}
	return logger, nil
}

// ParseLevel maps a configured level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
