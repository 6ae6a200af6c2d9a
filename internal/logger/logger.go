package logger

import (
	"fmt"
	"os"
	"strings"

	"medical-translator/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the service logger from the log section of the config.
// An empty level means info; an unknown one is an error so a typo does not
// silently hide debug output.
func New(lc config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lc.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(lc.Level))
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	var zc zap.Config
	switch lc.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	default:
		return nil, fmt.Errorf("log format %q: want json or console", lc.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// realtime sessions log per event; sampling would drop most of a burst
	if !lc.Sampling {
		zc.Sampling = nil
	}

	base, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if lc.Service != "" {
		base = base.With(zap.String("service_name", lc.Service))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		base = base.With(zap.String("hostname", hostname))
	}
	return base, nil
}
