package jsbridge

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger: JSON output in production, colored console output when
// development is set.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	encoding := "json"
	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.MessageKey = "message"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	if development {
		encoding = "console"
		encoder = zap.NewDevelopmentEncoderConfig()
		encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Development:       development,
		Encoding:          encoding,
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !development,
	}
	return cfg.Build()
}

// NewLoggerFromConfig builds the logger described by cfg, falling back to a no-op logger.
func NewLoggerFromConfig(cfg *Config) *zap.Logger {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
