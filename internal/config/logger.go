package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the app section
func NewLogger(app AppConfig) (*zap.Logger, error) {
	level, err := zapLevel(app.LogLevel)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if app.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if app.Name != "" {
		logger = logger.With(zap.String("app", app.Name))
	}
	return logger, nil
}

func zapLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return level, fmt.Errorf("app.log_level: %w", err)
	}
	return level, nil
}
