package config

import (
	"go.uber.org/zap"

	"github.com/futureweb/gomemcache/errors"
)

// NewLogger builds a zap logger from the logging section.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid log level %q", cfg.Level)
		}
		zapConfig.Level = level
	}
	if cfg.Format != "" {
		zapConfig.Encoding = cfg.Format
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to build logger")
	}
	return logger, nil
}
