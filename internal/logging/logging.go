// Package logging constructs the process-wide structured logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a zap.SugaredLogger configured for either development
// (human-readable console) or production (JSON) output.
func New(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for use in tests.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
