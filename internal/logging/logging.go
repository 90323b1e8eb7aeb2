// Package logging sets up the global zap logger.
package logging

import (
	"fmt"

	"github.com/kiltia/invoiceloader/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds a logger from cfg and installs it as the zap global. When
// outputs is non-empty it replaces cfg.OutputPaths.
func Init(cfg config.LogConfig, outputs ...string) (*zap.Logger, error) {
	conf := zap.NewProductionConfig()
	if cfg.Development {
		conf = zap.NewDevelopmentConfig()
	}
	conf.Level = zap.NewAtomicLevelAt(cfg.Level)
	if cfg.Encoding != "" {
		conf.Encoding = cfg.Encoding
	}
	conf.EncoderConfig.TimeKey = "ts"
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if len(cfg.OutputPaths) > 0 {
		conf.OutputPaths = cfg.OutputPaths
	}
	if len(outputs) > 0 {
		conf.OutputPaths = outputs
		conf.ErrorOutputPaths = outputs
	}

	logger, err := conf.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
