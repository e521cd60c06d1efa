// Package logging builds the process-wide zap logger, the same way
// account-balance-processor and stellar-live-source do in the source
// pipeline this project is modeled on: zap.NewProduction by default, with
// a development encoder when STREAMDROPLETS_ENV=dev for readable local
// output.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger for a streamdroplets process.
func New(service string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if os.Getenv("STREAMDROPLETS_ENV") == "dev" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err = cfg.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}
