// Package cmd holds helpers shared by the CLI commands.
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/emubridge/internal/config"
)

// Global flag names.
const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"
)

// Config loads the configuration named by --config. An explicit
// --log-level overrides the file.
func Config(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.Path(FlagConfig))
	if err != nil {
		return nil, err
	}
	if c.IsSet(FlagLogLevel) {
		cfg.LogLevel = c.String(FlagLogLevel)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Logger builds a zap logger writing to stderr. Debug level selects the
// development encoder.
func Logger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// Setup loads the configuration and logger for a command.
func Setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := Config(c)
	if err != nil {
		return nil, nil, err
	}
	logger, err := Logger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
