package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := shared.NewLogger(nil)

	configPath := "config.toml"
	config := shared.DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		if loadedConfig, err := shared.LoadConfig(configPath); err == nil {
			config = loadedConfig
		} else {
			logger.Warn("failed to load config, using defaults", "error", err)
		}
	}

	if err := shared.ApplyEnv(config, ".env"); err != nil {
		logger.Fatalf("invalid environment: %v", err)
	}

	// pipeline logs go to the configured file so command output stays readable
	pipelineLogger := logger
	if config.Log.File != "" {
		if fileLogger, err := shared.NewFileLogger(config.Log.File); err == nil {
			pipelineLogger = fileLogger
		} else {
			logger.Warn("failed to open log file", "path", config.Log.File, "error", err)
		}
	}
	if level, err := log.ParseLevel(config.Log.Level); err == nil {
		shared.SetLogLevel(pipelineLogger, level)
	}

	runner := NewRunner(RunnerOpts{
		Config:     config,
		ConfigPath: configPath,
		Logger:     pipelineLogger,
	})
	defer func() {
		if err := runner.Close(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	app := &cli.Command{
		Name:     "regx",
		Usage:    "Register accounts in concurrent batches and manage the results",
		Version:  "0.1.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Error("application error", "error", err)
		runner.Close()
		os.Exit(1)
	}
}
