// Package main is the entry point for the nextaction service.
//
// nextaction keeps the set of proposed sales actions for each opportunity in
// step with what the intelligence generator recommends, delivers approved
// emails when they fall due and re-evaluates stale opportunities on a
// schedule.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/nextaction/internal/config"
	"github.com/aristath/nextaction/pkg/logger"
)

// RootOptions holds flags shared by every command
type RootOptions struct {
	LogLevel string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "nextaction",
		Short:         "Action intelligence service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	serve := newServeCommand(opts)
	cmd.AddCommand(serve, newMigrateCommand(opts), newRunJobCommand(opts))

	// Running the binary without a command serves
	cmd.RunE = serve.RunE

	return cmd
}

// setup loads configuration and builds the logger
func setup(opts *RootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	return cfg, log, nil
}
