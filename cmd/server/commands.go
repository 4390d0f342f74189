package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/nextaction/internal/di"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Create or update the database schema and exit",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			container, err := di.InitializeDatabases(cfg, log)
			if err != nil {
				return err
			}
			container.Close(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Schema applied to %s\n", cfg.DatabasePath())
			return nil
		},
	}
}

// RunJobOptions holds flags for the run-job command
type RunJobOptions struct {
	*RootOptions
	Timeout time.Duration
}

func newRunJobCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunJobOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run-job <name>",
		Short: "Run one periodic job once and exit",
		Long: `Run one periodic job once and exit.

The job takes the same lease as the scheduled run, so with the sqlite or
redis lease backend it is skipped while a serving instance is running it.

Jobs: intelligence_update, scheduled_send, wait_sweep, maintenance, backup

Example:
  nextaction run-job intelligence_update --timeout 30m`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Hour, "abort the job after this long")

	return cmd
}

func runJob(opts *RunJobOptions, name string, cmd *cobra.Command) error {
	cfg, log, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	container, _, err := di.Wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer container.Close(context.Background())

	// Wait sweeps enqueue work; drain it in-process before exiting
	start := time.Now()
	if err := container.Scheduler.RunNow(ctx, name); err != nil {
		return fmt.Errorf("job %s failed: %w", name, err)
	}
	processed := container.Pool.Drain(ctx)

	fmt.Fprintf(cmd.OutOrStdout(), "Job %s completed in %s (%d queue items processed)\n",
		name, time.Since(start).Round(time.Millisecond), processed)
	return nil
}
