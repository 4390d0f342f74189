package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/nextaction/internal/di"
	"github.com/aristath/nextaction/internal/server"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the queue workers and the scheduler",
		Long: `Run the HTTP API, the queue worker pool and the periodic jobs.

Configuration comes from the environment (and a .env file when present).
The process runs until SIGINT or SIGTERM, then stops taking new work,
waits for in-flight queue items and shuts the server down.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
}

func serve(opts *RootOptions) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting nextaction")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, _, err := di.Wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		container.Close(closeCtx)
	}()

	srv := server.New(server.Config{
		Log:           log,
		DB:            container.CoreDB,
		Opportunities: container.OpportunityRepo,
		Actions:       container.ActionRepo,
		Approval:      container.Approval,
		Queue:         container.QueueStore,
		Pool:          container.Pool,
		Scheduler:     container.Scheduler,
		Port:          cfg.Port,
		DevMode:       cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	container.Start()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		container.Stop()
		return err
	}

	// Stop taking new work first, then let in-flight items finish
	container.Stop()
	log.Info().Msg("Scheduler and worker pool stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
	return nil
}
