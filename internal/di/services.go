// Package di provides dependency injection for service implementations.
package di

import (
	"context"
	"fmt"

	"github.com/aristath/nextaction/internal/clients/generator"
	"github.com/aristath/nextaction/internal/clients/messaging"
	"github.com/aristath/nextaction/internal/config"
	"github.com/aristath/nextaction/internal/lease"
	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/activities"
	"github.com/aristath/nextaction/internal/observability"
	"github.com/aristath/nextaction/internal/queue"
	"github.com/aristath/nextaction/internal/reconciler"
	"github.com/rs/zerolog"
)

// InitializeServices creates telemetry, clients and the services built on
// the repositories. Repositories must be initialized first.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.ActionRepo == nil {
		return fmt.Errorf("repositories must be initialized before services")
	}

	// Telemetry
	telemetry, err := observability.New(ctx, observability.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Enabled:     cfg.Telemetry.Enabled,
		Insecure:    cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	container.Telemetry = telemetry

	metrics, err := observability.NewMetrics(telemetry.Meter())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	container.Metrics = metrics

	// External collaborators
	container.Generator = generator.NewClient(generator.Config{
		BaseURL: cfg.Generator.URL,
		APIKey:  cfg.Generator.APIKey,
		RPS:     cfg.Generator.RPS,
		Timeout: cfg.Generator.Timeout,
	}, log)
	container.Messaging = messaging.NewClient(messaging.Config{
		BaseURL: cfg.Messaging.URL,
		APIKey:  cfg.Messaging.APIKey,
		RPS:     cfg.Messaging.RPS,
		Timeout: cfg.Messaging.Timeout,
	}, log)

	// Activity side effects and approval
	container.Activities = activities.NewRegistry(container.ScheduledEmails, container.Messaging, log)
	container.Approval = actions.NewApprovalService(container.ActionRepo, container.ScheduledEmails, log)

	// Reconciliation
	policy, err := reconciler.LoadPolicy(cfg.Policy.IntentPolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load intent policy: %w", err)
	}
	container.Policy = policy

	container.Reconciler = reconciler.New(reconciler.Config{
		Opportunities: container.OpportunityRepo,
		Actions:       container.ActionRepo,
		Activities:    container.Activities,
		Generator:     container.Generator,
		Policy:        policy,
		Metrics:       metrics,
		Tracer:        telemetry.Tracer(),
	}, log)

	// Queue worker pool; the reconciler enqueues elapsed waits onto the same store
	container.Pool = queue.NewPool(
		container.QueueStore,
		container.Reconciler.HandleQueueItem,
		container.OpportunityRepo,
		metrics,
		queue.PoolConfig{Workers: cfg.Queue.Workers, PollInterval: cfg.Queue.PollInterval},
		log,
	)
	container.Reconciler.SetQueue(container.QueueStore)

	guard, err := newGuard(ctx, container, cfg, log)
	if err != nil {
		return err
	}
	container.Guard = guard

	log.Info().
		Str("lease_backend", cfg.Lease.Backend).
		Int("workers", cfg.Queue.Workers).
		Bool("custom_intent_policy", cfg.Policy.IntentPolicyFile != "").
		Msg("Services initialized")
	return nil
}

// newGuard builds the re-entrancy guard for the configured backend
func newGuard(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) (lease.Guard, error) {
	switch cfg.Lease.Backend {
	case "local":
		return lease.NewLocalGuard(), nil
	case "redis":
		client := lease.NewRedisClient(cfg.Lease.RedisAddr, cfg.Lease.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Lease.RedisAddr, err)
		}
		container.Redis = client
		return lease.NewRedisGuard(client, cfg.Lease.TTL, log), nil
	default:
		return lease.NewSQLiteGuard(container.CoreDB.Conn(), cfg.Lease.TTL, log), nil
	}
}
