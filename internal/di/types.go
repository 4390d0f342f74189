// Package di provides dependency injection type definitions.
package di

import (
	"github.com/aristath/nextaction/internal/clients/generator"
	"github.com/aristath/nextaction/internal/clients/messaging"
	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/lease"
	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/activities"
	"github.com/aristath/nextaction/internal/modules/opportunities"
	"github.com/aristath/nextaction/internal/observability"
	"github.com/aristath/nextaction/internal/queue"
	"github.com/aristath/nextaction/internal/reconciler"
	"github.com/aristath/nextaction/internal/reliability"
	"github.com/aristath/nextaction/internal/scheduler"
	"github.com/redis/go-redis/v9"
)

// Container holds all dependencies for the application.
//
// It is created by Wire() and handed to the server and the command layer.
// Everything shares the single core database.
type Container struct {
	// Database
	CoreDB *database.DB

	// Observability
	Telemetry *observability.Provider
	Metrics   *observability.Metrics

	// Clients - external collaborators
	Generator *generator.Client
	Messaging *messaging.Client
	Redis     *redis.Client // Only set for the redis lease backend

	// Repositories - data access layer
	OpportunityRepo *opportunities.Repository
	ActionRepo      *actions.Repository
	ScheduledEmails *activities.ScheduledEmailStore
	QueueStore      *queue.Store

	// Services
	Activities *activities.Registry
	Approval   *actions.ApprovalService
	Policy     reconciler.IntentPolicy
	Reconciler *reconciler.Reconciler
	Pool       *queue.Pool
	Guard      lease.Guard
	Scheduler  *scheduler.Scheduler
}

// JobInstances holds the registered periodic jobs for manual triggering
type JobInstances struct {
	IntelligenceUpdate *scheduler.IntelligenceUpdateJob
	ScheduledSend      *scheduler.ScheduledSendJob
	WaitSweep          *scheduler.WaitSweepJob
	Maintenance        *scheduler.MaintenanceJob
	Backup             *reliability.BackupJob // nil when backups are not configured
}
