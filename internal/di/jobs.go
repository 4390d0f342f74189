// Package di provides dependency injection for scheduler jobs.
package di

import (
	"context"
	"fmt"

	"github.com/aristath/nextaction/internal/config"
	"github.com/aristath/nextaction/internal/reliability"
	"github.com/aristath/nextaction/internal/scheduler"
	"github.com/rs/zerolog"
)

// RegisterJobs creates the scheduler and registers every periodic job on it.
// Returns JobInstances for manual triggering.
func RegisterJobs(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil || container.Reconciler == nil {
		return nil, fmt.Errorf("services must be initialized before jobs")
	}

	sched := scheduler.New(container.Guard, container.Metrics, log)
	instances := &JobInstances{}

	// ==========================================
	// Intelligence update: stale and date-triggered opportunities
	// ==========================================
	instances.IntelligenceUpdate = scheduler.NewIntelligenceUpdateJob(
		container.OpportunityRepo,
		container.ActionRepo,
		container.QueueStore,
		container.Reconciler,
		container.Metrics,
		scheduler.IntelligenceUpdateConfig{
			Location:             cfg.Location(),
			ActiveStaleAfter:     cfg.Scheduler.ActiveStaleAfter,
			ClosedLostStaleAfter: cfg.Scheduler.ClosedLostStaleAfter,
			ItemDelay:            cfg.Scheduler.ItemDelay,
		},
		log,
	)
	if err := sched.AddJob(cfg.Scheduler.IntelligenceUpdateSchedule, instances.IntelligenceUpdate); err != nil {
		return nil, err
	}

	// ==========================================
	// Scheduled email delivery
	// ==========================================
	instances.ScheduledSend = scheduler.NewScheduledSendJob(container.ScheduledEmails, container.Messaging, container.Metrics, 0, log)
	if err := sched.AddJob(cfg.Scheduler.ScheduledSendSchedule, instances.ScheduledSend); err != nil {
		return nil, err
	}

	// ==========================================
	// Elapsed WAIT_UNTIL sweep
	// ==========================================
	instances.WaitSweep = scheduler.NewWaitSweepJob(container.Reconciler, container.Pool, log)
	if err := sched.AddJob(cfg.Scheduler.WaitSweepSchedule, instances.WaitSweep); err != nil {
		return nil, err
	}

	// ==========================================
	// Maintenance: abandoned locks, queue retention, integrity
	// ==========================================
	instances.Maintenance = scheduler.NewMaintenanceJob(
		container.CoreDB,
		container.QueueStore,
		container.ActionRepo,
		container.ScheduledEmails,
		scheduler.MaintenanceConfig{
			Retention:       cfg.Queue.Retention,
			ProcessingGrace: cfg.Queue.ProcessingGrace,
		},
		log,
	)
	if err := sched.AddJob(cfg.Scheduler.MaintenanceSchedule, instances.Maintenance); err != nil {
		return nil, err
	}

	// ==========================================
	// Backup upload (optional)
	// ==========================================
	if cfg.BackupEnabled() {
		storage, err := reliability.NewS3Storage(ctx, reliability.S3Config{
			Bucket:          cfg.Backup.Bucket,
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create backup storage: %w", err)
		}
		instances.Backup = reliability.NewBackupJob(container.CoreDB, storage, reliability.BackupConfig{
			Prefix:        cfg.Backup.Prefix,
			RetentionDays: 30,
			MinFreeGB:     1,
		}, log)
		if err := sched.AddJob(cfg.Backup.Schedule, instances.Backup); err != nil {
			return nil, err
		}
	} else {
		log.Info().Msg("Backup bucket not configured, backup job disabled")
	}

	container.Scheduler = sched
	log.Info().Int("jobs", len(sched.Status().Jobs)).Msg("Jobs registered")

	return instances, nil
}
