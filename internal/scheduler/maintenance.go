package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/activities"
	"github.com/aristath/nextaction/internal/queue"
	"github.com/rs/zerolog"
)

// MaintenanceConfig holds the maintenance thresholds
type MaintenanceConfig struct {
	Retention       time.Duration // Completed queue items older than this are deleted
	ProcessingGrace time.Duration // Locks and claims older than this are abandoned
}

// MaintenanceReport summarises one maintenance run
type MaintenanceReport struct {
	DeletedQueueItems int64 `json:"deleted_queue_items"`
	AbandonedItems    int64 `json:"abandoned_items"`
	RestoredActions   int64 `json:"restored_actions"`
	InterruptedSends  int64 `json:"interrupted_sends"`
}

// MaintenanceJob recovers state left behind by crashed passes and keeps the
// database compact
type MaintenanceJob struct {
	db      *database.DB
	queue   *queue.Store
	actions *actions.Repository
	emails  *activities.ScheduledEmailStore
	cfg     MaintenanceConfig
	log     zerolog.Logger
	now     func() time.Time
}

// NewMaintenanceJob creates the job
func NewMaintenanceJob(db *database.DB, store *queue.Store, actionsRepo *actions.Repository, emails *activities.ScheduledEmailStore, cfg MaintenanceConfig, log zerolog.Logger) *MaintenanceJob {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.ProcessingGrace <= 0 {
		cfg.ProcessingGrace = 30 * time.Minute
	}
	return &MaintenanceJob{
		db:      db,
		queue:   store,
		actions: actionsRepo,
		emails:  emails,
		cfg:     cfg,
		log:     log.With().Str("job", "maintenance").Logger(),
		now:     time.Now,
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run executes maintenance
func (j *MaintenanceJob) Run(ctx context.Context) error {
	_, err := j.Maintain(ctx)
	return err
}

// Maintain runs every step and returns the first error after attempting all of them
func (j *MaintenanceJob) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		j.log.Error().Err(err).Str("step", step).Msg("Maintenance step failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("maintenance step %s: %w", step, err)
		}
	}

	now := j.now()
	stale := now.Add(-j.cfg.ProcessingGrace)
	var err error

	report.AbandonedItems, err = j.queue.FailAbandoned(ctx, stale)
	record("fail_abandoned_queue_items", err)

	report.RestoredActions, err = j.actions.RestoreStaleProcessing(ctx, stale)
	record("restore_processing_actions", err)

	report.InterruptedSends, err = j.emails.RecoverInterrupted(ctx, stale)
	record("recover_interrupted_sends", err)

	report.DeletedQueueItems, err = j.queue.DeleteCompletedBefore(ctx, now.Add(-j.cfg.Retention))
	record("delete_completed_queue_items", err)

	if j.db != nil {
		record("integrity_check", j.checkIntegrity(ctx))
		record("wal_checkpoint", j.db.WALCheckpoint("PASSIVE"))
	}

	j.log.Info().
		Int64("deleted_queue_items", report.DeletedQueueItems).
		Int64("abandoned_items", report.AbandonedItems).
		Int64("restored_actions", report.RestoredActions).
		Int64("interrupted_sends", report.InterruptedSends).
		Msg("Maintenance complete")

	return report, firstErr
}

// checkIntegrity runs SQLite's quick_check
func (j *MaintenanceJob) checkIntegrity(ctx context.Context) error {
	var result string
	if err := j.db.Conn().QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned: %s", result)
	}
	return nil
}
