package scheduler

import (
	"context"
	"time"

	"github.com/aristath/nextaction/internal/reconciler"
	"github.com/rs/zerolog"
)

// WaitSource finds elapsed wait-until dates and queues their opportunities
type WaitSource interface {
	EnqueueElapsedWaits(ctx context.Context, now time.Time) (reconciler.WaitReport, error)
}

// Trigger wakes the worker pool
type Trigger interface {
	Trigger()
}

// WaitSweepJob queues reprocessing for NO_ACTION actions whose wait elapsed
type WaitSweepJob struct {
	waits WaitSource
	pool  Trigger
	log   zerolog.Logger
	now   func() time.Time
}

// NewWaitSweepJob creates the job. pool may be nil.
func NewWaitSweepJob(waits WaitSource, pool Trigger, log zerolog.Logger) *WaitSweepJob {
	return &WaitSweepJob{
		waits: waits,
		pool:  pool,
		log:   log.With().Str("job", "wait_sweep").Logger(),
		now:   time.Now,
	}
}

// Name returns the job name
func (j *WaitSweepJob) Name() string {
	return "wait_sweep"
}

// Run executes the sweep
func (j *WaitSweepJob) Run(ctx context.Context) error {
	report, err := j.waits.EnqueueElapsedWaits(ctx, j.now())
	if err != nil {
		return err
	}
	if report.Enqueued > 0 && j.pool != nil {
		j.pool.Trigger()
	}
	if report.Elapsed > 0 {
		j.log.Info().
			Int("elapsed", report.Elapsed).
			Int("enqueued", report.Enqueued).
			Int("errors", report.Errors).
			Msg("Wait sweep complete")
	}
	return nil
}
