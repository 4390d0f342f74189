package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/domain"
)

// Enqueuer appends queue items
type Enqueuer interface {
	Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, bool, error)
}

// SetQueue sets the queue used for wait-until reprocessing
func (r *Reconciler) SetQueue(q Enqueuer) {
	r.queue = q
}

// WaitReport summarises one wait sweep
type WaitReport struct {
	Elapsed  int `json:"elapsed"`
	Enqueued int `json:"enqueued"`
	Errors   int `json:"errors"`
}

// EnqueueElapsedWaits enqueues an opportunity_reprocessing item for every
// live NO_ACTION action whose waitUntil is at or before now. Each action is
// consumed once: it is marked processed_by_ai after its item is queued, or
// after an equivalent item was found already queued.
func (r *Reconciler) EnqueueElapsedWaits(ctx context.Context, now time.Time) (WaitReport, error) {
	var report WaitReport
	if r.queue == nil {
		return report, fmt.Errorf("no queue configured for wait-until reprocessing")
	}

	elapsed, err := r.actions.ListWaitElapsed(ctx, now)
	if err != nil {
		return report, err
	}
	report.Elapsed = len(elapsed)

	var consumed []string
	for _, a := range elapsed {
		log := r.log.With().Str("action", a.ID).Str("opportunity", a.Opportunity).Logger()

		opp, err := r.opportunities.Get(ctx, a.Opportunity)
		if err != nil {
			report.Errors++
			if errors.Is(err, domain.ErrOpportunityNotFound) {
				log.Warn().Msg("Wait elapsed for a missing opportunity, skipping")
				continue
			}
			log.Error().Err(err).Msg("Failed to load opportunity for elapsed wait")
			continue
		}

		_, enqueued, err := r.queue.Enqueue(ctx, domain.QueueItem{
			Type:        domain.QueueItemReprocessing,
			Opportunity: opp.ID,
			Prospect:    opp.Prospect,
		})
		if err != nil {
			report.Errors++
			log.Error().Err(err).Msg("Failed to enqueue reprocessing for elapsed wait")
			continue
		}
		if enqueued {
			report.Enqueued++
		}
		consumed = append(consumed, a.ID)
		log.Debug().Bool("enqueued", enqueued).Msg("Wait elapsed")
	}

	if err := r.actions.MarkProcessedByAI(ctx, consumed); err != nil {
		return report, err
	}
	return report, nil
}
