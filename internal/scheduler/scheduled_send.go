package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/modules/activities"
	"github.com/aristath/nextaction/internal/observability"
	"github.com/rs/zerolog"
)

// SendReport summarises one scheduled send run
type SendReport struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Withdrawn int `json:"withdrawn"`
}

// ScheduledSendJob delivers scheduled emails that are due
type ScheduledSendJob struct {
	emails    *activities.ScheduledEmailStore
	provider  domain.MessagingProvider
	metrics   *observability.Metrics
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
}

// NewScheduledSendJob creates the job. metrics may be nil.
func NewScheduledSendJob(emails *activities.ScheduledEmailStore, provider domain.MessagingProvider, metrics *observability.Metrics, batchSize int, log zerolog.Logger) *ScheduledSendJob {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ScheduledSendJob{
		emails:    emails,
		provider:  provider,
		metrics:   metrics,
		batchSize: batchSize,
		log:       log.With().Str("job", "scheduled_send").Logger(),
		now:       time.Now,
	}
}

// Name returns the job name
func (j *ScheduledSendJob) Name() string {
	return "scheduled_send"
}

// Run executes one pass
func (j *ScheduledSendJob) Run(ctx context.Context) error {
	_, err := j.SendDue(ctx)
	return err
}

// SendDue delivers every due record. A record is claimed before the provider
// call, so a concurrent executor or a reconciliation pass withdrawing it
// cannot cause a second delivery.
func (j *ScheduledSendJob) SendDue(ctx context.Context) (SendReport, error) {
	var report SendReport

	due, err := j.emails.ListDue(ctx, j.now(), j.batchSize)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		log := j.log.With().Str("scheduled_email_id", rec.ID).Str("action", rec.ActionID).Logger()

		if err := j.emails.Claim(ctx, rec.ID); err != nil {
			if errors.Is(err, domain.ErrNotClaimable) {
				report.Skipped++
				log.Debug().Msg("Scheduled email no longer claimable")
				continue
			}
			return report, err
		}

		messageID, err := j.deliver(ctx, rec)
		if err != nil {
			report.Failed++
			j.metrics.SendFinished(ctx, false)
			log.Error().Err(err).Msg("Scheduled email delivery failed")
			if merr := j.emails.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
				log.Error().Err(merr).Msg("Failed to record delivery failure")
			}
			continue
		}

		if err := j.emails.CompleteDelivery(ctx, rec.ID, rec.ActionID, messageID); err != nil {
			// Delivered but not recorded; left in sending for maintenance to fail
			report.Failed++
			j.metrics.SendFinished(ctx, false)
			log.Error().Err(err).Str("provider_message_id", messageID).Msg("Failed to record delivered email")
			continue
		}
		report.Sent++
		j.metrics.SendFinished(ctx, true)
		log.Info().Str("provider_message_id", messageID).Msg("Scheduled email delivered")
	}

	if report.Due > 0 {
		j.log.Info().
			Int("due", report.Due).
			Int("sent", report.Sent).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("Scheduled send run complete")
	}
	return report, nil
}

// deliver sends one record. A result without success is an error.
func (j *ScheduledSendJob) deliver(ctx context.Context, rec activities.ScheduledEmail) (string, error) {
	result, err := j.provider.Send(ctx, rec.Payload)
	if err != nil {
		return "", fmt.Errorf("messaging provider send failed: %w", err)
	}
	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = "no reason given"
		}
		return "", fmt.Errorf("%w: %s", domain.ErrDeliveryRejected, reason)
	}
	if result.ProviderMessageID == "" {
		return "", fmt.Errorf("%w: empty provider message id", domain.ErrDeliveryRejected)
	}
	return result.ProviderMessageID, nil
}
