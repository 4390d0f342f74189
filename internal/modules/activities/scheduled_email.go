// Package activities resolves the weak activity references held by proposed
// actions and owns the one side effect kept locally: scheduled emails.
package activities

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScheduledStatus is the delivery state of a scheduled email
type ScheduledStatus string

const (
	ScheduledPending ScheduledStatus = "scheduled"
	ScheduledSending ScheduledStatus = "sending"
	ScheduledFailed  ScheduledStatus = "failed"
)

// ScheduledEmail is a message approved for delivery at ScheduledFor
type ScheduledEmail struct {
	ScheduledFor  time.Time          `json:"scheduled_for"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	ID            string             `json:"id"`
	ActionID      string             `json:"action_id"`
	Opportunity   string             `json:"opportunity"`
	Status        ScheduledStatus    `json:"status"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Payload       domain.SendPayload `json:"payload"`
	Attempts      int                `json:"attempts"`
}

// ScheduledEmailStore handles scheduled email records
//
// A record exists only until the provider accepts the message; after that the
// provider is authoritative and the action references the delivered EmailActivity.
// Database: core.db (scheduled_emails table)
type ScheduledEmailStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewScheduledEmailStore creates a new scheduled email store
func NewScheduledEmailStore(db *sql.DB, log zerolog.Logger) *ScheduledEmailStore {
	return &ScheduledEmailStore{
		db:  db,
		log: log.With().Str("repository", "scheduled_emails").Logger(),
	}
}

const scheduledColumns = `se.id, se.action_id, se.opportunity, se.payload, se.scheduled_for,
	se.status, se.failure_reason, se.attempts, se.created_at, se.updated_at`

// Schedule stores a message for later delivery inside the approval transaction
func (s *ScheduledEmailStore) Schedule(ctx context.Context, tx *sql.Tx, action domain.ProposedAction, details domain.EmailDetails, at time.Time) (domain.ActivityRef, error) {
	id := uuid.New().String()
	payload, err := json.Marshal(domain.SendPayload{
		IdempotencyKey: id,
		ActionID:       action.ID,
		Opportunity:    action.Opportunity,
		To:             details.To,
		Cc:             details.Cc,
		Subject:        details.Subject,
		Body:           details.Body,
		ThreadID:       details.ThreadID,
	})
	if err != nil {
		return domain.ActivityRef{}, fmt.Errorf("failed to encode send payload: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduled_emails
		(id, action_id, opportunity, payload, scheduled_for, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'scheduled', 0, ?, ?)
	`, id, action.ID, action.Opportunity, string(payload), at.Unix(), now, now)
	if err != nil {
		return domain.ActivityRef{}, fmt.Errorf("failed to schedule email for %s: %w", action.ID, err)
	}

	return domain.NewActivityRef(id, domain.ModelScheduledEmail), nil
}

// Get returns a scheduled email, or nil if it does not exist
func (s *ScheduledEmailStore) Get(ctx context.Context, q database.Querier, id string) (*ScheduledEmail, error) {
	if q == nil {
		q = s.db
	}
	row := q.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_emails se WHERE se.id = ?`, id)
	rec, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled email %s: %w", id, err)
	}
	return rec, nil
}

// ListDue returns scheduled records due at or before now whose owning action
// is EXECUTED. An action locked for re-evaluation hides its records.
func (s *ScheduledEmailStore) ListDue(ctx context.Context, now time.Time, limit int) ([]ScheduledEmail, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_emails se
		JOIN proposed_actions pa ON pa.id = se.action_id
		WHERE se.status = 'scheduled'
		  AND se.scheduled_for <= ?
		  AND pa.status = 'EXECUTED'
		ORDER BY se.scheduled_for, se.id
		LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due emails: %w", err)
	}
	defer rows.Close()

	var due []ScheduledEmail
	for rows.Next() {
		rec, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled email: %w", err)
		}
		due = append(due, *rec)
	}
	return due, rows.Err()
}

// ListFailed returns records kept for inspection after a failed delivery
func (s *ScheduledEmailStore) ListFailed(ctx context.Context) ([]ScheduledEmail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_emails se
		WHERE se.status = 'failed'
		ORDER BY se.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed emails: %w", err)
	}
	defer rows.Close()

	var failed []ScheduledEmail
	for rows.Next() {
		rec, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled email: %w", err)
		}
		failed = append(failed, *rec)
	}
	return failed, rows.Err()
}

// Claim moves a record from scheduled to sending. It fails with
// domain.ErrNotClaimable when the record left the scheduled state or its
// action is no longer EXECUTED.
func (s *ScheduledEmailStore) Claim(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'scheduled'
		  AND EXISTS (
			SELECT 1 FROM proposed_actions pa
			WHERE pa.id = scheduled_emails.action_id AND pa.status = 'EXECUTED'
		  )
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to claim scheduled email %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim scheduled email %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotClaimable, id)
	}
	return nil
}

// CompleteDelivery removes the local record and swaps the action's
// ScheduledEmail reference for the delivered EmailActivity in one transaction.
func (s *ScheduledEmailStore) CompleteDelivery(ctx context.Context, id, actionID, providerMessageID string) error {
	return database.WithTransactionContext(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM scheduled_emails WHERE id = ? AND status = 'sending'
		`, id)
		if err != nil {
			return fmt.Errorf("failed to delete delivered email %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to delete delivered email %s: %w", id, err)
		}
		if n == 0 {
			// Withdrawn by a reconciliation pass while in flight
			s.log.Warn().Str("scheduled_email_id", id).Msg("Delivered email was withdrawn during send")
			return nil
		}

		var raw string
		err = tx.QueryRowContext(ctx, `
			SELECT resulting_activities FROM proposed_actions WHERE id = ?
		`, actionID).Scan(&raw)
		if err != nil {
			return fmt.Errorf("failed to read resulting activities of %s: %w", actionID, err)
		}

		var refs []domain.ActivityRef
		if err := json.Unmarshal([]byte(raw), &refs); err != nil {
			return fmt.Errorf("failed to decode resulting activities of %s: %w", actionID, err)
		}
		scheduled := domain.NewActivityRef(id, domain.ModelScheduledEmail)
		delivered := domain.NewActivityRef(providerMessageID, domain.ModelEmailActivity)
		for i, ref := range refs {
			if ref == scheduled {
				refs[i] = delivered
			}
		}

		updated, err := json.Marshal(refs)
		if err != nil {
			return fmt.Errorf("failed to encode resulting activities: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE proposed_actions SET resulting_activities = ?, updated_at = ? WHERE id = ?
		`, string(updated), time.Now().Unix(), actionID)
		if err != nil {
			return fmt.Errorf("failed to update resulting activities of %s: %w", actionID, err)
		}
		return nil
	})
}

// MarkFailed keeps the record for inspection with the failure reason
func (s *ScheduledEmailStore) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'failed', failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = 'sending'
	`, reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark scheduled email %s failed: %w", id, err)
	}
	return nil
}

// RecoverInterrupted fails records left in sending since before olderThan.
// Whether the provider received them is unknown, so they are never resent.
func (s *ScheduledEmailStore) RecoverInterrupted(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'failed', failure_reason = 'interrupted', updated_at = ?
		WHERE status = 'sending' AND updated_at < ?
	`, time.Now().Unix(), olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted emails: %w", err)
	}
	return result.RowsAffected()
}

// Delete removes a record inside the caller's transaction
func (s *ScheduledEmailStore) Delete(ctx context.Context, q database.Querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM scheduled_emails WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete scheduled email %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanScheduled(s scanner) (*ScheduledEmail, error) {
	var rec ScheduledEmail
	var payload, status string
	var failure sql.NullString
	var scheduledFor, createdAt, updatedAt int64

	if err := s.Scan(
		&rec.ID,
		&rec.ActionID,
		&rec.Opportunity,
		&payload,
		&scheduledFor,
		&status,
		&failure,
		&rec.Attempts,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", rec.ID, err)
	}
	rec.Status = ScheduledStatus(status)
	rec.FailureReason = failure.String
	rec.ScheduledFor = time.Unix(scheduledFor, 0).UTC()
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &rec, nil
}
