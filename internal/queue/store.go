// Package queue provides the durable work queue that serializes activity-triggered
// reconciliation passes per opportunity and prospect, and the worker pool draining it.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store handles queue items
//
// All mutual exclusion lives in the SQL predicates: at most one active
// (pending or processing) item per (opportunity, type) and (prospect, type),
// and at most one processing item per opportunity and per prospect.
// Database: core.db (queue_items table)
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStore creates a new queue store
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repository", "queue").Logger(),
		now: time.Now,
	}
}

const itemColumns = `id, queue_item_type, opportunity, prospect, contact, activity_id,
	activity_model, status, attempts, created_at, processed_at, last_error`

// activeKeyMatch matches active items sharing the candidate's type and key.
// The key is the opportunity when the candidate has one, else the prospect:
// sibling opportunities of one prospect each keep their own item.
// Parameters: type, opportunity, opportunity, opportunity, prospect.
const activeKeyMatch = `
	a.queue_item_type = ?
	  AND a.status IN ('pending', 'processing')
	  AND ((? <> '' AND a.opportunity = ?) OR (? = '' AND a.prospect = ?))`

const activeKeyPredicate = `SELECT 1 FROM queue_items a WHERE ` + activeKeyMatch

// Enqueue appends a pending item unless an equivalent active item exists.
// Returns the stored item (the new one, or the existing equivalent) and
// whether a new item was created.
func (s *Store) Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, bool, error) {
	if err := validateItem(item); err != nil {
		return nil, false, err
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	activityID, activityModel := activityColumns(item.Activity)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items
		(id, queue_item_type, opportunity, prospect, contact, activity_id, activity_model,
		 status, attempts, created_at)
		SELECT ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, 'pending', 0, ?
		WHERE NOT EXISTS (`+activeKeyPredicate+`)
	`,
		item.ID,
		string(item.Type),
		item.Opportunity,
		item.Prospect,
		item.Contact,
		activityID,
		activityModel,
		s.now().Unix(),
		string(item.Type),
		item.Opportunity,
		item.Opportunity,
		item.Opportunity,
		item.Prospect,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue item: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue item: %w", err)
	}
	if n == 1 {
		stored, err := s.Get(ctx, item.ID)
		return stored, true, err
	}

	existing, err := s.findActive(ctx, item)
	if err != nil {
		return nil, false, err
	}
	s.log.Debug().
		Str("opportunity", item.Opportunity).
		Str("prospect", item.Prospect).
		Str("type", string(item.Type)).
		Msg("Equivalent item already queued")
	return existing, false, nil
}

// ClaimNext atomically moves the oldest pending item whose opportunity and
// prospect have no processing item to processing. Returns nil when nothing
// is claimable; losing a race to another worker looks the same.
func (s *Store) ClaimNext(ctx context.Context) (*domain.QueueItem, error) {
	now := s.now().Unix()
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_items
		SET status = 'processing', attempts = attempts + 1, claimed_at = ?
		WHERE id = (
			SELECT q.id FROM queue_items q
			WHERE q.status = 'pending'
			  AND NOT EXISTS (
				SELECT 1 FROM queue_items p
				WHERE p.status = 'processing'
				  AND ((q.opportunity IS NOT NULL AND p.opportunity = q.opportunity)
				    OR (q.prospect IS NOT NULL AND p.prospect = q.prospect))
			  )
			ORDER BY q.created_at, q.rowid
			LIMIT 1
		)
		AND status = 'pending'
		RETURNING `+itemColumns, now)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}
	return item, nil
}

// Acquire inserts an item directly in processing when neither its
// opportunity nor its prospect has an active item of any type. The scheduler
// uses it to mark the opportunity in flight while it bypasses the queue.
func (s *Store) Acquire(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, bool, error) {
	if err := validateItem(item); err != nil {
		return nil, false, err
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	activityID, activityModel := activityColumns(item.Activity)
	now := s.now().Unix()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items
		(id, queue_item_type, opportunity, prospect, contact, activity_id, activity_model,
		 status, attempts, created_at, claimed_at)
		SELECT ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, 'processing', 1, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_items a
			WHERE a.status IN ('pending', 'processing')
			  AND ((? <> '' AND a.opportunity = ?) OR (? <> '' AND a.prospect = ?))
		)
	`,
		item.ID,
		string(item.Type),
		item.Opportunity,
		item.Prospect,
		item.Contact,
		activityID,
		activityModel,
		now,
		now,
		item.Opportunity,
		item.Opportunity,
		item.Prospect,
		item.Prospect,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire queue key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire queue key: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	stored, err := s.Get(ctx, item.ID)
	return stored, err == nil, err
}

// Complete marks a processing item completed
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, domain.QueueCompleted, "")
}

// Fail marks a processing item failed with its cause. Failed items are never requeued.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, id, domain.QueueFailed, msg)
}

func (s *Store) finish(ctx context.Context, id string, status domain.QueueStatus, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, processed_at = ?, last_error = NULLIF(?, '')
		WHERE id = ? AND status = 'processing'
	`, string(status), s.now().Unix(), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %s %s: %w", id, status, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark queue item %s %s: %w", id, status, err)
	}
	if n == 0 {
		return fmt.Errorf("queue item %s is not processing", id)
	}
	return nil
}

// Get returns one item, or nil if it does not exist
func (s *Store) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// List returns items in one status, newest first
func (s *Store) List(ctx context.Context, status domain.QueueStatus, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE status = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Counts returns the number of items per status
func (s *Store) Counts(ctx context.Context) (map[domain.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := map[domain.QueueStatus]int{
		domain.QueuePending:    0,
		domain.QueueProcessing: 0,
		domain.QueueCompleted:  0,
		domain.QueueFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[domain.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

// ActiveKeys is the set of opportunities and prospects with a pending or processing item
type ActiveKeys struct {
	Opportunities map[string]bool
	Prospects     map[string]bool
}

// Covers reports whether opportunity or prospect is active
func (k ActiveKeys) Covers(opportunity, prospect string) bool {
	return k.Opportunities[opportunity] || (prospect != "" && k.Prospects[prospect])
}

// ActiveKeys returns every opportunity and prospect represented by an active item
func (s *Store) ActiveKeys(ctx context.Context) (ActiveKeys, error) {
	keys := ActiveKeys{
		Opportunities: make(map[string]bool),
		Prospects:     make(map[string]bool),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(opportunity, ''), COALESCE(prospect, '')
		FROM queue_items
		WHERE status IN ('pending', 'processing')
	`)
	if err != nil {
		return keys, fmt.Errorf("failed to list active queue keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var opportunity, prospect string
		if err := rows.Scan(&opportunity, &prospect); err != nil {
			return keys, fmt.Errorf("failed to scan active queue key: %w", err)
		}
		if opportunity != "" {
			keys.Opportunities[opportunity] = true
		}
		if prospect != "" {
			keys.Prospects[prospect] = true
		}
	}
	return keys, rows.Err()
}

// DeleteCompletedBefore removes completed items processed before cutoff.
// Failed items are kept for inspection.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items WHERE status = 'completed' AND processed_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed queue items: %w", err)
	}
	return result.RowsAffected()
}

// FailAbandoned fails items claimed before olderThan that never finished,
// which only happens when the process died mid-pass. They are not requeued.
func (s *Store) FailAbandoned(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed', processed_at = ?, last_error = 'abandoned while processing'
		WHERE status = 'processing' AND COALESCE(claimed_at, created_at) < ?
	`, s.now().Unix(), olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to fail abandoned queue items: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) findActive(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM queue_items a
		WHERE `+activeKeyMatch+`
		ORDER BY a.created_at
		LIMIT 1
	`, string(item.Type), item.Opportunity, item.Opportunity, item.Opportunity, item.Prospect)
	existing, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Finished between the insert attempt and this read
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active queue item: %w", err)
	}
	return existing, nil
}

func validateItem(item domain.QueueItem) error {
	switch item.Type {
	case domain.QueueItemActivity, domain.QueueItemReprocessing:
	default:
		return fmt.Errorf("unknown queue item type %q", item.Type)
	}
	if item.Opportunity == "" && item.Prospect == "" {
		return fmt.Errorf("queue item needs an opportunity or a prospect")
	}
	return nil
}

func activityColumns(ref *domain.ActivityRef) (interface{}, interface{}) {
	if ref == nil {
		return nil, nil
	}
	return ref.ID, string(ref.Model)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(s scanner) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var typ, status string
	var opportunity, prospect, contact, activityID, activityModel, lastError sql.NullString
	var createdAt int64
	var processedAt sql.NullInt64

	if err := s.Scan(
		&item.ID,
		&typ,
		&opportunity,
		&prospect,
		&contact,
		&activityID,
		&activityModel,
		&status,
		&item.Attempts,
		&createdAt,
		&processedAt,
		&lastError,
	); err != nil {
		return nil, err
	}

	item.Type = domain.QueueItemType(typ)
	item.Status = domain.QueueStatus(status)
	item.Opportunity = opportunity.String
	item.Prospect = prospect.String
	item.Contact = contact.String
	item.LastError = lastError.String
	if activityID.Valid {
		ref := domain.NewActivityRef(activityID.String, domain.ActivityModel(activityModel.String))
		item.Activity = &ref
	}
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0).UTC()
		item.ProcessedAt = &t
	}

	return &item, nil
}
