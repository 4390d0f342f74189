// Package actions provides the proposed action store and the approval service.
package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository handles proposed action records
//
// Every status change is a conditional UPDATE on the current status, so two
// writers racing on the same action resolve to one winner and one
// domain.ErrStatusConflict.
// Database: core.db (proposed_actions table)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new proposed action repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "actions").Logger(),
	}
}

// DB returns the connection used by the repository
func (r *Repository) DB() *sql.DB {
	return r.db
}

const actionColumns = `id, organization, opportunity, type, status, details, reasoning,
	source_activities, resulting_activities, sub_actions, created_by, processed_by_ai,
	created_at, updated_at`

// Create inserts a new action. ID, timestamps and empty collections are filled in.
func (r *Repository) Create(ctx context.Context, q database.Querier, a *domain.ProposedAction) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC().Truncate(time.Second)
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.SourceActivities == nil {
		a.SourceActivities = []domain.ActivityRef{}
	}
	if a.ResultingActivities == nil {
		a.ResultingActivities = []domain.ActivityRef{}
	}
	if a.SubActions == nil {
		a.SubActions = []domain.SubAction{}
	}

	details, err := domain.EncodeDetails(a.Details)
	if err != nil {
		return err
	}
	sources, resulting, subActions, err := encodeCollections(a.SourceActivities, a.ResultingActivities, a.SubActions)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO proposed_actions
		(id, organization, opportunity, type, status, details, reasoning,
		 source_activities, resulting_activities, sub_actions, created_by,
		 processed_by_ai, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		a.ID,
		a.Organization,
		a.Opportunity,
		string(a.Type),
		string(a.Status),
		string(details),
		a.Reasoning,
		sources,
		resulting,
		subActions,
		a.CreatedBy,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

// Get returns one action. A missing record is domain.ErrActionNotFound.
func (r *Repository) Get(ctx context.Context, q database.Querier, id string) (*domain.ProposedAction, error) {
	if q == nil {
		q = r.db
	}
	row := q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM proposed_actions WHERE id = ?`, id)
	a, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrActionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %s: %w", id, err)
	}
	return a, nil
}

// ListForOpportunity returns every action of an opportunity, oldest first
func (r *Repository) ListForOpportunity(ctx context.Context, opportunity string) ([]domain.ProposedAction, error) {
	return r.list(ctx, `
		SELECT `+actionColumns+` FROM proposed_actions
		WHERE opportunity = ?
		ORDER BY created_at, id
	`, opportunity)
}

// ListOpenForOpportunity returns the actions a reconciliation pass may touch:
// PROPOSED, UPDATED, APPROVED, and EXECUTED ones that still reference
// resulting activities. Whether those activities are still pending is decided
// by the activities registry.
func (r *Repository) ListOpenForOpportunity(ctx context.Context, opportunity string) ([]domain.ProposedAction, error) {
	return r.list(ctx, `
		SELECT `+actionColumns+` FROM proposed_actions
		WHERE opportunity = ?
		  AND (status IN ('PROPOSED', 'UPDATED', 'APPROVED')
		       OR (status = 'EXECUTED' AND resulting_activities <> '[]'))
		ORDER BY created_at, id
	`, opportunity)
}

// HasProposed reports whether the opportunity holds at least one PROPOSED action
func (r *Repository) HasProposed(ctx context.Context, opportunity string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM proposed_actions WHERE opportunity = ? AND status = 'PROPOSED')
	`, opportunity).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check proposed actions for %s: %w", opportunity, err)
	}
	return exists == 1, nil
}

// ListDateTriggered returns EXECUTED actions not yet consumed by the scheduler
// whose NO_ACTION next review date or TASK due date is today (YYYY-MM-DD).
func (r *Repository) ListDateTriggered(ctx context.Context, today string) ([]domain.ProposedAction, error) {
	return r.list(ctx, `
		SELECT `+actionColumns+` FROM proposed_actions
		WHERE status = 'EXECUTED'
		  AND processed_by_ai = 0
		  AND (
			(type = 'NO_ACTION' AND json_extract(details, '$.nextReviewDate') = ?)
			OR (type = 'TASK' AND json_extract(details, '$.dueDate') = ?)
		  )
		ORDER BY opportunity, created_at
	`, today, today)
}

// ListWaitElapsed returns live NO_ACTION actions whose waitUntil is at or before now
func (r *Repository) ListWaitElapsed(ctx context.Context, now time.Time) ([]domain.ProposedAction, error) {
	candidates, err := r.list(ctx, `
		SELECT `+actionColumns+` FROM proposed_actions
		WHERE type = 'NO_ACTION'
		  AND status IN ('PROPOSED', 'UPDATED', 'APPROVED', 'EXECUTED')
		  AND processed_by_ai = 0
		  AND json_extract(details, '$.waitUntil') IS NOT NULL
		ORDER BY opportunity, created_at
	`)
	if err != nil {
		return nil, err
	}

	var elapsed []domain.ProposedAction
	for _, a := range candidates {
		d, ok := a.Details.(domain.NoActionDetails)
		if !ok || d.WaitUntil == nil {
			continue
		}
		if !d.WaitUntil.After(now) {
			elapsed = append(elapsed, a)
		}
	}
	return elapsed, nil
}

// MarkProcessedByAI flags actions as consumed so they never retrigger
func (r *Repository) MarkProcessedByAI(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]interface{}{time.Now().Unix()}, stringArgs(ids)...)
	_, err := r.db.ExecContext(ctx, `
		UPDATE proposed_actions SET processed_by_ai = 1, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark actions processed: %w", err)
	}
	return nil
}

// LockForProcessing moves each action from its current status to
// PROCESSING UPDATES, remembering the previous status. Actions whose status
// changed since they were read are skipped. Returns the locked actions.
func (r *Repository) LockForProcessing(ctx context.Context, candidates []domain.ProposedAction) ([]domain.ProposedAction, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var locked []domain.ProposedAction
	now := time.Now().Unix()
	err := database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		for _, a := range candidates {
			result, err := tx.ExecContext(ctx, `
				UPDATE proposed_actions
				SET previous_status = status, status = ?, processing_started_at = ?, updated_at = ?
				WHERE id = ? AND status = ?
			`, string(domain.StatusProcessingUpdates), now, now, a.ID, string(a.Status))
			if err != nil {
				return fmt.Errorf("failed to lock action %s: %w", a.ID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to lock action %s: %w", a.ID, err)
			}
			if n == 1 {
				locked = append(locked, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locked, nil
}

// Unlock restores the status held before PROCESSING UPDATES
func (r *Repository) Unlock(ctx context.Context, q database.Querier, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if q == nil {
		q = r.db
	}
	args := append([]interface{}{time.Now().Unix()}, stringArgs(ids)...)
	_, err := q.ExecContext(ctx, `
		UPDATE proposed_actions
		SET status = COALESCE(previous_status, status),
			previous_status = NULL,
			processing_started_at = NULL,
			updated_at = ?
		WHERE status = 'PROCESSING UPDATES' AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to unlock actions: %w", err)
	}
	return nil
}

// RestoreStaleProcessing unlocks actions stuck in PROCESSING UPDATES since
// before olderThan, which only happens when a pass died mid-flight.
func (r *Repository) RestoreStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE proposed_actions
		SET status = COALESCE(previous_status, 'PROPOSED'),
			previous_status = NULL,
			processing_started_at = NULL,
			updated_at = ?
		WHERE status = 'PROCESSING UPDATES'
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, time.Now().Unix(), olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to restore stale processing actions: %w", err)
	}
	return result.RowsAffected()
}

// Change describes the fields Apply writes. Nil fields are left untouched;
// a non-nil empty slice clears the collection.
type Change struct {
	Details             domain.Details
	Reasoning           *string
	SourceActivities    []domain.ActivityRef
	ResultingActivities []domain.ActivityRef
	Status              domain.ActionStatus
}

// Apply writes change to the action if it is still in status from.
// A mismatch is domain.ErrStatusConflict.
func (r *Repository) Apply(ctx context.Context, q database.Querier, id string, from domain.ActionStatus, change Change) error {
	sets := []string{"status = ?", "previous_status = NULL", "processing_started_at = NULL", "updated_at = ?"}
	args := []interface{}{string(change.Status), time.Now().Unix()}

	if change.Details != nil {
		raw, err := domain.EncodeDetails(change.Details)
		if err != nil {
			return err
		}
		sets = append(sets, "details = ?")
		args = append(args, string(raw))
	}
	if change.Reasoning != nil {
		sets = append(sets, "reasoning = ?")
		args = append(args, *change.Reasoning)
	}
	if change.SourceActivities != nil {
		raw, err := json.Marshal(change.SourceActivities)
		if err != nil {
			return fmt.Errorf("failed to encode source activities: %w", err)
		}
		sets = append(sets, "source_activities = ?")
		args = append(args, string(raw))
	}
	if change.ResultingActivities != nil {
		raw, err := json.Marshal(change.ResultingActivities)
		if err != nil {
			return fmt.Errorf("failed to encode resulting activities: %w", err)
		}
		sets = append(sets, "resulting_activities = ?")
		args = append(args, string(raw))
	}
	args = append(args, id, string(from))

	result, err := q.ExecContext(ctx, `
		UPDATE proposed_actions SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND status = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update action %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update action %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not %s", domain.ErrStatusConflict, id, from)
	}
	return nil
}

// Transition moves an action from one status to another
func (r *Repository) Transition(ctx context.Context, q database.Querier, id string, from, to domain.ActionStatus) error {
	return r.Apply(ctx, q, id, from, Change{Status: to})
}

// SetResultingActivities replaces the resulting activities without touching status
func (r *Repository) SetResultingActivities(ctx context.Context, q database.Querier, id string, refs []domain.ActivityRef) error {
	if refs == nil {
		refs = []domain.ActivityRef{}
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("failed to encode resulting activities: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE proposed_actions SET resulting_activities = ?, updated_at = ? WHERE id = ?
	`, string(raw), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set resulting activities for %s: %w", id, err)
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]domain.ProposedAction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var result []domain.ProposedAction
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scan(s scanner) (*domain.ProposedAction, error) {
	var a domain.ProposedAction
	var typ, status, details, sources, resulting, subActions string
	var processed int
	var createdAt, updatedAt int64

	if err := s.Scan(
		&a.ID,
		&a.Organization,
		&a.Opportunity,
		&typ,
		&status,
		&details,
		&a.Reasoning,
		&sources,
		&resulting,
		&subActions,
		&a.CreatedBy,
		&processed,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	a.Type = domain.ActionType(typ)
	a.Status = domain.ActionStatus(status)
	a.ProcessedByAI = processed == 1
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	d, err := domain.DecodeDetails(a.Type, json.RawMessage(details))
	if err != nil {
		// Keep the record visible; a broken payload is overwritten by the next pass
		r.log.Warn().Err(err).Str("action_id", a.ID).Msg("Stored details do not match schema")
	} else {
		a.Details = d
	}

	if err := json.Unmarshal([]byte(sources), &a.SourceActivities); err != nil {
		return nil, fmt.Errorf("failed to decode source activities of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(resulting), &a.ResultingActivities); err != nil {
		return nil, fmt.Errorf("failed to decode resulting activities of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(subActions), &a.SubActions); err != nil {
		return nil, fmt.Errorf("failed to decode sub actions of %s: %w", a.ID, err)
	}

	return &a, nil
}

func encodeCollections(sources, resulting []domain.ActivityRef, subActions []domain.SubAction) (string, string, string, error) {
	s, err := json.Marshal(sources)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode source activities: %w", err)
	}
	res, err := json.Marshal(resulting)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode resulting activities: %w", err)
	}
	sub, err := json.Marshal(subActions)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode sub actions: %w", err)
	}
	return string(s), string(res), string(sub), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
