// Package opportunities provides access to the pipeline records that proposed
// actions are generated for.
package opportunities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/rs/zerolog"
)

// Repository handles opportunity records
//
// The pipeline subsystem owns these rows. This service writes only
// processing_status (worker pool) and last_intelligence_update_at (reconciler).
// Database: core.db (opportunities, opportunity_contacts tables)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new opportunity repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "opportunities").Logger(),
	}
}

const opportunityColumns = `o.id, o.organization, o.prospect, o.name, o.stage, o.stage_kind,
	o.processing_status, o.last_intelligence_update_at, o.created_at, o.updated_at`

// Get returns one opportunity with its contacts.
// A missing record is domain.ErrOpportunityNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Opportunity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities o WHERE o.id = ?`, id)

	opp, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOpportunityNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity %s: %w", id, err)
	}

	contacts, err := r.contacts(ctx, id)
	if err != nil {
		return nil, err
	}
	opp.ContactIDs = contacts

	return opp, nil
}

// HasContacts reports whether at least one contact is linked
func (r *Repository) HasContacts(ctx context.Context, id string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM opportunity_contacts WHERE opportunity = ?)
	`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check contacts for %s: %w", id, err)
	}
	return exists == 1, nil
}

// ListActiveStale returns open opportunities with at least one contact whose
// last intelligence update is strictly before cutoff or absent.
func (r *Repository) ListActiveStale(ctx context.Context, cutoff time.Time) ([]domain.Opportunity, error) {
	return r.list(ctx, `
		SELECT `+opportunityColumns+`
		FROM opportunities o
		WHERE o.stage_kind = 'open'
		  AND EXISTS (SELECT 1 FROM opportunity_contacts c WHERE c.opportunity = o.id)
		  AND (o.last_intelligence_update_at IS NULL OR o.last_intelligence_update_at < ?)
		ORDER BY COALESCE(o.last_intelligence_update_at, 0), o.id
	`, cutoff.Unix())
}

// ListClosedLostStale returns closed-lost opportunities whose last intelligence
// update is strictly before cutoff or absent, skipping any whose prospect still
// has another open opportunity.
func (r *Repository) ListClosedLostStale(ctx context.Context, cutoff time.Time) ([]domain.Opportunity, error) {
	return r.list(ctx, `
		SELECT `+opportunityColumns+`
		FROM opportunities o
		WHERE o.stage_kind = 'closed_lost'
		  AND (o.last_intelligence_update_at IS NULL OR o.last_intelligence_update_at < ?)
		  AND NOT EXISTS (
			SELECT 1 FROM opportunities other
			WHERE other.prospect = o.prospect
			  AND other.id <> o.id
			  AND other.stage_kind = 'open'
		  )
		ORDER BY COALESCE(o.last_intelligence_update_at, 0), o.id
	`, cutoff.Unix())
}

// SetProcessingStatus records the worker pool's view of the opportunity
func (r *Repository) SetProcessingStatus(ctx context.Context, id string, status domain.ProcessingStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE opportunities SET processing_status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set processing status for %s: %w", id, err)
	}
	return nil
}

// TouchIntelligenceUpdate moves the last intelligence update forward to at.
// An older at never rewinds the stored value.
func (r *Repository) TouchIntelligenceUpdate(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE opportunities
		SET last_intelligence_update_at = MAX(COALESCE(last_intelligence_update_at, 0), ?)
		WHERE id = ?
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch intelligence update for %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrOpportunityNotFound, id)
	}
	return nil
}

// Upsert inserts or replaces the pipeline-owned fields of an opportunity.
// Used by ingestion and tests; fields written by this service survive an update.
func (r *Repository) Upsert(ctx context.Context, opp domain.Opportunity) error {
	now := time.Now().Unix()
	stageKind := opp.StageKind
	if stageKind == "" {
		stageKind = domain.StageOpen
	}

	var lastUpdate interface{}
	if opp.LastIntelligenceUpdateAt != nil {
		lastUpdate = opp.LastIntelligenceUpdateAt.Unix()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO opportunities
		(id, organization, prospect, name, stage, stage_kind, processing_status,
		 last_intelligence_update_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization = excluded.organization,
			prospect = excluded.prospect,
			name = excluded.name,
			stage = excluded.stage,
			stage_kind = excluded.stage_kind,
			updated_at = excluded.updated_at
	`,
		opp.ID,
		opp.Organization,
		opp.Prospect,
		opp.Name,
		opp.Stage,
		string(stageKind),
		lastUpdate,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert opportunity %s: %w", opp.ID, err)
	}

	for _, contact := range opp.ContactIDs {
		if err := r.AddContact(ctx, opp.ID, contact); err != nil {
			return err
		}
	}
	return nil
}

// AddContact links a contact to an opportunity
func (r *Repository) AddContact(ctx context.Context, opportunityID, contactID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO opportunity_contacts (opportunity, contact) VALUES (?, ?)
	`, opportunityID, contactID)
	if err != nil {
		return fmt.Errorf("failed to add contact %s to %s: %w", contactID, opportunityID, err)
	}
	return nil
}

func (r *Repository) contacts(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT contact FROM opportunity_contacts WHERE opportunity = ? ORDER BY contact
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts for %s: %w", id, err)
	}
	defer rows.Close()

	contacts := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]domain.Opportunity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list opportunities: %w", err)
	}
	defer rows.Close()

	var result []domain.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		result = append(result, *opp)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOpportunity(s scanner) (*domain.Opportunity, error) {
	var opp domain.Opportunity
	var stageKind, processing string
	var lastUpdate sql.NullInt64
	var createdAt, updatedAt int64

	if err := s.Scan(
		&opp.ID,
		&opp.Organization,
		&opp.Prospect,
		&opp.Name,
		&opp.Stage,
		&stageKind,
		&processing,
		&lastUpdate,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	opp.StageKind = domain.StageKind(stageKind)
	opp.ProcessingStatus = domain.ProcessingStatus(processing)
	if lastUpdate.Valid {
		t := time.Unix(lastUpdate.Int64, 0).UTC()
		opp.LastIntelligenceUpdateAt = &t
	}
	opp.CreatedAt = time.Unix(createdAt, 0).UTC()
	opp.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &opp, nil
}
