package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/domain"
	"github.com/rs/zerolog"
)

// EmailScheduler creates the local side effect of an approved EMAIL action
type EmailScheduler interface {
	Schedule(ctx context.Context, tx *sql.Tx, action domain.ProposedAction, details domain.EmailDetails, at time.Time) (domain.ActivityRef, error)
}

// ApprovalService is the only external mutator of PROPOSED and UPDATED actions.
// Every call runs in one immediate transaction, so it either sees an action
// before a reconciliation pass locks it or after the pass released it.
type ApprovalService struct {
	repo   *Repository
	emails EmailScheduler
	log    zerolog.Logger
	now    func() time.Time
}

// NewApprovalService creates a new approval service
func NewApprovalService(repo *Repository, emails EmailScheduler, log zerolog.Logger) *ApprovalService {
	return &ApprovalService{
		repo:   repo,
		emails: emails,
		log:    log.With().Str("service", "approval").Logger(),
		now:    time.Now,
	}
}

// executesOnApproval lists the types whose side effect is performed by the
// system itself; everything else waits in APPROVED for a person to complete it.
var executesOnApproval = map[domain.ActionType]bool{
	domain.ActionEmail:               true,
	domain.ActionNoAction:            true,
	domain.ActionUpdatePipelineStage: true,
}

// Approve accepts a PROPOSED or UPDATED action.
// EMAIL actions get a scheduled email recorded in resultingActivities.
func (s *ApprovalService) Approve(ctx context.Context, id string) (*domain.ProposedAction, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, a *domain.ProposedAction) (Change, error) {
		if !executesOnApproval[a.Type] {
			return Change{Status: domain.StatusApproved}, nil
		}
		change := Change{Status: domain.StatusExecuted}

		if a.Type == domain.ActionEmail {
			details, ok := a.Details.(domain.EmailDetails)
			if !ok {
				return Change{}, fmt.Errorf("%w: action %s has no email payload", domain.ErrInvalidDetails, a.ID)
			}
			at := s.now().UTC()
			if details.ScheduledFor != nil && details.ScheduledFor.After(at) {
				at = details.ScheduledFor.UTC()
			}
			ref, err := s.emails.Schedule(ctx, tx, *a, details, at)
			if err != nil {
				return Change{}, err
			}
			change.ResultingActivities = append(append([]domain.ActivityRef{}, a.ResultingActivities...), ref)
		}
		return change, nil
	})
}

// Reject declines a PROPOSED or UPDATED action
func (s *ApprovalService) Reject(ctx context.Context, id string) (*domain.ProposedAction, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, a *domain.ProposedAction) (Change, error) {
		return Change{Status: domain.StatusRejected}, nil
	})
}

// UpdateDetails merges patch into the action's details (top-level keys; null
// removes a key), validates the result against the type schema and marks the
// action UPDATED.
func (s *ApprovalService) UpdateDetails(ctx context.Context, id string, patch json.RawMessage) (*domain.ProposedAction, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, a *domain.ProposedAction) (Change, error) {
		merged, err := mergeDetails(a.Details, patch)
		if err != nil {
			return Change{}, err
		}
		details, err := domain.DecodeDetails(a.Type, merged)
		if err != nil {
			return Change{}, err
		}
		return Change{Status: domain.StatusUpdated, Details: details}, nil
	})
}

// Complete marks an APPROVED action as carried out
func (s *ApprovalService) Complete(ctx context.Context, id string) (*domain.ProposedAction, error) {
	var result *domain.ProposedAction
	err := database.WithTransactionContext(ctx, s.repo.DB(), func(tx *sql.Tx) error {
		a, err := s.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status == domain.StatusProcessingUpdates {
			return domain.ErrActionLocked
		}
		if a.Status != domain.StatusApproved {
			return fmt.Errorf("%w: %s is %s", domain.ErrStatusConflict, id, a.Status)
		}
		if err := s.repo.Transition(ctx, tx, id, domain.StatusApproved, domain.StatusExecuted); err != nil {
			return err
		}
		result, err = s.repo.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ApprovalService) mutate(ctx context.Context, id string, decide func(*sql.Tx, *domain.ProposedAction) (Change, error)) (*domain.ProposedAction, error) {
	var result *domain.ProposedAction
	err := database.WithTransactionContext(ctx, s.repo.DB(), func(tx *sql.Tx) error {
		a, err := s.repo.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status == domain.StatusProcessingUpdates {
			return domain.ErrActionLocked
		}
		if !a.Status.IsApprovable() {
			return fmt.Errorf("%w: %s is %s", domain.ErrStatusConflict, id, a.Status)
		}

		change, err := decide(tx, a)
		if err != nil {
			return err
		}
		if err := s.repo.Apply(ctx, tx, id, a.Status, change); err != nil {
			return err
		}

		result, err = s.repo.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("action_id", id).
		Str("status", string(result.Status)).
		Msg("Action updated by approval")
	return result, nil
}

func mergeDetails(current domain.Details, patch json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if current != nil {
		raw, err := domain.EncodeDetails(current)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			return nil, fmt.Errorf("failed to decode current details: %w", err)
		}
	}

	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, fmt.Errorf("%w: patch must be an object: %v", domain.ErrInvalidDetails, err)
	}
	for key, value := range changes {
		if string(value) == "null" {
			delete(base, key)
			continue
		}
		base[key] = value
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged details: %w", err)
	}
	return merged, nil
}
