package activities

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/rs/zerolog"
)

// Handler resolves references of one activity model
type Handler interface {
	// IsPending reports whether the referenced side effect has not happened yet
	IsPending(ctx context.Context, ref domain.ActivityRef) (bool, error)

	// Withdraw takes a pending side effect back from outside systems. It runs
	// before DeletePending and outside any transaction.
	Withdraw(ctx context.Context, ref domain.ActivityRef) error

	// DeletePending removes the local record of a pending side effect inside tx
	DeletePending(ctx context.Context, tx *sql.Tx, ref domain.ActivityRef) error
}

// Registry dispatches activity references to the handler for their model
type Registry struct {
	handlers map[domain.ActivityModel]Handler
	log      zerolog.Logger
}

// NewRegistry creates the registry with the built-in handlers
func NewRegistry(emails *ScheduledEmailStore, provider domain.MessagingProvider, log zerolog.Logger) *Registry {
	r := &Registry{
		handlers: make(map[domain.ActivityModel]Handler),
		log:      log.With().Str("component", "activity_registry").Logger(),
	}
	r.Register(domain.ModelScheduledEmail, &scheduledEmailHandler{store: emails, provider: provider, log: r.log})
	r.Register(domain.ModelEmailActivity, deliveredHandler{})
	r.Register(domain.ModelCalendarActivity, deliveredHandler{})
	return r
}

// Register installs or replaces the handler for model
func (r *Registry) Register(model domain.ActivityModel, h Handler) {
	r.handlers[model] = h
}

// PendingRefs returns the references among refs whose side effect is still pending
func (r *Registry) PendingRefs(ctx context.Context, refs []domain.ActivityRef) ([]domain.ActivityRef, error) {
	var pending []domain.ActivityRef
	for _, ref := range refs {
		h, ok := r.handlers[ref.Model]
		if !ok {
			r.log.Warn().
				Str("activity_id", ref.ID).
				Str("activity_model", string(ref.Model)).
				Msg("Unknown activity model, ignoring")
			continue
		}
		isPending, err := h.IsPending(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s %s: %w", ref.Model, ref.ID, err)
		}
		if isPending {
			pending = append(pending, ref)
		}
	}
	return pending, nil
}

// HasPending reports whether any of refs is still pending
func (r *Registry) HasPending(ctx context.Context, refs []domain.ActivityRef) (bool, error) {
	pending, err := r.PendingRefs(ctx, refs)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// Withdraw takes every pending side effect among refs back from the systems
// it reached. Provider calls can be slow, so callers must not hold a write
// transaction here.
func (r *Registry) Withdraw(ctx context.Context, refs []domain.ActivityRef) error {
	for _, ref := range refs {
		h, ok := r.handlers[ref.Model]
		if !ok {
			continue
		}
		if err := h.Withdraw(ctx, ref); err != nil {
			return fmt.Errorf("failed to withdraw %s %s: %w", ref.Model, ref.ID, err)
		}
	}
	return nil
}

// DeletePending removes every pending side effect among refs inside tx
func (r *Registry) DeletePending(ctx context.Context, tx *sql.Tx, refs []domain.ActivityRef) error {
	for _, ref := range refs {
		h, ok := r.handlers[ref.Model]
		if !ok {
			continue
		}
		if err := h.DeletePending(ctx, tx, ref); err != nil {
			return fmt.Errorf("failed to delete pending %s %s: %w", ref.Model, ref.ID, err)
		}
	}
	return nil
}

// scheduledEmailHandler resolves local scheduled emails.
// Records in sending may already be at the provider, so their artifact is
// withdrawn there too, keyed by the record id used as idempotency key.
type scheduledEmailHandler struct {
	store    *ScheduledEmailStore
	provider domain.MessagingProvider
	log      zerolog.Logger
}

func (h *scheduledEmailHandler) IsPending(ctx context.Context, ref domain.ActivityRef) (bool, error) {
	rec, err := h.store.Get(ctx, nil, ref.ID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.Status == ScheduledPending || rec.Status == ScheduledSending, nil
}

func (h *scheduledEmailHandler) Withdraw(ctx context.Context, ref domain.ActivityRef) error {
	if h.provider == nil {
		return nil
	}
	rec, err := h.store.Get(ctx, nil, ref.ID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != ScheduledSending {
		return nil
	}

	if err := h.provider.DeleteScheduledArtifact(ctx, rec.ID); err != nil {
		return fmt.Errorf("failed to withdraw in-flight email %s: %w", rec.ID, err)
	}
	h.log.Info().Str("scheduled_email_id", rec.ID).Msg("Withdrew in-flight email at provider")
	return nil
}

func (h *scheduledEmailHandler) DeletePending(ctx context.Context, tx *sql.Tx, ref domain.ActivityRef) error {
	rec, err := h.store.Get(ctx, tx, ref.ID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status == ScheduledFailed {
		return nil
	}
	return h.store.Delete(ctx, tx, rec.ID)
}

// deliveredHandler covers activities owned entirely by the provider.
// They are facts, never pending.
type deliveredHandler struct{}

func (deliveredHandler) IsPending(ctx context.Context, ref domain.ActivityRef) (bool, error) {
	return false, nil
}

func (deliveredHandler) Withdraw(ctx context.Context, ref domain.ActivityRef) error {
	return nil
}

func (deliveredHandler) DeletePending(ctx context.Context, tx *sql.Tx, ref domain.ActivityRef) error {
	return nil
}
