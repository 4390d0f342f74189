package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/modules/actions"
)

// ActionHandlers exposes the approval API. Mutations of an action that is
// PROCESSING UPDATES are refused with 409.
type ActionHandlers struct {
	repo     *actions.Repository
	approval *actions.ApprovalService
	log      zerolog.Logger
}

// NewActionHandlers creates the action handlers
func NewActionHandlers(repo *actions.Repository, approval *actions.ApprovalService, log zerolog.Logger) *ActionHandlers {
	return &ActionHandlers{
		repo:     repo,
		approval: approval,
		log:      log.With().Str("handlers", "actions").Logger(),
	}
}

// HandleListForOpportunity returns every action of an opportunity
// GET /api/opportunities/{id}/actions
func (h *ActionHandlers) HandleListForOpportunity(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListForOpportunity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if list == nil {
		list = []domain.ProposedAction{}
	}
	writeJSON(w, h.log, http.StatusOK, list)
}

// HandleGet returns one action
// GET /api/actions/{id}
func (h *ActionHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.Get(r.Context(), nil, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, a)
}

// HandleApprove approves a PROPOSED or UPDATED action
// POST /api/actions/{id}/approve
func (h *ActionHandlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.approval.Approve)
}

// HandleReject rejects a PROPOSED or UPDATED action
// POST /api/actions/{id}/reject
func (h *ActionHandlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.approval.Reject)
}

// HandleComplete marks an APPROVED action as carried out
// POST /api/actions/{id}/complete
func (h *ActionHandlers) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.approval.Complete)
}

// HandleUpdateDetails merges a JSON object into the action's details
// PATCH /api/actions/{id}/details
func (h *ActionHandlers) HandleUpdateDetails(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, h.log, "failed to read body")
		return
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		badRequest(w, h.log, "details patch must be a JSON object")
		return
	}

	h.mutate(w, r, func(ctx context.Context, id string) (*domain.ProposedAction, error) {
		return h.approval.UpdateDetails(ctx, id, body)
	})
}

func (h *ActionHandlers) mutate(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*domain.ProposedAction, error)) {
	id := chi.URLParam(r, "id")
	a, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info().Str("action", id).Str("status", string(a.Status)).Msg("Action updated")
	writeJSON(w, h.log, http.StatusOK, a)
}
