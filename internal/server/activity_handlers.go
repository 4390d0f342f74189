package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/modules/opportunities"
	"github.com/aristath/nextaction/internal/queue"
)

// IngestRequest announces an inbound activity for an opportunity
type IngestRequest struct {
	Activity      *domain.ActivityRef `json:"activity,omitempty"`
	OpportunityID string              `json:"opportunityId"`
	ContactID     string              `json:"contactId,omitempty"`
}

// IngestResponse reports the queue item covering the activity
type IngestResponse struct {
	Item     *domain.QueueItem `json:"item"`
	Enqueued bool              `json:"enqueued"`
}

// ActivityHandlers turns inbound activities into queue items
type ActivityHandlers struct {
	opportunities *opportunities.Repository
	queue         *queue.Store
	pool          *queue.Pool
	log           zerolog.Logger
}

// NewActivityHandlers creates the activity handlers
func NewActivityHandlers(opps *opportunities.Repository, store *queue.Store, pool *queue.Pool, log zerolog.Logger) *ActivityHandlers {
	return &ActivityHandlers{
		opportunities: opps,
		queue:         store,
		pool:          pool,
		log:           log.With().Str("handlers", "activities").Logger(),
	}
}

// HandleIngest enqueues an activity item for the opportunity. When an
// equivalent item is already pending or processing the existing one is
// returned with enqueued=false.
// POST /api/activities
func (h *ActivityHandlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, h.log, "invalid request body")
		return
	}
	if req.OpportunityID == "" {
		badRequest(w, h.log, "opportunityId is required")
		return
	}
	if req.Activity != nil && (req.Activity.ID == "" || req.Activity.Model == "") {
		badRequest(w, h.log, "activity needs activityId and activityModel")
		return
	}

	opp, err := h.opportunities.Get(r.Context(), req.OpportunityID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	item, enqueued, err := h.queue.Enqueue(r.Context(), domain.QueueItem{
		Type:        domain.QueueItemActivity,
		Opportunity: opp.ID,
		Prospect:    opp.Prospect,
		Contact:     req.ContactID,
		Activity:    req.Activity,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if enqueued && h.pool != nil {
		h.pool.Trigger()
	}

	status := http.StatusAccepted
	if !enqueued {
		status = http.StatusOK
	}
	writeJSON(w, h.log, status, IngestResponse{Item: item, Enqueued: enqueued})
}
