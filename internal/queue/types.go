package queue

import (
	"context"

	"github.com/aristath/nextaction/internal/domain"
)

// Handler processes one claimed queue item. A returned error fails the item;
// failed items are never requeued.
type Handler func(ctx context.Context, item domain.QueueItem) error

// ProcessingStatusWriter records an opportunity's processing status while
// the pool works on it
type ProcessingStatusWriter interface {
	SetProcessingStatus(ctx context.Context, opportunityID string, status domain.ProcessingStatus) error
}

// Status is a snapshot of the worker pool
type Status struct {
	Running    bool `json:"running"`
	Processing int  `json:"processing"`
	Workers    int  `json:"workers"`
}
