// Package domain provides core domain models and types.
package domain

import (
	"encoding/json"
	"time"
)

// StageKind classifies a pipeline stage
type StageKind string

const (
	StageOpen       StageKind = "open"
	StageClosedWon  StageKind = "closed_won"
	StageClosedLost StageKind = "closed_lost"
)

// ProcessingStatus is the opportunity-level marker written by the worker pool
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Opportunity is a tracked sales deal tied to a prospect organization.
// The record is owned by the pipeline subsystem; this service only writes
// ProcessingStatus and LastIntelligenceUpdateAt.
type Opportunity struct {
	LastIntelligenceUpdateAt *time.Time       `json:"last_intelligence_update_at,omitempty"`
	CreatedAt                time.Time        `json:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at"`
	ID                       string           `json:"id"`
	Organization             string           `json:"organization"`
	Prospect                 string           `json:"prospect"`
	Name                     string           `json:"name"`
	Stage                    string           `json:"stage"`
	StageKind                StageKind        `json:"stage_kind"`
	ProcessingStatus         ProcessingStatus `json:"processing_status"`
	ContactIDs               []string         `json:"contact_ids"`
}

// IsOpen reports whether the opportunity is in a non-closed stage
func (o Opportunity) IsOpen() bool {
	return o.StageKind == StageOpen
}

// QueueItemType identifies why a queue item exists
type QueueItemType string

const (
	// QueueItemActivity is created by activity ingestion
	QueueItemActivity QueueItemType = "activity"
	// QueueItemReprocessing is created when a wait-until date elapses
	QueueItemReprocessing QueueItemType = "opportunity_reprocessing"
)

// QueueStatus is the lifecycle state of a queue item
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// IsActive reports whether the item still occupies its opportunity/prospect key
func (s QueueStatus) IsActive() bool {
	return s == QueuePending || s == QueueProcessing
}

// QueueItem is a durable unit of pending reconciliation work
type QueueItem struct {
	CreatedAt   time.Time     `json:"created_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	Activity    *ActivityRef  `json:"activity,omitempty"`
	ID          string        `json:"id"`
	Type        QueueItemType `json:"queue_item_type"`
	Opportunity string        `json:"opportunity,omitempty"`
	Prospect    string        `json:"prospect,omitempty"`
	Contact     string        `json:"contact,omitempty"`
	Status      QueueStatus   `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	Attempts    int           `json:"attempts"`
}

// ActionType is the kind of recommended next step
type ActionType string

const (
	ActionEmail               ActionType = "EMAIL"
	ActionCall                ActionType = "CALL"
	ActionMeeting             ActionType = "MEETING"
	ActionTask                ActionType = "TASK"
	ActionLinkedInMessage     ActionType = "LINKEDIN_MESSAGE"
	ActionLookup              ActionType = "LOOKUP"
	ActionNoAction            ActionType = "NO_ACTION"
	ActionUpdatePipelineStage ActionType = "UPDATE_PIPELINE_STAGE"
)

// ActionTypes lists every known action type
var ActionTypes = []ActionType{
	ActionEmail,
	ActionCall,
	ActionMeeting,
	ActionTask,
	ActionLinkedInMessage,
	ActionLookup,
	ActionNoAction,
	ActionUpdatePipelineStage,
}

// Valid reports whether t is a known action type
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActionStatus is the lifecycle state of a proposed action
type ActionStatus string

const (
	// StatusProposed - awaiting approval
	StatusProposed ActionStatus = "PROPOSED"
	// StatusProcessingUpdates - mid re-evaluation, approval is blocked
	StatusProcessingUpdates ActionStatus = "PROCESSING UPDATES"
	StatusApproved          ActionStatus = "APPROVED"
	StatusUpdated           ActionStatus = "UPDATED"
	// StatusExecuted - side effect performed or scheduled
	StatusExecuted  ActionStatus = "EXECUTED"
	StatusRejected  ActionStatus = "REJECTED"
	StatusCancelled ActionStatus = "CANCELLED"
)

// IsTerminal reports whether the record is finished. A later pass may still
// create a new action for the same opportunity.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsApprovable reports whether the approval API may mutate the action
func (s ActionStatus) IsApprovable() bool {
	return s == StatusProposed || s == StatusUpdated
}

// Action creators
const (
	CreatedByAI   = "ai"
	CreatedByUser = "user"
)

// SubAction is an ordered step inside a proposed action
type SubAction struct {
	Type        ActionType      `json:"type"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// ProposedAction is a recommended next outreach step
type ProposedAction struct {
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	Details             Details       `json:"-"`
	ID                  string        `json:"id"`
	Organization        string        `json:"organization"`
	Opportunity         string        `json:"opportunity"`
	Type                ActionType    `json:"type"`
	Status              ActionStatus  `json:"status"`
	Reasoning           string        `json:"reasoning"`
	CreatedBy           string        `json:"created_by"`
	SourceActivities    []ActivityRef `json:"source_activities"`
	ResultingActivities []ActivityRef `json:"resulting_activities"`
	SubActions          []SubAction   `json:"sub_actions"`
	ProcessedByAI       bool          `json:"processed_by_ai"`
}

// MarshalJSON renders details inline so API clients see the tagged union
func (a ProposedAction) MarshalJSON() ([]byte, error) {
	type alias ProposedAction
	var details json.RawMessage
	if a.Details != nil {
		raw, err := EncodeDetails(a.Details)
		if err != nil {
			return nil, err
		}
		details = raw
	}
	return json.Marshal(struct {
		alias
		Details json.RawMessage `json:"details,omitempty"`
	}{alias: alias(a), Details: details})
}

// ActivityModel names the subsystem that owns a referenced activity
type ActivityModel string

const (
	// ModelEmailActivity - a message already delivered by the provider
	ModelEmailActivity ActivityModel = "EmailActivity"
	// ModelCalendarActivity - a calendar event owned by the provider
	ModelCalendarActivity ActivityModel = "CalendarActivity"
	// ModelScheduledEmail - a locally held message awaiting delivery
	ModelScheduledEmail ActivityModel = "ScheduledEmail"
)

// ActivityRef is a weak reference to a record owned elsewhere
type ActivityRef struct {
	ID    string        `json:"activityId"`
	Model ActivityModel `json:"activityModel"`
}

// NewActivityRef builds a reference
func NewActivityRef(id string, model ActivityModel) ActivityRef {
	return ActivityRef{ID: id, Model: model}
}

// ContainsRef reports whether refs already holds ref
func ContainsRef(refs []ActivityRef, ref ActivityRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

// Draft is one next action suggested by the intelligence generator
type Draft struct {
	Type             ActionType      `json:"type"`
	Details          json.RawMessage `json:"details"`
	Reasoning        string          `json:"reasoning"`
	SourceActivities []ActivityRef   `json:"sourceActivities"`
}
