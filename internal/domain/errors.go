package domain

import "errors"

var (
	// ErrOpportunityNotFound is a data-integrity error: the referenced opportunity is gone
	ErrOpportunityNotFound = errors.New("opportunity not found")
	// ErrActionNotFound is returned when a proposed action does not exist
	ErrActionNotFound = errors.New("proposed action not found")
	// ErrStatusConflict is returned when a conditional status transition finds another status
	ErrStatusConflict = errors.New("action status conflict")
	// ErrActionLocked is returned while an action is in PROCESSING UPDATES
	ErrActionLocked = errors.New("action is processing updates")
	// ErrTickInProgress is returned when a guarded job is already running
	ErrTickInProgress = errors.New("tick already in progress")
	// ErrDeliveryRejected is returned when the provider answers without success
	ErrDeliveryRejected = errors.New("delivery rejected by provider")
	// ErrUnknownActionType is returned for action types outside the tagged union
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrInvalidDetails is returned when a payload does not match its type schema
	ErrInvalidDetails = errors.New("invalid action details")
	// ErrNotClaimable is returned when a scheduled record left the expected state
	ErrNotClaimable = errors.New("scheduled record not claimable")
)
