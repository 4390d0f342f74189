package domain

import "context"

// IntelligenceGenerator produces draft next actions for one opportunity.
// Draft content is opaque to this service; only the type and payload shape are checked.
type IntelligenceGenerator interface {
	Generate(ctx context.Context, opportunityID string) ([]Draft, error)
}

// SendPayload is what the messaging provider needs to deliver a scheduled email
type SendPayload struct {
	IdempotencyKey string   `json:"idempotencyKey"`
	ActionID       string   `json:"actionId"`
	Opportunity    string   `json:"opportunity"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	ThreadID       string   `json:"threadId,omitempty"`
	To             []string `json:"to"`
	Cc             []string `json:"cc,omitempty"`
}

// SendResult is the provider's answer to a send
type SendResult struct {
	ProviderMessageID string `json:"providerMessageId"`
	Error             string `json:"error,omitempty"`
	Success           bool   `json:"success"`
}

// MessagingProvider is the email/calendar provider sync layer
type MessagingProvider interface {
	// Send delivers a message. A result without Success is a failure.
	Send(ctx context.Context, payload SendPayload) (SendResult, error)

	// DeleteScheduledArtifact removes a provider-side artifact created for a
	// scheduled side effect. Deleting an unknown id is not an error.
	DeleteScheduledArtifact(ctx context.Context, id string) error
}
