package testing

import (
	"context"
	"sync"

	"github.com/aristath/nextaction/internal/domain"
)

// MockGenerator is a mock implementation of domain.IntelligenceGenerator for testing
type MockGenerator struct {
	mu     sync.Mutex
	drafts map[string][]domain.Draft
	errs   map[string]error
	calls  []string
}

// NewMockGenerator creates a new mock generator
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		drafts: make(map[string][]domain.Draft),
		errs:   make(map[string]error),
	}
}

// SetDrafts sets the drafts returned for an opportunity
func (m *MockGenerator) SetDrafts(opportunityID string, drafts ...domain.Draft) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[opportunityID] = drafts
}

// SetError sets the error returned for an opportunity
func (m *MockGenerator) SetError(opportunityID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[opportunityID] = err
}

// Generate returns the configured drafts
func (m *MockGenerator) Generate(ctx context.Context, opportunityID string) ([]domain.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, opportunityID)
	if err := m.errs[opportunityID]; err != nil {
		return nil, err
	}
	return m.drafts[opportunityID], nil
}

// Calls returns the opportunities Generate was called with, in order
func (m *MockGenerator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockMessagingProvider is a mock implementation of domain.MessagingProvider for testing
type MockMessagingProvider struct {
	mu       sync.Mutex
	result   domain.SendResult
	err      error
	sent     []domain.SendPayload
	deleted  []string
	sendHook func(domain.SendPayload)
	delHook  func(id string) error
}

// NewMockMessagingProvider creates a provider that accepts every send
func NewMockMessagingProvider() *MockMessagingProvider {
	return &MockMessagingProvider{
		result: domain.SendResult{Success: true, ProviderMessageID: "msg-1"},
	}
}

// SetResult sets the result returned by Send
func (m *MockMessagingProvider) SetResult(result domain.SendResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

// SetError sets the error returned by Send
func (m *MockMessagingProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// OnSend registers a hook invoked inside Send
func (m *MockMessagingProvider) OnSend(hook func(domain.SendPayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendHook = hook
}

// Send records the payload and returns the configured result
func (m *MockMessagingProvider) Send(ctx context.Context, payload domain.SendPayload) (domain.SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, payload)
	hook, result, err := m.sendHook, m.result, m.err
	m.mu.Unlock()

	if hook != nil {
		hook(payload)
	}
	if err != nil {
		return domain.SendResult{}, err
	}
	return result, nil
}

// OnDelete registers a hook invoked inside DeleteScheduledArtifact; its
// error is returned to the caller
func (m *MockMessagingProvider) OnDelete(hook func(id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delHook = hook
}

// DeleteScheduledArtifact records the deletion
func (m *MockMessagingProvider) DeleteScheduledArtifact(ctx context.Context, id string) error {
	m.mu.Lock()
	hook := m.delHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

// Sent returns every payload passed to Send
func (m *MockMessagingProvider) Sent() []domain.SendPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SendPayload, len(m.sent))
	copy(out, m.sent)
	return out
}

// Deleted returns every artifact id passed to DeleteScheduledArtifact
func (m *MockMessagingProvider) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}
