package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDetails_Variants(t *testing.T) {
	tests := []struct {
		name     string
		typ      ActionType
		raw      string
		expected Details
	}{
		{
			name:     "email",
			typ:      ActionEmail,
			raw:      `{"to":["ana@acme.test"],"subject":"Hi","body":"Following up"}`,
			expected: EmailDetails{To: []string{"ana@acme.test"}, Subject: "Hi", Body: "Following up"},
		},
		{
			name:     "task with due date",
			typ:      ActionTask,
			raw:      `{"title":"Send pricing","dueDate":"2026-03-01"}`,
			expected: TaskDetails{Title: "Send pricing", DueDate: "2026-03-01"},
		},
		{
			name:     "no action without fields",
			typ:      ActionNoAction,
			raw:      `{}`,
			expected: NoActionDetails{},
		},
		{
			name:     "pipeline stage",
			typ:      ActionUpdatePipelineStage,
			raw:      `{"toStage":"negotiation"}`,
			expected: UpdatePipelineStageDetails{ToStage: "negotiation"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeDetails(tt.typ, json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
			assert.Equal(t, tt.typ, d.ActionType())
		})
	}
}

func TestDecodeDetails_Rejects(t *testing.T) {
	tests := []struct {
		name string
		typ  ActionType
		raw  string
		want error
	}{
		{name: "unknown type", typ: ActionType("FAX"), raw: `{}`, want: ErrUnknownActionType},
		{name: "missing required field", typ: ActionEmail, raw: `{"subject":"Hi","body":"x"}`, want: ErrInvalidDetails},
		{name: "extra field", typ: ActionLookup, raw: `{"query":"q","color":"red"}`, want: ErrInvalidDetails},
		{name: "bad date", typ: ActionTask, raw: `{"title":"t","dueDate":"tomorrow"}`, want: ErrInvalidDetails},
		{name: "not an object", typ: ActionCall, raw: `[1,2]`, want: ErrInvalidDetails},
		{name: "malformed json", typ: ActionCall, raw: `{`, want: ErrInvalidDetails},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDetails(tt.typ, json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEveryActionTypeHasSchema(t *testing.T) {
	for _, typ := range ActionTypes {
		err := ValidateDetails(typ, json.RawMessage(`{}`))
		// Some variants require fields; the error must be a validation error, never a missing schema
		if err != nil {
			assert.True(t, errors.Is(err, ErrInvalidDetails), "%s: %v", typ, err)
		}
	}
}

func TestDetailsEqual(t *testing.T) {
	at := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	a := EmailDetails{To: []string{"a@x.test"}, Subject: "S", Body: "B", ScheduledFor: &at}
	b := EmailDetails{To: []string{"a@x.test"}, Subject: "S", Body: "B", ScheduledFor: &at}
	c := EmailDetails{To: []string{"a@x.test"}, Subject: "S", Body: "Changed"}

	assert.True(t, DetailsEqual(a, b))
	assert.False(t, DetailsEqual(a, c))
	assert.False(t, DetailsEqual(a, TaskDetails{Title: "S"}))
	assert.True(t, DetailsEqual(nil, nil))
	assert.False(t, DetailsEqual(a, nil))
}

func TestProposedActionMarshalJSON_InlinesDetails(t *testing.T) {
	action := ProposedAction{
		ID:      "a1",
		Type:    ActionLookup,
		Status:  StatusProposed,
		Details: LookupDetails{Query: "funding round"},
	}

	raw, err := json.Marshal(action)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "PROPOSED", decoded["status"])
	assert.Equal(t, map[string]interface{}{"query": "funding round"}, decoded["details"])
}

func TestActionStatusPredicates(t *testing.T) {
	for _, s := range []ActionStatus{StatusExecuted, StatusRejected, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsApprovable(), s)
	}
	for _, s := range []ActionStatus{StatusProposed, StatusUpdated} {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsApprovable(), s)
	}
	assert.False(t, StatusProcessingUpdates.IsTerminal())
	assert.False(t, StatusProcessingUpdates.IsApprovable())
	assert.False(t, StatusApproved.IsApprovable())
}

func TestQueueStatusIsActive(t *testing.T) {
	assert.True(t, QueuePending.IsActive())
	assert.True(t, QueueProcessing.IsActive())
	assert.False(t, QueueCompleted.IsActive())
	assert.False(t, QueueFailed.IsActive())
}
