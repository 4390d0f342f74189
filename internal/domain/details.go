package domain

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var detailsSchemaFS embed.FS

// Details is the type-specific payload of a proposed action.
// Exactly one variant exists per ActionType.
type Details interface {
	ActionType() ActionType
}

// EmailDetails describes an outbound message
type EmailDetails struct {
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	ThreadID     string     `json:"threadId,omitempty"`
	To           []string   `json:"to"`
	Cc           []string   `json:"cc,omitempty"`
}

// CallDetails describes a phone call
type CallDetails struct {
	ContactID     string   `json:"contactId,omitempty"`
	PhoneNumber   string   `json:"phoneNumber,omitempty"`
	Objective     string   `json:"objective"`
	TalkingPoints []string `json:"talkingPoints,omitempty"`
}

// MeetingDetails describes a meeting to book
type MeetingDetails struct {
	ProposedStart   *time.Time `json:"proposedStart,omitempty"`
	Title           string     `json:"title"`
	Agenda          string     `json:"agenda,omitempty"`
	Attendees       []string   `json:"attendees,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
}

// TaskDetails describes an internal follow-up task.
// DueDate is a calendar date (YYYY-MM-DD).
type TaskDetails struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
}

// LinkedInMessageDetails describes a LinkedIn message
type LinkedInMessageDetails struct {
	ContactID  string `json:"contactId,omitempty"`
	ProfileURL string `json:"profileUrl,omitempty"`
	Message    string `json:"message"`
}

// LookupDetails describes research to perform
type LookupDetails struct {
	Query   string `json:"query"`
	Subject string `json:"subject,omitempty"`
}

// NoActionDetails records a decision to wait.
// NextReviewDate is a calendar date (YYYY-MM-DD); WaitUntil is an instant.
type NoActionDetails struct {
	WaitUntil      *time.Time `json:"waitUntil,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	NextReviewDate string     `json:"nextReviewDate,omitempty"`
}

// UpdatePipelineStageDetails suggests moving the opportunity to another stage
type UpdatePipelineStageDetails struct {
	FromStage string `json:"fromStage,omitempty"`
	ToStage   string `json:"toStage"`
	Reason    string `json:"reason,omitempty"`
}

func (EmailDetails) ActionType() ActionType               { return ActionEmail }
func (CallDetails) ActionType() ActionType                { return ActionCall }
func (MeetingDetails) ActionType() ActionType             { return ActionMeeting }
func (TaskDetails) ActionType() ActionType                { return ActionTask }
func (LinkedInMessageDetails) ActionType() ActionType     { return ActionLinkedInMessage }
func (LookupDetails) ActionType() ActionType              { return ActionLookup }
func (NoActionDetails) ActionType() ActionType            { return ActionNoAction }
func (UpdatePipelineStageDetails) ActionType() ActionType { return ActionUpdatePipelineStage }

// newDetails returns an empty variant for t
func newDetails(t ActionType) (Details, error) {
	switch t {
	case ActionEmail:
		return &EmailDetails{}, nil
	case ActionCall:
		return &CallDetails{}, nil
	case ActionMeeting:
		return &MeetingDetails{}, nil
	case ActionTask:
		return &TaskDetails{}, nil
	case ActionLinkedInMessage:
		return &LinkedInMessageDetails{}, nil
	case ActionLookup:
		return &LookupDetails{}, nil
	case ActionNoAction:
		return &NoActionDetails{}, nil
	case ActionUpdatePipelineStage:
		return &UpdatePipelineStageDetails{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
}

var (
	schemasOnce sync.Once
	schemas     map[ActionType]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	schemas = make(map[ActionType]*jsonschema.Schema, len(ActionTypes))
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	for _, t := range ActionTypes {
		content, err := detailsSchemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			schemasErr = fmt.Errorf("missing details schema for %s: %w", t, err)
			return
		}
		url := "https://nextaction.local/schemas/details/" + string(t) + ".json"
		if err := c.AddResource(url, bytes.NewReader(content)); err != nil {
			schemasErr = fmt.Errorf("failed to load details schema for %s: %w", t, err)
			return
		}
		schema, err := c.Compile(url)
		if err != nil {
			schemasErr = fmt.Errorf("failed to compile details schema for %s: %w", t, err)
			return
		}
		schemas[t] = schema
	}
}

// ValidateDetails checks raw against the schema of action type t
func ValidateDetails(t ActionType, raw json.RawMessage) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}

	schema, ok := schemas[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}

	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	return nil
}

// DecodeDetails validates raw and decodes it into the variant for t
func DecodeDetails(t ActionType, raw json.RawMessage) (Details, error) {
	if err := ValidateDetails(t, raw); err != nil {
		return nil, err
	}

	d, err := newDetails(t)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
		}
	}
	return deref(d), nil
}

// EncodeDetails renders details as JSON
func EncodeDetails(d Details) (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s details: %w", d.ActionType(), err)
	}
	return raw, nil
}

// DetailsEqual reports whether two payloads carry the same content
func DetailsEqual(a, b Details) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.ActionType() != b.ActionType() {
		return false
	}
	ra, errA := EncodeDetails(a)
	rb, errB := EncodeDetails(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// deref stores variants by value so equality and type switches are uniform
func deref(d Details) Details {
	switch v := d.(type) {
	case *EmailDetails:
		return *v
	case *CallDetails:
		return *v
	case *MeetingDetails:
		return *v
	case *TaskDetails:
		return *v
	case *LinkedInMessageDetails:
		return *v
	case *LookupDetails:
		return *v
	case *NoActionDetails:
		return *v
	case *UpdatePipelineStageDetails:
		return *v
	}
	return d
}
