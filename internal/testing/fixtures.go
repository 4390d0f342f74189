package testing

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/aristath/nextaction/internal/domain"
)

// OpportunityFixture describes an opportunity row for SeedOpportunity
type OpportunityFixture struct {
	LastUpdate *time.Time
	ID         string
	Prospect   string
	StageKind  domain.StageKind
	Contacts   []string
}

// SeedOpportunity inserts an opportunity and its contacts directly
func SeedOpportunity(t *testing.T, db *sql.DB, f OpportunityFixture) {
	t.Helper()

	if f.Prospect == "" {
		f.Prospect = "prospect-" + f.ID
	}
	if f.StageKind == "" {
		f.StageKind = domain.StageOpen
	}
	var lastUpdate interface{}
	if f.LastUpdate != nil {
		lastUpdate = f.LastUpdate.Unix()
	}

	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO opportunities
		(id, organization, prospect, name, stage, stage_kind, processing_status,
		 last_intelligence_update_at, created_at, updated_at)
		VALUES (?, 'org-1', ?, ?, ?, ?, 'pending', ?, ?, ?)
	`, f.ID, f.Prospect, "Deal "+f.ID, string(f.StageKind), string(f.StageKind), lastUpdate, now, now)
	if err != nil {
		t.Fatalf("Failed to seed opportunity %s: %v", f.ID, err)
	}

	for _, c := range f.Contacts {
		if _, err := db.Exec(`INSERT INTO opportunity_contacts (opportunity, contact) VALUES (?, ?)`, f.ID, c); err != nil {
			t.Fatalf("Failed to seed contact %s: %v", c, err)
		}
	}
}

// SeedAction inserts a proposed action directly, bypassing the lifecycle checks
// of the actions repository.
func SeedAction(t *testing.T, db *sql.DB, a domain.ProposedAction) {
	t.Helper()

	details, err := domain.EncodeDetails(a.Details)
	if err != nil {
		t.Fatalf("Failed to encode details: %v", err)
	}
	if a.Organization == "" {
		a.Organization = "org-1"
	}
	if a.CreatedBy == "" {
		a.CreatedBy = domain.CreatedByAI
	}

	now := time.Now().Unix()
	_, err = db.Exec(`
		INSERT INTO proposed_actions
		(id, organization, opportunity, type, status, details, reasoning,
		 source_activities, resulting_activities, sub_actions, created_by,
		 processed_by_ai, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?, ?)
	`,
		a.ID,
		a.Organization,
		a.Opportunity,
		string(a.Type),
		string(a.Status),
		string(details),
		a.Reasoning,
		mustJSON(t, refsOrEmpty(a.SourceActivities)),
		mustJSON(t, refsOrEmpty(a.ResultingActivities)),
		a.CreatedBy,
		a.ProcessedByAI,
		now,
		now,
	)
	if err != nil {
		t.Fatalf("Failed to seed action %s: %v", a.ID, err)
	}
}

// SeedScheduledEmail inserts a scheduled email record directly
func SeedScheduledEmail(t *testing.T, db *sql.DB, id, actionID, opportunity string, due time.Time, status string) {
	t.Helper()

	payload := mustJSON(t, domain.SendPayload{
		IdempotencyKey: id,
		ActionID:       actionID,
		Opportunity:    opportunity,
		To:             []string{"buyer@prospect.test"},
		Subject:        "Following up",
		Body:           "Hello again",
	})
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO scheduled_emails
		(id, action_id, opportunity, payload, scheduled_for, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id, actionID, opportunity, payload, due.Unix(), status, now, now)
	if err != nil {
		t.Fatalf("Failed to seed scheduled email %s: %v", id, err)
	}
}

// CountRows returns the number of rows matching where in table
func CountRows(t *testing.T, db *sql.DB, table, where string, args ...interface{}) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}

func refsOrEmpty(refs []domain.ActivityRef) []domain.ActivityRef {
	if refs == nil {
		return []domain.ActivityRef{}
	}
	return refs
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal fixture: %v", err)
	}
	return string(raw)
}
