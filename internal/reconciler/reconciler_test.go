package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/activities"
	"github.com/aristath/nextaction/internal/modules/opportunities"
	"github.com/aristath/nextaction/internal/queue"
	testingpkg "github.com/aristath/nextaction/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	db         *database.DB
	reconciler *Reconciler
	actions    *actions.Repository
	emails     *activities.ScheduledEmailStore
	opps       *opportunities.Repository
	generator  *testingpkg.MockGenerator
	provider   *testingpkg.MockMessagingProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testingpkg.NewCoreDB(t)
	h := &harness{
		db:        db,
		actions:   actions.NewRepository(db.Conn(), zerolog.Nop()),
		emails:    activities.NewScheduledEmailStore(db.Conn(), zerolog.Nop()),
		opps:      opportunities.NewRepository(db.Conn(), zerolog.Nop()),
		generator: testingpkg.NewMockGenerator(),
		provider:  testingpkg.NewMockMessagingProvider(),
	}
	h.reconciler = New(Config{
		Opportunities: h.opps,
		Actions:       h.actions,
		Activities:    activities.NewRegistry(h.emails, h.provider, zerolog.Nop()),
		Generator:     h.generator,
	}, zerolog.Nop())
	testingpkg.SeedOpportunity(t, db.Conn(), testingpkg.OpportunityFixture{ID: "opp-1", Contacts: []string{"c-1"}})
	return h
}

func emailDraft(t *testing.T, subject string) domain.Draft {
	t.Helper()
	raw, err := json.Marshal(domain.EmailDetails{To: []string{"buyer@acme.test"}, Subject: subject, Body: "Body of " + subject})
	require.NoError(t, err)
	return domain.Draft{Type: domain.ActionEmail, Details: raw, Reasoning: "Reply to " + subject}
}

func inbound(id string) *domain.ActivityRef {
	ref := domain.NewActivityRef(id, domain.ModelEmailActivity)
	return &ref
}

// seedScheduledEmailAction creates an EXECUTED EMAIL action with a future scheduled send
func (h *harness) seedScheduledEmailAction(t *testing.T, actionID, emailID string) {
	t.Helper()
	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:                  actionID,
		Opportunity:         "opp-1",
		Type:                domain.ActionEmail,
		Status:              domain.StatusExecuted,
		Details:             domain.EmailDetails{To: []string{"buyer@acme.test"}, Subject: "Pricing", Body: "Body of Pricing"},
		ResultingActivities: []domain.ActivityRef{domain.NewActivityRef(emailID, domain.ModelScheduledEmail)},
	})
	testingpkg.SeedScheduledEmail(t, h.db.Conn(), emailID, actionID, "opp-1", time.Now().Add(24*time.Hour), string(activities.ScheduledPending))
}

func TestReconcile_NewInboundCreatesOneProposedEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.generator.SetDrafts("opp-1", emailDraft(t, "Pricing"))

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceQueue, Activity: inbound("m-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionCreated))

	all, err := h.actions.ListForOpportunity(ctx, "opp-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	a := all[0]
	assert.Equal(t, domain.ActionEmail, a.Type)
	assert.Equal(t, domain.StatusProposed, a.Status)
	assert.Equal(t, domain.CreatedByAI, a.CreatedBy)
	assert.Equal(t, "org-1", a.Organization)
	assert.True(t, domain.ContainsRef(a.SourceActivities, *inbound("m-1")))

	opp, err := h.opps.Get(ctx, "opp-1")
	require.NoError(t, err)
	require.NotNil(t, opp.LastIntelligenceUpdateAt)
}

func TestReconcile_ExistingProposedIsOverwrittenInPlace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:          "a-1",
		Opportunity: "opp-1",
		Type:        domain.ActionEmail,
		Status:      domain.StatusProposed,
		Details:     domain.EmailDetails{To: []string{"buyer@acme.test"}, Subject: "Old", Body: "Old body"},
	})
	h.generator.SetDrafts("opp-1", emailDraft(t, "Confirmed"))

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceQueue, Activity: inbound("m-2")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionOverwritten))
	assert.Equal(t, 0, result.Count(DecisionCreated))

	all, err := h.actions.ListForOpportunity(ctx, "opp-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a-1", all[0].ID)
	assert.Equal(t, domain.StatusProposed, all[0].Status)
	assert.Equal(t, "Confirmed", all[0].Details.(domain.EmailDetails).Subject)
	assert.Equal(t, "Reply to Confirmed", all[0].Reasoning)
	assert.True(t, domain.ContainsRef(all[0].SourceActivities, *inbound("m-2")))
}

func TestReconcile_ExecutedWithoutMatchIsCancelledAndSendDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedScheduledEmailAction(t, "a-1", "se-1")
	noAction, err := json.Marshal(domain.NoActionDetails{Reason: "Deal lost"})
	require.NoError(t, err)
	h.generator.SetDrafts("opp-1", domain.Draft{Type: domain.ActionNoAction, Details: noAction, Reasoning: "Prospect declined"})

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceQueue, Activity: inbound("m-lost")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionCancelled))

	a, err := h.actions.Get(ctx, nil, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, a.Status)
	assert.Empty(t, a.ResultingActivities)

	rec, err := h.emails.Get(ctx, nil, "se-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReconcile_SlowWithdrawalDoesNotBlockOtherWriters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := queue.NewStore(h.db.Conn(), zerolog.Nop())
	testingpkg.SeedOpportunity(t, h.db.Conn(), testingpkg.OpportunityFixture{ID: "opp-other"})

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:                  "a-1",
		Opportunity:         "opp-1",
		Type:                domain.ActionEmail,
		Status:              domain.StatusExecuted,
		Details:             domain.EmailDetails{To: []string{"buyer@acme.test"}, Subject: "Pricing", Body: "Body of Pricing"},
		ResultingActivities: []domain.ActivityRef{domain.NewActivityRef("se-1", domain.ModelScheduledEmail)},
	})
	testingpkg.SeedScheduledEmail(t, h.db.Conn(), "se-1", "a-1", "opp-1", time.Now().Add(-time.Minute), string(activities.ScheduledSending))

	var (
		statusDuringWithdraw domain.ActionStatus
		enqueueErr           error
		enqueueTook          time.Duration
	)
	h.provider.OnDelete(func(id string) error {
		a, err := h.actions.Get(ctx, nil, "a-1")
		if err != nil {
			return err
		}
		statusDuringWithdraw = a.Status

		enqueueCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		start := time.Now()
		_, _, enqueueErr = store.Enqueue(enqueueCtx, domain.QueueItem{
			Type:        domain.QueueItemActivity,
			Opportunity: "opp-other",
			Prospect:    "prospect-opp-other",
			Activity:    inbound("m-other"),
		})
		enqueueTook = time.Since(start)

		time.Sleep(500 * time.Millisecond)
		return nil
	})
	noAction, err := json.Marshal(domain.NoActionDetails{Reason: "Deal lost"})
	require.NoError(t, err)
	h.generator.SetDrafts("opp-1", domain.Draft{Type: domain.ActionNoAction, Details: noAction, Reasoning: "Prospect declined"})

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceQueue})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionCancelled))

	assert.Equal(t, domain.StatusProcessingUpdates, statusDuringWithdraw)
	require.NoError(t, enqueueErr)
	assert.Less(t, enqueueTook, time.Second)
	assert.Equal(t, 1, testingpkg.CountRows(t, h.db.Conn(), "queue_items", "opportunity = ?", "opp-other"))
	assert.Equal(t, []string{"se-1"}, h.provider.Deleted())

	rec, err := h.emails.Get(ctx, nil, "se-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReconcile_FailedWithdrawalRestoresLockAndKeepsSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:                  "a-1",
		Opportunity:         "opp-1",
		Type:                domain.ActionEmail,
		Status:              domain.StatusExecuted,
		Details:             domain.EmailDetails{To: []string{"buyer@acme.test"}, Subject: "Pricing", Body: "Body of Pricing"},
		ResultingActivities: []domain.ActivityRef{domain.NewActivityRef("se-1", domain.ModelScheduledEmail)},
	})
	testingpkg.SeedScheduledEmail(t, h.db.Conn(), "se-1", "a-1", "opp-1", time.Now().Add(-time.Minute), string(activities.ScheduledSending))
	h.provider.OnDelete(func(id string) error { return errors.New("provider unavailable") })
	h.generator.SetDrafts("opp-1")

	_, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceQueue})
	require.Error(t, err)

	a, err := h.actions.Get(ctx, nil, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, a.Status)
	assert.Len(t, a.ResultingActivities, 1)

	rec, err := h.emails.Get(ctx, nil, "se-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, activities.ScheduledSending, rec.Status)
}

func TestReconcile_ExecutedWithChangedContentRevertsToProposed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedScheduledEmailAction(t, "a-1", "se-1")
	h.generator.SetDrafts("opp-1", emailDraft(t, "Revised pricing"))

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceQueue, Activity: inbound("m-change")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionReverted))

	a, err := h.actions.Get(ctx, nil, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProposed, a.Status)
	assert.Equal(t, "Revised pricing", a.Details.(domain.EmailDetails).Subject)
	assert.Empty(t, a.ResultingActivities)

	rec, err := h.emails.Get(ctx, nil, "se-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	all, err := h.actions.ListForOpportunity(ctx, "opp-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconcile_ExecutedWithSameContentIsKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedScheduledEmailAction(t, "a-1", "se-1")
	h.generator.SetDrafts("opp-1", emailDraft(t, "Pricing"))

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionKept))

	a, err := h.actions.Get(ctx, nil, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, a.Status)

	rec, err := h.emails.Get(ctx, nil, "se-1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestReconcile_SettledExecutedActionIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:                  "sent",
		Opportunity:         "opp-1",
		Type:                domain.ActionEmail,
		Status:              domain.StatusExecuted,
		Details:             domain.EmailDetails{To: []string{"buyer@acme.test"}, Subject: "Intro", Body: "Hi"},
		ResultingActivities: []domain.ActivityRef{domain.NewActivityRef("m-sent", domain.ModelEmailActivity)},
	})
	h.generator.SetDrafts("opp-1", emailDraft(t, "Follow-up"))

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionCreated))

	a, err := h.actions.Get(ctx, nil, "sent")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, a.Status)
}

func TestReconcile_ApprovedMatchIsKeptAndNotDuplicated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:          "call",
		Opportunity: "opp-1",
		Type:        domain.ActionCall,
		Status:      domain.StatusApproved,
		Details:     domain.CallDetails{Objective: "Discuss terms"},
	})
	raw, err := json.Marshal(domain.CallDetails{Objective: "Discuss new terms"})
	require.NoError(t, err)
	h.generator.SetDrafts("opp-1", domain.Draft{Type: domain.ActionCall, Details: raw})

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Count(DecisionCreated))

	all, err := h.actions.ListForOpportunity(ctx, "opp-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.StatusApproved, all[0].Status)
	assert.Equal(t, "Discuss terms", all[0].Details.(domain.CallDetails).Objective)
}

func TestReconcile_UnmatchedProposedIsKeptAndUnlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:          "task",
		Opportunity: "opp-1",
		Type:        domain.ActionTask,
		Status:      domain.StatusUpdated,
		Details:     domain.TaskDetails{Title: "Send contract"},
	})
	h.generator.SetDrafts("opp-1", emailDraft(t, "Pricing"))

	_, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceScheduler})
	require.NoError(t, err)

	a, err := h.actions.Get(ctx, nil, "task")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUpdated, a.Status)
}

func TestReconcile_DuplicateDraftsCreateOneAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.generator.SetDrafts("opp-1", emailDraft(t, "One"), emailDraft(t, "Two"))

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionCreated))
	assert.Equal(t, 1, testingpkg.CountRows(t, h.db.Conn(), "proposed_actions", "opportunity = ?", "opp-1"))
}

func TestReconcile_InvalidDraftsAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.generator.SetDrafts("opp-1",
		domain.Draft{Type: domain.ActionEmail, Details: json.RawMessage(`{"subject":"no recipients"}`)},
		domain.Draft{Type: "FAX", Details: json.RawMessage(`{}`)},
		emailDraft(t, "Valid"),
	)

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, 2, result.DroppedDrafts)
	assert.Equal(t, 1, result.Count(DecisionCreated))
}

func TestReconcile_GeneratorErrorRestoresLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:          "a-1",
		Opportunity: "opp-1",
		Type:        domain.ActionEmail,
		Status:      domain.StatusUpdated,
		Details:     domain.EmailDetails{To: []string{"buyer@acme.test"}, Subject: "Old", Body: "Old"},
	})
	h.seedScheduledEmailAction(t, "a-2", "se-2")
	h.generator.SetError("opp-1", errors.New("generator unavailable"))

	_, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceQueue})
	require.Error(t, err)

	a, err := h.actions.Get(ctx, nil, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUpdated, a.Status)
	a, err = h.actions.Get(ctx, nil, "a-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, a.Status)

	opp, err := h.opps.Get(ctx, "opp-1")
	require.NoError(t, err)
	assert.Nil(t, opp.LastIntelligenceUpdateAt)
}

func TestReconcile_MissingOpportunity(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler.Reconcile(context.Background(), Trigger{OpportunityID: "ghost", Source: SourceQueue})
	require.Error(t, err)
	assert.True(t, IsDataIntegrity(err))
	assert.Empty(t, h.generator.Calls())
}

func TestReconcile_CELPolicySeparatesThreads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	policy, err := NewCELPolicy(PolicyFile{Types: map[string]string{
		"EMAIL": `existing.type == draft.type && existing.details.threadId == draft.details.threadId`,
	}})
	require.NoError(t, err)
	h.reconciler.policy = policy

	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID:          "thread-a",
		Opportunity: "opp-1",
		Type:        domain.ActionEmail,
		Status:      domain.StatusProposed,
		Details:     domain.EmailDetails{To: []string{"a@acme.test"}, Subject: "A", Body: "A", ThreadID: "t-a"},
	})
	raw, err := json.Marshal(domain.EmailDetails{To: []string{"b@acme.test"}, Subject: "B", Body: "B", ThreadID: "t-b"})
	require.NoError(t, err)
	h.generator.SetDrafts("opp-1", domain.Draft{Type: domain.ActionEmail, Details: raw})

	result, err := h.reconciler.Reconcile(ctx, Trigger{OpportunityID: "opp-1", Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(DecisionCreated))
	assert.Equal(t, 1, result.Count(DecisionKept))
	assert.Equal(t, 2, testingpkg.CountRows(t, h.db.Conn(), "proposed_actions", "status = 'PROPOSED'"))
}

func TestHandleQueueItem(t *testing.T) {
	h := newHarness(t)
	h.generator.SetDrafts("opp-1", emailDraft(t, "Pricing"))

	err := h.reconciler.HandleQueueItem(context.Background(), domain.QueueItem{ID: "q-1", Opportunity: "opp-1", Activity: inbound("m-1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"opp-1"}, h.generator.Calls())

	err = h.reconciler.HandleQueueItem(context.Background(), domain.QueueItem{ID: "q-2", Prospect: "p-1"})
	assert.Error(t, err)
}

func TestHandleQueueItem_SiblingOpportunitiesAreEachReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := queue.NewStore(h.db.Conn(), zerolog.Nop())
	testingpkg.SeedOpportunity(t, h.db.Conn(), testingpkg.OpportunityFixture{ID: "opp-2", Prospect: "prospect-opp-1"})
	h.generator.SetDrafts("opp-1", emailDraft(t, "Pricing"))
	h.generator.SetDrafts("opp-2", emailDraft(t, "Renewal"))

	for _, opp := range []string{"opp-1", "opp-2"} {
		_, enqueued, err := store.Enqueue(ctx, domain.QueueItem{
			Type:        domain.QueueItemActivity,
			Opportunity: opp,
			Prospect:    "prospect-opp-1",
			Activity:    inbound("m-" + opp),
		})
		require.NoError(t, err)
		require.True(t, enqueued)
	}

	for i := 0; i < 2; i++ {
		item, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		require.NoError(t, h.reconciler.HandleQueueItem(ctx, *item))
		require.NoError(t, store.Complete(ctx, item.ID))
	}
	assert.Equal(t, []string{"opp-1", "opp-2"}, h.generator.Calls())

	list, err := h.actions.ListForOpportunity(ctx, "opp-2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].SourceActivities, *inbound("m-opp-2"))
}

func TestEnqueueElapsedWaits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := queue.NewStore(h.db.Conn(), zerolog.Nop())
	h.reconciler.SetQueue(store)

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID: "elapsed", Opportunity: "opp-1", Type: domain.ActionNoAction, Status: domain.StatusExecuted,
		Details: domain.NoActionDetails{WaitUntil: &past},
	})
	testingpkg.SeedAction(t, h.db.Conn(), domain.ProposedAction{
		ID: "waiting", Opportunity: "opp-1", Type: domain.ActionNoAction, Status: domain.StatusExecuted,
		Details: domain.NoActionDetails{WaitUntil: &future},
	})

	report, err := h.reconciler.EnqueueElapsedWaits(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, WaitReport{Elapsed: 1, Enqueued: 1}, report)

	pending, err := store.List(ctx, domain.QueuePending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.QueueItemReprocessing, pending[0].Type)
	assert.Equal(t, "prospect-opp-1", pending[0].Prospect)

	// Consumed actions never retrigger
	report, err = h.reconciler.EnqueueElapsedWaits(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Elapsed)
}
