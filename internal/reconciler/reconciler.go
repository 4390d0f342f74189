// Package reconciler turns fresh intelligence for one opportunity into
// created, overwritten, reverted or cancelled proposed actions.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/database"
	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/activities"
	"github.com/aristath/nextaction/internal/observability"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Source identifies what started a pass
type Source string

const (
	SourceQueue     Source = "queue"
	SourceScheduler Source = "scheduler"
	SourceManual    Source = "manual"
)

// Trigger starts one reconciliation pass
type Trigger struct {
	Activity      *domain.ActivityRef // Inbound activity, appended to source activities
	OpportunityID string
	Source        Source
}

// Decision is the outcome for one action or draft
type Decision string

const (
	DecisionCreated     Decision = "created"
	DecisionOverwritten Decision = "overwritten"
	DecisionReverted    Decision = "reverted"
	DecisionCancelled   Decision = "cancelled"
	DecisionKept        Decision = "kept"
)

// Outcome records the decision taken for one action
type Outcome struct {
	ActionID string            `json:"action_id"`
	Type     domain.ActionType `json:"type"`
	Decision Decision          `json:"decision"`
}

// Result summarises a pass
type Result struct {
	OpportunityID string    `json:"opportunity_id"`
	Outcomes      []Outcome `json:"outcomes"`
	DroppedDrafts int       `json:"dropped_drafts"`
}

// Count returns the number of outcomes with decision d
func (r Result) Count(d Decision) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Decision == d {
			n++
		}
	}
	return n
}

// OpportunityStore is the slice of the pipeline store the reconciler needs
type OpportunityStore interface {
	Get(ctx context.Context, id string) (*domain.Opportunity, error)
	TouchIntelligenceUpdate(ctx context.Context, id string, at time.Time) error
}

// Reconciler runs reconciliation passes. Callers guarantee at most one pass
// per opportunity at a time (queue claim predicate or scheduler acquire).
type Reconciler struct {
	opportunities OpportunityStore
	actions       *actions.Repository
	activities    *activities.Registry
	generator     domain.IntelligenceGenerator
	policy        IntentPolicy
	queue         Enqueuer
	metrics       *observability.Metrics
	tracer        trace.Tracer
	log           zerolog.Logger
	now           func() time.Time
}

// Config holds the reconciler's collaborators. Policy defaults to
// TypePolicy; Metrics and Tracer may be nil.
type Config struct {
	Opportunities OpportunityStore
	Actions       *actions.Repository
	Activities    *activities.Registry
	Generator     domain.IntelligenceGenerator
	Policy        IntentPolicy
	Metrics       *observability.Metrics
	Tracer        trace.Tracer
}

// New creates a reconciler
func New(cfg Config, log zerolog.Logger) *Reconciler {
	policy := cfg.Policy
	if policy == nil {
		policy = TypePolicy{}
	}
	return &Reconciler{
		opportunities: cfg.Opportunities,
		actions:       cfg.Actions,
		activities:    cfg.Activities,
		generator:     cfg.Generator,
		policy:        policy,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		log:           log.With().Str("component", "reconciler").Logger(),
		now:           time.Now,
	}
}

// candidate is an existing action taking part in a pass
type candidate struct {
	action  domain.ProposedAction
	pending []domain.ActivityRef // Pending side effects of an EXECUTED action
	locked  bool
	matched *domain.Draft
}

// HandleQueueItem adapts Reconcile to the queue worker pool
func (r *Reconciler) HandleQueueItem(ctx context.Context, item domain.QueueItem) error {
	if item.Opportunity == "" {
		return fmt.Errorf("queue item %s has no opportunity", item.ID)
	}
	_, err := r.Reconcile(ctx, Trigger{
		OpportunityID: item.Opportunity,
		Source:        SourceQueue,
		Activity:      item.Activity,
	})
	return err
}

// Reconcile runs one pass for the trigger's opportunity
func (r *Reconciler) Reconcile(ctx context.Context, trig Trigger) (result Result, err error) {
	ctx, span := observability.StartSpan(ctx, r.tracer, "reconciler.Reconcile",
		attribute.String("opportunity", trig.OpportunityID),
		attribute.String("source", string(trig.Source)),
	)
	start := r.now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.ReconcileFinished(ctx, string(trig.Source), time.Since(start), err == nil)
	}()

	log := r.log.With().
		Str("opportunity", trig.OpportunityID).
		Str("source", string(trig.Source)).
		Logger()
	result.OpportunityID = trig.OpportunityID

	opp, err := r.opportunities.Get(ctx, trig.OpportunityID)
	if err != nil {
		return result, err
	}

	candidates, err := r.gatherCandidates(ctx, opp.ID)
	if err != nil {
		return result, err
	}
	if err := r.lock(ctx, candidates); err != nil {
		return result, err
	}
	defer func() {
		// Whatever is still locked goes back to its previous status
		if uerr := r.actions.Unlock(context.Background(), nil, lockedIDs(candidates)...); uerr != nil {
			log.Error().Err(uerr).Msg("Failed to restore locked actions")
		}
	}()

	drafts, err := r.generator.Generate(ctx, opp.ID)
	if err != nil {
		return result, fmt.Errorf("intelligence generator failed for %s: %w", opp.ID, err)
	}
	drafts, result.DroppedDrafts = r.validDrafts(drafts, log)

	unmatched := r.match(candidates, drafts, log)

	for _, c := range candidates {
		outcome, err := r.decide(ctx, c, trig)
		if err != nil {
			return result, err
		}
		if outcome != nil {
			result.Outcomes = append(result.Outcomes, *outcome)
			r.metrics.Decision(ctx, string(outcome.Decision))
		}
	}

	for _, d := range unmatched {
		action, err := r.create(ctx, opp, d, trig)
		if err != nil {
			return result, err
		}
		result.Outcomes = append(result.Outcomes, Outcome{ActionID: action.ID, Type: action.Type, Decision: DecisionCreated})
		r.metrics.Decision(ctx, string(DecisionCreated))
	}

	if err := r.opportunities.TouchIntelligenceUpdate(ctx, opp.ID, r.now()); err != nil {
		return result, fmt.Errorf("failed to record intelligence update for %s: %w", opp.ID, err)
	}

	log.Info().
		Int("created", result.Count(DecisionCreated)).
		Int("overwritten", result.Count(DecisionOverwritten)).
		Int("reverted", result.Count(DecisionReverted)).
		Int("cancelled", result.Count(DecisionCancelled)).
		Int("kept", result.Count(DecisionKept)).
		Int("dropped_drafts", result.DroppedDrafts).
		Msg("Reconciliation complete")

	return result, nil
}

// gatherCandidates loads the open actions and resolves which EXECUTED ones
// still have a pending side effect. EXECUTED actions without one are settled
// and take no part in the pass.
func (r *Reconciler) gatherCandidates(ctx context.Context, opportunityID string) ([]*candidate, error) {
	open, err := r.actions.ListOpenForOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, err
	}

	var out []*candidate
	for _, a := range open {
		c := &candidate{action: a}
		if a.Status == domain.StatusExecuted {
			pending, err := r.activities.PendingRefs(ctx, a.ResultingActivities)
			if err != nil {
				return nil, err
			}
			if len(pending) == 0 {
				continue
			}
			c.pending = pending
		}
		out = append(out, c)
	}
	return out, nil
}

// lock moves PROPOSED, UPDATED and pending EXECUTED candidates to
// PROCESSING UPDATES. APPROVED actions are matched but never locked or
// changed. A candidate that changed status since it was read is dropped.
func (r *Reconciler) lock(ctx context.Context, candidates []*candidate) error {
	var lockable []domain.ProposedAction
	for _, c := range candidates {
		if c.action.Status != domain.StatusApproved {
			lockable = append(lockable, c.action)
		}
	}

	locked, err := r.actions.LockForProcessing(ctx, lockable)
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(locked))
	for _, a := range locked {
		ids[a.ID] = true
	}
	for _, c := range candidates {
		c.locked = ids[c.action.ID]
	}
	return nil
}

func (r *Reconciler) validDrafts(drafts []domain.Draft, log zerolog.Logger) ([]domain.Draft, int) {
	valid := make([]domain.Draft, 0, len(drafts))
	dropped := 0
	for _, d := range drafts {
		if err := domain.ValidateDetails(d.Type, d.Details); err != nil {
			log.Warn().Err(err).Str("type", string(d.Type)).Msg("Dropping invalid draft")
			dropped++
			continue
		}
		valid = append(valid, d)
	}
	return valid, dropped
}

// match pairs drafts with candidates one to one in candidate order and
// returns the drafts left over. A leftover draft sharing an intent with any
// candidate or with an earlier leftover is dropped, so a pass never leaves
// two live actions for one intent.
func (r *Reconciler) match(candidates []*candidate, drafts []domain.Draft, log zerolog.Logger) []domain.Draft {
	used := make([]bool, len(drafts))

	for _, c := range candidates {
		if c.action.Status != domain.StatusApproved && !c.locked {
			continue
		}
		for i := range drafts {
			if used[i] {
				continue
			}
			if r.sameIntent(c.action, drafts[i], log) {
				used[i] = true
				d := drafts[i]
				c.matched = &d
				break
			}
		}
	}

	var unmatched []domain.Draft
	live := make([]domain.ProposedAction, 0, len(candidates))
	for _, c := range candidates {
		live = append(live, c.action)
	}
	for i, d := range drafts {
		if used[i] {
			continue
		}
		duplicate := false
		for _, prev := range live {
			if r.sameIntent(prev, d, log) {
				duplicate = true
				break
			}
		}
		if duplicate {
			log.Debug().Str("type", string(d.Type)).Msg("Dropping draft duplicating a live intent")
			continue
		}
		details, err := domain.DecodeDetails(d.Type, d.Details)
		if err != nil {
			log.Warn().Err(err).Str("type", string(d.Type)).Msg("Dropping undecodable draft")
			continue
		}
		live = append(live, domain.ProposedAction{Type: d.Type, Status: domain.StatusProposed, Details: details})
		unmatched = append(unmatched, d)
	}
	return unmatched
}

func (r *Reconciler) sameIntent(existing domain.ProposedAction, d domain.Draft, log zerolog.Logger) bool {
	same, err := r.policy.SameIntent(existing, d)
	if err != nil {
		log.Warn().
			Err(err).
			Str("action", existing.ID).
			Str("draft_type", string(d.Type)).
			Msg("Intent policy failed, treating as different intent")
		return false
	}
	return same
}

// decide applies the outcome for one candidate in its own transaction
func (r *Reconciler) decide(ctx context.Context, c *candidate, trig Trigger) (*Outcome, error) {
	a := c.action
	outcome := &Outcome{ActionID: a.ID, Type: a.Type, Decision: DecisionKept}

	if a.Status == domain.StatusApproved || !c.locked {
		return outcome, nil
	}

	switch a.Status {
	case domain.StatusProposed, domain.StatusUpdated:
		if c.matched == nil {
			return outcome, r.unlock(ctx, c)
		}
		details, err := domain.DecodeDetails(c.matched.Type, c.matched.Details)
		if err != nil {
			return nil, err
		}
		change := actions.Change{
			Status:           domain.StatusProposed,
			Details:          details,
			Reasoning:        &c.matched.Reasoning,
			SourceActivities: mergeSources(a.SourceActivities, c.matched.SourceActivities, trig.Activity),
		}
		if err := r.apply(ctx, c, change, nil); err != nil {
			return nil, err
		}
		outcome.Decision = DecisionOverwritten

	case domain.StatusExecuted:
		if c.matched == nil {
			change := actions.Change{
				Status:              domain.StatusCancelled,
				ResultingActivities: withoutRefs(a.ResultingActivities, c.pending),
			}
			if err := r.apply(ctx, c, change, c.pending); err != nil {
				return nil, err
			}
			outcome.Decision = DecisionCancelled
			return outcome, nil
		}

		details, err := domain.DecodeDetails(c.matched.Type, c.matched.Details)
		if err != nil {
			return nil, err
		}
		if domain.DetailsEqual(a.Details, details) {
			return outcome, r.unlock(ctx, c)
		}
		change := actions.Change{
			Status:              domain.StatusProposed,
			Details:             details,
			Reasoning:           &c.matched.Reasoning,
			SourceActivities:    mergeSources(a.SourceActivities, c.matched.SourceActivities, trig.Activity),
			ResultingActivities: []domain.ActivityRef{},
		}
		if err := r.apply(ctx, c, change, c.pending); err != nil {
			return nil, err
		}
		outcome.Decision = DecisionReverted

	default:
		return outcome, r.unlock(ctx, c)
	}

	return outcome, nil
}

// apply withdraws withdraw at the provider, then writes change and deletes
// the withdrawn records in one transaction. The action stays locked while
// the provider is called; a failed withdrawal leaves it locked for Reconcile
// to restore.
func (r *Reconciler) apply(ctx context.Context, c *candidate, change actions.Change, withdraw []domain.ActivityRef) error {
	if len(withdraw) > 0 {
		if err := r.activities.Withdraw(ctx, withdraw); err != nil {
			return fmt.Errorf("failed to apply %s to action %s: %w", change.Status, c.action.ID, err)
		}
	}

	err := database.WithTransactionContext(ctx, r.actions.DB(), func(tx *sql.Tx) error {
		if len(withdraw) > 0 {
			if err := r.activities.DeletePending(ctx, tx, withdraw); err != nil {
				return err
			}
		}
		return r.actions.Apply(ctx, tx, c.action.ID, domain.StatusProcessingUpdates, change)
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s to action %s: %w", change.Status, c.action.ID, err)
	}
	c.locked = false
	return nil
}

func (r *Reconciler) unlock(ctx context.Context, c *candidate) error {
	if err := r.actions.Unlock(ctx, nil, c.action.ID); err != nil {
		return err
	}
	c.locked = false
	return nil
}

func (r *Reconciler) create(ctx context.Context, opp *domain.Opportunity, d domain.Draft, trig Trigger) (*domain.ProposedAction, error) {
	details, err := domain.DecodeDetails(d.Type, d.Details)
	if err != nil {
		return nil, err
	}
	action := &domain.ProposedAction{
		Organization:     opp.Organization,
		Opportunity:      opp.ID,
		Type:             d.Type,
		Status:           domain.StatusProposed,
		Details:          details,
		Reasoning:        d.Reasoning,
		SourceActivities: mergeSources(nil, d.SourceActivities, trig.Activity),
		CreatedBy:        domain.CreatedByAI,
	}
	err = database.WithTransactionContext(ctx, r.actions.DB(), func(tx *sql.Tx) error {
		return r.actions.Create(ctx, tx, action)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s action for %s: %w", d.Type, opp.ID, err)
	}
	return action, nil
}

func lockedIDs(candidates []*candidate) []string {
	var ids []string
	for _, c := range candidates {
		if c.locked {
			ids = append(ids, c.action.ID)
		}
	}
	return ids
}

// mergeSources appends the draft's sources and the triggering activity to
// existing, skipping references already present
func mergeSources(existing, fromDraft []domain.ActivityRef, trigger *domain.ActivityRef) []domain.ActivityRef {
	out := make([]domain.ActivityRef, 0, len(existing)+len(fromDraft)+1)
	add := func(ref domain.ActivityRef) {
		if !domain.ContainsRef(out, ref) {
			out = append(out, ref)
		}
	}
	for _, ref := range existing {
		add(ref)
	}
	for _, ref := range fromDraft {
		add(ref)
	}
	if trigger != nil {
		add(*trigger)
	}
	return out
}

func withoutRefs(refs, remove []domain.ActivityRef) []domain.ActivityRef {
	out := make([]domain.ActivityRef, 0, len(refs))
	for _, ref := range refs {
		if !domain.ContainsRef(remove, ref) {
			out = append(out, ref)
		}
	}
	return out
}

// IsDataIntegrity reports whether err means the pass referenced missing records
func IsDataIntegrity(err error) bool {
	return errors.Is(err, domain.ErrOpportunityNotFound)
}
