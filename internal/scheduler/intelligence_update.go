package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/modules/actions"
	"github.com/aristath/nextaction/internal/modules/opportunities"
	"github.com/aristath/nextaction/internal/observability"
	"github.com/aristath/nextaction/internal/queue"
	"github.com/aristath/nextaction/internal/reconciler"
	"github.com/rs/zerolog"
)

// Reconciler runs one pass for an opportunity
type Reconciler interface {
	Reconcile(ctx context.Context, trig reconciler.Trigger) (reconciler.Result, error)
}

// CandidateReason records which set selected an opportunity
type CandidateReason string

const (
	ReasonDateTriggered   CandidateReason = "date_triggered"
	ReasonActiveStale     CandidateReason = "active_stale"
	ReasonClosedLostStale CandidateReason = "closed_lost_stale"
)

// IntelligenceUpdateConfig holds the tick's thresholds
type IntelligenceUpdateConfig struct {
	Location             *time.Location
	ActiveStaleAfter     time.Duration
	ClosedLostStaleAfter time.Duration
	ItemDelay            time.Duration
}

// TickReport summarises one intelligence update tick
type TickReport struct {
	Candidates          int            `json:"candidates"`
	ExcludedProposed    int            `json:"excluded_proposed"`
	ExcludedQueued      int            `json:"excluded_queued"`
	Dispatched          int            `json:"dispatched"`
	Errors              int            `json:"errors"`
	ActionsCreated      int            `json:"actions_created"`
	ConsumedDateActions int            `json:"consumed_date_actions"`
	ByReason            map[string]int `json:"by_reason"`
}

type updateCandidate struct {
	opportunity domain.Opportunity
	reason      CandidateReason
	dateActions []string // Date-triggered actions consumed by this candidate
}

// IntelligenceUpdateJob refreshes next actions for opportunities that
// reached a review date or went stale, outside the event-driven queue.
type IntelligenceUpdateJob struct {
	opportunities *opportunities.Repository
	actions       *actions.Repository
	queue         *queue.Store
	reconciler    Reconciler
	metrics       *observability.Metrics
	cfg           IntelligenceUpdateConfig
	log           zerolog.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewIntelligenceUpdateJob creates the job. metrics may be nil.
func NewIntelligenceUpdateJob(
	opps *opportunities.Repository,
	actionsRepo *actions.Repository,
	store *queue.Store,
	rec Reconciler,
	metrics *observability.Metrics,
	cfg IntelligenceUpdateConfig,
	log zerolog.Logger,
) *IntelligenceUpdateJob {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ActiveStaleAfter <= 0 {
		cfg.ActiveStaleAfter = 7 * 24 * time.Hour
	}
	if cfg.ClosedLostStaleAfter <= 0 {
		cfg.ClosedLostStaleAfter = 90 * 24 * time.Hour
	}
	return &IntelligenceUpdateJob{
		opportunities: opps,
		actions:       actionsRepo,
		queue:         store,
		reconciler:    rec,
		metrics:       metrics,
		cfg:           cfg,
		log:           log.With().Str("job", "intelligence_update").Logger(),
		now:           time.Now,
		sleep:         sleepContext,
	}
}

// Name returns the job name
func (j *IntelligenceUpdateJob) Name() string {
	return "intelligence_update"
}

// Run executes one tick
func (j *IntelligenceUpdateJob) Run(ctx context.Context) error {
	_, err := j.Tick(ctx)
	return err
}

// Tick collects the candidate sets, drops excluded opportunities and
// reconciles the survivors one at a time. A failing opportunity is logged
// and counted; it never stops the rest of the batch.
func (j *IntelligenceUpdateJob) Tick(ctx context.Context) (TickReport, error) {
	report := TickReport{ByReason: make(map[string]int)}
	now := j.now()

	candidates, err := j.collect(ctx, now, &report)
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)

	survivors, err := j.exclude(ctx, candidates, &report)
	if err != nil {
		return report, err
	}

	for i, c := range survivors {
		if i > 0 && j.cfg.ItemDelay > 0 {
			if err := j.sleep(ctx, j.cfg.ItemDelay); err != nil {
				j.log.Warn().Int("remaining", len(survivors)-i).Msg("Tick cancelled before dispatch finished")
				break
			}
		}

		created, err := j.dispatch(ctx, c)
		if err != nil {
			report.Errors++
			j.log.Error().
				Err(err).
				Str("opportunity", c.opportunity.ID).
				Str("reason", string(c.reason)).
				Bool("data_integrity", reconciler.IsDataIntegrity(err)).
				Msg("Intelligence update failed for opportunity")
			continue
		}
		report.Dispatched++
		report.ActionsCreated += created

		if len(c.dateActions) > 0 {
			if err := j.actions.MarkProcessedByAI(ctx, c.dateActions); err != nil {
				report.Errors++
				j.log.Error().Err(err).Str("opportunity", c.opportunity.ID).Msg("Failed to consume date-triggered actions")
				continue
			}
			report.ConsumedDateActions += len(c.dateActions)
		}
	}

	j.metrics.TickFinished(ctx, j.Name(), report.Candidates, report.Dispatched, report.Errors)
	j.log.Info().
		Int("candidates", report.Candidates).
		Int("excluded_proposed", report.ExcludedProposed).
		Int("excluded_queued", report.ExcludedQueued).
		Int("dispatched", report.Dispatched).
		Int("errors", report.Errors).
		Int("actions_created", report.ActionsCreated).
		Msg("Intelligence update tick complete")

	return report, nil
}

// collect builds the three candidate sets. An opportunity selected by more
// than one set keeps its first reason and every date-triggered action.
func (j *IntelligenceUpdateJob) collect(ctx context.Context, now time.Time, report *TickReport) ([]*updateCandidate, error) {
	var ordered []*updateCandidate
	byID := make(map[string]*updateCandidate)
	add := func(opp domain.Opportunity, reason CandidateReason) *updateCandidate {
		if c, ok := byID[opp.ID]; ok {
			return c
		}
		c := &updateCandidate{opportunity: opp, reason: reason}
		byID[opp.ID] = c
		ordered = append(ordered, c)
		report.ByReason[string(reason)]++
		return c
	}

	today := now.In(j.cfg.Location).Format("2006-01-02")
	dated, err := j.actions.ListDateTriggered(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("failed to list date-triggered actions: %w", err)
	}
	missing := make(map[string]bool)
	for _, a := range dated {
		if missing[a.Opportunity] {
			continue
		}
		c, ok := byID[a.Opportunity]
		if !ok {
			opp, err := j.opportunities.Get(ctx, a.Opportunity)
			if err != nil {
				missing[a.Opportunity] = true
				report.Errors++
				j.log.Warn().Err(err).Str("action", a.ID).Str("opportunity", a.Opportunity).Msg("Skipping date-triggered action")
				continue
			}
			c = add(*opp, ReasonDateTriggered)
		}
		c.dateActions = append(c.dateActions, a.ID)
	}

	active, err := j.opportunities.ListActiveStale(ctx, now.Add(-j.cfg.ActiveStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale active opportunities: %w", err)
	}
	for _, opp := range active {
		add(opp, ReasonActiveStale)
	}

	lost, err := j.opportunities.ListClosedLostStale(ctx, now.Add(-j.cfg.ClosedLostStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale closed-lost opportunities: %w", err)
	}
	for _, opp := range lost {
		add(opp, ReasonClosedLostStale)
	}

	return ordered, nil
}

// exclude drops opportunities holding a PROPOSED action, then those whose
// opportunity or prospect already has a pending or processing queue item.
// Date-triggered actions of an excluded opportunity are consumed too: the
// review is already underway.
func (j *IntelligenceUpdateJob) exclude(ctx context.Context, candidates []*updateCandidate, report *TickReport) ([]*updateCandidate, error) {
	keys, err := j.queue.ActiveKeys(ctx)
	if err != nil {
		return nil, err
	}

	var survivors []*updateCandidate
	var consumed []string
	for _, c := range candidates {
		proposed, err := j.actions.HasProposed(ctx, c.opportunity.ID)
		if err != nil {
			return nil, err
		}
		if proposed {
			report.ExcludedProposed++
			consumed = append(consumed, c.dateActions...)
			continue
		}
		if keys.Covers(c.opportunity.ID, c.opportunity.Prospect) {
			report.ExcludedQueued++
			consumed = append(consumed, c.dateActions...)
			continue
		}
		survivors = append(survivors, c)
	}

	if err := j.actions.MarkProcessedByAI(ctx, consumed); err != nil {
		return nil, err
	}
	report.ConsumedDateActions += len(consumed)
	return survivors, nil
}

// dispatch reconciles one opportunity while holding a processing queue item
// for it, so no worker claims the same opportunity or prospect meanwhile.
func (j *IntelligenceUpdateJob) dispatch(ctx context.Context, c *updateCandidate) (int, error) {
	item, acquired, err := j.queue.Acquire(ctx, domain.QueueItem{
		Type:        domain.QueueItemReprocessing,
		Opportunity: c.opportunity.ID,
		Prospect:    c.opportunity.Prospect,
	})
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, fmt.Errorf("opportunity %s was queued during the tick", c.opportunity.ID)
	}

	result, err := j.reconciler.Reconcile(ctx, reconciler.Trigger{
		OpportunityID: c.opportunity.ID,
		Source:        reconciler.SourceScheduler,
	})
	if err != nil {
		if ferr := j.queue.Fail(ctx, item.ID, err); ferr != nil {
			j.log.Error().Err(ferr).Str("item", item.ID).Msg("Failed to mark scheduler item failed")
		}
		return 0, err
	}
	if err := j.queue.Complete(ctx, item.ID); err != nil {
		return 0, err
	}
	return result.Count(reconciler.DecisionCreated), nil
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
