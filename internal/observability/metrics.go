package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments of the action pipeline.
// A nil *Metrics records nothing, so components work without telemetry.
type Metrics struct {
	queueItems        metric.Int64Counter
	reconciles        metric.Int64Counter
	reconcileDuration metric.Float64Histogram
	decisions         metric.Int64Counter
	tickCandidates    metric.Int64Counter
	tickDispatched    metric.Int64Counter
	tickErrors        metric.Int64Counter
	tickSkipped       metric.Int64Counter
	sends             metric.Int64Counter
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.queueItems, err = meter.Int64Counter("nextaction.queue.items",
		metric.WithDescription("Queue items finished by the worker pool"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if m.reconciles, err = meter.Int64Counter("nextaction.reconcile.runs",
		metric.WithDescription("Reconciliation passes"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.reconcileDuration, err = meter.Float64Histogram("nextaction.reconcile.duration",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("nextaction.reconcile.decisions",
		metric.WithDescription("Per-action reconciliation decisions"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if m.tickCandidates, err = meter.Int64Counter("nextaction.scheduler.candidates",
		metric.WithDescription("Candidates selected by scheduler ticks"),
		metric.WithUnit("{opportunity}"),
	); err != nil {
		return nil, err
	}
	if m.tickDispatched, err = meter.Int64Counter("nextaction.scheduler.dispatched",
		metric.WithDescription("Opportunities dispatched by scheduler ticks"),
		metric.WithUnit("{opportunity}"),
	); err != nil {
		return nil, err
	}
	if m.tickErrors, err = meter.Int64Counter("nextaction.scheduler.errors",
		metric.WithDescription("Per-opportunity errors in scheduler ticks"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.tickSkipped, err = meter.Int64Counter("nextaction.scheduler.skipped_ticks",
		metric.WithDescription("Ticks skipped because the previous one was still running"),
		metric.WithUnit("{tick}"),
	); err != nil {
		return nil, err
	}
	if m.sends, err = meter.Int64Counter("nextaction.sends",
		metric.WithDescription("Scheduled email delivery attempts"),
		metric.WithUnit("{send}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func outcome(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("outcome", "success")
	}
	return attribute.String("outcome", "failure")
}

// QueueItemFinished records a completed or failed queue item
func (m *Metrics) QueueItemFinished(ctx context.Context, itemType string, ok bool) {
	if m == nil {
		return
	}
	m.queueItems.Add(ctx, 1, metric.WithAttributes(attribute.String("type", itemType), outcome(ok)))
}

// ReconcileFinished records one reconciliation pass
func (m *Metrics) ReconcileFinished(ctx context.Context, source string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source), outcome(ok))
	m.reconciles.Add(ctx, 1, attrs)
	m.reconcileDuration.Record(ctx, d.Seconds(), attrs)
}

// Decision records one per-action reconciliation decision
func (m *Metrics) Decision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// TickFinished records the totals of one scheduler tick
func (m *Metrics) TickFinished(ctx context.Context, job string, candidates, dispatched, errors int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job", job))
	m.tickCandidates.Add(ctx, int64(candidates), attrs)
	m.tickDispatched.Add(ctx, int64(dispatched), attrs)
	m.tickErrors.Add(ctx, int64(errors), attrs)
}

// TickSkipped records a tick dropped by the re-entrancy guard
func (m *Metrics) TickSkipped(ctx context.Context, job string) {
	if m == nil {
		return
	}
	m.tickSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job)))
}

// SendFinished records one scheduled email delivery attempt
func (m *Metrics) SendFinished(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.sends.Add(ctx, 1, metric.WithAttributes(outcome(ok)))
}
