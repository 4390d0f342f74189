package observability

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_RecordsPipelineEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	m.QueueItemFinished(ctx, "activity", true)
	m.QueueItemFinished(ctx, "activity", false)
	m.QueueItemFinished(ctx, "activity", true)
	m.ReconcileFinished(ctx, "scheduler", 250*time.Millisecond, true)
	m.Decision(ctx, "cancelled")
	m.TickFinished(ctx, "intelligence_update", 3, 2, 1)
	m.TickSkipped(ctx, "intelligence_update")
	m.SendFinished(ctx, false)

	metrics := collect(t, reader)

	queue := metrics["nextaction.queue.items"]
	assert.Equal(t, int64(2), sumFor(t, queue, attribute.String("outcome", "success"), attribute.String("type", "activity")))
	assert.Equal(t, int64(1), sumFor(t, queue, attribute.String("outcome", "failure"), attribute.String("type", "activity")))

	assert.Equal(t, int64(1), sumFor(t, metrics["nextaction.reconcile.decisions"], attribute.String("decision", "cancelled")))
	assert.Equal(t, int64(3), sumFor(t, metrics["nextaction.scheduler.candidates"], attribute.String("job", "intelligence_update")))
	assert.Equal(t, int64(1), sumFor(t, metrics["nextaction.scheduler.errors"], attribute.String("job", "intelligence_update")))
	assert.Equal(t, int64(1), sumFor(t, metrics["nextaction.scheduler.skipped_ticks"], attribute.String("job", "intelligence_update")))
	assert.Equal(t, int64(1), sumFor(t, metrics["nextaction.sends"], attribute.String("outcome", "failure")))

	hist, ok := metrics["nextaction.reconcile.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.QueueItemFinished(ctx, "activity", true)
		m.ReconcileFinished(ctx, "queue", time.Second, false)
		m.Decision(ctx, "kept")
		m.TickFinished(ctx, "job", 1, 1, 0)
		m.TickSkipped(ctx, "job")
		m.SendFinished(ctx, true)
	})
}

func TestNew_DisabledUsesGlobalProviders(t *testing.T) {
	p, err := New(context.Background(), Config{Enabled: false}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))

	_, err = NewMetrics(p.Meter())
	assert.NoError(t, err)
}
