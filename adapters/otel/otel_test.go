package otel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/core/es/estests/domain"
)

func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp
}

func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func incCounter(ctx context.Context, uow *es.UnitOfWork) error {
	r, err := es.For[*domain.Counter](uow)
	if err != nil {
		return err
	}
	c, err := r.GetOrNew(ctx, "c1")
	if err != nil {
		return err
	}
	return domain.Inc(c)
}

func TestTraceDo(t *testing.T) {
	exporter, tp := setupTracingTest(t)
	te := es.NewTestEnv(t, es.WithStates(domain.CounterState))

	require.NoError(t, te.Do(t.Context(), TraceDo("inc", incCounter, WithTracerProvider(tp))))

	failing := TraceDo("fail", func(context.Context, *es.UnitOfWork) error {
		return errors.New("boom")
	}, WithTracerProvider(tp))
	require.Error(t, te.Do(t.Context(), failing))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, "inc", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	commitID, ok := attrValue(spans[0].Attributes, AttrCommitID)
	require.True(t, ok)
	assert.NotEmpty(t, commitID.AsString())

	assert.Equal(t, "fail", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "boom", spans[1].Status.Description)
	require.Len(t, spans[1].Events, 1)
}

func TestTracingMiddleware(t *testing.T) {
	exporter, tp := setupTracingTest(t)
	te := es.NewTestEnv(t, es.WithStates(domain.CounterState))
	ctx := t.Context()

	te.Assert().Append(ctx, "counter", "c1", 0, domain.Incremented{Inc: 1}, domain.Renamed{Name: "x"})

	var rejected atomic.Bool
	c := te.NewConsumer(
		es.Handle(func(msgCtx es.MsgCtx) error {
			if _, ok := msgCtx.Event().(*domain.Renamed); ok && rejected.CompareAndSwap(false, true) {
				return errors.New("rename rejected")
			}
			return nil
		}),
		es.WithConsumerName("traced"),
		es.WithRetryBackoff(time.Millisecond, time.Millisecond),
		es.WithMiddlewares(NewTracingMiddleware(WithTracerProvider(tp))),
	)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	// the rejected rename is retried once
	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 3 }, time.Second, 5*time.Millisecond)
	spans := exporter.GetSpans()

	pos, ok := attrValue(spans[0].Attributes, AttrPosition)
	require.True(t, ok)
	assert.Equal(t, int64(1), pos.AsInt64())
	consumer, _ := attrValue(spans[0].Attributes, AttrConsumer)
	assert.Equal(t, "traced", consumer.AsString())
	aggType, _ := attrValue(spans[0].Attributes, AttrAggregateType)
	assert.Equal(t, "counter", aggType.AsString())
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "rename rejected", spans[1].Status.Description)

	pos, _ = attrValue(spans[2].Attributes, AttrPosition)
	assert.Equal(t, int64(2), pos.AsInt64())
	assert.Equal(t, codes.Ok, spans[2].Status.Code)
}

func TestESMetrics(t *testing.T) {
	reader, mp := setupMetricsTest(t)
	m, err := NewESMetrics(mp)
	require.NoError(t, err)

	m.StoreReadDuration("user").ObserveDuration()
	m.EventsAppended("user", 3)
	m.CacheHit("user")
	m.CacheMiss("user")
	m.ConflictResolved("user", es.ConflictDiscarded)
	m.UnitOfWorkEnded(es.UnitOfWorkEnded)
	m.CheckpointSaved("projector", 42)
	m.ConsumerLag("projector", 7)
	m.ConsumerEventDuration("UserCreated", true).ObserveDuration()

	rm := collectMetrics(t, reader)

	appended := findMetric(rm, "es.events.appended")
	require.NotNil(t, appended)
	sum, ok := appended.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)

	lookups := findMetric(rm, "es.identity_map.lookups")
	require.NotNil(t, lookups)
	assert.Len(t, lookups.Data.(metricdata.Sum[int64]).DataPoints, 2)

	cp := findMetric(rm, "es.checkpoint.position")
	require.NotNil(t, cp)
	gauge, ok := cp.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(42), gauge.DataPoints[0].Value)

	read := findMetric(rm, "es.store.read.duration")
	require.NotNil(t, read)
	hist, ok := read.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	require.NotNil(t, findMetric(rm, "es.conflicts.resolved"))
	require.NotNil(t, findMetric(rm, "es.consumer.lag"))
	require.NotNil(t, findMetric(rm, "es.consumer.event.duration"))
}

func TestESMetrics_env(t *testing.T) {
	reader, mp := setupMetricsTest(t)
	m, err := NewESMetrics(mp)
	require.NoError(t, err)
	te := es.NewTestEnv(t, es.WithStates(domain.CounterState), es.WithMetrics(m))

	for range 2 {
		require.NoError(t, te.Do(t.Context(), incCounter))
	}

	rm := collectMetrics(t, reader)
	ended := findMetric(rm, "es.uow.ended")
	require.NotNil(t, ended)
	dps := ended.Data.(metricdata.Sum[int64]).DataPoints
	require.Len(t, dps, 1)
	assert.Equal(t, int64(2), dps[0].Value)
	state, _ := dps[0].Attributes.Value("state")
	assert.Equal(t, "ended", state.AsString())
}
