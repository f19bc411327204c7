package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/core/metrics"
)

type esMetrics struct {
	storeRead        metric.Float64Histogram
	storeAppend      metric.Float64Histogram
	eventsAppended   metric.Int64Counter
	repoLoad         metric.Float64Histogram
	identityMap      metric.Int64Counter
	conflicts        metric.Int64Counter
	conflictOutcomes metric.Int64Counter
	uowDuration      metric.Float64Histogram
	uowEnded         metric.Int64Counter
	checkpoint       metric.Int64Gauge
	consumerDuration metric.Float64Histogram
	consumerEvents   metric.Int64Counter
	consumerLag      metric.Int64Gauge
}

// NewESMetrics creates the instruments on mp, or on the global provider
// when mp is nil.
func NewESMetrics(mp metric.MeterProvider) (es.ESMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   esMetrics
		err error
	)
	hist := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	gauge := func(name, desc string) metric.Int64Gauge {
		if err != nil {
			return nil
		}
		var g metric.Int64Gauge
		g, err = meter.Int64Gauge(name, metric.WithDescription(desc))
		return g
	}

	m.storeRead = hist("es.store.read.duration", "Event store read latency")
	m.storeAppend = hist("es.store.append.duration", "Event store append latency")
	m.eventsAppended = counter("es.events.appended", "Events appended")
	m.repoLoad = hist("es.repo.load.duration", "Entity load latency")
	m.identityMap = counter("es.identity_map.lookups", "Identity map lookups by hit")
	m.conflicts = counter("es.concurrency.conflicts", "Optimistic concurrency failures")
	m.conflictOutcomes = counter("es.conflicts.resolved", "Conflict handler outcomes")
	m.uowDuration = hist("es.uow.duration", "Unit of work duration")
	m.uowEnded = counter("es.uow.ended", "Units of work by final state")
	m.checkpoint = gauge("es.checkpoint.position", "Last saved checkpoint position")
	m.consumerDuration = hist("es.consumer.event.duration", "Event processing time")
	m.consumerEvents = counter("es.consumer.events", "Events processed")
	m.consumerLag = gauge("es.consumer.lag", "Consumer lag in positions")
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// observer adapts a histogram to metrics.Observer.
type observer struct {
	h     metric.Float64Histogram
	attrs metric.MeasurementOption
}

func (o observer) Observe(seconds float64) {
	o.h.Record(context.Background(), seconds, o.attrs)
}

func timer(h metric.Float64Histogram, attrs ...attribute.KeyValue) metrics.Timer {
	return metrics.NewTimer(observer{h: h, attrs: metric.WithAttributes(attrs...)})
}

func aggAttr(aggType string) attribute.KeyValue { return AttrAggregateType.String(aggType) }

func (m *esMetrics) StoreReadDuration(aggType string) metrics.Timer {
	return timer(m.storeRead, aggAttr(aggType))
}

func (m *esMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return timer(m.storeAppend, aggAttr(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.Add(context.Background(), int64(count), metric.WithAttributes(aggAttr(aggType)))
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return timer(m.repoLoad, aggAttr(aggType))
}

func (m *esMetrics) CacheHit(aggType string) {
	m.identityMap.Add(context.Background(), 1, metric.WithAttributes(aggAttr(aggType), attribute.Bool("hit", true)))
}

func (m *esMetrics) CacheMiss(aggType string) {
	m.identityMap.Add(context.Background(), 1, metric.WithAttributes(aggAttr(aggType), attribute.Bool("hit", false)))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.conflicts.Add(context.Background(), 1, metric.WithAttributes(aggAttr(aggType)))
}

func (m *esMetrics) ConflictResolved(aggType string, outcome es.ConflictOutcome) {
	m.conflictOutcomes.Add(context.Background(), 1, metric.WithAttributes(aggAttr(aggType), attribute.String("outcome", outcome.String())))
}

func (m *esMetrics) UnitOfWorkDuration() metrics.Timer { return timer(m.uowDuration) }

func (m *esMetrics) UnitOfWorkEnded(state es.UnitOfWorkState) {
	m.uowEnded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (m *esMetrics) CheckpointSaved(consumer string, position int64) {
	m.checkpoint.Record(context.Background(), position, metric.WithAttributes(AttrConsumer.String(consumer)))
}

func (m *esMetrics) ConsumerEventDuration(eventType string, live bool) metrics.Timer {
	return timer(m.consumerDuration, AttrEventType.String(eventType), AttrLive.Bool(live))
}

func (m *esMetrics) ConsumerEventProcessed(eventType string, live bool, success bool) {
	m.consumerEvents.Add(context.Background(), 1, metric.WithAttributes(
		AttrEventType.String(eventType), AttrLive.Bool(live), attribute.Bool("success", success)))
}

func (m *esMetrics) ConsumerLag(consumer string, lag int64) {
	m.consumerLag.Record(context.Background(), lag, metric.WithAttributes(AttrConsumer.String(consumer)))
}

var _ es.ESMetrics = (*esMetrics)(nil)
