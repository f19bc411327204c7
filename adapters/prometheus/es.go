package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/core/metrics"
)

type esMetrics struct {
	// Store
	storeReadDuration   *prometheus.HistogramVec
	storeAppendDuration *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec

	// Repository
	repoLoadDuration     *prometheus.HistogramVec
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec
	conflictsResolved    *prometheus.CounterVec

	// Unit of work
	uowDuration prometheus.Histogram
	uowEnded    *prometheus.CounterVec

	// Checkpoints
	checkpoint *prometheus.GaugeVec

	// Consumer
	consumerEventDuration *prometheus.HistogramVec
	consumerEvents        *prometheus.CounterVec
	consumerLag           *prometheus.GaugeVec
}

// NewESMetrics registers the collectors on reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeReadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_read_duration_seconds",
			Help:      "Event store read latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_duration_seconds",
			Help:      "Event store append latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended",
		}, []string{"aggregate_type"}),

		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repo_load_duration_seconds",
			Help:      "Entity load latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_map_hits_total",
			Help:      "Entities served from the unit of work identity map",
		}, []string{"aggregate_type"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_map_misses_total",
			Help:      "Entities loaded from the store",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of optimistic concurrency failures",
		}, []string{"aggregate_type"}),

		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Pending events checked against newer stream events, by outcome",
		}, []string{"aggregate_type", "outcome"}),

		uowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_of_work_duration_seconds",
			Help:      "Time from Begin to End of a unit of work",
			Buckets:   defaultBuckets,
		}),

		uowEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_of_work_total",
			Help:      "Units of work by final state",
		}, []string{"state"}),

		checkpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_position",
			Help:      "Last saved checkpoint position",
		}, []string{"consumer"}),

		consumerEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consumer_event_duration_seconds",
			Help:      "Event processing time in seconds",
			Buckets:   defaultBuckets,
		}, []string{"event_type", "live"}),

		consumerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_events_total",
			Help:      "Total number of events processed",
		}, []string{"event_type", "live", "success"}),

		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_lag",
			Help:      "Consumer lag (positions behind)",
		}, []string{"consumer"}),
	}

	reg.MustRegister(
		m.storeReadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.repoLoadDuration,
		m.cacheHits,
		m.cacheMisses,
		m.concurrencyConflicts,
		m.conflictsResolved,
		m.uowDuration,
		m.uowEnded,
		m.checkpoint,
		m.consumerEventDuration,
		m.consumerEvents,
		m.consumerLag,
	)

	return m
}

func (m *esMetrics) StoreReadDuration(aggType string) metrics.Timer {
	return metrics.NewTimer(m.storeReadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return metrics.NewTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return metrics.NewTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) CacheHit(aggType string)  { m.cacheHits.WithLabelValues(aggType).Inc() }
func (m *esMetrics) CacheMiss(aggType string) { m.cacheMisses.WithLabelValues(aggType).Inc() }

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) ConflictResolved(aggType string, outcome es.ConflictOutcome) {
	m.conflictsResolved.WithLabelValues(aggType, outcome.String()).Inc()
}

func (m *esMetrics) UnitOfWorkDuration() metrics.Timer { return metrics.NewTimer(m.uowDuration) }

func (m *esMetrics) UnitOfWorkEnded(state es.UnitOfWorkState) {
	m.uowEnded.WithLabelValues(state.String()).Inc()
}

func (m *esMetrics) CheckpointSaved(consumer string, position int64) {
	m.checkpoint.WithLabelValues(consumer).Set(float64(position))
}

func (m *esMetrics) ConsumerEventDuration(eventType string, live bool) metrics.Timer {
	return metrics.NewTimer(m.consumerEventDuration.WithLabelValues(eventType, metrics.BoolLabel(live)))
}

func (m *esMetrics) ConsumerEventProcessed(eventType string, live bool, success bool) {
	m.consumerEvents.WithLabelValues(eventType, metrics.BoolLabel(live), metrics.BoolLabel(success)).Inc()
}

func (m *esMetrics) ConsumerLag(consumer string, lag int64) {
	m.consumerLag.WithLabelValues(consumer).Set(float64(lag))
}

var _ es.ESMetrics = (*esMetrics)(nil)
