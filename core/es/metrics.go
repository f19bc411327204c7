package es

import "github.com/codewandler/aggregates-go/core/metrics"

// ESMetrics is the instrumentation surface of repositories, units of work,
// checkpoint trackers and consumers. Implementations must be safe for
// concurrent use.
type ESMetrics interface {
	// Store operations as seen by repositories
	StoreReadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	// Repository
	RepoLoadDuration(aggType string) metrics.Timer
	CacheHit(aggType string)
	CacheMiss(aggType string)
	ConcurrencyConflict(aggType string)
	ConflictResolved(aggType string, outcome ConflictOutcome)

	// Unit of work
	UnitOfWorkDuration() metrics.Timer
	UnitOfWorkEnded(state UnitOfWorkState)

	// Checkpoints
	CheckpointSaved(consumer string, position int64)

	// Consumer
	ConsumerEventDuration(eventType string, live bool) metrics.Timer
	ConsumerEventProcessed(eventType string, live bool, success bool)
	ConsumerLag(consumer string, lag int64)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreReadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer    { return metrics.NopTimer() }
func (nopESMetrics) CacheHit(string)                          {}
func (nopESMetrics) CacheMiss(string)                         {}
func (nopESMetrics) ConcurrencyConflict(string)               {}
func (nopESMetrics) ConflictResolved(string, ConflictOutcome) {}

func (nopESMetrics) UnitOfWorkDuration() metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) UnitOfWorkEnded(UnitOfWorkState)   {}

func (nopESMetrics) CheckpointSaved(string, int64) {}

func (nopESMetrics) ConsumerEventDuration(string, bool) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConsumerEventProcessed(string, bool, bool)        {}
func (nopESMetrics) ConsumerLag(string, int64)                        {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o ESMetricsOption) applyToEnv(e *envOptions)            { e.metrics = o.m }
func (o ESMetricsOption) applyToRepository(r *repoOptions)    { r.metrics = o.m }
func (o ESMetricsOption) applyToConsumerOpts(c *consumerOpts) { c.metrics = o.m }
func (o ESMetricsOption) applyToUnitOfWork(u *unitOfWorkOpts) { u.metrics = o.m }
func (o ESMetricsOption) applyToTracker(t *trackerOpts)       { t.metrics = o.m }

func metricsOrNop(m ESMetrics) ESMetrics {
	if m == nil {
		return NopESMetrics()
	}
	return m
}

// === multi ===

type multiESMetrics []ESMetrics

// MultiMetrics reports to every backend in ms.
func MultiMetrics(ms ...ESMetrics) ESMetrics { return multiESMetrics(ms) }

func (m multiESMetrics) timers(fn func(ESMetrics) metrics.Timer) metrics.Timer {
	ts := make([]metrics.Timer, len(m))
	for i, x := range m {
		ts[i] = fn(x)
	}
	return metrics.MultiTimer(ts...)
}

func (m multiESMetrics) each(fn func(ESMetrics)) {
	for _, x := range m {
		fn(x)
	}
}

func (m multiESMetrics) StoreReadDuration(aggType string) metrics.Timer {
	return m.timers(func(x ESMetrics) metrics.Timer { return x.StoreReadDuration(aggType) })
}
func (m multiESMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return m.timers(func(x ESMetrics) metrics.Timer { return x.StoreAppendDuration(aggType) })
}
func (m multiESMetrics) EventsAppended(aggType string, count int) {
	m.each(func(x ESMetrics) { x.EventsAppended(aggType, count) })
}
func (m multiESMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return m.timers(func(x ESMetrics) metrics.Timer { return x.RepoLoadDuration(aggType) })
}
func (m multiESMetrics) CacheHit(aggType string)  { m.each(func(x ESMetrics) { x.CacheHit(aggType) }) }
func (m multiESMetrics) CacheMiss(aggType string) { m.each(func(x ESMetrics) { x.CacheMiss(aggType) }) }
func (m multiESMetrics) ConcurrencyConflict(aggType string) {
	m.each(func(x ESMetrics) { x.ConcurrencyConflict(aggType) })
}
func (m multiESMetrics) ConflictResolved(aggType string, outcome ConflictOutcome) {
	m.each(func(x ESMetrics) { x.ConflictResolved(aggType, outcome) })
}
func (m multiESMetrics) UnitOfWorkDuration() metrics.Timer {
	return m.timers(func(x ESMetrics) metrics.Timer { return x.UnitOfWorkDuration() })
}
func (m multiESMetrics) UnitOfWorkEnded(state UnitOfWorkState) {
	m.each(func(x ESMetrics) { x.UnitOfWorkEnded(state) })
}
func (m multiESMetrics) CheckpointSaved(consumer string, position int64) {
	m.each(func(x ESMetrics) { x.CheckpointSaved(consumer, position) })
}
func (m multiESMetrics) ConsumerEventDuration(eventType string, live bool) metrics.Timer {
	return m.timers(func(x ESMetrics) metrics.Timer { return x.ConsumerEventDuration(eventType, live) })
}
func (m multiESMetrics) ConsumerEventProcessed(eventType string, live bool, success bool) {
	m.each(func(x ESMetrics) { x.ConsumerEventProcessed(eventType, live, success) })
}
func (m multiESMetrics) ConsumerLag(consumer string, lag int64) {
	m.each(func(x ESMetrics) { x.ConsumerLag(consumer, lag) })
}
