package es

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggregates-go/core/metrics"
)

type countingMetrics struct {
	ESMetrics
	appended int
	timers   int
}

func (c *countingMetrics) EventsAppended(_ string, n int) { c.appended += n }
func (c *countingMetrics) UnitOfWorkDuration() metrics.Timer {
	c.timers++
	return metrics.NopTimer()
}

func TestMultiMetrics(t *testing.T) {
	a := &countingMetrics{ESMetrics: NopESMetrics()}
	b := &countingMetrics{ESMetrics: NopESMetrics()}
	m := MultiMetrics(a, b)

	m.EventsAppended("counter", 3)
	m.UnitOfWorkDuration().ObserveDuration()
	m.CacheHit("counter")

	require.Equal(t, 3, a.appended)
	require.Equal(t, 3, b.appended)
	require.Equal(t, 1, a.timers)
	require.Equal(t, 1, b.timers)
}
