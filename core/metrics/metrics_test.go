package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type observerFunc func(float64)

func (f observerFunc) Observe(v float64) { f(v) }

func TestNewTimer(t *testing.T) {
	var got float64
	tm := NewTimer(observerFunc(func(v float64) { got = v }))
	time.Sleep(5 * time.Millisecond)
	tm.ObserveDuration()
	require.Greater(t, got, 0.0)
}

func TestNopTimer(t *testing.T) {
	require.NotPanics(t, func() { NopTimer().ObserveDuration() })
	require.Equal(t, "true", BoolLabel(true))
	require.Equal(t, "false", BoolLabel(false))
}

func TestMultiTimer(t *testing.T) {
	var n int
	count := observerFunc(func(float64) { n++ })
	MultiTimer(NewTimer(count), NewTimer(count), NopTimer()).ObserveDuration()
	require.Equal(t, 2, n)
}
