// Package metrics holds the backend-neutral instruments used by the core.
// Backends (Prometheus, OpenTelemetry) live under adapters/.
package metrics

import "time"

// Timer records the time elapsed since it was started.
//
//	defer m.CommitDuration("account").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// Observer receives a duration in seconds.
type Observer interface {
	Observe(seconds float64)
}

type observerTimer struct {
	o     Observer
	start time.Time
}

func (t *observerTimer) ObserveDuration() { t.o.Observe(time.Since(t.start).Seconds()) }

// NewTimer starts a Timer reporting to o.
func NewTimer(o Observer) Timer {
	return &observerTimer{o: o, start: time.Now()}
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

func NopTimer() Timer { return nopTimer{} }

// BoolLabel renders b as a metric label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

type multiTimer []Timer

func (m multiTimer) ObserveDuration() {
	for _, t := range m {
		t.ObserveDuration()
	}
}

// MultiTimer observes every timer at once.
func MultiTimer(timers ...Timer) Timer { return multiTimer(timers) }
