package es

import (
	"context"
	"fmt"
	"log/slog"
)

// Descriptor describes one inbound message. Position is nil for messages
// that did not come from a store.
type Descriptor struct {
	Payload  any
	Headers  map[string]string
	Position *int64
}

type (
	trackerOpts struct {
		log     *slog.Logger
		metrics ESMetrics
	}
	TrackerOption interface{ applyToTracker(*trackerOpts) }
)

func (o LogOption) applyToTracker(t *trackerOpts) { t.log = o.l }

// CheckpointTracker follows the position of the messages handled in one
// operation and saves it once the operation ended without error.
type CheckpointTracker struct {
	store    CheckpointStore
	consumer string
	log      *slog.Logger
	metrics  ESMetrics

	desc     *Descriptor
	position *int64
	ended    bool
}

func NewCheckpointTracker(store CheckpointStore, consumer string, opts ...TrackerOption) *CheckpointTracker {
	options := trackerOpts{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToTracker(&options)
	}
	return &CheckpointTracker{
		store:    store,
		consumer: consumer,
		log:      options.log.With(slog.String("checkpoint", consumer)),
		metrics:  metricsOrNop(options.metrics),
	}
}

// Observe records d. When several messages are observed the highest
// position wins.
func (t *CheckpointTracker) Observe(d Descriptor) {
	t.desc = &d
	if d.Position == nil {
		return
	}
	if t.position == nil || *d.Position > *t.position {
		p := *d.Position
		t.position = &p
	}
}

// Descriptor returns the last observed descriptor.
func (t *CheckpointTracker) Descriptor() (Descriptor, bool) {
	if t.desc == nil {
		return Descriptor{}, false
	}
	return *t.desc, true
}

// Position returns the position that End would save.
func (t *CheckpointTracker) Position() (int64, bool) {
	if t.position == nil {
		return 0, false
	}
	return *t.position, true
}

func (t *CheckpointTracker) Begin(context.Context) error { return nil }

// End saves the observed position if cause is nil. It does nothing on
// failure, without a position, or when called again.
func (t *CheckpointTracker) End(ctx context.Context, cause error) error {
	if t.ended {
		return nil
	}
	t.ended = true

	if cause != nil {
		t.log.Debug("not advancing checkpoint", slog.Any("error", cause))
		return nil
	}
	if t.position == nil {
		return nil
	}
	if err := t.store.Save(ctx, t.consumer, *t.position); err != nil {
		return fmt.Errorf("save checkpoint %s at %d: %w", t.consumer, *t.position, err)
	}
	t.metrics.CheckpointSaved(t.consumer, *t.position)
	t.log.Debug("saved", slog.Int64("position", *t.position))
	return nil
}
