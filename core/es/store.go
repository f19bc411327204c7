package es

import (
	"context"
	"fmt"
)

type (
	// ReadOptions narrows ReadForward. Adapters build it with NewReadOptions.
	ReadOptions struct {
		// FromVersion is the first stream version returned (inclusive).
		FromVersion Version
		// FromPosition is the first store position returned (inclusive).
		FromPosition int64
	}

	ReadOption interface{ applyToReadOptions(*ReadOptions) }

	fromVersionOption  valueOption[Version]
	fromPositionOption valueOption[int64]
)

func (o fromVersionOption) applyToReadOptions(r *ReadOptions)  { r.FromVersion = o.v }
func (o fromPositionOption) applyToReadOptions(r *ReadOptions) { r.FromPosition = o.v }

func WithFromVersion(v Version) ReadOption { return fromVersionOption{v} }
func WithFromPosition(p int64) ReadOption  { return fromPositionOption{p} }

func NewReadOptions(opts ...ReadOption) ReadOptions {
	var r ReadOptions
	for _, opt := range opts {
		opt.applyToReadOptions(&r)
	}
	return r
}

// Match reports whether env passes the read filters.
func (r ReadOptions) Match(env Envelope) bool {
	return env.Version >= r.FromVersion && env.Position >= r.FromPosition
}

type (
	AppendResult struct {
		// LastPosition is the store position of the last appended envelope.
		LastPosition int64
		// Duplicate is set when the commit id was already stored for the
		// stream. Nothing was written.
		Duplicate bool
	}

	// StreamStore reads and appends envelopes per aggregate stream.
	StreamStore interface {
		// ReadForward returns the stream in version order. A stream without
		// events yields an empty slice and no error.
		ReadForward(ctx context.Context, aggType, aggID string, opts ...ReadOption) ([]Envelope, error)
		// Append writes events if the stream is at expected. Otherwise it
		// fails with ErrConcurrencyConflict. The in-memory and postgres
		// stores write all events or none; the NATS store publishes them one
		// by one and may keep a prefix when a later publish fails.
		Append(ctx context.Context, aggType, aggID string, expected Version, events []Envelope) (*AppendResult, error)
	}

	// EventStore is a StreamStore that can also be consumed.
	EventStore interface {
		StreamStore
		Stream
	}
)

// ValidateAppend checks the envelopes of one Append call: they must belong to
// the stream and continue it from expected without gaps.
func ValidateAppend(aggType, aggID string, expected Version, events []Envelope) error {
	if len(events) == 0 {
		return ErrStoreNoEvents
	}
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.AggregateType != aggType || e.AggregateID != aggID {
			return fmt.Errorf("envelope %s belongs to %s/%s, not %s/%s", e.ID, e.AggregateType, e.AggregateID, aggType, aggID)
		}
		if want := expected + Version(i+1); e.Version != want {
			return fmt.Errorf("envelope %s has version %d, want %d", e.ID, e.Version, want)
		}
	}
	return nil
}

// CommitIDOf returns the commit id shared by events, or "" when they carry
// none or disagree.
func CommitIDOf(events []Envelope) string {
	if len(events) == 0 {
		return ""
	}
	id := events[0].CommitID
	for _, e := range events[1:] {
		if e.CommitID != id {
			return ""
		}
	}
	return id
}

// AppendEvents encodes events and appends them at expect.
func AppendEvents(
	ctx context.Context,
	store StreamStore,
	aggType string,
	aggID string,
	expect Version,
	events ...any,
) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		env, err := NewEnvelope(aggType, aggID, expect+Version(i+1), ev)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return store.Append(ctx, aggType, aggID, expect, envelopes)
}
