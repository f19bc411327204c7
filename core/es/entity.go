package es

import (
	"fmt"
	"log/slog"
	"slices"
)

// Entity is one aggregate instance: its state plus the events raised on it
// that are not yet committed. State always reflects every raised event.
type Entity[S Stateful] struct {
	def     *StateDefinition[S]
	id      string
	state   S
	loaded  Version
	pending []any
}

func newEntity[S Stateful](def *StateDefinition[S], id string, state S) *Entity[S] {
	return &Entity[S]{def: def, id: id, state: state, loaded: state.Version()}
}

func (e *Entity[S]) ID() string   { return e.id }
func (e *Entity[S]) Type() string { return e.def.Name() }
func (e *Entity[S]) State() S     { return e.state }

// Version is the version of the state including raised events.
func (e *Entity[S]) Version() Version { return e.state.Version() }

// LoadedVersion is the stream version the entity was read at.
func (e *Entity[S]) LoadedVersion() Version { return e.loaded }

// IsNew reports whether the stream had no events when loaded.
func (e *Entity[S]) IsNew() bool { return e.loaded == 0 }

func (e *Entity[S]) Dirty() bool   { return len(e.pending) > 0 }
func (e *Entity[S]) Raised() []any { return slices.Clone(e.pending) }

// Raise validates each event, folds it into the state and appends it to the
// pending buffer. It stops at the first failing event; events before it stay
// raised.
func (e *Entity[S]) Raise(events ...any) error {
	for _, ev := range events {
		if v, ok := ev.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid event %s: %w", EventTypeOf(ev), err)
			}
		}
		if err := e.def.Apply(e.state, ev); err != nil {
			return err
		}
		e.pending = append(e.pending, ev)
	}
	return nil
}

func (e *Entity[S]) SlogAttr() slog.Attr {
	return slog.Group(
		"agg",
		slog.String("type", e.def.Name()),
		slog.String("id", e.id),
		e.state.Version().SlogAttr(),
		e.loaded.SlogAttrWithKey("loaded_version"),
	)
}

// rebase replaces the state with one at the stream tip and the pending buffer
// with the events that survived conflict resolution.
func (e *Entity[S]) rebase(tip S, pending []any) {
	e.state = tip
	e.loaded = tip.Version() - Version(len(pending))
	e.pending = pending
}

func (e *Entity[S]) committed() {
	e.loaded = e.state.Version()
	e.pending = nil
}
