package es

import (
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/aggregates-go/internal/codec"
	"github.com/codewandler/aggregates-go/internal/reflector"
)

// EventRegistry maps event type names to constructors so we can decode persisted events.
type EventRegistry struct {
	mu    sync.RWMutex
	codec codec.Codec
	news  map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{codec: codec.JSON, news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *EventRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.news[eventType]
	return ok
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if len(env.Data) > 0 {
		if err := r.codec.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return ev, nil
}

// UnregisteredEvent stands in for a persisted event whose type is not
// registered. It still counts towards the aggregate version when replayed.
type UnregisteredEvent struct {
	Type string
	Data []byte
}

func (r *EventRegistry) decodeLenient(env Envelope) (any, error) {
	if !r.Has(env.Type) {
		return &UnregisteredEvent{Type: env.Type, Data: env.Data}, nil
	}
	return r.Decode(env)
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

func RegisterEventFor[T any](r Registrar) {
	r.Register(EventTypeOf(new(T)), func() any {
		return any(new(T))
	})
}

// Event returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each constructor is called
// once to derive the type name.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.Register(EventTypeOf(ctor()), ctor)
	}
}

// EventTypeOf returns the type tag of ev: EventType() when implemented,
// otherwise the qualified Go type name.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

// NewEnvelope encodes ev for the given stream position. ID and OccurredAt are
// filled in; Position stays 0 until the store assigns it.
func NewEnvelope(aggType, aggID string, v Version, ev any) (Envelope, error) {
	data, err := codec.JSON.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %T: %w", ev, err)
	}
	return Envelope{
		ID:            gonanoid.Must(),
		Version:       v,
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          EventTypeOf(ev),
		OccurredAt:    time.Now(),
		Data:          data,
	}, nil
}
