package es

import (
	"context"
	"log/slog"

	"github.com/codewandler/aggregates-go/ports/kv"
)

type (
	valueOption[T any]  struct{ v T }
	MultiOption[T any]  struct{ opts []T }
	StoreOption         valueOption[EventStore]
	ContextOption       struct{ ctx context.Context }
	MemoryOption        struct{}
	EventRegisterOption struct {
		t    string
		ctor func() any
	}
	StatesOption struct {
		defs []StateRegistration
	}
	LogOption struct {
		l *slog.Logger
	}
	RetriesOption valueOption[int]
	KeyOption     valueOption[string]
	EnvOpts       MultiOption[EnvOption]
)

// WithInMemory uses in-memory event, checkpoint and kv stores.
func WithInMemory() MemoryOption         { return MemoryOption{} }
func WithStore(s EventStore) StoreOption { return StoreOption{v: s} }
func WithEvent[T any]() EventRegisterOption {
	return EventRegisterOption{t: EventTypeOf(new(T)), ctor: func() any { return any(new(T)) }}
}

// WithStates registers state definitions with the repository factory.
func WithStates(defs ...StateRegistration) StatesOption { return StatesOption{defs: defs} }
func WithCtx(ctx context.Context) ContextOption         { return ContextOption{ctx: ctx} }
func WithLog(l *slog.Logger) LogOption                  { return LogOption{l: l} }
func WithEnvOpts(opts ...EnvOption) EnvOpts             { return EnvOpts{opts: opts} }

// WithRetries sets how often Env.Do retries after a concurrency conflict.
func WithRetries(n int) RetriesOption { return RetriesOption{v: n} }

// WithKey serialises Env.Do calls sharing the key within this process.
func WithKey(key string) KeyOption { return KeyOption{v: key} }

func (o StoreOption) applyToEnv(e *envOptions) { e.store = o.v }
func (o MemoryOption) applyToEnv(e *envOptions) {
	e.store = NewInMemoryStore()
	e.cpStore = NewInMemoryCheckpointStore()
	e.kv = kv.NewMemStore()
}
func (o EventRegisterOption) applyToEnv(e *envOptions) { e.events = append(e.events, o) }
func (o StatesOption) applyToEnv(e *envOptions)        { e.states = append(e.states, o.defs...) }
func (o ContextOption) applyToEnv(e *envOptions)       { e.ctx = o.ctx }
func (o LogOption) applyToEnv(e *envOptions)           { e.log = o.l }
func (o LogOption) applyToRepository(r *repoOptions)   { r.log = o.l }
func (o RetriesOption) applyToEnv(e *envOptions)       { e.retries = o.v }
func (o RetriesOption) applyToDo(d *doOpts)            { d.retries = o.v }
func (o KeyOption) applyToDo(d *doOpts)                { d.key = o.v }
func (o HeadersOption) applyToDo(d *doOpts)            { d.headers = o.v }
func (o EnvOpts) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}

func (o ConsumerIdentityOption) applyToEnv(e *envOptions)  { e.consumer = o.v }
func (o HeadersOption) applyToEnv(e *envOptions)           { e.headers = o.v }
func (o CommitIDGeneratorOption) applyToEnv(e *envOptions) { e.commitIDs = o.v }
