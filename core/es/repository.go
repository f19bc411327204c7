package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

var ErrRepositoryDisposed = errors.New("repository disposed")

// Repository is the lifecycle a unit of work drives on every repository it
// created. Prepare performs no durable writes. Commit must only follow a
// successful Prepare with the same commit id.
type Repository interface {
	// ChangedStreams counts cached streams with pending changes.
	ChangedStreams() int
	Prepare(ctx context.Context, commitID string) error
	Commit(ctx context.Context, commitID string, headers map[string]string) error
	// Dispose drops cached state. Pending changes are lost.
	Dispose()
}

// ConflictPolicy decides what Prepare does with a pending event that has no
// conflict handler while the stream moved on.
type ConflictPolicy int

const (
	// RejectUnhandledConflicts fails Prepare with a ConcurrencyError.
	RejectUnhandledConflicts ConflictPolicy = iota
	// AcceptUnhandledConflicts keeps the event and applies it on top of the
	// newer history.
	AcceptUnhandledConflicts
)

func (p ConflictPolicy) String() string {
	if p == AcceptUnhandledConflicts {
		return "accept"
	}
	return "reject"
}

// ParseConflictPolicy accepts "reject" (or "") and "accept".
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "reject":
		return RejectUnhandledConflicts, nil
	case "accept":
		return AcceptUnhandledConflicts, nil
	}
	return 0, &ConfigurationError{Subject: "conflict policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

type (
	repoOptions struct {
		log     *slog.Logger
		metrics ESMetrics
		policy  ConflictPolicy

		stateCache *StateCache
	}
	RepositoryOption     interface{ applyToRepository(*repoOptions) }
	ConflictPolicyOption valueOption[ConflictPolicy]
)

func WithConflictPolicy(p ConflictPolicy) ConflictPolicyOption { return ConflictPolicyOption{v: p} }

func (o ConflictPolicyOption) applyToRepository(r *repoOptions) { r.policy = o.v }
func (o ConflictPolicyOption) applyToEnv(e *envOptions)         { e.policy = o.v }

// EntityRepository caches the entities of one state type for the lifetime of
// a unit of work. It is not safe for concurrent use.
type EntityRepository[S Stateful] struct {
	log      *slog.Logger
	def      *StateDefinition[S]
	store    StreamStore
	decoder  *EventRegistry
	metrics  ESMetrics
	policy   ConflictPolicy
	cache    *StateCache
	entities map[string]*Entity[S]
	disposed bool
}

func NewEntityRepository[S Stateful](
	def *StateDefinition[S],
	store StreamStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) *EntityRepository[S] {
	options := repoOptions{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}

	return &EntityRepository[S]{
		log:      options.log.With(slog.String("repo", def.Name())),
		def:      def,
		store:    store,
		decoder:  registry,
		metrics:  metricsOrNop(options.metrics),
		policy:   options.policy,
		cache:    options.stateCache,
		entities: map[string]*Entity[S]{},
	}
}

func (r *EntityRepository[S]) Definition() *StateDefinition[S] { return r.def }

// Get returns the entity for id, loading it on first access. It fails with
// ErrAggregateNotFound when the stream has no events.
func (r *EntityRepository[S]) Get(ctx context.Context, id string) (*Entity[S], error) {
	e, err := r.getOrLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrAggregateNotFound, r.def.Name(), id)
	}
	return e, nil
}

// GetOrNew is Get, but returns a fresh entity at version 0 when the stream
// has no events.
func (r *EntityRepository[S]) GetOrNew(ctx context.Context, id string) (*Entity[S], error) {
	e, err := r.getOrLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = newEntity(r.def, id, r.def.New())
		r.entities[id] = e
		r.log.Debug("new entity", e.SlogAttr())
	}
	return e, nil
}

// getOrLoad returns a nil entity, and caches nothing, for an empty stream.
func (r *EntityRepository[S]) getOrLoad(ctx context.Context, id string) (*Entity[S], error) {
	if r.disposed {
		return nil, ErrRepositoryDisposed
	}
	if id == "" {
		return nil, errors.New("aggregate id is empty")
	}
	if e, ok := r.entities[id]; ok {
		r.metrics.CacheHit(r.def.Name())
		return e, nil
	}
	r.metrics.CacheMiss(r.def.Name())

	defer r.metrics.RepoLoadDuration(r.def.Name()).ObserveDuration()

	state, err := r.fold(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Version() == 0 {
		return nil, nil
	}

	e := newEntity(r.def, id, state)
	r.entities[id] = e
	r.log.Debug("loaded", e.SlogAttr())
	return e, nil
}

// fold returns the current state of stream id.
func (r *EntityRepository[S]) fold(ctx context.Context, id string) (S, error) {
	if r.cache != nil {
		return r.foldCached(ctx, r.cache, id)
	}
	return r.foldFrom(ctx, id, r.def.New())
}

// foldFrom applies the events after the version of state to it.
func (r *EntityRepository[S]) foldFrom(ctx context.Context, id string, state S) (S, error) {
	var opts []ReadOption
	if v := state.Version(); v > 0 {
		opts = append(opts, WithFromVersion(v+1))
	}
	envs, err := r.read(ctx, id, opts...)
	if err != nil {
		return state, err
	}

	for _, env := range envs {
		if want := state.Version() + 1; env.Version != want {
			return state, &PersistenceError{
				Op:            "replay",
				AggregateType: r.def.Name(),
				AggregateID:   id,
				Err:           fmt.Errorf("expect version %d, got %d", want, env.Version),
			}
		}
		ev, err := r.decoder.decodeLenient(env)
		if err != nil {
			return state, &PersistenceError{Op: "decode", AggregateType: r.def.Name(), AggregateID: id, Err: err}
		}
		if err := r.def.Apply(state, ev); err != nil {
			return state, err
		}
	}
	return state, nil
}

func (r *EntityRepository[S]) read(ctx context.Context, id string, opts ...ReadOption) ([]Envelope, error) {
	defer r.metrics.StoreReadDuration(r.def.Name()).ObserveDuration()
	envs, err := r.store.ReadForward(ctx, r.def.Name(), id, opts...)
	if err != nil {
		return nil, &PersistenceError{Op: "read", AggregateType: r.def.Name(), AggregateID: id, Err: err}
	}
	return envs, nil
}

func (r *EntityRepository[S]) ChangedStreams() int {
	n := 0
	for _, e := range r.entities {
		if e.Dirty() {
			n++
		}
	}
	return n
}

func (r *EntityRepository[S]) dirtyIDs() []string {
	ids := make([]string, 0, len(r.entities))
	for _, id := range slices.Sorted(maps.Keys(r.entities)) {
		if r.entities[id].Dirty() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Prepare checks every changed entity against its stream. When the stream
// moved past the loaded version, the pending events are presented to the
// conflict handlers on top of the new history. Discarded events are dropped.
func (r *EntityRepository[S]) Prepare(ctx context.Context, commitID string) error {
	if r.disposed {
		return ErrRepositoryDisposed
	}
	for _, id := range r.dirtyIDs() {
		if err := r.prepareEntity(ctx, r.entities[id]); err != nil {
			return err
		}
	}
	return nil
}

func (r *EntityRepository[S]) prepareEntity(ctx context.Context, e *Entity[S]) error {
	newer, err := r.read(ctx, e.id, WithFromVersion(e.loaded+1))
	if err != nil {
		return err
	}
	if len(newer) == 0 {
		return nil
	}

	log := r.log.With(e.SlogAttr())
	r.metrics.ConcurrencyConflict(r.def.Name())

	tip, err := r.fold(ctx, e.id)
	if err != nil {
		return err
	}
	tipVersion := tip.Version()
	log.Debug("stream moved, resolving", tipVersion.SlogAttrWithKey("tip_version"))

	kept := make([]any, 0, len(e.pending))
	for _, ev := range e.pending {
		outcome, err := r.def.Conflict(tip, ev)
		r.metrics.ConflictResolved(r.def.Name(), outcome)

		switch outcome {
		case ConflictDiscarded:
			log.Debug("discarded", slog.String("event", EventTypeOf(ev)))
			continue
		case ConflictUnhandled:
			if r.policy != AcceptUnhandledConflicts {
				return &ConcurrencyError{
					AggregateType: r.def.Name(),
					AggregateID:   e.id,
					Expected:      e.loaded,
					Actual:        tipVersion,
					EventType:     EventTypeOf(ev),
				}
			}
		case ConflictFailed:
			return err
		}

		if err := r.def.Apply(tip, ev); err != nil {
			return err
		}
		kept = append(kept, ev)
	}

	e.rebase(tip, kept)
	log.Debug("resolved", slog.Int("kept", len(kept)), slog.Int("discarded", len(e.pending)-len(kept)))
	return nil
}

// Commit appends the pending events of every changed entity, in id order.
// Each stream is written atomically when the store's Append is (the NATS
// store is not); a failure leaves earlier streams committed.
func (r *EntityRepository[S]) Commit(ctx context.Context, commitID string, headers map[string]string) error {
	if r.disposed {
		return ErrRepositoryDisposed
	}
	for _, id := range r.dirtyIDs() {
		if err := r.commitEntity(ctx, r.entities[id], commitID, headers); err != nil {
			return err
		}
	}
	return nil
}

func (r *EntityRepository[S]) commitEntity(ctx context.Context, e *Entity[S], commitID string, headers map[string]string) error {
	envs := make([]Envelope, 0, len(e.pending))
	for i, ev := range e.pending {
		env, err := NewEnvelope(r.def.Name(), e.id, e.loaded+Version(i+1), ev)
		if err != nil {
			return err
		}
		env.CommitID = commitID
		env.Headers = maps.Clone(headers)
		envs = append(envs, env)
	}

	timer := r.metrics.StoreAppendDuration(r.def.Name())
	res, err := r.store.Append(ctx, r.def.Name(), e.id, e.loaded, envs)
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(r.def.Name())
			return &ConcurrencyError{
				AggregateType: r.def.Name(),
				AggregateID:   e.id,
				Expected:      e.loaded,
				Err:           err,
			}
		}
		return &PersistenceError{Op: "append", AggregateType: r.def.Name(), AggregateID: e.id, Err: err}
	}

	log := r.log.With(e.SlogAttr())
	if res.Duplicate {
		log.Debug("commit already stored", slog.String("commit_id", commitID))
	} else {
		r.metrics.EventsAppended(r.def.Name(), len(envs))
		log.Debug("committed", slog.String("commit_id", commitID), slog.Int64("last_position", res.LastPosition))
	}
	e.committed()
	if r.cache != nil {
		if err := r.cache.put(r.def.Name(), e.id, e.state); err != nil {
			log.Warn("cache state", slog.Any("error", err))
			r.cache.forget(r.def.Name(), e.id)
		}
	}
	return nil
}

func (r *EntityRepository[S]) Dispose() {
	r.entities = map[string]*Entity[S]{}
	r.disposed = true
}

var _ Repository = (*EntityRepository[*BaseState])(nil)
