package es

import (
	"context"
	"log/slog"

	"github.com/codewandler/aggregates-go/core/cache"
	"github.com/codewandler/aggregates-go/core/sf"
	"github.com/codewandler/aggregates-go/internal/codec"
)

// StateCache keeps encoded entity states between units of work. A load
// restores the cached state and reads only the events appended after it.
// Concurrent loads of one stream share a single read.
//
// States are encoded with the JSON codec, so only exported state fields
// survive the cache. The version is kept separately.
type StateCache struct {
	states cache.TypedCache[stateSnapshot]
	loads  *sf.Group[stateSnapshot]
	codec  codec.Codec
}

type stateSnapshot struct {
	version Version
	data    []byte
}

func NewStateCache(c cache.Cache) *StateCache {
	if c == nil {
		c = cache.Nop{}
	}
	return &StateCache{
		states: cache.NewTyped[stateSnapshot](c),
		loads:  sf.New[stateSnapshot](),
		codec:  codec.JSON,
	}
}

func stateKey(aggType, id string) string { return aggType + "/" + id }

func (c *StateCache) encode(s Stateful) (stateSnapshot, error) {
	data, err := c.codec.Marshal(s)
	if err != nil {
		return stateSnapshot{}, err
	}
	return stateSnapshot{version: s.Version(), data: data}, nil
}

// restore decodes snap into s, which must be a fresh state.
func (c *StateCache) restore(s Stateful, snap stateSnapshot) error {
	if snap.version == 0 {
		return nil
	}
	if err := c.codec.Unmarshal(snap.data, s); err != nil {
		return err
	}
	s.setVersion(snap.version)
	return nil
}

func (c *StateCache) put(aggType, id string, s Stateful) error {
	snap, err := c.encode(s)
	if err != nil {
		return err
	}
	c.states.Put(stateKey(aggType, id), snap)
	return nil
}

func (c *StateCache) forget(aggType, id string) {
	c.states.Delete(stateKey(aggType, id))
}

// foldCached is fold through cache c.
func (r *EntityRepository[S]) foldCached(ctx context.Context, c *StateCache, id string) (S, error) {
	key := stateKey(r.def.Name(), id)
	snap, _, err := c.loads.Do(key, func() (stateSnapshot, error) {
		state := r.def.New()
		if cached, ok := c.states.Get(key); ok {
			if err := c.restore(state, cached); err != nil {
				r.log.Warn("drop cached state", slog.String("id", id), slog.Any("error", err))
				c.states.Delete(key)
				state = r.def.New()
			}
		}
		state, err := r.foldFrom(ctx, id, state)
		if err != nil {
			return stateSnapshot{}, err
		}
		snap, err := c.encode(state)
		if err != nil {
			return stateSnapshot{}, err
		}
		if snap.version > 0 {
			c.states.Put(key, snap)
		}
		return snap, nil
	})
	state := r.def.New()
	if err != nil {
		return state, err
	}
	if err := c.restore(state, snap); err != nil {
		return r.def.New(), &PersistenceError{Op: "restore", AggregateType: r.def.Name(), AggregateID: id, Err: err}
	}
	return state, nil
}

// === options ===

type StateCacheOption valueOption[*StateCache]

// WithStateCache shares c between the repositories of an env.
func WithStateCache(c *StateCache) StateCacheOption { return StateCacheOption{v: c} }

func (o StateCacheOption) applyToEnv(e *envOptions)         { e.stateCache = o.v }
func (o StateCacheOption) applyToFactory(f *factoryOptions) { f.stateCache = o.v }
func (o StateCacheOption) applyToRepository(r *repoOptions) { r.stateCache = o.v }
