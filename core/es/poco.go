package es

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/codewandler/aggregates-go/internal/codec"
	"github.com/codewandler/aggregates-go/internal/reflector"
	"github.com/codewandler/aggregates-go/ports/kv"
)

type pocoEntry[T any] struct {
	v        *T
	revision uint64
	snapshot []byte
}

// PocoRepository keeps plain documents of type T in a kv.Store. A document
// counts as changed when its encoding differs from the one loaded.
// Concurrency is checked against the kv revision.
type PocoRepository[T any] struct {
	log      *slog.Logger
	name     string
	store    kv.Store
	codec    codec.Codec
	entries  map[string]*pocoEntry[T]
	disposed bool
}

// PocoName returns the key prefix used for documents of type T.
func PocoName[T any]() string {
	if n, ok := any(new(T)).(interface{ PocoName() string }); ok {
		return n.PocoName()
	}
	return strings.ToLower(reflector.TypeInfoFor[T]().Type.Name())
}

func NewPocoRepository[T any](store kv.Store, opts ...RepositoryOption) *PocoRepository[T] {
	options := repoOptions{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	name := PocoName[T]()
	return &PocoRepository[T]{
		log:     options.log.With(slog.String("repo", "poco/"+name)),
		name:    name,
		store:   store,
		codec:   codec.JSON,
		entries: map[string]*pocoEntry[T]{},
	}
}

func (r *PocoRepository[T]) key(id string) string { return "poco." + r.name + "." + id }

func (r *PocoRepository[T]) Get(ctx context.Context, id string) (*T, error) {
	e, err := r.getOrLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: poco %s/%s", ErrAggregateNotFound, r.name, id)
	}
	return e.v, nil
}

func (r *PocoRepository[T]) GetOrNew(ctx context.Context, id string) (*T, error) {
	e, err := r.getOrLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e.v, nil
	}
	v := new(T)
	snap, err := r.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	r.entries[id] = &pocoEntry[T]{v: v, snapshot: snap}
	return v, nil
}

func (r *PocoRepository[T]) getOrLoad(ctx context.Context, id string) (*pocoEntry[T], error) {
	if r.disposed {
		return nil, ErrRepositoryDisposed
	}
	if id == "" {
		return nil, errors.New("poco id is empty")
	}
	if e, ok := r.entries[id]; ok {
		return e, nil
	}

	entry, err := r.store.Get(ctx, r.key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", AggregateType: r.name, AggregateID: id, Err: err}
	}

	v := new(T)
	if err := r.codec.Unmarshal(entry.Data, v); err != nil {
		return nil, &PersistenceError{Op: "decode", AggregateType: r.name, AggregateID: id, Err: err}
	}
	e := &pocoEntry[T]{v: v, revision: entry.Revision, snapshot: entry.Data}
	r.entries[id] = e
	return e, nil
}

func (r *PocoRepository[T]) changed() (ids []string, data [][]byte) {
	for _, id := range slices.Sorted(maps.Keys(r.entries)) {
		e := r.entries[id]
		b, err := r.codec.Marshal(e.v)
		if err != nil || !bytes.Equal(b, e.snapshot) {
			ids = append(ids, id)
			data = append(data, b)
		}
	}
	return ids, data
}

func (r *PocoRepository[T]) ChangedStreams() int {
	ids, _ := r.changed()
	return len(ids)
}

// Prepare fails when a changed document was written by someone else since it
// was loaded.
func (r *PocoRepository[T]) Prepare(ctx context.Context, _ string) error {
	if r.disposed {
		return ErrRepositoryDisposed
	}
	ids, _ := r.changed()
	for _, id := range ids {
		e := r.entries[id]
		var actual uint64
		entry, err := r.store.Get(ctx, r.key(id))
		switch {
		case errors.Is(err, kv.ErrNotFound):
		case err != nil:
			return &PersistenceError{Op: "read", AggregateType: r.name, AggregateID: id, Err: err}
		default:
			actual = entry.Revision
		}
		if actual != e.revision {
			return &ConcurrencyError{
				AggregateType: r.name,
				AggregateID:   id,
				Expected:      Version(e.revision),
				Actual:        Version(actual),
			}
		}
	}
	return nil
}

func (r *PocoRepository[T]) Commit(ctx context.Context, commitID string, headers map[string]string) error {
	if r.disposed {
		return ErrRepositoryDisposed
	}
	ids, data := r.changed()
	for i, id := range ids {
		e := r.entries[id]
		if data[i] == nil {
			return fmt.Errorf("encode poco %s/%s", r.name, id)
		}

		meta := make(map[string]any, len(headers)+1)
		for k, v := range headers {
			meta[k] = v
		}
		meta[HeaderCommitID] = commitID

		rev, err := r.store.Put(ctx, r.key(id), kv.Entry{Data: data[i], Meta: meta}, kv.ExpectRevision(e.revision))
		if err != nil {
			if errors.Is(err, kv.ErrRevisionMismatch) {
				return &ConcurrencyError{AggregateType: r.name, AggregateID: id, Expected: Version(e.revision), Err: err}
			}
			return &PersistenceError{Op: "put", AggregateType: r.name, AggregateID: id, Err: err}
		}
		e.revision = rev
		e.snapshot = data[i]
		r.log.Debug("committed", slog.String("id", id), slog.Uint64("revision", rev))
	}
	return nil
}

func (r *PocoRepository[T]) Dispose() {
	r.entries = map[string]*pocoEntry[T]{}
	r.disposed = true
}

var _ Repository = (*PocoRepository[struct{}])(nil)
