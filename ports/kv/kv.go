// Package kv is the key/value port used for plain document repositories and
// checkpoints. Every write yields a revision; writes may be made conditional
// on the revision last read.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/codewandler/aggregates-go/internal/codec"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

type Entry struct {
	Data []byte
	// Revision is assigned by the store and increases with every write to the key.
	Revision uint64
	Meta     map[string]any
}

type PutOptions struct {
	TTL time.Duration
	// ExpectRevision makes the write conditional. A pointer to 0 requires the
	// key to be absent.
	ExpectRevision *uint64
}

// ExpectRevision returns PutOptions that only succeed when the stored revision
// equals rev.
func ExpectRevision(rev uint64) PutOptions { return PutOptions{ExpectRevision: &rev} }

type Store interface {
	// Put writes entry and returns the new revision. It fails with
	// ErrRevisionMismatch when opts.ExpectRevision does not hold.
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) (uint64, error)
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) (uint64, error) {
	data, err := codec.JSON.Marshal(v)
	if err != nil {
		return 0, err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = codec.JSON.Unmarshal(entry.Data, &out)
	return
}
