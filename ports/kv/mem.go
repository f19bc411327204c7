package kv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	Entry
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemStore is an in-process Store. Revisions are global across keys, like a
// JetStream bucket.
type MemStore struct {
	mu   sync.RWMutex
	rev  uint64
	data map[string]memEntry
	now  func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}, now: time.Now}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.data[key]
	if ok && cur.expired(now) {
		delete(m.data, key)
		ok = false
	}

	if opts.ExpectRevision != nil {
		var have uint64
		if ok {
			have = cur.Revision
		}
		if have != *opts.ExpectRevision {
			return 0, fmt.Errorf("%w: key=%s expected=%d actual=%d", ErrRevisionMismatch, key, *opts.ExpectRevision, have)
		}
	}

	m.rev++
	e := memEntry{Entry: Entry{
		Data:     append([]byte(nil), entry.Data...),
		Revision: m.rev,
		Meta:     entry.Meta,
	}}
	if opts.TTL > 0 {
		e.expiresAt = now.Add(opts.TTL)
	}
	m.data[key] = e
	return m.rev, nil
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok || e.expired(m.now()) {
		return Entry{}, ErrNotFound
	}
	e.Data = append([]byte(nil), e.Data...)
	return e.Entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)
