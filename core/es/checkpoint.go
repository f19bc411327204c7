package es

import (
	"context"
	"sync"
)

// CheckpointStore keeps the last successfully processed position per
// consumer. A single logical owner per consumer is assumed; there is no
// fencing between instances.
type CheckpointStore interface {
	Save(ctx context.Context, consumer string, position int64) error
	// Load fails with ErrCheckpointNotFound when nothing was saved.
	Load(ctx context.Context, consumer string) (int64, error)
}

type InMemoryCheckpointStore struct {
	mu sync.RWMutex
	m  map[string]int64
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{m: map[string]int64{}}
}

func (s *InMemoryCheckpointStore) Save(_ context.Context, consumer string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[consumer] = position
	return nil
}

func (s *InMemoryCheckpointStore) Load(_ context.Context, consumer string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[consumer]
	if !ok {
		return 0, ErrCheckpointNotFound
	}
	return p, nil
}

var _ CheckpointStore = (*InMemoryCheckpointStore)(nil)

type CheckpointStoreOption valueOption[CheckpointStore]

func WithCheckpointStore(cps CheckpointStore) CheckpointStoreOption {
	return CheckpointStoreOption{v: cps}
}

func (o CheckpointStoreOption) applyToEnv(e *envOptions)            { e.cpStore = o.v }
func (o CheckpointStoreOption) applyToConsumerOpts(c *consumerOpts) { c.cpStore = o.v }
