// Package perkey serialises work per key while letting different keys run
// concurrently.
//
// Env.Do uses it to run units of work touching the same aggregate one after
// another inside a single process.
package perkey

import (
	"context"
	"errors"
	"sync"
)

var ErrSchedulerClosed = errors.New("scheduler is closed")

type slot struct {
	sem  chan struct{}
	refs int
}

// Scheduler runs functions so that, for a given key, at most one runs at a
// time. Waiters are admitted in no particular order.
type Scheduler[K comparable] struct {
	mu     sync.Mutex
	slots  map[K]*slot
	closed bool
}

func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{slots: make(map[K]*slot)}
}

func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext waits for the key to become free, runs fn and returns its error.
// If ctx ends while waiting, fn is not run.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	sl, err := s.acquire(key)
	if err != nil {
		return err
	}
	defer s.release(key, sl)

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sl.sem }()

	return fn()
}

// Len returns the number of keys with running or waiting work.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Close rejects new work. Work already admitted completes.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Scheduler[K]) acquire(key K) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	sl.refs++
	return sl, nil
}

func (s *Scheduler[K]) release(key K, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
}
