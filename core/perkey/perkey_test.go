package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_serialisesSameKey(t *testing.T) {
	s := New[string]()

	var (
		running atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Do("a", func() error {
				n := running.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, maxSeen.Load())
	require.Equal(t, 0, s.Len())
}

func TestScheduler_differentKeysRunConcurrently(t *testing.T) {
	s := New[int]()

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.Do(1, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = s.Do(2, func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key 2 blocked by key 1")
	}
	close(release)
}

func TestScheduler_contextAndClose(t *testing.T) {
	s := New[string]()

	hold := make(chan struct{})
	go func() { _ = s.Do("k", func() error { <-hold; return nil }) }()
	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.DoContext(ctx, "k", func() error { return errors.New("must not run") })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)

	s.Close()
	require.ErrorIs(t, s.Do("k", func() error { return nil }), ErrSchedulerClosed)
}
