package estests

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/core/es/estests/domain"
)

// projector mirrors every Renamed event into a profile document inside the
// consumer's unit of work.
type projector struct {
	mu      sync.Mutex
	seen    []int64
	failFor string
	healed  atomic.Bool
}

func (p *projector) Handle(ctx es.MsgCtx) error {
	p.mu.Lock()
	p.seen = append(p.seen, ctx.Position())
	p.mu.Unlock()

	ev, ok := ctx.Event().(*domain.Renamed)
	if !ok {
		return nil
	}
	profiles, err := es.Poco[domain.Profile](ctx.UnitOfWork())
	if err != nil {
		return err
	}
	prof, err := profiles.GetOrNew(ctx.Context(), ctx.AggregateID())
	if err != nil {
		return err
	}
	prof.Owner = ev.Name
	if ev.Name == p.failFor && !p.healed.Load() {
		return errors.New("projection failed")
	}
	return nil
}

func (p *projector) positions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.seen...)
}

var fastRetry = es.WithRetryBackoff(time.Millisecond, 5*time.Millisecond)

func startAsync(ctx context.Context, c *es.Consumer) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()
	return errCh
}

func TestConsumer_unitOfWorkCheckpoints(t *testing.T) {
	te := newEnv(t)
	ctx := t.Context()

	te.Assert().Append(ctx, "counter", "c1", 0, domain.Renamed{Name: "a"}, domain.Incremented{Inc: 1})

	p := &projector{failFor: "bad"}
	c := te.NewUnitOfWorkConsumer(p, es.WithConsumerName("profiles"), fastRetry)
	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool { return len(p.positions()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := te.CheckpointStore().Load(ctx, "profiles")
		return err == nil && got == 2
	}, time.Second, 5*time.Millisecond)

	// a failing handler is retried and leaves the checkpoint where it was
	te.Assert().Append(ctx, "counter", "c1", 2, domain.Renamed{Name: "bad"})
	require.Eventually(t, func() bool { return len(p.positions()) >= 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), p.positions()[3])
	te.Assert().Checkpoint(ctx, "profiles", 2)

	uow := begin(t, te)
	prof, err := profiles(t, uow).Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "a", prof.Owner)
	c.Stop()
}

func TestConsumer_failedEnvelopeIsRedeliveredAfterRestart(t *testing.T) {
	te := newEnv(t)
	ctx := t.Context()

	te.Assert().Append(ctx, "counter", "c1", 0, domain.Renamed{Name: "bad"}, domain.Renamed{Name: "good"})

	p := &projector{failFor: "bad"}
	c := te.NewUnitOfWorkConsumer(p, es.WithConsumerName("blocked"), fastRetry)
	started := startAsync(ctx, c)

	require.Eventually(t, func() bool { return len(p.positions()) >= 3 }, time.Second, time.Millisecond)
	for _, pos := range p.positions() {
		require.Equal(t, int64(1), pos, "no envelope after a failing one is delivered")
	}
	_, err := te.CheckpointStore().Load(ctx, "blocked")
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)

	c.Stop()
	require.Error(t, <-started)
	_, err = te.CheckpointStore().Load(ctx, "blocked")
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)

	restarted := &projector{}
	c = te.NewUnitOfWorkConsumer(restarted, es.WithConsumerName("blocked"), fastRetry)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.Eventually(t, func() bool { return len(restarted.positions()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []int64{1, 2}, restarted.positions())
	require.Eventually(t, func() bool {
		got, err := te.CheckpointStore().Load(ctx, "blocked")
		return err == nil && got == 2
	}, time.Second, 5*time.Millisecond)

	uow := begin(t, te)
	prof, err := profiles(t, uow).Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "good", prof.Owner)
}

func TestConsumer_retriesUntilHandlerSucceeds(t *testing.T) {
	te := newEnv(t)
	ctx := t.Context()

	te.Assert().Append(ctx, "counter", "c1", 0, domain.Renamed{Name: "bad"}, domain.Incremented{Inc: 1})

	p := &projector{failFor: "bad"}
	c := te.NewUnitOfWorkConsumer(p, es.WithConsumerName("healing"), fastRetry)
	started := startAsync(ctx, c)
	defer c.Stop()

	require.Eventually(t, func() bool { return len(p.positions()) >= 2 }, time.Second, time.Millisecond)
	p.healed.Store(true)

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not become live")
	}
	require.Eventually(t, func() bool {
		got, err := te.CheckpointStore().Load(ctx, "healing")
		return err == nil && got == 2
	}, time.Second, 5*time.Millisecond)

	got := p.positions()
	require.Equal(t, []int64{1, 2}, got[len(got)-2:])
	for _, pos := range got[:len(got)-1] {
		require.Equal(t, int64(1), pos)
	}

	uow := begin(t, te)
	prof, err := profiles(t, uow).Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "bad", prof.Owner)
}

func TestConsumer_resumesFromCheckpoint(t *testing.T) {
	te := newEnv(t)
	ctx := t.Context()

	te.Assert().Append(ctx, "counter", "c1", 0,
		domain.Incremented{Inc: 1},
		domain.Incremented{Inc: 1},
		domain.Incremented{Inc: 1},
	)
	require.NoError(t, te.CheckpointStore().Save(ctx, "resume", 2))

	p := &projector{}
	c := te.NewUnitOfWorkConsumer(p, es.WithConsumerName("resume"))
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.Eventually(t, func() bool { return len(p.positions()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []int64{3}, p.positions())
	require.Eventually(t, func() bool {
		got, _ := te.CheckpointStore().Load(ctx, "resume")
		return got == 3
	}, time.Second, 5*time.Millisecond)
}

func TestConsumer_checkpointMiddleware(t *testing.T) {
	te := newEnv(t)
	ctx := t.Context()
	te.Assert().Append(ctx, "counter", "c9", 0, domain.Incremented{Inc: 1})

	var handled sync.WaitGroup
	handled.Add(1)
	c := te.NewConsumer(
		es.Handle(func(es.MsgCtx) error { handled.Done(); return nil }),
		es.WithConsumerName("plain"),
		es.WithMiddlewares(
			es.NewLogMiddleware(),
			es.NewCheckpointMiddleware(te.CheckpointStore()),
		),
	)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()
	handled.Wait()

	require.Eventually(t, func() bool {
		got, _ := te.CheckpointStore().Load(ctx, "plain")
		return got == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConsumer_withUnitOfWorkConsumerOption(t *testing.T) {
	done := make(chan struct{}, 1)
	h := es.HandleUnitOfWork(func(ctx es.MsgCtx, uow *es.UnitOfWork) error {
		require.Equal(t, es.UnitOfWorkBegun, uow.State())
		done <- struct{}{}
		return nil
	})

	te := newEnv(t, es.WithUnitOfWorkConsumer(h, es.WithConsumerName("auto")))
	_, err := es.AppendEvents(context.Background(), te.Store(), "counter", "c1", 0, domain.Incremented{Inc: 1})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}
