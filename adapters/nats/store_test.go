package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/core/es/estests/domain"
)

func newTestStore(t *testing.T) *EventStore {
	store, err := NewEventStore(EventStoreConfig{
		Connect:       NewTestContainer(t),
		SubjectPrefix: "test.tenant-1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func envelopes(t *testing.T, aggID string, from es.Version, commitID string, events ...any) []es.Envelope {
	t.Helper()
	out := make([]es.Envelope, 0, len(events))
	for i, ev := range events {
		env, err := es.NewEnvelope("counter", aggID, from+es.Version(i+1), ev)
		require.NoError(t, err)
		env.CommitID = commitID
		out = append(out, env)
	}
	return out
}

func TestEventStore_subject(t *testing.T) {
	e := &EventStore{subjectPrefix: "p"}
	require.Equal(t, "p.counter.a_b", e.subjectForAggregate("counter", "a.b"))
	require.Equal(t, "p.counter.*", e.subjectForAggregate("counter", "*"))
}

func TestEventStore(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	t.Run("stream info", func(t *testing.T) {
		si, err := store.stream.Info(ctx)
		require.NoError(t, err)
		require.Equal(t, defaultStreamName, si.Config.Name)
		require.Equal(t, []string{"test.tenant-1.>"}, si.Config.Subjects)
	})

	t.Run("empty stream", func(t *testing.T) {
		got, err := store.ReadForward(ctx, "counter", "none")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("append and read", func(t *testing.T) {
		res, err := store.Append(ctx, "counter", "c1", 0, envelopes(t, "c1", 0, "",
			domain.Incremented{Inc: 1}, domain.Incremented{Inc: 2}, domain.Incremented{Inc: 3}))
		require.NoError(t, err)
		require.EqualValues(t, 3, res.LastPosition)

		// another stream interleaves
		_, err = store.Append(ctx, "counter", "c2", 0, envelopes(t, "c2", 0, "", domain.Incremented{Inc: 1}))
		require.NoError(t, err)

		res, err = store.Append(ctx, "counter", "c1", 3, envelopes(t, "c1", 3, "", domain.Incremented{Inc: 4}))
		require.NoError(t, err)
		require.EqualValues(t, 5, res.LastPosition)

		got, err := store.ReadForward(ctx, "counter", "c1")
		require.NoError(t, err)
		require.Len(t, got, 4)
		for i, env := range got {
			require.Equal(t, es.Version(i+1), env.Version)
			require.Equal(t, "c1", env.AggregateID)
		}
		require.Equal(t, []int64{1, 2, 3, 5}, []int64{got[0].Position, got[1].Position, got[2].Position, got[3].Position})

		got, err = store.ReadForward(ctx, "counter", "c1", es.WithFromVersion(3))
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, es.Version(3), got[0].Version)

		got, err = store.ReadForward(ctx, "counter", "c1", es.WithFromVersion(9))
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("conflict", func(t *testing.T) {
		_, err := store.Append(ctx, "counter", "c1", 2, envelopes(t, "c1", 2, "", domain.Incremented{Inc: 1}))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		var ce *es.ConcurrencyError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, es.Version(4), ce.Actual)
	})

	t.Run("duplicate commit", func(t *testing.T) {
		batch := envelopes(t, "c3", 0, "commit-1", domain.Incremented{Inc: 1}, domain.Incremented{Inc: 1})
		res, err := store.Append(ctx, "counter", "c3", 0, batch)
		require.NoError(t, err)
		require.False(t, res.Duplicate)

		again, err := store.Append(ctx, "counter", "c3", 0, envelopes(t, "c3", 0, "commit-1", domain.Incremented{Inc: 1}, domain.Incremented{Inc: 1}))
		require.NoError(t, err)
		require.True(t, again.Duplicate)
		require.Equal(t, res.LastPosition, again.LastPosition)
	})

	t.Run("subscribe from position", func(t *testing.T) {
		sub, err := store.Subscribe(ctx,
			es.WithStartPosition(2),
			es.WithFilters(es.SubscribeFilter{AggregateType: "counter", AggregateID: "c1"}),
		)
		require.NoError(t, err)
		defer sub.Cancel()
		require.EqualValues(t, 5, sub.MaxPosition())

		var seen []int64
		timeout := time.After(10 * time.Second)
		for len(seen) < 3 {
			select {
			case env := <-sub.Chan():
				seen = append(seen, env.Position)
			case <-timeout:
				t.Fatalf("timed out, seen %v", seen)
			}
		}
		require.Equal(t, []int64{2, 3, 5}, seen)
	})
}

func TestEventStore_env(t *testing.T) {
	store := newTestStore(t)
	te := es.NewTestEnv(t, es.WithStore(store), es.WithStates(domain.CounterState))

	for range 3 {
		require.NoError(t, te.Do(t.Context(), func(ctx context.Context, uow *es.UnitOfWork) error {
			r, err := es.For[*domain.Counter](uow)
			if err != nil {
				return err
			}
			c, err := r.GetOrNew(ctx, "c1")
			if err != nil {
				return err
			}
			return domain.Inc(c)
		}))
	}

	envs := te.Assert().StreamLen(t.Context(), "counter", "c1", 3)
	require.NotEmpty(t, envs[0].CommitID)
	require.NotEqual(t, envs[0].CommitID, envs[2].CommitID)
}

func TestEventStore_filterSubjects(t *testing.T) {
	e := &EventStore{subjectPrefix: "p"}

	subjects, err := e.filterSubjects(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"p.>"}, subjects)

	subjects, err = e.filterSubjects([]es.SubscribeFilter{
		{AggregateType: "counter", AggregateID: "c1"},
		{AggregateType: "profile", AggregateID: "p1"},
		{AggregateType: "counter"},
		{AggregateType: "profile", AggregateID: "p1"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		e.subjectForAggregate("profile", "p1"),
		e.subjectForAggregate("counter", "*"),
	}, subjects)

	_, err = e.filterSubjects([]es.SubscribeFilter{{AggregateID: "x"}})
	require.Error(t, err)
}
