package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/core/es/estests/domain"
)

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

func TestEventStore(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}

	for _, driver := range []string{DriverPGX, DriverSQLX} {
		t.Run(driver, func(t *testing.T) {
			db := NewTestDB(t, driver)
			store, err := NewEventStore(db, WithPollInterval(20*time.Millisecond))
			require.NoError(t, err)
			ctx := t.Context()

			got, err := store.ReadForward(ctx, "counter", "none")
			require.NoError(t, err)
			require.Empty(t, got)

			res, err := store.Append(ctx, "counter", "c1", 0, envelopes(t, "c1", 0, "k1",
				domain.Incremented{Inc: 1}, domain.Incremented{Inc: 2}))
			require.NoError(t, err)
			require.EqualValues(t, 2, res.LastPosition)

			batch := envelopes(t, "c1", 2, "k2", domain.Renamed{Name: "x"})
			batch[0].Headers = map[string]string{"tenant": "acme"}
			_, err = store.Append(ctx, "counter", "c1", 2, batch)
			require.NoError(t, err)

			got, err = store.ReadForward(ctx, "counter", "c1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			require.Equal(t, es.Version(3), got[2].Version)
			require.Equal(t, "acme", got[2].Headers["tenant"])
			require.Equal(t, "k2", got[2].CommitID)
			require.JSONEq(t, `{"name":"x"}`, string(got[2].Data))

			got, err = store.ReadForward(ctx, "counter", "c1", es.WithFromVersion(2))
			require.NoError(t, err)
			require.Len(t, got, 2)

			// stale expectation
			_, err = store.Append(ctx, "counter", "c1", 1, envelopes(t, "c1", 1, "k3", domain.Incremented{Inc: 1}))
			require.ErrorIs(t, err, es.ErrConcurrencyConflict)
			var ce *es.ConcurrencyError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, es.Version(3), ce.Actual)

			// retried commit
			again, err := store.Append(ctx, "counter", "c1", 2, envelopes(t, "c1", 2, "k2", domain.Renamed{Name: "x"}))
			require.NoError(t, err)
			require.True(t, again.Duplicate)

			sub, err := store.Subscribe(ctx, es.WithDeliverPolicy(es.DeliverAllPolicy))
			require.NoError(t, err)
			defer sub.Cancel()
			require.EqualValues(t, 3, sub.MaxPosition())

			_, err = store.Append(ctx, "counter", "c2", 0, envelopes(t, "c2", 0, "", domain.Incremented{Inc: 1}))
			require.NoError(t, err)

			var seen []string
			timeout := time.After(5 * time.Second)
			for len(seen) < 4 {
				select {
				case env := <-sub.Chan():
					seen = append(seen, env.AggregateID)
				case <-timeout:
					t.Fatalf("timed out, seen %v", seen)
				}
			}
			require.Equal(t, []string{"c1", "c1", "c1", "c2"}, seen)

			cps, err := NewCheckpointStore(db)
			require.NoError(t, err)
			_, err = cps.Load(ctx, "p")
			require.ErrorIs(t, err, es.ErrCheckpointNotFound)
			require.NoError(t, cps.Save(ctx, "p", 3))
			require.NoError(t, cps.Save(ctx, "p", 4))
			p, err := cps.Load(ctx, "p")
			require.NoError(t, err)
			require.EqualValues(t, 4, p)
		})
	}
}

func TestEventStore_env(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}

	db := NewTestDB(t, DriverPGX)
	store, err := NewEventStore(db)
	require.NoError(t, err)
	cps, err := NewCheckpointStore(db)
	require.NoError(t, err)

	te := es.NewTestEnv(t,
		es.WithStore(store),
		es.WithCheckpointStore(cps),
		es.WithStates(domain.CounterState),
	)

	inc := func(ctx context.Context, uow *es.UnitOfWork) error {
		r, err := es.For[*domain.Counter](uow)
		if err != nil {
			return err
		}
		c, err := r.GetOrNew(ctx, "c1")
		if err != nil {
			return err
		}
		return domain.Inc(c)
	}
	for range 3 {
		require.NoError(t, te.Do(t.Context(), inc))
	}
	te.Assert().StreamLen(t.Context(), "counter", "c1", 3)

	tracker := te.NewCheckpointTracker("reporter")
	pos := int64(3)
	tracker.Observe(es.Descriptor{Position: &pos})
	require.NoError(t, tracker.End(t.Context(), nil))
	te.Assert().Checkpoint(t.Context(), "reporter", 3)
}
