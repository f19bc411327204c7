package es

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type spyCheckpointStore struct {
	saves []int64
	err   error
}

func (s *spyCheckpointStore) Save(_ context.Context, _ string, position int64) error {
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, position)
	return nil
}

func (s *spyCheckpointStore) Load(context.Context, string) (int64, error) {
	if len(s.saves) == 0 {
		return 0, ErrCheckpointNotFound
	}
	return s.saves[len(s.saves)-1], nil
}

func pos(p int64) *int64 { return &p }

func TestCheckpointTracker_savesOnSuccess(t *testing.T) {
	cps := &spyCheckpointStore{}
	tr := NewCheckpointTracker(cps, "c1")
	tr.Observe(Descriptor{Payload: "x", Position: pos(42)})

	require.NoError(t, tr.Begin(t.Context()))
	require.Empty(t, cps.saves)
	require.NoError(t, tr.End(t.Context(), nil))
	require.Equal(t, []int64{42}, cps.saves)

	// once per End
	require.NoError(t, tr.End(t.Context(), nil))
	require.Equal(t, []int64{42}, cps.saves)
}

func TestCheckpointTracker_noSaveOnError(t *testing.T) {
	cps := &spyCheckpointStore{}
	tr := NewCheckpointTracker(cps, "c1")
	tr.Observe(Descriptor{Position: pos(42)})

	require.NoError(t, tr.End(t.Context(), errors.New("handler failed")))
	require.Empty(t, cps.saves)
}

func TestCheckpointTracker_noPosition(t *testing.T) {
	cps := &spyCheckpointStore{}
	tr := NewCheckpointTracker(cps, "c1")
	require.NoError(t, tr.End(t.Context(), nil))

	tr = NewCheckpointTracker(cps, "c1")
	tr.Observe(Descriptor{Payload: "synthetic"})
	_, ok := tr.Position()
	require.False(t, ok)
	require.NoError(t, tr.End(t.Context(), nil))
	require.Empty(t, cps.saves)

	d, ok := tr.Descriptor()
	require.True(t, ok)
	require.Equal(t, "synthetic", d.Payload)
}

func TestCheckpointTracker_highestPositionWins(t *testing.T) {
	cps := &spyCheckpointStore{}
	tr := NewCheckpointTracker(cps, "c1")
	tr.Observe(Descriptor{Position: pos(7)})
	tr.Observe(Descriptor{Position: pos(5)})
	tr.Observe(Descriptor{})

	p, ok := tr.Position()
	require.True(t, ok)
	require.Equal(t, int64(7), p)
	require.NoError(t, tr.End(t.Context(), nil))
	require.Equal(t, []int64{7}, cps.saves)
}

func TestCheckpointTracker_storeFailure(t *testing.T) {
	cps := &spyCheckpointStore{err: errors.New("unavailable")}
	tr := NewCheckpointTracker(cps, "c1")
	tr.Observe(Descriptor{Position: pos(1)})
	require.ErrorContains(t, tr.End(t.Context(), nil), "unavailable")
}

func TestInMemoryCheckpointStore(t *testing.T) {
	s := NewInMemoryCheckpointStore()
	_, err := s.Load(t.Context(), "c")
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	require.NoError(t, s.Save(t.Context(), "c", 3))
	require.NoError(t, s.Save(t.Context(), "c", 9))
	p, err := s.Load(t.Context(), "c")
	require.NoError(t, err)
	require.Equal(t, int64(9), p)
}
