package es

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type spyRepo struct {
	mu         sync.Mutex
	changed    int
	prepareErr error
	commitErr  error
	prepared   []string
	commits    []string
	headers    map[string]string
	disposed   int
	log        *[]string
	name       string
}

func (s *spyRepo) ChangedStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *spyRepo) Prepare(_ context.Context, commitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = append(s.prepared, commitID)
	return s.prepareErr
}

func (s *spyRepo) Commit(_ context.Context, commitID string, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil {
		*s.log = append(*s.log, s.name)
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits = append(s.commits, commitID)
	s.headers = headers
	s.changed = 0
	return nil
}

func (s *spyRepo) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed++
}

func useSpy(t *testing.T, u *UnitOfWork, name string, spy *spyRepo) {
	t.Helper()
	spy.name = name
	r, err := u.Repository(name, func() (Repository, error) { return spy, nil })
	require.NoError(t, err)
	require.Same(t, spy, r)
}

func newTestUnitOfWork(opts ...UnitOfWorkOption) *UnitOfWork {
	base := []UnitOfWorkOption{
		WithConsumerIdentity("test-consumer"),
		WithCommitIDGenerator(func() string { return "commit-1" }),
	}
	return NewUnitOfWork(nil, append(base, opts...)...)
}

func TestUnitOfWork_End_commitsChangedRepositories(t *testing.T) {
	u := newTestUnitOfWork(WithHeaders(map[string]string{"tenant": "t1"}))
	require.NoError(t, u.Begin(t.Context()))

	a, b := &spyRepo{changed: 1}, &spyRepo{}
	useSpy(t, u, "a", a)
	useSpy(t, u, "b", b)

	require.NoError(t, u.End(t.Context(), nil))
	require.Equal(t, UnitOfWorkEnded, u.State())
	require.Equal(t, "commit-1", u.CommitID())

	require.Equal(t, []string{"commit-1"}, a.prepared)
	require.Equal(t, []string{"commit-1"}, a.commits)
	require.Equal(t, map[string]string{
		"tenant":       "t1",
		HeaderCommitID: "commit-1",
		HeaderConsumer: "test-consumer",
	}, a.headers)

	// prepared but not committed
	require.Equal(t, []string{"commit-1"}, b.prepared)
	require.Empty(t, b.commits)
}

func TestUnitOfWork_End_noChangesStillPrepares(t *testing.T) {
	u := newTestUnitOfWork()
	require.NoError(t, u.Begin(t.Context()))

	a, b := &spyRepo{}, &spyRepo{}
	useSpy(t, u, "a", a)
	useSpy(t, u, "b", b)

	require.NoError(t, u.End(t.Context(), nil))
	require.Len(t, a.prepared, 1)
	require.Len(t, b.prepared, 1)
	require.Empty(t, a.commits)
	require.Empty(t, b.commits)
}

func TestUnitOfWork_End_withErrorTouchesNothing(t *testing.T) {
	u := newTestUnitOfWork()
	require.NoError(t, u.Begin(t.Context()))

	a := &spyRepo{changed: 2}
	useSpy(t, u, "a", a)

	cause := errors.New("handler failed")
	require.ErrorIs(t, u.End(t.Context(), cause), cause)
	require.Equal(t, UnitOfWorkFaulted, u.State())
	require.Empty(t, a.prepared)
	require.Empty(t, a.commits)
}

func TestUnitOfWork_End_prepareFailureCommitsNothing(t *testing.T) {
	u := newTestUnitOfWork()
	require.NoError(t, u.Begin(t.Context()))

	prepErr := &ConcurrencyError{AggregateType: "x", AggregateID: "1", Expected: 1, Actual: 2}
	a, b := &spyRepo{changed: 1}, &spyRepo{changed: 1, prepareErr: prepErr}
	useSpy(t, u, "a", a)
	useSpy(t, u, "b", b)

	err := u.End(t.Context(), nil)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Equal(t, UnitOfWorkFaulted, u.State())
	require.Empty(t, a.commits)
	require.Empty(t, b.commits)
}

func TestUnitOfWork_End_partialCommit(t *testing.T) {
	var order []string
	u := newTestUnitOfWork()
	require.NoError(t, u.Begin(t.Context()))

	storeErr := &PersistenceError{Op: "append", Err: errors.New("down")}
	a := &spyRepo{changed: 1, log: &order}
	b := &spyRepo{changed: 1, log: &order, commitErr: storeErr}
	c := &spyRepo{changed: 1, log: &order}
	useSpy(t, u, "a", a)
	useSpy(t, u, "b", b)
	useSpy(t, u, "c", c)

	err := u.End(t.Context(), nil)
	require.ErrorIs(t, err, ErrPersistence)

	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "b", ce.Failed)
	require.Equal(t, []string{"a"}, ce.Committed)
	require.True(t, ce.Partial())

	// creation order, first failure aborts the rest
	require.Equal(t, []string{"a", "b"}, order)
	require.Empty(t, c.commits)
	require.Equal(t, UnitOfWorkFaulted, u.State())
}

func TestUnitOfWork_Dispose(t *testing.T) {
	t.Run("without end", func(t *testing.T) {
		u := newTestUnitOfWork()
		require.NoError(t, u.Begin(t.Context()))
		a, b := &spyRepo{changed: 1}, &spyRepo{}
		useSpy(t, u, "a", a)
		useSpy(t, u, "b", b)

		u.Dispose()
		u.Dispose()
		require.Equal(t, 1, a.disposed)
		require.Equal(t, 1, b.disposed)
		require.Empty(t, a.prepared)
		require.Equal(t, UnitOfWorkDisposed, u.State())
	})

	t.Run("after failed end", func(t *testing.T) {
		u := newTestUnitOfWork()
		require.NoError(t, u.Begin(t.Context()))
		a := &spyRepo{changed: 1, prepareErr: errors.New("nope")}
		useSpy(t, u, "a", a)

		require.Error(t, u.End(t.Context(), nil))
		u.Dispose()
		require.Equal(t, 1, a.disposed)
	})

	t.Run("no repositories after dispose", func(t *testing.T) {
		u := newTestUnitOfWork()
		u.Dispose()
		_, err := u.Repository("a", func() (Repository, error) { return &spyRepo{}, nil })
		require.ErrorIs(t, err, ErrUnitOfWorkState)
	})
}

func TestUnitOfWork_lifecycleGuards(t *testing.T) {
	u := newTestUnitOfWork()
	require.ErrorIs(t, u.End(t.Context(), nil), ErrUnitOfWorkState)

	require.NoError(t, u.Begin(t.Context()))
	require.ErrorIs(t, u.Begin(t.Context()), ErrUnitOfWorkState)

	require.NoError(t, u.End(t.Context(), nil))
	require.ErrorIs(t, u.End(t.Context(), nil), ErrUnitOfWorkState)
}

func TestUnitOfWork_repositoryCreatedOnce(t *testing.T) {
	u := newTestUnitOfWork()
	calls := 0
	create := func() (Repository, error) {
		calls++
		return &spyRepo{}, nil
	}
	r1, err := u.Repository("a", create)
	require.NoError(t, err)
	r2, err := u.Repository("a", create)
	require.NoError(t, err)
	require.Same(t, r1, r2)
	require.Equal(t, 1, calls)
}

func TestUnitOfWork_cancelledBeforeCommit(t *testing.T) {
	u := newTestUnitOfWork()
	require.NoError(t, u.Begin(t.Context()))
	a := &spyRepo{changed: 1}
	useSpy(t, u, "a", a)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, u.End(ctx, nil), context.Canceled)
	require.Empty(t, a.commits)
}

func TestUnitOfWork_ForWithoutDefinition(t *testing.T) {
	f := NewRepositoryFactory(NewInMemoryStore(), NewRegistry())
	u := NewUnitOfWork(f)
	_, err := For[*tally](u)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = Poco[struct{ A int }](u)
	require.ErrorIs(t, err, ErrConfiguration)
}
