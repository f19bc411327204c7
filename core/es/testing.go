package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t *testing.T
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// NewTestEnv starts an in-memory env that shuts down with the test.
func NewTestEnv(
	t *testing.T,
	opts ...EnvOption,
) *TestingEnv {
	t.Helper()
	e, err := NewEnv(
		WithInMemory(),
		WithCtx(t.Context()),
		WithEnvOpts(opts...),
	)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return &TestingEnv{
		t:   t,
		Env: e,
	}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

// Append writes events directly to the store, bypassing any unit of work.
func (a *TestingEnvAssert) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expect Version,
	events ...any,
) *AppendResult {
	a.env.t.Helper()
	res, err := AppendEvents(ctx, a.env.Store(), aggType, aggID, expect, events...)
	require.NoError(a.env.t, err)
	return res
}

// StreamLen asserts the number of events in a stream.
func (a *TestingEnvAssert) StreamLen(ctx context.Context, aggType, aggID string, n int) []Envelope {
	a.env.t.Helper()
	envs, err := a.env.Store().ReadForward(ctx, aggType, aggID)
	require.NoError(a.env.t, err)
	require.Len(a.env.t, envs, n)
	return envs
}

// Checkpoint asserts the saved position of consumer.
func (a *TestingEnvAssert) Checkpoint(ctx context.Context, consumer string, want int64) {
	a.env.t.Helper()
	got, err := a.env.CheckpointStore().Load(ctx, consumer)
	require.NoError(a.env.t, err)
	require.Equal(a.env.t, want, got)
}
