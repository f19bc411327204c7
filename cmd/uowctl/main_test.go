package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/aggregates-go/core/config"
	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/core/es/estests/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uowctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(t.Context(), args, &out, &errOut)
	return out.String(), err
}

func TestRun_checkpointsOnSQLite(t *testing.T) {
	t.Setenv("UOWCTL_DB", filepath.Join(t.TempDir(), "cp.db"))
	cfgPath := writeConfig(t, `
log:
  level: error
checkpoints:
  backend: sqlite
  path: ${UOWCTL_DB}
`)

	_, err := runCLI(t, "-config", cfgPath, "checkpoint", "get", "projector")
	require.ErrorContains(t, err, `no checkpoint for "projector"`)

	_, err = runCLI(t, "-config", cfgPath, "checkpoint", "set", "projector", "42")
	require.NoError(t, err)

	out, err := runCLI(t, "-config", cfgPath, "checkpoint", "get", "projector")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)

	out, err = runCLI(t, "-config", cfgPath, "checkpoint", "list")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "projector\t42\t"), out)
}

func TestRun_usage(t *testing.T) {
	_, err := runCLI(t, "streams")
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "streams", "drop")
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "streams", "read", "-type", "counter")
	require.ErrorContains(t, err, "-type and -id are required")

	_, err = runCLI(t, "checkpoint", "set", "p", "zero")
	require.ErrorContains(t, err, "invalid position")

	// the in-memory checkpoint store cannot list
	_, err = runCLI(t, "checkpoint", "list")
	require.ErrorContains(t, err, "cannot list")
}

func TestRun_badConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
store:
  backend: sqlite
  path: /tmp/x.db
`)
	_, err := runCLI(t, "-config", cfgPath, "checkpoint", "get", "p")
	require.Error(t, err)
}

func newMemoryCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	b, err := openBackends(t.Context(), config.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	env, err := es.NewEnv(
		es.WithCtx(t.Context()),
		es.WithStates(domain.CounterState),
		es.WithEnvOpts(b.envOptions()...),
	)
	require.NoError(t, err)
	t.Cleanup(env.Shutdown)

	var out bytes.Buffer
	return &cli{env: env, out: &out, log: env.Log()}, &out
}

func TestStreamsRead(t *testing.T) {
	c, out := newMemoryCLI(t)
	ctx := t.Context()

	_, err := es.AppendEvents(ctx, c.env.Store(), "counter", "c1", 0,
		domain.Incremented{Inc: 1},
		domain.Renamed{Name: "x"},
		domain.Incremented{Inc: 2},
	)
	require.NoError(t, err)

	require.NoError(t, c.streamsRead(ctx, []string{"-type", "counter", "-id", "c1", "-from-version", "2"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"version":2`)
	assert.Contains(t, lines[0], `"name":"x"`)
	assert.Contains(t, lines[1], `"version":3`)
}

func TestStreamsTail(t *testing.T) {
	c, out := newMemoryCLI(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	_, err := es.AppendEvents(ctx, c.env.Store(), "counter", "c1", 0, domain.Incremented{Inc: 1})
	require.NoError(t, err)
	_, err = es.AppendEvents(ctx, c.env.Store(), "counter", "c2", 0, domain.Incremented{Inc: 1})
	require.NoError(t, err)
	_, err = es.AppendEvents(ctx, c.env.Store(), "counter", "c1", 1, domain.Incremented{Inc: 3})
	require.NoError(t, err)

	require.NoError(t, c.streamsTail(ctx, []string{"-from", "1", "-id", "c1", "-n", "2"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"position":1`)
	assert.Contains(t, lines[1], `"position":3`)
}
