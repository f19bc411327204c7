package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a throwaway postgres server and returns its DSN.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "es",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("terminate container: %s", err.Error())
		}
	})

	endpoint, err := pgC.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s/es?sslmode=disable", endpoint)
	t.Logf("postgres: %s", dsn)
	return dsn
}

// NewTestDB connects with driver to a fresh container and migrates it.
func NewTestDB(t Testing, driver string, opts ...Option) DBAdapter {
	dsn := NewTestContainer(t)
	db, closeDB, err := Connect(t.Context(), driver, dsn)
	require.NoError(t, err)
	t.Cleanup(closeDB)
	require.NoError(t, Migrate(t.Context(), db, opts...))
	return db
}
