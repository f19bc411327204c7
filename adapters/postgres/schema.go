package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	position       BIGSERIAL PRIMARY KEY,
	id             TEXT        NOT NULL UNIQUE,
	aggregate_type TEXT        NOT NULL,
	aggregate_id   TEXT        NOT NULL,
	version        BIGINT      NOT NULL,
	event_type     TEXT        NOT NULL,
	commit_id      TEXT        NOT NULL DEFAULT '',
	headers        JSONB       NOT NULL DEFAULT '{}',
	occurred_at    TIMESTAMPTZ NOT NULL,
	data           JSONB       NOT NULL,
	UNIQUE (aggregate_type, aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS %[1]s_commit_idx ON %[1]s (commit_id);
CREATE TABLE IF NOT EXISTS %[2]s (
	consumer   TEXT        PRIMARY KEY,
	position   BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db DBAdapter, opts ...Option) error {
	o, err := newOptions(opts)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, fmt.Sprintf(schemaTemplate, o.eventsTable, o.checkpointsTable)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	o.log.Debug("migrated", slog.String("events", o.eventsTable), slog.String("checkpoints", o.checkpointsTable))
	return nil
}
