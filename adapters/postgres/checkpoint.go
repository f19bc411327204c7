package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/codewandler/aggregates-go/core/es"
)

type CheckpointStore struct {
	db    DBAdapter
	table string
	log   *slog.Logger
}

func NewCheckpointStore(db DBAdapter, opts ...Option) (*CheckpointStore, error) {
	if db == nil {
		return nil, errors.New("postgres: nil database adapter")
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{
		db:    db,
		table: o.checkpointsTable,
		log:   o.log.With(slog.String("checkpoints", "postgres")),
	}, nil
}

func (c *CheckpointStore) Save(ctx context.Context, consumer string, position int64) error {
	q, err := buildSaveCheckpointQuery(c.table, consumer, position)
	if err != nil {
		return err
	}
	if _, err := c.db.Exec(ctx, q); err != nil {
		return &es.PersistenceError{Op: "save checkpoint", Err: err}
	}
	return nil
}

func (c *CheckpointStore) Load(ctx context.Context, consumer string) (int64, error) {
	q, err := buildLoadCheckpointQuery(c.table, consumer)
	if err != nil {
		return 0, err
	}
	rows, err := c.db.Query(ctx, q)
	if err != nil {
		return 0, &es.PersistenceError{Op: "load checkpoint", Err: err}
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, es.ErrCheckpointNotFound
	}
	var p int64
	if err := rows.Scan(&p); err != nil {
		return 0, err
	}
	return p, nil
}

var _ es.CheckpointStore = (*CheckpointStore)(nil)
