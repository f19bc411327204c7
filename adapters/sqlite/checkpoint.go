// Package sqlite keeps consumer checkpoints in a local SQLite file. It suits
// single-process consumers whose events live in another store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/codewandler/aggregates-go/core/es"
)

var ErrStoreClosed = errors.New("checkpoint store closed")

type CheckpointStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Checkpoint is one row of List.
type Checkpoint struct {
	Consumer  string
	Position  int64
	UpdatedAt time.Time
}

// NewCheckpointStore opens path, or ":memory:" for tests.
func NewCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// an in-memory database exists per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			consumer   TEXT    NOT NULL PRIMARY KEY,
			position   INTEGER NOT NULL,
			updated_at TEXT    NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Save(ctx context.Context, consumer string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (consumer, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(consumer) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
	`, consumer, position, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, consumer string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var position int64
	err := s.db.QueryRowContext(ctx, `
		SELECT position FROM checkpoints WHERE consumer = ?
	`, consumer).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, es.ErrCheckpointNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return position, nil
}

// List returns every checkpoint ordered by consumer.
func (s *CheckpointStore) List(ctx context.Context) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT consumer, position, updated_at FROM checkpoints ORDER BY consumer
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp Checkpoint
			ts string
		)
		if err := rows.Scan(&cp.Consumer, &cp.Position, &ts); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *CheckpointStore) Delete(ctx context.Context, consumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE consumer = ?`, consumer); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ es.CheckpointStore = (*CheckpointStore)(nil)
