package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/aggregates-go/adapters/nats"
	"github.com/codewandler/aggregates-go/adapters/postgres"
	"github.com/codewandler/aggregates-go/adapters/sqlite"
	"github.com/codewandler/aggregates-go/core/config"
	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/ports/kv"
)

const defaultKVBucket = "aggregates_kv"

// backends are the storage ports opened from a config. Close releases them
// in reverse order.
type backends struct {
	store   es.EventStore
	cps     es.CheckpointStore
	kv      kv.Store
	closers []func() error
}

func (b *backends) onClose(fn func() error) { b.closers = append(b.closers, fn) }

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *backends) envOptions() []es.EnvOption {
	return []es.EnvOption{
		es.WithStore(b.store),
		es.WithCheckpointStore(b.cps),
		es.WithKV(b.kv),
	}
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	// one NATS connection and one Postgres pool per URL
	natsConns := map[string]nats.Connector{}
	natsConnect := func(url string) nats.Connector {
		if c, ok := natsConns[url]; ok {
			return c
		}
		connect := nats.ConnectDefault()
		if url != "" {
			connect = nats.ConnectURL(url)
		}
		c := nats.ReuseConnection(connect)
		natsConns[url] = c
		return c
	}
	pgConns := map[string]postgres.DBAdapter{}
	pgConnect := func(bc config.BackendConfig) (postgres.DBAdapter, error) {
		key := bc.Driver + "|" + bc.URL
		if db, ok := pgConns[key]; ok {
			return db, nil
		}
		db, closeDB, err := postgres.Connect(ctx, bc.Driver, bc.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.onClose(func() error { closeDB(); return nil })
		pgConns[key] = db
		return db, nil
	}

	switch cfg.Store.Backend {
	case "", config.BackendMemory:
		b.store = es.NewInMemoryStore()
	case config.BackendNATS:
		s, err := nats.NewEventStore(nats.EventStoreConfig{
			Connect:    natsConnect(cfg.Store.URL),
			Log:        log,
			StreamName: cfg.Store.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		b.onClose(s.Close)
		b.store = s
	case config.BackendPostgres:
		db, err := pgConnect(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		opts := postgresOptions(cfg, log)
		if err := postgres.Migrate(ctx, db, opts...); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		s, err := postgres.NewEventStore(db, opts...)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		b.store = s
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.Store.Backend)
	}

	switch cfg.Checkpoints.Backend {
	case "", config.BackendMemory:
		b.cps = es.NewInMemoryCheckpointStore()
	case config.BackendNATS:
		s, err := nats.NewCheckpointStore(nats.CheckpointStoreConfig{
			Connect: natsConnect(cfg.Checkpoints.URL),
			Bucket:  cfg.Checkpoints.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoints: %w", err)
		}
		b.onClose(s.Close)
		b.cps = s
	case config.BackendPostgres:
		db, err := pgConnect(cfg.Checkpoints)
		if err != nil {
			return nil, fmt.Errorf("checkpoints: %w", err)
		}
		opts := postgresOptions(cfg, log)
		if err := postgres.Migrate(ctx, db, opts...); err != nil {
			return nil, fmt.Errorf("checkpoints: %w", err)
		}
		s, err := postgres.NewCheckpointStore(db, opts...)
		if err != nil {
			return nil, fmt.Errorf("checkpoints: %w", err)
		}
		b.cps = s
	case config.BackendSQLite:
		s, err := sqlite.NewCheckpointStore(cfg.Checkpoints.Path)
		if err != nil {
			return nil, fmt.Errorf("checkpoints: %w", err)
		}
		b.onClose(s.Close)
		b.cps = s
	default:
		return nil, fmt.Errorf("checkpoints: unsupported backend %q", cfg.Checkpoints.Backend)
	}

	switch cfg.KV.Backend {
	case "", config.BackendMemory:
		b.kv = kv.NewMemStore()
	case config.BackendNATS:
		s, err := nats.NewKvStore(nats.KvConfig{
			Connect: natsConnect(cfg.KV.URL),
			Bucket:  cmp.Or(cfg.KV.Name, defaultKVBucket),
		})
		if err != nil {
			return nil, fmt.Errorf("kv: %w", err)
		}
		b.onClose(s.Close)
		b.kv = s
	default:
		return nil, fmt.Errorf("kv: unsupported backend %q", cfg.KV.Backend)
	}

	return b, nil
}

// postgresOptions names both tables so that stores sharing a database agree
// on the schema.
func postgresOptions(cfg config.Config, log *slog.Logger) []postgres.Option {
	opts := []postgres.Option{postgres.WithLogger(log)}
	if cfg.Store.Backend == config.BackendPostgres && cfg.Store.Name != "" {
		opts = append(opts, postgres.WithEventsTable(cfg.Store.Name))
	}
	if cfg.Checkpoints.Backend == config.BackendPostgres && cfg.Checkpoints.Name != "" {
		opts = append(opts, postgres.WithCheckpointsTable(cfg.Checkpoints.Name))
	}
	return opts
}
