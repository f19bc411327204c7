// Package postgres stores event streams and checkpoints in PostgreSQL. Both
// pgx and sqlx/lib/pq clients are supported through DBAdapter.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/internal/codec"
)

// EventStore keeps all streams in one table. The BIGSERIAL position column
// is the store position.
type EventStore struct {
	db   DBAdapter
	opts options
	log  *slog.Logger
}

func NewEventStore(db DBAdapter, opts ...Option) (*EventStore, error) {
	if db == nil {
		return nil, errors.New("postgres: nil database adapter")
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &EventStore{
		db:   db,
		opts: o,
		log:  o.log.With(slog.String("store", "postgres"), slog.String("table", o.eventsTable)),
	}, nil
}

func (s *EventStore) ReadForward(ctx context.Context, aggType, aggID string, opts ...es.ReadOption) ([]es.Envelope, error) {
	if aggType == "" || aggID == "" {
		return nil, errors.New("aggregate type and id are required")
	}

	q, err := buildReadQuery(s.opts.eventsTable, aggType, aggID, es.NewReadOptions(opts...))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	envs, err := s.queryEnvelopes(ctx, q)
	if err != nil {
		return nil, &es.PersistenceError{Op: "read", AggregateType: aggType, AggregateID: aggID, Err: err}
	}

	s.log.Debug(
		"read forward",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
		slog.Int("num_events", len(envs)),
		slog.Duration("duration", time.Since(start)),
	)
	return envs, nil
}

func (s *EventStore) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expected es.Version,
	events []es.Envelope,
) (*es.AppendResult, error) {
	if err := es.ValidateAppend(aggType, aggID, expected, events); err != nil {
		return nil, err
	}

	q, err := buildAppendQuery(s.opts.eventsTable, expected, events)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	positions, err := s.queryPositions(ctx, q)
	if err != nil && !isUniqueViolation(err) {
		return nil, &es.PersistenceError{Op: "append", AggregateType: aggType, AggregateID: aggID, Err: err}
	}

	if err != nil || len(positions) < len(events) {
		return s.resolveRejected(ctx, aggType, aggID, expected, events, err)
	}

	s.log.Debug(
		"appended",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
		expected.SlogAttrWithKey("expected"),
		slog.Int("num_events", len(events)),
		slog.Duration("duration", time.Since(start)),
	)
	return &es.AppendResult{LastPosition: maxOf(positions)}, nil
}

// resolveRejected decides whether a rejected append was a retry of an already
// stored commit or a real conflict.
func (s *EventStore) resolveRejected(
	ctx context.Context,
	aggType string,
	aggID string,
	expected es.Version,
	events []es.Envelope,
	cause error,
) (*es.AppendResult, error) {
	q, err := buildLastQuery(s.opts.eventsTable, aggType, aggID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, &es.PersistenceError{Op: "append", AggregateType: aggType, AggregateID: aggID, Err: err}
	}
	defer s.closeRows(rows)

	var (
		version  int64
		commitID string
		position int64
	)
	if rows.Next() {
		if err := rows.Scan(&version, &commitID, &position); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actual := es.Version(version)
	if c := es.CommitIDOf(events); c != "" && c == commitID && actual == expected+es.Version(len(events)) {
		return &es.AppendResult{LastPosition: position, Duplicate: true}, nil
	}

	s.log.Info(
		"concurrency conflict",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
		expected.SlogAttrWithKey("expected"),
		actual.SlogAttrWithKey("actual"),
	)
	return nil, &es.ConcurrencyError{
		AggregateType: aggType,
		AggregateID:   aggID,
		Expected:      expected,
		Actual:        actual,
		Err:           cause,
	}
}

func (s *EventStore) queryPositions(ctx context.Context, q string) ([]int64, error) {
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var out []int64
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *EventStore) queryEnvelopes(ctx context.Context, q string) ([]es.Envelope, error) {
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	out := make([]es.Envelope, 0)
	for rows.Next() {
		var (
			env     es.Envelope
			version int64
			headers []byte
			data    []byte
		)
		err := rows.Scan(
			&env.Position, &env.ID, &env.AggregateType, &env.AggregateID, &version,
			&env.Type, &env.CommitID, &headers, &env.OccurredAt, &data,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		env.Version = es.Version(version)
		env.Data = data
		if len(headers) > 0 && string(headers) != "{}" {
			if err := codec.JSON.Unmarshal(headers, &env.Headers); err != nil {
				return nil, fmt.Errorf("decode headers of %s: %w", env.ID, err)
			}
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *EventStore) closeRows(rows DBRows) {
	if err := rows.Close(); err != nil {
		s.log.Warn("close rows", slog.Any("error", err))
	}
}

func (s *EventStore) maxPosition(ctx context.Context, filters []es.SubscribeFilter) (int64, error) {
	q, err := buildMaxPositionQuery(s.opts.eventsTable, filters)
	if err != nil {
		return 0, err
	}
	positions, err := s.queryPositions(ctx, q)
	if err != nil {
		return 0, err
	}
	return maxOf(positions), nil
}

// Subscribe polls the table for rows past the last delivered position.
func (s *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)
	filters := options.Filters()

	maxPos, err := s.maxPosition(ctx, filters)
	if err != nil {
		return nil, err
	}

	after := maxPos
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		after = 0
	}
	if p := options.StartPosition(); p > 0 {
		after = p - 1
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{
		ch:     make(chan es.Envelope, 64),
		cancel: cancel,
		maxPos: maxPos,
	}

	s.log.Debug("subscribe", slog.Int64("after", after), slog.Int64("max_position", maxPos))

	go func() {
		defer close(sub.ch)
		ticker := time.NewTicker(s.opts.pollInterval)
		defer ticker.Stop()

		for {
			envs, err := s.poll(ctx, after, filters)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("poll", slog.Any("error", err))
			}
			for _, env := range envs {
				select {
				case sub.ch <- env:
					after = env.Position
				case <-ctx.Done():
					return
				}
			}
			if len(envs) == int(s.opts.pollBatch) {
				continue
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

func (s *EventStore) poll(ctx context.Context, after int64, filters []es.SubscribeFilter) ([]es.Envelope, error) {
	q, err := buildPollQuery(s.opts.eventsTable, after, filters, s.opts.pollBatch)
	if err != nil {
		return nil, err
	}
	return s.queryEnvelopes(ctx, q)
}

var _ es.EventStore = (*EventStore)(nil)

type pollSubscription struct {
	once   sync.Once
	ch     chan es.Envelope
	cancel context.CancelFunc
	maxPos int64
}

func (p *pollSubscription) Cancel()                  { p.once.Do(p.cancel) }
func (p *pollSubscription) Chan() <-chan es.Envelope { return p.ch }
func (p *pollSubscription) MaxPosition() int64       { return p.maxPos }

func maxOf(xs []int64) int64 {
	var m int64
	for _, x := range xs {
		m = max(m, x)
	}
	return m
}
