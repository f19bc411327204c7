package es

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type streamKey struct{ aggType, aggID string }

// InMemoryStore is an EventStore for tests and development. Positions are
// assigned from a single store-wide log.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	all     []Envelope
	streams map[streamKey][]int // indexes into all
	commits map[streamKey]map[string]int64
	subs    map[string]*inMemorySubscription
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[streamKey][]int{},
		commits: map[streamKey]map[string]int64{},
		subs:    map[string]*inMemorySubscription{},
	}
}

func (s *InMemoryStore) ReadForward(
	_ context.Context,
	aggType,
	aggID string,
	opts ...ReadOption,
) ([]Envelope, error) {
	ro := NewReadOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.streams[streamKey{aggType, aggID}]
	out := make([]Envelope, 0, len(idx))
	for _, i := range idx {
		if e := s.all[i]; ro.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType string,
	aggID string,
	expected Version,
	events []Envelope,
) (*AppendResult, error) {
	if err := ValidateAppend(aggType, aggID, expected, events); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := streamKey{aggType, aggID}

	commitID := CommitIDOf(events)
	if commitID != "" {
		if last, ok := s.commits[sk][commitID]; ok {
			s.log.Debug("duplicate commit", slog.String("commit_id", commitID))
			return &AppendResult{LastPosition: last, Duplicate: true}, nil
		}
	}

	if cur := Version(len(s.streams[sk])); cur != expected {
		return nil, ErrConcurrencyConflict
	}

	var lastPos int64
	for _, e := range events {
		e.Headers = maps.Clone(e.Headers)
		e.Position = int64(len(s.all) + 1)
		lastPos = e.Position
		s.streams[sk] = append(s.streams[sk], len(s.all))
		s.all = append(s.all, e)
	}

	if commitID != "" {
		if s.commits[sk] == nil {
			s.commits[sk] = map[string]int64{}
		}
		s.commits[sk][commitID] = lastPos
	}

	s.log.Debug(
		"append",
		slog.Int64("last_position", lastPos),
		slog.Int("num_events", len(events)),
	)

	for _, sub := range s.subs {
		sub.wake()
	}

	return &AppendResult{LastPosition: lastPos}, nil
}

// Len returns the number of stored envelopes.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	options := NewSubscribeOpts(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := len(s.all) // DeliverNewPolicy
	if options.deliverPolicy == DeliverAllPolicy {
		next = max(int(options.startPosition)-1, 0)
	}

	subID := gonanoid.Must()
	ctx, cancel := context.WithCancel(ctx)
	sub := &inMemorySubscription{
		filters: options.filters,
		ch:      make(chan Envelope, 64),
		notify:  make(chan struct{}, 1),
		maxPos:  int64(len(s.all)),
		cancel:  cancel,
	}
	s.subs[subID] = sub

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subs, subID)
			s.mu.Unlock()
			close(sub.ch)
		}()
		for {
			s.mu.Lock()
			batch := slices.Clone(s.all[min(next, len(s.all)):])
			s.mu.Unlock()

			for _, e := range batch {
				next++
				if !MatchFilters(e, sub.filters) {
					continue
				}
				select {
				case sub.ch <- e:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-sub.notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

type inMemorySubscription struct {
	filters []SubscribeFilter
	ch      chan Envelope
	notify  chan struct{}
	maxPos  int64
	cancel  context.CancelFunc
}

func (i *inMemorySubscription) Chan() <-chan Envelope { return i.ch }
func (i *inMemorySubscription) Cancel()               { i.cancel() }
func (i *inMemorySubscription) MaxPosition() int64    { return i.maxPos }

func (i *inMemorySubscription) wake() {
	select {
	case i.notify <- struct{}{}:
	default:
	}
}

var _ EventStore = (*InMemoryStore)(nil)
