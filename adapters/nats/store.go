package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/aggregates-go/core/ds"
	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/internal/codec"
)

const (
	defaultSubjectPrefix = "aggregates.es"
	defaultStreamName    = "AGGREGATES_ES"

	headerEventType     = "x-event-type"
	headerAggregateType = "x-aggregate-type"
	headerAggregateID   = "x-aggregate-id"
	headerCommitID      = "x-commit-id"

	fetchBatch = 100
)

// RetentionPolicy defines how messages are retained in the stream.
type RetentionPolicy int

const (
	// RetentionLimits keeps messages until MaxMsgs, MaxBytes or MaxAge is hit.
	RetentionLimits RetentionPolicy = iota
	// RetentionInterest keeps messages only while consumers have interest.
	RetentionInterest
)

func (r RetentionPolicy) toJetStream() jetstream.RetentionPolicy {
	if r == RetentionInterest {
		return jetstream.InterestPolicy
	}
	return jetstream.LimitsPolicy
}

type EventStoreConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix of every stream subject
	StreamName    string
	// RenameType maps an aggregate type onto its subject token.
	RenameType func(string) string

	Retention RetentionPolicy
	// MaxAge, MaxBytes and MaxMsgs bound the stream. Zero means unlimited.
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64
	// Storage defaults to file storage.
	Storage jetstream.StorageType
}

// EventStore keeps each aggregate stream on its own subject
// <prefix>.<type>.<id>. The JetStream stream sequence is the store position.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
	renameType    func(string) string
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	// 0 means unlimited in our config, -1 in NATS
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	maxMsgs := cfg.MaxMsgs
	if maxMsgs == 0 {
		maxMsgs = -1
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: cfg.Retention.toJetStream(),
		Storage:   cfg.Storage,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  maxBytes,
		MaxMsgs:   maxMsgs,
		FirstSeq:  1,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	log.Debug("ensured", slog.Uint64("last_seq", streamInfo.State.LastSeq))

	return &EventStore{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		log:           log,
		stream:        stream,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
		renameType:    cfg.RenameType,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) ReadForward(
	ctx context.Context,
	aggType string,
	aggID string,
	opts ...es.ReadOption,
) (loaded []es.Envelope, err error) {
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	var (
		readOpts = es.NewReadOptions(opts...)
		subj     = e.subjectForAggregate(aggType, aggID)
		startAt  = time.Now()
	)

	defer func() {
		e.log.Debug(
			"read forward",
			slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)),
			readOpts.FromVersion.SlogAttrWithKey("from_version"),
			slog.Int("num_events", len(loaded)),
			slog.Duration("duration", time.Since(startAt)),
			slog.Any("error", err),
		)
	}()

	last, err := e.lastEnvelope(ctx, subj)
	if err != nil {
		return nil, err
	}
	if last == nil || last.Version < readOpts.FromVersion {
		return []es.Envelope{}, nil
	}

	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subj},
	}
	if readOpts.FromPosition > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = uint64(readOpts.FromPosition)
	}
	cc, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, err
	}

	all, err := e.fetchUntil(ctx, cc, last.Position)
	if err != nil {
		return nil, err
	}
	loaded = make([]es.Envelope, 0, len(all))
	for _, env := range all {
		if readOpts.Match(env) {
			loaded = append(loaded, env)
		}
	}
	return loaded, nil
}

// fetchUntil drains cc until the envelope at endPos was seen.
func (e *EventStore) fetchUntil(ctx context.Context, cc jetstream.Consumer, endPos int64) ([]es.Envelope, error) {
	var out []es.Envelope
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cc.Fetch(fetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return nil, err
		}

		n := 0
		for msg := range mb.Messages() {
			n++
			env, err := e.decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			out = append(out, *env)
			if env.Position >= endPos {
				return out, nil
			}
		}
		if err := mb.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("stream ended before position %d", endPos)
		}
	}
}

// Append publishes events one by one. Every publish carries the expected last
// sequence of the subject, so a concurrent writer makes it fail instead of
// interleaving. The batch is not atomic: events published before a failing
// one stay in the stream.
func (e *EventStore) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expected es.Version,
	events []es.Envelope,
) (*es.AppendResult, error) {
	if err := es.ValidateAppend(aggType, aggID, expected, events); err != nil {
		return nil, err
	}

	subj := e.subjectForAggregate(aggType, aggID)
	last, err := e.lastEnvelope(ctx, subj)
	if err != nil {
		return nil, fmt.Errorf("get last version: %w", err)
	}

	var (
		current = es.Version(0)
		lastSeq uint64
	)
	if last != nil {
		current = last.Version
		lastSeq = uint64(last.Position)
	}

	if current != expected {
		commitID := es.CommitIDOf(events)
		if commitID != "" && last != nil && last.CommitID == commitID && current == expected+es.Version(len(events)) {
			return &es.AppendResult{LastPosition: last.Position, Duplicate: true}, nil
		}
		return nil, &es.ConcurrencyError{
			AggregateType: aggType,
			AggregateID:   aggID,
			Expected:      expected,
			Actual:        current,
		}
	}

	for _, ev := range events {
		lastSeq, err = e.publish(ctx, subj, ev, lastSeq)
		if err != nil {
			if isWrongLastSequence(err) {
				return nil, &es.ConcurrencyError{
					AggregateType: aggType,
					AggregateID:   aggID,
					Expected:      expected,
					EventType:     ev.Type,
					Err:           err,
				}
			}
			return nil, err
		}
	}

	return &es.AppendResult{LastPosition: int64(lastSeq)}, nil
}

func (e *EventStore) publish(ctx context.Context, subject string, ev es.Envelope, expectSeq uint64) (uint64, error) {
	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerEventType, ev.Type)
	msg.Header.Set(headerAggregateType, ev.AggregateType)
	msg.Header.Set(headerAggregateID, ev.AggregateID)
	if ev.CommitID != "" {
		msg.Header.Set(headerCommitID, ev.CommitID)
	}

	// position is assigned by the stream
	ev.Position = 0
	data, err := codec.JSON.Marshal(ev)
	if err != nil {
		return 0, err
	}
	msg.Data = data

	ack, err := e.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectLastSequencePerSubject(expectSeq),
	)
	if err != nil {
		return 0, fmt.Errorf("append to subject %s %s: %w", subject, ev.Type, err)
	}
	return ack.Sequence, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// filterSubjects maps filters to consumer subjects. JetStream rejects
// duplicate or overlapping filter subjects, so ids covered by a type-wide
// filter are dropped.
func (e *EventStore) filterSubjects(filters []es.SubscribeFilter) ([]string, error) {
	if len(filters) == 0 {
		return []string{e.subjectPrefix + ".>"}, nil
	}

	wide := ds.NewSet[string]()
	for _, f := range filters {
		if f.AggregateType == "" {
			return nil, fmt.Errorf("invalid filter: %+v", f)
		}
		if f.AggregateID == "" {
			wide.Add(f.AggregateType)
		}
	}

	subjects := ds.NewSet[string]()
	for _, f := range filters {
		switch {
		case f.AggregateID == "":
			subjects.Add(e.subjectForAggregate(f.AggregateType, "*"))
		case !wide.Contains(f.AggregateType):
			subjects.Add(e.subjectForAggregate(f.AggregateType, f.AggregateID))
		}
	}
	return subjects.Values(), nil
}

func (e *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	filterSubjects, err := e.filterSubjects(options.Filters())
	if err != nil {
		return nil, err
	}

	var maxSeq uint64
	for _, s := range filterSubjects {
		m, err := e.stream.GetLastMsgForSubject(ctx, s)
		if err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, fmt.Errorf("get last message for subject %q: %w", s, err)
		} else if err == nil {
			maxSeq = max(maxSeq, m.Sequence)
		}
	}

	consumerCfg := jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    filterSubjects,
		InactiveThreshold: 10 * time.Minute,
	}
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		consumerCfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if p := options.StartPosition(); p > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = uint64(p)
	}

	e.log.Debug("subscribe", slog.Any("filter_subjects", filterSubjects), slog.Uint64("max_seq", maxSeq))

	consumer, err := e.stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer filter_subjects=%+v: %w", filterSubjects, err)
	}

	msgCtx, err := consumer.Messages()
	if err != nil {
		return nil, err
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			e.log.Debug("draining subscription")
			msgCtx.Drain()
		})
	}
	context.AfterFunc(ctx, stop)

	ch := make(chan es.Envelope, 64)
	go func() {
		defer func() {
			stop()
			close(ch)
		}()

		for {
			msg, err := msgCtx.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					e.log.Error("read next message", slog.Any("error", err))
				}
				return
			}

			if err := msg.Ack(); err != nil {
				e.log.Error("ack message", slog.Any("error", err))
				return
			}

			env, err := e.decodeMsg(msg)
			if err != nil {
				e.log.Error("decode message", slog.Any("error", err))
				continue
			}

			select {
			case ch <- *env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &jsSubscription{ch: ch, cancel: stop, maxPos: int64(maxSeq)}, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func (e *EventStore) decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	env := &es.Envelope{}
	if err := codec.JSON.Unmarshal(msg.Data(), env); err != nil {
		return nil, err
	}
	env.Position = int64(md.Sequence.Stream)
	return env, nil
}

// lastEnvelope returns nil when the subject holds no messages.
func (e *EventStore) lastEnvelope(ctx context.Context, subject string) (*es.Envelope, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}
	env := &es.Envelope{}
	if err := codec.JSON.Unmarshal(lm.Data, env); err != nil {
		return nil, fmt.Errorf("unmarshal last message for subject %q: %w", subject, err)
	}
	env.Position = int64(lm.Sequence)
	return env, nil
}

var _ es.EventStore = (*EventStore)(nil)

// --- helpers ---

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func (e *EventStore) subjectForAggregate(aggregateType, aggregateID string) string {
	if e.renameType != nil {
		aggregateType = e.renameType(aggregateType)
	}
	if aggregateID != "*" {
		aggregateID = tokenReplacer.Replace(aggregateID)
	}
	if aggregateType != "*" {
		aggregateType = tokenReplacer.Replace(aggregateType)
	}
	return e.subjectPrefix + "." + aggregateType + "." + aggregateID
}

// --- Subscription ---

type jsSubscription struct {
	ch     chan es.Envelope
	cancel func()
	maxPos int64
}

func (s *jsSubscription) MaxPosition() int64       { return s.maxPos }
func (s *jsSubscription) Cancel()                  { s.cancel() }
func (s *jsSubscription) Chan() <-chan es.Envelope { return s.ch }

var _ es.Subscription = (*jsSubscription)(nil)
