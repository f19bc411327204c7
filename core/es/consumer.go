package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MsgCtx is the context of one consumed envelope.
type MsgCtx struct {
	ctx      context.Context
	log      *slog.Logger
	ev       Envelope
	evt      any
	live     bool
	consumer string
	uow      *UnitOfWork
}

func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Event() any               { return c.evt }
func (c MsgCtx) Live() bool               { return c.live }
func (c MsgCtx) Consumer() string         { return c.consumer }

func (c MsgCtx) Position() int64       { return c.ev.Position }
func (c MsgCtx) Envelope() Envelope    { return c.ev }
func (c MsgCtx) Version() Version      { return c.ev.Version }
func (c MsgCtx) AggregateID() string   { return c.ev.AggregateID }
func (c MsgCtx) AggregateType() string { return c.ev.AggregateType }
func (c MsgCtx) Data() json.RawMessage { return c.ev.Data }
func (c MsgCtx) Type() string          { return c.ev.Type }
func (c MsgCtx) OccurredAt() time.Time { return c.ev.OccurredAt }

func (c MsgCtx) Descriptor() Descriptor {
	return Descriptor{Payload: c.evt, Headers: c.ev.Headers, Position: c.ev.PositionPtr()}
}

// UnitOfWork is set by the unit of work middleware, nil otherwise.
func (c MsgCtx) UnitOfWork() *UnitOfWork { return c.uow }

func (c MsgCtx) WithUnitOfWork(uow *UnitOfWork) MsgCtx {
	c.uow = uow
	return c
}

func (c MsgCtx) WithContext(ctx context.Context) MsgCtx {
	c.ctx = ctx
	return c
}

// Consumer subscribes to an EventStore and dispatches every envelope to a
// Handler. With a CheckpointStore it resumes after the saved position.
// A failing envelope is retried with backoff until it succeeds or the
// consumer stops. Later envelopes are not delivered meanwhile, so a
// checkpoint never moves past a failed position.
type Consumer struct {
	store           Stream
	decoder         Decoder
	handler         Handler
	cpStore         CheckpointStore
	log             *slog.Logger
	live            chan struct{}
	isLive          atomic.Bool
	started         atomic.Bool
	closeChan       chan struct{}
	closeOnce       sync.Once
	done            chan struct{}
	shutdownTimeout time.Duration
	retryMin        time.Duration
	retryMax        time.Duration
	name            string
	metrics         ESMetrics
}

func (c *Consumer) Name() string { return c.name }

func (c *Consumer) handle(ctx context.Context, ev Envelope) error {
	live := c.isLive.Load()

	defer c.metrics.ConsumerEventDuration(ev.Type, live).ObserveDuration()

	evt, err := c.decoder.Decode(ev)
	if err != nil {
		c.metrics.ConsumerEventProcessed(ev.Type, live, false)
		return fmt.Errorf("failed to decode event: %w", err)
	}
	msgCtx := MsgCtx{
		ctx:      ctx,
		ev:       ev,
		evt:      evt,
		live:     live,
		consumer: c.name,
		log: c.log.With(
			slog.Group(
				"event",
				slog.String("id", ev.ID),
				slog.Int64("position", ev.Position),
				ev.Version.SlogAttr(),
				slog.String("type", ev.Type),
				slog.String("aggregate_id", ev.AggregateID),
				slog.String("aggregate_type", ev.AggregateType),
				slog.Time("occurred_at", ev.OccurredAt),
			),
		),
	}
	if err := c.handler.Handle(msgCtx); err != nil {
		c.metrics.ConsumerEventProcessed(ev.Type, live, false)
		return fmt.Errorf("failed to handle event: %w", err)
	}
	c.metrics.ConsumerEventProcessed(ev.Type, live, true)
	return nil
}

// handleUntilDone retries ev until the handler succeeds. It returns false
// when the consumer is stopped first.
func (c *Consumer) handleUntilDone(ctx context.Context, ev Envelope) bool {
	delay := c.retryMin
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, ev)
		if err == nil {
			return true
		}
		c.log.Error(
			"event handler failed",
			slog.Int64("position", ev.Position),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-c.closeChan:
			t.Stop()
			return false
		case <-t.C:
		}
		delay = min(delay*2, c.retryMax)
	}
}

// LastPosition returns the saved checkpoint, 0 without one.
func (c *Consumer) LastPosition(ctx context.Context) (int64, error) {
	if c.cpStore == nil {
		return 0, nil
	}
	p, err := c.cpStore.Load(ctx, c.name)
	if errors.Is(err, ErrCheckpointNotFound) {
		return 0, nil
	}
	return p, err
}

// Start subscribes and returns once the consumer caught up with the events
// present at subscribe time. An envelope that keeps failing during catch-up
// blocks Start until ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("starting event consumer", slog.String("handler", fmt.Sprintf("%T", c.handler)))

	if lc, ok := c.handler.(HandlerLifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer lifecycle: %w", err)
		}
		c.log.Debug("handler started")
	}

	lastPos, err := c.LastPosition(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	c.log.Info("subscribing", slog.Int64("last_position", lastPos))

	sub, err := c.store.Subscribe(ctx, WithStartPosition(lastPos+1))
	if err != nil {
		return err
	}

	liveAt := sub.MaxPosition()
	if liveAt <= lastPos {
		c.isLive.Store(true)
		close(c.live)
	}

	c.started.Store(true)
	go func() {
		defer func() {
			sub.Cancel()
			if lc, ok := c.handler.(HandlerLifecycle); ok {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
				defer cancel()
				if err := lc.Shutdown(shutdownCtx); err != nil {
					c.log.Error("failed to shutdown consumer lifecycle", slog.Any("error", err))
				}
			}
			c.log.Info("stopped")
			close(c.done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeChan:
				return

			case ev, ok := <-sub.Chan():
				if !ok {
					return
				}
				if ev.Position <= lastPos {
					continue
				}
				if !c.handleUntilDone(ctx, ev) {
					return
				}
				if !c.isLive.Load() && ev.Position >= liveAt {
					c.isLive.Store(true)
					close(c.live)
				}
				c.metrics.ConsumerLag(c.name, max(liveAt-ev.Position, 0))
			}
		}
	}()

	c.log.Debug("started, waiting until live")
	select {
	case <-c.live:
	case <-c.done:
		return errors.New("consumer stopped before becoming live")
	}
	c.log.Debug("became live")

	return nil
}

// Stop ends consumption and waits for the loop to exit. It is a no-op for a
// consumer that was never started.
func (c *Consumer) Stop() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if c.started.Load() {
			<-c.done
		}
	})
}

func NewConsumer(
	store Stream,
	decoder Decoder,
	handler Handler,
	opts ...ConsumerOption,
) *Consumer {
	options := newConsumerOpts(opts...)

	return &Consumer{
		log:             options.log.With(slog.String("consumer", options.name)),
		store:           store,
		decoder:         decoder,
		cpStore:         options.cpStore,
		closeChan:       make(chan struct{}),
		done:            make(chan struct{}),
		live:            make(chan struct{}),
		handler:         applyMiddlewares(handler, options.mws),
		shutdownTimeout: options.shutdownTimeout,
		retryMin:        options.retryMin,
		retryMax:        options.retryMax,
		name:            options.name,
		metrics:         metricsOrNop(options.metrics),
	}
}
