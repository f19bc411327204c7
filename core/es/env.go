package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/aggregates-go/core/perkey"
	"github.com/codewandler/aggregates-go/ports/kv"
)

// Env wires stores, registry and state definitions together and hands out
// units of work, checkpoint trackers and consumers sharing them.
type Env struct {
	ctx          context.Context
	id           string
	done         chan struct{}
	shutdownOnce sync.Once
	cancelCtx    context.CancelFunc
	log          *slog.Logger
	store        EventStore
	cpStore      CheckpointStore
	kv           kv.Store
	registry     *EventRegistry
	factory      *RepositoryFactory
	metrics      ESMetrics
	consumer     string
	headers      map[string]string
	commitIDs    func() string
	retries      int
	keys         *perkey.Scheduler[string]

	mu        sync.Mutex
	consumers []*Consumer
}

func (e *Env) Store() EventStore                { return e.store }
func (e *Env) CheckpointStore() CheckpointStore { return e.cpStore }
func (e *Env) KV() kv.Store                     { return e.kv }
func (e *Env) Registry() *EventRegistry         { return e.registry }
func (e *Env) Factory() *RepositoryFactory      { return e.factory }
func (e *Env) Log() *slog.Logger                { return e.log }
func (e *Env) Context() context.Context         { return e.ctx }

func NewEnv(opts ...EnvOption) (e *Env, err error) {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	ctx := options.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("env", id))

	e = &Env{
		id:        id,
		log:       log,
		store:     options.store,
		cpStore:   options.cpStore,
		kv:        options.kv,
		registry:  NewRegistry(),
		metrics:   metricsOrNop(options.metrics),
		consumer:  options.consumer,
		headers:   options.headers,
		commitIDs: options.commitIDs,
		retries:   options.retries,
		keys:      perkey.New[string](),
		done:      make(chan struct{}),
	}
	e.ctx, e.cancelCtx = context.WithCancel(ctx)

	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", slog.String("type", s.t))
	}

	e.factory = NewRepositoryFactory(
		e.store,
		e.registry,
		WithLog(e.log),
		WithKV(e.kv),
		WithMetrics(e.metrics),
		WithConflictPolicy(options.policy),
		WithStateCache(options.stateCache),
	)
	if err := e.factory.Register(options.states...); err != nil {
		e.cancelCtx()
		return nil, err
	}

	for _, c := range options.consumers {
		var consumer *Consumer
		if c.unitOfWork {
			consumer = e.NewUnitOfWorkConsumer(c.handler, c.consumerOpts...)
		} else {
			consumer = e.NewConsumer(c.handler, c.consumerOpts...)
		}
		if err := consumer.Start(e.ctx); err != nil {
			e.cancelCtx()
			return nil, fmt.Errorf("failed to start consumer: %w", err)
		}
	}

	context.AfterFunc(e.ctx, func() {
		e.log.Info("shutting down")

		e.keys.Close()

		e.mu.Lock()
		consumers := e.consumers
		e.mu.Unlock()

		e.log.Debug("stopping consumers", slog.Int("count", len(consumers)))
		for _, c := range consumers {
			c.Stop()
		}

		e.log.Info("env shutdown")
		close(e.done)
	})

	return e, nil
}

func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.cancelCtx()
		<-e.done
	})
}

// NewUnitOfWork returns a unit of work with the env's consumer identity,
// headers and commit id generator. opts override them.
func (e *Env) NewUnitOfWork(opts ...UnitOfWorkOption) *UnitOfWork {
	base := []UnitOfWorkOption{
		WithLog(e.log),
		WithMetrics(e.metrics),
		WithConsumerIdentity(e.consumer),
		WithHeaders(e.headers),
		WithCommitIDGenerator(e.commitIDs),
	}
	return NewUnitOfWork(e.factory, append(base, opts...)...)
}

func (e *Env) NewCheckpointTracker(consumer string) *CheckpointTracker {
	return NewCheckpointTracker(e.cpStore, consumer, WithLog(e.log), WithMetrics(e.metrics))
}

// Do runs fn in a fresh unit of work and ends it with fn's error. A
// concurrency conflict is retried with a new unit of work unless part of the
// operation was already committed.
func (e *Env) Do(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error, opts ...DoOption) error {
	options := doOpts{retries: e.retries}
	for _, opt := range opts {
		opt.applyToDo(&options)
	}

	run := func() error { return e.doWithRetry(ctx, fn, options) }
	if options.key != "" {
		return e.keys.DoContext(ctx, options.key, run)
	}
	return run()
}

func (e *Env) doWithRetry(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error, options doOpts) error {
	for attempt := 0; ; attempt++ {
		err := e.doOnce(ctx, fn, options)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= options.retries {
			return err
		}
		var ce *CommitError
		if errors.As(err, &ce) && ce.Partial() {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
		e.log.Debug("retrying after conflict", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
}

func (e *Env) doOnce(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error, options doOpts) error {
	uow := e.NewUnitOfWork(WithHeaders(options.headers))
	defer uow.Dispose()

	if err := uow.Begin(ctx); err != nil {
		return err
	}
	return uow.End(ctx, fn(ctx, uow))
}

// NewConsumer returns a consumer reading the env's store. It is stopped on
// Shutdown once started.
func (e *Env) NewConsumer(handler Handler, opts ...ConsumerOption) *Consumer {
	base := []ConsumerOption{
		WithLog(e.log),
		WithMetrics(e.metrics),
		WithCheckpointStore(e.cpStore),
	}
	if e.consumer != "" {
		base = append(base, WithConsumerName(e.consumer))
	}
	c := NewConsumer(e.store, e.registry, handler, append(base, opts...)...)

	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	e.mu.Unlock()
	return c
}

// NewUnitOfWorkConsumer is NewConsumer with NewUnitOfWorkMiddleware as the
// innermost middleware.
func (e *Env) NewUnitOfWorkConsumer(handler Handler, opts ...ConsumerOption) *Consumer {
	return e.NewConsumer(NewUnitOfWorkMiddleware(e)(handler), opts...)
}
