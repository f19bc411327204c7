package es

import (
	"context"
	"log/slog"

	"github.com/codewandler/aggregates-go/ports/kv"
)

type (
	envOptions struct {
		ctx       context.Context
		log       *slog.Logger
		store     EventStore
		cpStore   CheckpointStore
		kv        kv.Store
		events    []EventRegisterOption
		states    []StateRegistration
		consumers []EnvConsumerOption
		metrics   ESMetrics
		policy    ConflictPolicy
		consumer  string
		headers   map[string]string
		commitIDs func() string
		retries   int

		stateCache *StateCache
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}
)

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:       context.Background(),
		log:       slog.Default(),
		store:     NewInMemoryStore(),
		cpStore:   NewInMemoryCheckpointStore(),
		kv:        kv.NewMemStore(),
		commitIDs: NewCommitID,
		retries:   3,
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	return options
}

// === consumers ===

type EnvConsumerOption struct {
	handler      Handler
	unitOfWork   bool
	consumerOpts []ConsumerOption
}

// WithConsumer starts a consumer with the env.
func WithConsumer(handler Handler, opts ...ConsumerOption) EnvConsumerOption {
	return EnvConsumerOption{handler: handler, consumerOpts: opts}
}

// WithUnitOfWorkConsumer starts a consumer whose handler runs inside a unit
// of work per envelope.
func WithUnitOfWorkConsumer(handler Handler, opts ...ConsumerOption) EnvConsumerOption {
	return EnvConsumerOption{handler: handler, unitOfWork: true, consumerOpts: opts}
}

func (o EnvConsumerOption) applyToEnv(options *envOptions) {
	options.consumers = append(options.consumers, o)
}

// === do ===

type (
	doOpts struct {
		key     string
		retries int
		headers map[string]string
	}
	DoOption interface{ applyToDo(*doOpts) }
)
