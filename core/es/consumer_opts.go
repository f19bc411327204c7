package es

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	consumerOpts struct {
		mws             []HandlerMiddleware
		log             *slog.Logger
		name            string
		cpStore         CheckpointStore
		metrics         ESMetrics
		shutdownTimeout time.Duration
		retryMin        time.Duration
		retryMax        time.Duration
	}

	ConsumerOption interface {
		applyToConsumerOpts(*consumerOpts)
	}

	ConsumerNameOption    valueOption[string]
	MiddlewareOption      valueOption[[]HandlerMiddleware]
	ShutdownTimeoutOption valueOption[time.Duration]
	ConsumerOptions       MultiOption[ConsumerOption]
	RetryBackoffOption    struct{ min, max time.Duration }
)

func (o ConsumerNameOption) applyToConsumerOpts(opts *consumerOpts) { opts.name = o.v }
func (o MiddlewareOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.mws = append(opts.mws, o.v...)
}
func (o ShutdownTimeoutOption) applyToConsumerOpts(opts *consumerOpts) { opts.shutdownTimeout = o.v }
func (o LogOption) applyToConsumerOpts(opts *consumerOpts)             { opts.log = o.l }
func (o RetryBackoffOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.retryMin = max(o.min, time.Millisecond)
	opts.retryMax = max(opts.retryMin, o.max)
}
func (o ConsumerOptions) applyToConsumerOpts(opts *consumerOpts) {
	for _, opt := range o.opts {
		opt.applyToConsumerOpts(opts)
	}
}

// WithMiddlewares appends middlewares. The first one is the outermost.
func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption {
	return MiddlewareOption{v: mws}
}
func WithConsumerOpts(opts ...ConsumerOption) ConsumerOptions { return ConsumerOptions{opts: opts} }

// WithConsumerName sets the consumer name. It is also the checkpoint key.
func WithConsumerName(name string) ConsumerNameOption { return ConsumerNameOption{name} }

func WithShutdownTimeout(d time.Duration) ShutdownTimeoutOption { return ShutdownTimeoutOption{d} }

// WithRetryBackoff sets the delay between attempts at a failing envelope. It
// starts at min and doubles up to max.
func WithRetryBackoff(min, max time.Duration) RetryBackoffOption {
	return RetryBackoffOption{min: min, max: max}
}

func newConsumerOpts(opts ...ConsumerOption) consumerOpts {
	options := consumerOpts{
		log:             slog.Default(),
		name:            fmt.Sprintf("consumer-%s", gonanoid.Must(6)),
		shutdownTimeout: 5 * time.Second,
		retryMin:        100 * time.Millisecond,
		retryMax:        10 * time.Second,
	}
	for _, opt := range opts {
		opt.applyToConsumerOpts(&options)
	}
	return options
}
