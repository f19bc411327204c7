package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type (
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	HandlerLifecycle interface {
		Start(ctx context.Context) error
		Shutdown(ctx context.Context) error
	}
	HandleFunc           func(ctx MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(ctx MsgCtx, next Handler) error
)

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// === handler func ===

func (f HandleFunc) Handle(ctx MsgCtx) error { return f(ctx) }
func Handle(f HandleFunc) HandleFunc         { return f }

// === middleware ===

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(msgCtx MsgCtx) error { return m.mw(msgCtx, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{
			next: next,
			mw:   mw,
		}
	}
}

// === log ===

func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) (err error) {
		handleAt := time.Now()

		log := ctx.Log().With(attrs...)

		err = next.Handle(ctx)
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
		} else {
			log.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
		}

		return err
	})
}

// === checkpoint ===

// NewCheckpointMiddleware saves the position of every envelope the next
// handler processed without error, keyed by the consumer name.
func NewCheckpointMiddleware(cps CheckpointStore, opts ...TrackerOption) HandlerMiddleware {
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) error {
		t := NewCheckpointTracker(cps, ctx.Consumer(), opts...)
		t.Observe(ctx.Descriptor())
		if err := t.Begin(ctx.Context()); err != nil {
			return err
		}
		err := next.Handle(ctx)
		return errors.Join(err, t.End(ctx.Context(), err))
	})
}

// === unit of work ===

// NewUnitOfWorkMiddleware runs each envelope in its own unit of work. The
// unit of work is ended with the handler's error and the consumer's
// checkpoint advances only when it ended cleanly. The unit of work is always
// disposed.
func NewUnitOfWorkMiddleware(env *Env) HandlerMiddleware {
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) error {
		tracker := env.NewCheckpointTracker(ctx.Consumer())
		tracker.Observe(ctx.Descriptor())

		uow := env.NewUnitOfWork(WithConsumerIdentity(ctx.Consumer()))
		defer uow.Dispose()

		if err := tracker.Begin(ctx.Context()); err != nil {
			return err
		}
		if err := uow.Begin(ctx.Context()); err != nil {
			return err
		}

		err := next.Handle(ctx.WithUnitOfWork(uow))
		err = uow.End(ctx.Context(), err)
		return errors.Join(err, tracker.End(ctx.Context(), err))
	})
}

// HandleUnitOfWork adapts fn to a Handler that requires the unit of work
// middleware.
func HandleUnitOfWork(fn func(ctx MsgCtx, uow *UnitOfWork) error) HandleFunc {
	return func(ctx MsgCtx) error {
		uow := ctx.UnitOfWork()
		if uow == nil {
			return fmt.Errorf("%w: no unit of work in message context", ErrConfiguration)
		}
		return fn(ctx, uow)
	}
}
