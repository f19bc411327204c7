// Package otel traces consumers and units of work with OpenTelemetry and
// implements es.ESMetrics on an OpenTelemetry meter.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/aggregates-go/core/es"
)

const instrumentationName = "github.com/codewandler/aggregates-go"

const (
	AttrConsumer      = attribute.Key("es.consumer")
	AttrPosition      = attribute.Key("es.position")
	AttrEventType     = attribute.Key("es.event_type")
	AttrAggregateType = attribute.Key("es.aggregate_type")
	AttrAggregateID   = attribute.Key("es.aggregate_id")
	AttrVersion       = attribute.Key("es.version")
	AttrCommitID      = attribute.Key("es.commit_id")
	AttrLive          = attribute.Key("es.live")
)

type Option func(*options)

type options struct {
	tp trace.TracerProvider
}

// WithTracerProvider overrides the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

func tracerOf(opts []Option) trace.Tracer {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	return o.tp.Tracer(instrumentationName)
}

// NewTracingMiddleware starts a consumer span per envelope. The span context
// is passed on through MsgCtx.Context.
func NewTracingMiddleware(opts ...Option) es.HandlerMiddleware {
	tracer := tracerOf(opts)
	return es.MiddlewareHandle(func(msgCtx es.MsgCtx, next es.Handler) error {
		ctx, span := tracer.Start(msgCtx.Context(), "es.consume "+msgCtx.Type(),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				AttrConsumer.String(msgCtx.Consumer()),
				AttrPosition.Int64(msgCtx.Position()),
				AttrEventType.String(msgCtx.Type()),
				AttrAggregateType.String(msgCtx.AggregateType()),
				AttrAggregateID.String(msgCtx.AggregateID()),
				AttrVersion.Int64(int64(msgCtx.Version())),
				AttrLive.Bool(msgCtx.Live()),
			),
		)
		err := next.Handle(msgCtx.WithContext(ctx))
		EndSpan(span, err)
		return err
	})
}

// DoFunc is the operation passed to es.Env.Do.
type DoFunc = func(ctx context.Context, uow *es.UnitOfWork) error

// TraceDo wraps fn in a span named name. The span covers the operation only;
// the commit happens after fn returns.
func TraceDo(name string, fn DoFunc, opts ...Option) DoFunc {
	tracer := tracerOf(opts)
	return func(ctx context.Context, uow *es.UnitOfWork) error {
		ctx, span := tracer.Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(AttrCommitID.String(uow.CommitID())),
		)
		err := fn(ctx, uow)
		EndSpan(span, err)
		return err
	}
}

// EndSpan completes a span, optionally recording an error.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
