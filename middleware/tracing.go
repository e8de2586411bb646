package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/mongojobs/job"
)

// propagator carries W3C trace context between the producer and the
// worker through job.Data.Trace.
var propagator = propagation.TraceContext{}

// InjectTrace returns the trace context of ctx as a string map suitable for
// job.Data.Trace, or nil when ctx carries no span.
func InjectTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractTrace returns ctx with the remote span context stored in a job.
func ExtractTrace(ctx context.Context, data map[string]string) context.Context {
	if len(data) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(data))
}

// Tracing returns middleware that wraps job execution in a consumer span
// using the global TracerProvider. Without a configured provider the
// noop tracer makes this a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
//
// The span is a child of the producer's span when the job carries trace
// context. Attributes: mongojobs.job.id, mongojobs.handler,
// mongojobs.queue, mongojobs.attempts, mongojobs.schedule.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx = ExtractTrace(ctx, j.Data.Trace)
		ctx, span := tracer.Start(ctx, "mongojobs.job.execute",
			trace.WithAttributes(
				attribute.String("mongojobs.job.id", j.ID.String()),
				attribute.String("mongojobs.handler", j.HandlerName),
				attribute.String("mongojobs.queue", j.Queue),
				attribute.Int("mongojobs.attempts", j.AttemptsCount),
				attribute.String("mongojobs.schedule", j.ScheduleName),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
