package middleware

import (
	"context"

	"github.com/xraph/mongojobs/job"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It MUST call next
// to continue the chain unless it short-circuits with an error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes multiple middleware into a single Middleware. The first
// middleware in the list is the outermost wrapper:
//
//	Chain(tracing, logging, recover) runs tracing → logging → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, inner)
			}
		}
		return h(ctx)
	}
}

// Default returns the chain the engine installs when none is configured.
func Default(deps Deps) Middleware {
	return Chain(
		TracingWithTracer(deps.Tracer),
		MetricsWithMeter(deps.Meter),
		Logging(deps.Logger),
		Recover(deps.Logger),
	)
}
