// Package middleware provides composable middleware around job handlers.
//
// A [Middleware] wraps the handler invocation for one job attempt.
// Middleware are composed with [Chain]; the first in the list is the
// outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs handler, queue, attempts and outcome
//   - [Recover] converts panics into failed attempts
//   - [Tracing] starts a consumer span linked to the producer's trace
//   - [Metrics] records per-handler duration and execution counters
//
// [Default] assembles all four in that order from a [Deps].
//
// # Trace Propagation
//
// [InjectTrace] serializes the caller's span context into a string map
// that the engine stores in job.Data.Trace. [Tracing] extracts it again
// when the job runs, so producer and consumer spans share one trace.
package middleware
