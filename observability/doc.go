// Package observability reports scheduler metrics.
//
// [Reporter] is the gauge/increment/timing sink; [NewReporter] backs it
// with an OpenTelemetry meter. [MetricsExtension] turns lifecycle hooks
// into counters (enqueued, retry, expired, ...) and the execution-delay
// timing. [Snapshotter] periodically reports ready, scheduled and failed
// counts per queue.
//
// For per-attempt tracing and duration metrics, see middleware.Tracing and
// middleware.Metrics.
package observability
