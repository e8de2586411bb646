package middleware

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Deps carries the instrumentation the default chain needs. Zero fields
// fall back to the slog default logger and the global OTel providers.
type Deps struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// WithDefaults fills unset fields.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(instrumentationName)
	}
	if d.Meter == nil {
		d.Meter = otel.Meter(instrumentationName)
	}
	return d
}

// instrumentationName is the OTel scope name for tracing and metrics.
const instrumentationName = "github.com/xraph/mongojobs"
