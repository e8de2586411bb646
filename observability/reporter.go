package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Tags are dimension key/value pairs attached to a single observation.
type Tags map[string]string

// Reporter receives scheduler metrics. Implementations must be safe for
// concurrent use.
type Reporter interface {
	// Gauge records the current value of name.
	Gauge(ctx context.Context, name string, value float64, tags Tags)
	// Increment adds one to the counter name.
	Increment(ctx context.Context, name string, tags Tags)
	// Timing records a duration observation.
	Timing(ctx context.Context, name string, d time.Duration, tags Tags)
}

// Prefix is prepended to every instrument name the OTel reporter creates.
const Prefix = "mongojobs."

var _ Reporter = (*OTelReporter)(nil)

// OTelReporter is a Reporter backed by an OpenTelemetry meter. Instruments
// are created lazily on first use and reused afterwards.
type OTelReporter struct {
	meter metric.Meter

	mu       sync.Mutex
	gauges   map[string]metric.Float64Gauge
	counters map[string]metric.Int64Counter
	timings  map[string]metric.Float64Histogram
}

// NewReporter returns a reporter using meter, or the global meter provider
// when meter is nil.
func NewReporter(meter metric.Meter) *OTelReporter {
	if meter == nil {
		meter = otel.Meter("github.com/xraph/mongojobs")
	}
	return &OTelReporter{
		meter:    meter,
		gauges:   make(map[string]metric.Float64Gauge),
		counters: make(map[string]metric.Int64Counter),
		timings:  make(map[string]metric.Float64Histogram),
	}
}

// Gauge implements Reporter.
func (r *OTelReporter) Gauge(ctx context.Context, name string, value float64, tags Tags) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		g, _ = r.meter.Float64Gauge(Prefix + name)
		r.gauges[name] = g
	}
	r.mu.Unlock()
	g.Record(ctx, value, metric.WithAttributes(attrs(tags)...))
}

// Increment implements Reporter.
func (r *OTelReporter) Increment(ctx context.Context, name string, tags Tags) {
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		c, _ = r.meter.Int64Counter(Prefix + name)
		r.counters[name] = c
	}
	r.mu.Unlock()
	c.Add(ctx, 1, metric.WithAttributes(attrs(tags)...))
}

// Timing implements Reporter. Durations are recorded in milliseconds.
func (r *OTelReporter) Timing(ctx context.Context, name string, d time.Duration, tags Tags) {
	r.mu.Lock()
	h, ok := r.timings[name]
	if !ok {
		h, _ = r.meter.Float64Histogram(Prefix+name, metric.WithUnit("ms"))
		r.timings[name] = h
	}
	r.mu.Unlock()
	h.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs(tags)...))
}

func attrs(tags Tags) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	kv := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		kv = append(kv, attribute.String(k, v))
	}
	return kv
}
