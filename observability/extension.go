package observability

import (
	"context"
	"time"

	"github.com/xraph/mongojobs/ext"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobEnqueued  = (*MetricsExtension)(nil)
	_ ext.JobStarted   = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobDeferred  = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobExpired   = (*MetricsExtension)(nil)
	_ ext.CronFired    = (*MetricsExtension)(nil)
)

// Metric names emitted by MetricsExtension.
const (
	MetricEnqueued       = "job.enqueued"
	MetricExecutionDelay = "job.execution_delay"
	MetricCompleted      = "job.completed"
	MetricRetry          = "job.retry"
	MetricDeferred       = "job.deferred"
	MetricFailed         = "job.failed"
	MetricExpired        = "job.expired"
	MetricCronFired      = "cron.fired"
)

// MetricsExtension translates lifecycle hooks into Reporter calls. Register
// it with the engine to get event counters and the execution-delay timing.
type MetricsExtension struct {
	reporter Reporter
}

// NewMetricsExtension returns an extension reporting to r.
func NewMetricsExtension(r Reporter) *MetricsExtension {
	return &MetricsExtension{reporter: r}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobTags(j *job.Job) Tags {
	return Tags{"queue": j.Queue, "handler": j.HandlerName}
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.reporter.Increment(ctx, MetricEnqueued, jobTags(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job, delay time.Duration) error {
	m.reporter.Timing(ctx, MetricExecutionDelay, delay, jobTags(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.reporter.Increment(ctx, MetricCompleted, jobTags(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time, _ error) error {
	m.reporter.Increment(ctx, MetricRetry, jobTags(j))
	return nil
}

// OnJobDeferred implements ext.JobDeferred.
func (m *MetricsExtension) OnJobDeferred(ctx context.Context, j *job.Job, _ time.Time) error {
	m.reporter.Increment(ctx, MetricDeferred, jobTags(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.reporter.Increment(ctx, MetricFailed, jobTags(j))
	return nil
}

// OnJobExpired implements ext.JobExpired.
func (m *MetricsExtension) OnJobExpired(ctx context.Context, j *job.Job) error {
	m.reporter.Increment(ctx, MetricExpired, jobTags(j))
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, scheduleName string, _ id.JobID) error {
	m.reporter.Increment(ctx, MetricCronFired, Tags{"schedule": scheduleName})
	return nil
}
