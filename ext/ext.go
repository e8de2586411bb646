// Package ext defines the extension system for mongojobs.
// Extensions are notified of lifecycle events (job enqueued, completed,
// retried, expired, etc.) and can react to them with logging, metrics or
// auditing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is stored. It is not called for
// enqueues absorbed by a unique key.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job. delay is how
// late the job started relative to its NextRunAt.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job, delay time.Duration) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a job fails and is rescheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempts int, nextRunAt time.Time, err error) error
}

// JobDeferred is called when a job is pushed back because another job
// already runs under its running unique key. It is not a failure.
type JobDeferred interface {
	OnJobDeferred(ctx context.Context, j *job.Job, nextRunAt time.Time) error
}

// JobFailed is called when a job fails terminally (no attempts left).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobExpired is called when the lock sweeper releases a job whose worker
// stopped renewing it.
type JobExpired interface {
	OnJobExpired(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a schedule's next occurrence is inserted.
type CronFired interface {
	OnCronFired(ctx context.Context, scheduleName string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
