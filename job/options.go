package job

import "time"

// EnqueueOptions configures a single enqueue.
type EnqueueOptions struct {
	// StartAt delays the job; zero means run as soon as possible.
	StartAt time.Time

	// Delay is relative to the enqueuing clock. It is ignored when StartAt
	// is set.
	Delay time.Duration

	// Unique deduplicates the enqueue.
	Unique *UniqueOptions
}

// EnqueueOption is a functional option for Enqueue.
type EnqueueOption func(*EnqueueOptions)

// WithStartAt schedules the job for execution no earlier than t.
func WithStartAt(t time.Time) EnqueueOption {
	return func(o *EnqueueOptions) { o.StartAt, o.Delay = t, 0 }
}

// WithDelay schedules the job to run d after it is enqueued.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.StartAt, o.Delay = time.Time{}, d }
}

// WithUniqueKey makes the enqueue a no-op while another job holds key.
func WithUniqueKey(key string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Unique = &UniqueOptions{EnqueuedKey: key, RunningKey: key}
	}
}

// WithUnique sets separate keys for the enqueued and running phases.
// With an empty runningKey the job keeps enqueuedKey while it runs.
func WithUnique(enqueuedKey, runningKey string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Unique = &UniqueOptions{EnqueuedKey: enqueuedKey, RunningKey: runningKey}
	}
}

// RunAt resolves when the job first becomes due, given the enqueue time.
func (o EnqueueOptions) RunAt(now time.Time) time.Time {
	if !o.StartAt.IsZero() {
		return o.StartAt
	}
	return now.Add(o.Delay)
}

// ApplyEnqueueOptions folds opts into an EnqueueOptions value.
func ApplyEnqueueOptions(opts ...EnqueueOption) EnqueueOptions {
	var o EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
