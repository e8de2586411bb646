package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/mongojobs/job"
)

// snapshotStatuses are the per-queue gauges reported on every tick.
var snapshotStatuses = []job.Status{job.StatusReady, job.StatusScheduled, job.StatusFailed}

// Snapshotter periodically reports how many jobs each queue holds in the
// ready, scheduled and failed states as "queue.<status>" gauges.
type Snapshotter struct {
	store    job.Store
	reporter Reporter
	queues   func() []string
	interval time.Duration
	limit    int
	logger   *slog.Logger
}

// SnapshotOption configures a Snapshotter.
type SnapshotOption func(*Snapshotter)

// WithInterval sets the reporting period.
func WithInterval(d time.Duration) SnapshotOption {
	return func(s *Snapshotter) { s.interval = d }
}

// WithLogger sets the logger used for count failures.
func WithLogger(l *slog.Logger) SnapshotOption {
	return func(s *Snapshotter) { s.logger = l }
}

// WithParallelism caps the number of concurrent count queries.
func WithParallelism(n int) SnapshotOption {
	return func(s *Snapshotter) { s.limit = n }
}

// NewSnapshotter returns a Snapshotter counting through store for the
// queues returned by queues at each tick.
func NewSnapshotter(store job.Store, reporter Reporter, queues func() []string, opts ...SnapshotOption) *Snapshotter {
	s := &Snapshotter{
		store:    store,
		reporter: reporter,
		queues:   queues,
		interval: time.Minute,
		limit:    4,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reports a snapshot every interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("metrics snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Snapshot counts and reports once, running count queries concurrently.
// It returns the first count error.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)

	for _, q := range s.queues() {
		for _, status := range snapshotStatuses {
			g.Go(func() error {
				n, err := s.store.CountJobs(gctx, job.CountOpts{Queue: q, Status: status})
				if err != nil {
					return fmt.Errorf("count %s jobs in %q: %w", status, q, err)
				}
				s.reporter.Gauge(gctx, "queue."+string(status), float64(n), Tags{"queue": q})
				return nil
			})
		}
	}
	return g.Wait()
}
