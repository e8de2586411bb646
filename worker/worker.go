package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/ext"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// minWait keeps an idle loop from spinning when a job is due right now but
// the claim raced with another worker.
const minWait = 10 * time.Millisecond

// Source hands out claimed jobs. It is satisfied by *queue.Consumer.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	AcquireNextJob(ctx context.Context) (*job.Job, error)
	Done(j *job.Job)
	Signal() <-chan struct{}
	NextDue() (time.Time, bool)
	// Poll runs when the idle timer fires without a notification.
	Poll(ctx context.Context) error
}

// Worker runs one claim loop feeding up to MaxConcurrency concurrent
// executions, plus a periodic sweep that releases expired locks.
type Worker struct {
	store      job.Store
	source     Source
	executor   *Executor
	extensions *ext.Registry
	workerID   id.WorkerID
	logger     *slog.Logger
	now        func() time.Time

	concurrency    int
	pollInterval   time.Duration
	lockTimeout    time.Duration
	unlockInterval time.Duration

	slots *semaphore.Weighted
	wake  chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	jobsWG  sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]*job.Job
}

// Option configures a Worker.
type Option func(*Worker)

// WithConcurrency sets the maximum number of jobs executed at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) { w.concurrency = n }
}

// WithPollInterval bounds how long the loop idles without a notification.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithLockTimeout sets how old a lock must be before the sweep releases it.
func WithLockTimeout(d time.Duration) Option {
	return func(w *Worker) { w.lockTimeout = d }
}

// WithUnlockInterval sets how often the sweep runs. Zero disables it.
func WithUnlockInterval(d time.Duration) Option {
	return func(w *Worker) { w.unlockInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithClock overrides the time source used by the sweep.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithExtensions sets the registry notified of expired locks.
func WithExtensions(r *ext.Registry) Option {
	return func(w *Worker) { w.extensions = r }
}

// NewWorker creates a Worker pulling from source and running jobs through
// executor. store is used by the stuck-lock sweep.
func NewWorker(store job.Store, source Source, executor *Executor, opts ...Option) *Worker {
	cfg := mongojobs.DefaultConfig()
	w := &Worker{
		store:          store,
		source:         source,
		executor:       executor,
		workerID:       id.NewWorkerID(),
		logger:         slog.Default(),
		now:            time.Now,
		concurrency:    cfg.MaxConcurrency,
		pollInterval:   cfg.PollInterval,
		lockTimeout:    cfg.LockTimeout,
		unlockInterval: cfg.UnlockInterval,
		wake:           make(chan struct{}, 1),
		active:         make(map[string]*job.Job),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.extensions == nil {
		w.extensions = ext.NewRegistry(w.logger)
	}
	w.slots = semaphore.NewWeighted(int64(w.concurrency))
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() id.WorkerID { return w.workerID }

// Start launches the claim loop and the sweep. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return mongojobs.ErrAlreadyStarted
	}
	if err := w.source.Start(ctx); err != nil {
		return err
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.logger.Info("worker starting",
		slog.String("worker_id", w.workerID.String()),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
	)

	w.loopWG.Add(1)
	go w.loop(ctx)

	if w.unlockInterval > 0 {
		w.loopWG.Add(1)
		go w.sweepLoop(ctx)
	}
	return nil
}

// Stop stops claiming new jobs and waits up to grace for in-flight jobs to
// finish. Jobs still running afterwards are left alone: their locks stay in
// place and the sweep on a live worker will release them once they expire.
// Stop returns the IDs of those jobs.
func (w *Worker) Stop(grace time.Duration) []id.JobID {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.Info("worker stopping", slog.String("worker_id", w.workerID.String()))

	w.loopWG.Wait()
	w.source.Stop()

	done := make(chan struct{})
	go func() {
		w.jobsWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		w.logger.Info("worker stopped gracefully", slog.String("worker_id", w.workerID.String()))
		return nil
	case <-timer.C:
	}

	remaining := w.Inflight()
	ids := make([]string, len(remaining))
	for i, jid := range remaining {
		ids[i] = jid.String()
	}
	w.logger.Warn("worker stopped with jobs still running",
		slog.String("worker_id", w.workerID.String()),
		slog.Any("job_ids", ids),
	)
	return remaining
}

// Inflight returns the IDs of jobs currently executing, sorted.
func (w *Worker) Inflight() []id.JobID {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()

	out := make([]id.JobID, 0, len(w.active))
	for _, j := range w.active {
		out = append(out, j.ID)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].String() < out[b].String() })
	return out
}

// ──────────────────────────────────────────────────
// Claim loop
// ──────────────────────────────────────────────────

func (w *Worker) loop(ctx context.Context) {
	defer w.loopWG.Done()

	for {
		w.fill(ctx)

		timer := time.NewTimer(w.idleWait())
		select {
		case <-w.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
		case <-w.source.Signal():
		case <-timer.C:
			if err := w.source.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("idle poll failed", slog.String("error", err.Error()))
			}
		}
		timer.Stop()
	}
}

// fill claims jobs until every slot is busy or nothing is claimable.
func (w *Worker) fill(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !w.slots.TryAcquire(1) {
			return
		}

		j, err := w.source.AcquireNextJob(ctx)
		if err != nil {
			w.slots.Release(1)
			if ctx.Err() == nil {
				w.logger.Error("claim error", slog.String("error", err.Error()))
			}
			return
		}
		if j == nil {
			w.slots.Release(1)
			return
		}

		w.run(ctx, j)
	}
}

// run executes j on its own goroutine. The execution context is detached
// from ctx so that stopping the worker never interrupts a running handler.
func (w *Worker) run(ctx context.Context, j *job.Job) {
	w.track(j)
	w.jobsWG.Add(1)

	go func() {
		defer func() {
			w.source.Done(j)
			w.untrack(j)
			w.slots.Release(1)
			w.jobsWG.Done()
			w.notify()
		}()

		outcome, err := w.executor.Execute(context.WithoutCancel(ctx), j)
		if err != nil {
			w.logger.Error("job outcome not recorded",
				slog.String("job_id", j.ID.String()),
				slog.String("handler", j.HandlerName),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Debug("job finished",
			slog.String("job_id", j.ID.String()),
			slog.String("outcome", string(outcome)),
		)
	}()
}

// idleWait is how long the loop sleeps absent a notification: the poll
// interval, shortened to the next known due time.
func (w *Worker) idleWait() time.Duration {
	wait := w.pollInterval
	if due, ok := w.source.NextDue(); ok {
		if d := due.Sub(w.now()); d < wait {
			wait = d
		}
	}
	if wait < minWait {
		wait = minWait
	}
	return wait
}

func (w *Worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) track(j *job.Job) {
	w.activeMu.Lock()
	w.active[j.ID.String()] = j
	w.activeMu.Unlock()
}

func (w *Worker) untrack(j *job.Job) {
	w.activeMu.Lock()
	delete(w.active, j.ID.String())
	w.activeMu.Unlock()
}

// ──────────────────────────────────────────────────
// Stuck-lock sweep
// ──────────────────────────────────────────────────

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.loopWG.Done()

	ticker := time.NewTicker(w.unlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("stuck lock sweep error", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep releases every lock older than the lock timeout, one job at a
// time, and returns how many it released.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	threshold := w.now().UTC().Add(-w.lockTimeout)
	n := 0
	for {
		j, err := w.store.UnlockOneExpiredLock(ctx, threshold)
		if err != nil {
			return n, err
		}
		if j == nil {
			if n > 0 {
				w.notify()
			}
			return n, nil
		}
		n++
		w.logger.Warn("released expired job lock",
			slog.String("job_id", j.ID.String()),
			slog.String("handler", j.HandlerName),
			slog.String("queue", j.Queue),
		)
		w.extensions.EmitJobExpired(ctx, j)
	}
}
