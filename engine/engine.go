package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/backoff"
	"github.com/xraph/mongojobs/cron"
	"github.com/xraph/mongojobs/ext"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
	mw "github.com/xraph/mongojobs/middleware"
	"github.com/xraph/mongojobs/observability"
	"github.com/xraph/mongojobs/queue"
	"github.com/xraph/mongojobs/store"
	"github.com/xraph/mongojobs/worker"
)

const instrumentationName = "github.com/xraph/mongojobs"

// Engine owns a store, a handler registry and at most one running worker.
type Engine struct {
	store      store.Store
	config     mongojobs.Config
	logger     *slog.Logger
	now        func() time.Time
	extensions *ext.Registry
	registry   *job.Registry
	scheduler  *cron.Scheduler
	executor   *worker.Executor
	bo         backoff.Strategy
	mws        []mw.Middleware
	exts       []ext.Extension
	tracer     trace.Tracer
	reporter   observability.Reporter

	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu       sync.Mutex
	stopping bool
	worker   *worker.Worker
	consumer *queue.Consumer
	cancel   context.CancelFunc
	bg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the whole configuration. Options applied after it
// override individual fields.
func WithConfig(cfg mongojobs.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithConcurrency sets the maximum number of jobs the worker runs at once.
func WithConcurrency(n int) Option {
	return func(eng *Engine) { eng.config.MaxConcurrency = n }
}

// WithPollInterval sets how long an idle worker waits between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(eng *Engine) { eng.config.PollInterval = d }
}

// WithRefreshInterval sets how often the consumer re-reads pending queues.
func WithRefreshInterval(d time.Duration) Option {
	return func(eng *Engine) { eng.config.RefreshInterval = d }
}

// WithLockTimeout sets the age after which a lock is considered abandoned.
func WithLockTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.config.LockTimeout = d }
}

// WithUnlockInterval sets how often the stuck-lock sweep runs.
func WithUnlockInterval(d time.Duration) Option {
	return func(eng *Engine) { eng.config.UnlockInterval = d }
}

// WithChangeFeed enables or disables push notifications from the store.
func WithChangeFeed(enabled bool) Option {
	return func(eng *Engine) { eng.config.UseChangeFeed = enabled }
}

// WithDefaultMaxAttempts sets the attempt budget for handlers that do not
// declare one.
func WithDefaultMaxAttempts(n int) Option {
	return func(eng *Engine) { eng.config.DefaultMaxAttempts = n }
}

// WithClock overrides the time source of every subsystem. The store keeps
// its own clock.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware adds middleware inside the default chain, closest to the
// handler.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set,
// backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig registers per-queue rate limits and concurrency caps.
// Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the enqueue
// span and the tracing middleware.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware, the lifecycle metrics and the queue snapshot.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithReporter replaces the OTel-backed metrics reporter.
func WithReporter(r observability.Reporter) Option {
	return func(eng *Engine) { eng.reporter = r }
}

// New creates an Engine over s. Call s.Migrate before the first Start.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, mongojobs.ErrNoStore
	}

	eng := &Engine{
		store:    s,
		config:   mongojobs.DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		registry: job.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	eng.extensions = ext.NewRegistry(eng.logger)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	var (
		tracer trace.Tracer
		meter  metric.Meter
	)
	if eng.tracerProvider != nil {
		tracer = eng.tracerProvider.Tracer(instrumentationName)
	} else {
		tracer = otel.Tracer(instrumentationName)
	}
	if eng.meterProvider != nil {
		meter = eng.meterProvider.Meter(instrumentationName)
	} else {
		meter = otel.Meter(instrumentationName)
	}
	eng.tracer = tracer

	if eng.reporter == nil {
		eng.reporter = observability.NewReporter(meter)
	}
	eng.extensions.Register(observability.NewMetricsExtension(eng.reporter))

	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
	}

	eng.scheduler = cron.NewScheduler(s, s,
		cron.WithEmitter(eng.extensions),
		cron.WithLogger(eng.logger),
		cron.WithClock(eng.now),
	)

	chain := []mw.Middleware{
		mw.Default(mw.Deps{Logger: eng.logger, Tracer: tracer, Meter: meter}),
	}
	chain = append(chain, eng.mws...)

	eng.executor = worker.NewExecutor(eng.registry, eng.extensions, s,
		worker.WithChainer(eng.scheduler),
		worker.WithBackoff(eng.bo),
		worker.WithDuplicateDelay(eng.config.DuplicateInFlightDelay),
		worker.WithDefaultMaxAttempts(eng.config.DefaultMaxAttempts),
		worker.WithMiddleware(chain...),
		worker.WithExecutorLogger(eng.logger),
		worker.WithExecutorClock(eng.now),
	)

	return eng, nil
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// Register adds a handler to group. An empty group means job.DefaultGroup.
func (eng *Engine) Register(h job.Handler, group string, opts ...job.RegisterOption) (*job.Registration, error) {
	return eng.registry.Register(h, group, opts...)
}

// RegisterCron creates or updates a recurring schedule and seeds its first
// occurrence. When reg.Handler is set it is registered into reg.Group
// first; otherwise the handler must already be registered. Queue defaults
// to the handler's queue. A malformed expression fails with
// mongojobs.ErrInvalidCron.
func (eng *Engine) RegisterCron(ctx context.Context, reg cron.Registration) (*cron.Schedule, error) {
	if reg.Handler != nil && reg.HandlerName == "" {
		reg.HandlerName = reg.Handler.Name()
	}
	if err := eng.joinGroup(reg); err != nil {
		return nil, err
	}
	if reg.Queue == "" {
		r, err := eng.registry.Resolve(reg.HandlerName)
		if err != nil {
			return nil, err
		}
		reg.Queue = r.Queue
	}
	sched, err := eng.scheduler.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	eng.logger.Info("cron registered",
		slog.String("schedule", sched.Name),
		slog.String("expression", sched.CronExpression),
		slog.String("time_zone", sched.TimeZone),
		slog.String("handler", sched.HandlerName),
	)
	return sched, nil
}

// joinGroup registers the schedule's handler into its group, or checks
// that an existing registration belongs to that group.
func (eng *Engine) joinGroup(reg cron.Registration) error {
	group := reg.Group
	if group == "" {
		group = job.DefaultGroup
	}
	existing, ok := eng.registry.Lookup(reg.HandlerName)
	switch {
	case ok && reg.Group != "" && existing.Group != group:
		return fmt.Errorf("%w: %q is in group %q, not %q",
			mongojobs.ErrDuplicateHandler, reg.HandlerName, existing.Group, group)
	case ok || reg.Handler == nil:
		return nil
	}
	_, err := eng.registry.Register(reg.Handler, group)
	return err
}

// RemoveCron deletes a schedule and its pending occurrences. Removing an
// unknown schedule is not an error.
func (eng *Engine) RemoveCron(ctx context.Context, name string) error {
	return eng.scheduler.Remove(ctx, name)
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue encodes payload and enqueues a job for def, which must be
// registered. It returns nil, nil when the unique key is already held.
//
// To enqueue inside a MongoDB transaction pass the session context
// returned by mongo.NewSessionContext as ctx.
func Enqueue[T any](ctx context.Context, eng *Engine, def *job.Definition[T], payload T, opts ...job.EnqueueOption) (*job.Job, error) {
	data, err := def.Encode(payload)
	if err != nil {
		return nil, err
	}
	return eng.EnqueueRaw(ctx, def.Name(), data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, handlerName string, payload []byte, opts ...job.EnqueueOption) (*job.Job, error) {
	reg, err := eng.registry.Resolve(handlerName)
	if err != nil {
		return nil, err
	}
	o := job.ApplyEnqueueOptions(opts...)

	ctx, span := eng.tracer.Start(ctx, "mongojobs.enqueue",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("mongojobs.handler", handlerName),
			attribute.String("mongojobs.queue", reg.Queue),
		),
	)
	defer span.End()

	now := eng.now().UTC()
	runAt := o.RunAt(now).UTC()

	j := &job.Job{
		Entity:      mongojobs.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          id.NewJobID(),
		Queue:       reg.Queue,
		HandlerName: handlerName,
		Data:        job.Data{Payload: payload, Trace: mw.InjectTrace(ctx)},
		NextRunAt:   &runAt,
	}
	if o.Unique != nil && o.Unique.EnqueuedKey != "" {
		j.UniqueKey = o.Unique.EnqueuedKey
		j.Options.Unique = o.Unique
	}
	span.SetAttributes(attribute.String("mongojobs.job.id", j.ID.String()))

	created, err := eng.store.CreateJob(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("enqueue %q: %w", handlerName, err)
	}
	if !created {
		span.SetAttributes(attribute.Bool("mongojobs.duplicate", true))
		eng.logger.Debug("enqueue skipped, unique key held",
			slog.String("handler", handlerName),
			slog.String("unique_key", j.UniqueKey),
		)
		return nil, nil
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	eng.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("handler", handlerName),
		slog.String("queue", j.Queue),
		slog.Time("next_run_at", runAt),
	)
	return j, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start runs a worker over the queues of the given handler groups; no
// groups means every registered queue. The worker keeps running until Stop,
// even if ctx is cancelled.
func (eng *Engine) Start(ctx context.Context, groups ...string) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.worker != nil {
		return mongojobs.ErrAlreadyStarted
	}
	queues := eng.registry.QueuesForGroups(groups...)
	if len(queues) == 0 {
		return fmt.Errorf("%w: no handlers in groups %v", mongojobs.ErrHandlerNotFound, groups)
	}

	consumerOpts := []queue.ConsumerOption{
		queue.WithLogger(eng.logger),
		queue.WithClock(eng.now),
		queue.WithRefreshInterval(eng.config.RefreshInterval),
		queue.WithChangeFeed(eng.config.UseChangeFeed),
	}
	if eng.queueManager != nil {
		consumerOpts = append(consumerOpts, queue.WithLimiter(eng.queueManager))
	}
	consumer := queue.NewConsumer(eng.store, queues, consumerOpts...)

	w := worker.NewWorker(eng.store, consumer, eng.executor,
		worker.WithConcurrency(eng.config.MaxConcurrency),
		worker.WithPollInterval(eng.config.PollInterval),
		worker.WithLockTimeout(eng.config.LockTimeout),
		worker.WithUnlockInterval(eng.config.UnlockInterval),
		worker.WithLogger(eng.logger),
		worker.WithClock(eng.now),
		worker.WithExtensions(eng.extensions),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := w.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start worker: %w", err)
	}

	if eng.config.MetricsInterval > 0 {
		snap := observability.NewSnapshotter(eng.store, eng.reporter, consumer.Queues,
			observability.WithInterval(eng.config.MetricsInterval),
			observability.WithLogger(eng.logger),
		)
		eng.bg.Add(1)
		go func() {
			defer eng.bg.Done()
			snap.Run(runCtx)
		}()
	}

	eng.worker = w
	eng.consumer = consumer
	eng.cancel = cancel

	eng.logger.Info("engine started",
		slog.String("worker_id", w.ID().String()),
		slog.Any("queues", queues),
	)
	return nil
}

// Stop stops claiming, waits up to grace for running jobs and returns the
// IDs of jobs still running afterwards. Those jobs are not cancelled. A
// non-positive grace uses Config.ShutdownGrace. Start fails with
// mongojobs.ErrAlreadyStarted until Stop returns.
func (eng *Engine) Stop(grace time.Duration) []id.JobID {
	eng.mu.Lock()
	w, cancel := eng.worker, eng.cancel
	if w == nil || eng.stopping {
		eng.mu.Unlock()
		return nil
	}
	eng.stopping = true
	eng.mu.Unlock()

	if grace <= 0 {
		grace = eng.config.ShutdownGrace
	}

	left := w.Stop(grace)
	cancel()
	eng.bg.Wait()

	// Start stays rejected until the old worker has drained.
	eng.mu.Lock()
	eng.worker, eng.consumer, eng.cancel = nil, nil, nil
	eng.stopping = false
	eng.mu.Unlock()

	eng.extensions.EmitShutdown(context.Background())
	eng.logger.Info("engine stopped",
		slog.String("worker_id", w.ID().String()),
		slog.Int("still_running", len(left)),
	)
	return left
}

// Running reports whether a worker is active or still draining.
func (eng *Engine) Running() bool {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.worker != nil
}

// ──────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────

// RetryJobByID resets a job, typically a terminally failed one, so that it
// runs again now with a fresh attempt budget.
func (eng *Engine) RetryJobByID(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.store.ResetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", jobID, err)
	}
	eng.logger.Info("job reset for retry",
		slog.String("job_id", jobID.String()),
		slog.String("queue", j.Queue),
	)
	return j, nil
}

// Cancel deletes the given jobs unless they are running and returns how
// many were deleted.
func (eng *Engine) Cancel(ctx context.Context, ids ...id.JobID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := eng.store.CancelJobs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	return n, nil
}

// Drain claims and executes due jobs from queues one at a time, without a
// worker, until none is due. It returns how many jobs it executed. It is
// meant for tests and scripts.
func (eng *Engine) Drain(ctx context.Context, queues ...string) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		j, err := eng.store.ClaimNext(ctx, queues)
		if err != nil {
			return n, fmt.Errorf("drain claim: %w", err)
		}
		if j == nil {
			return n, nil
		}
		if _, err := eng.executor.Execute(ctx, j); err != nil {
			return n, err
		}
		n++
	}
}

// DrainGroups drains the queues of the given handler groups.
func (eng *Engine) DrainGroups(ctx context.Context, groups ...string) (int, error) {
	return eng.Drain(ctx, eng.registry.QueuesForGroups(groups...)...)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Store returns the engine's store.
func (eng *Engine) Store() store.Store { return eng.store }

// Config returns a copy of the engine's configuration.
func (eng *Engine) Config() mongojobs.Config { return eng.config }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Inflight returns the IDs of jobs the running worker is executing.
func (eng *Engine) Inflight() []id.JobID {
	eng.mu.Lock()
	w := eng.worker
	eng.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Inflight()
}
