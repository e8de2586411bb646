// Package worker runs claimed jobs. An Executor takes one job through
// cron chaining, unique-key transition, the middleware chain and the
// handler, then records the outcome. A Worker owns the run loop that keeps
// up to MaxConcurrency executors busy, and the sweep that releases locks
// left behind by crashed processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/backoff"
	"github.com/xraph/mongojobs/ext"
	"github.com/xraph/mongojobs/job"
	"github.com/xraph/mongojobs/middleware"
)

// Outcome is what happened to a job after one execution.
type Outcome string

const (
	// OutcomeCompleted means the handler succeeded and the job was deleted.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetried means the handler failed and a retry was scheduled.
	OutcomeRetried Outcome = "retried"
	// OutcomeFailed means the handler failed and attempts are exhausted.
	OutcomeFailed Outcome = "failed"
	// OutcomeDeferred means another job held the running unique key, so
	// the handler was not invoked and the job was pushed back.
	OutcomeDeferred Outcome = "deferred"
)

// Chainer inserts the next occurrence of a recurring job. It is satisfied
// by *cron.Scheduler.
type Chainer interface {
	MaybeScheduleNext(ctx context.Context, j *job.Job) error
}

// Executor runs a single job and records the outcome.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	chainer    Chainer
	backoff    backoff.Strategy
	deferral   backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time

	defaultMaxAttempts int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithChainer sets the cron chainer invoked before each scheduled job.
func WithChainer(c Chainer) ExecutorOption {
	return func(e *Executor) { e.chainer = c }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithDuplicateDelay sets the fixed delay applied when the running unique
// key is held by another job.
func WithDuplicateDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.deferral = backoff.NewConstant(d) }
}

// WithMiddleware sets the middleware wrapped around every handler.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithDefaultMaxAttempts sets the attempt budget for handlers that do not
// declare one.
func WithDefaultMaxAttempts(n int) ExecutorOption {
	return func(e *Executor) { e.defaultMaxAttempts = n }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorClock overrides the time source.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor. Extensions may be nil.
func NewExecutor(registry *job.Registry, extensions *ext.Registry, store job.Store, opts ...ExecutorOption) *Executor {
	cfg := mongojobs.DefaultConfig()
	e := &Executor{
		registry:           registry,
		extensions:         extensions,
		store:              store,
		backoff:            backoff.DefaultStrategy(),
		deferral:           backoff.NewConstant(cfg.DuplicateInFlightDelay),
		mw:                 middleware.Chain(),
		logger:             slog.Default(),
		now:                time.Now,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.extensions == nil {
		e.extensions = ext.NewRegistry(e.logger)
	}
	return e
}

// Execute runs j, which the caller has claimed. Handler failures are not
// returned: they become retries or terminal failures. The error reports a
// store write that did not happen, in which case the job stays locked until
// the stuck-lock sweep releases it.
func (e *Executor) Execute(ctx context.Context, j *job.Job) (Outcome, error) {
	now := e.now().UTC()
	var delay time.Duration
	if j.NextRunAt != nil {
		delay = now.Sub(*j.NextRunAt)
	}
	e.extensions.EmitJobStarted(ctx, j, delay)

	if e.chainer != nil && j.ScheduleName != "" {
		if err := e.chainer.MaybeScheduleNext(ctx, j); err != nil {
			e.logger.Error("failed to schedule next cron occurrence",
				slog.String("job_id", j.ID.String()),
				slog.String("schedule", j.ScheduleName),
				slog.String("error", err.Error()),
			)
		}
	}

	if u := j.Options.Unique; u.Transitions() && j.UniqueKey == u.EnqueuedKey {
		err := e.store.TransitionUniqueKey(ctx, j.ID, u.EnqueuedKey, u.RunningKey)
		switch {
		case errors.Is(err, mongojobs.ErrDuplicateInFlight):
			return e.deferDuplicate(ctx, j, err)
		case err != nil:
			return "", fmt.Errorf("transition unique key of job %s: %w", j.ID, err)
		}
		j.UniqueKey = u.RunningKey
	}

	start := time.Now()
	handlerErr := e.invoke(ctx, j)
	elapsed := time.Since(start)

	if handlerErr != nil {
		return e.handleFailure(ctx, j, handlerErr)
	}
	return e.handleSuccess(ctx, j, elapsed)
}

// invoke resolves the handler and runs it through the middleware chain.
func (e *Executor) invoke(ctx context.Context, j *job.Job) error {
	reg, err := e.registry.Resolve(j.HandlerName)
	if err != nil {
		return err
	}
	terminal := func(ctx context.Context) error {
		return reg.Handler.Perform(ctx, j.Data.Payload)
	}
	return e.mw(ctx, j, terminal)
}

func (e *Executor) maxAttempts(j *job.Job) int {
	if reg, ok := e.registry.Lookup(j.HandlerName); ok {
		return reg.MaxAttempts(e.defaultMaxAttempts)
	}
	return e.defaultMaxAttempts
}

// handleSuccess deletes the job and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) (Outcome, error) {
	if err := e.store.RecordCompletion(ctx, j.ID); err != nil {
		e.logger.Error("failed to record job completion",
			slog.String("job_id", j.ID.String()),
			slog.String("handler", j.HandlerName),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return OutcomeCompleted, nil
}

// handleFailure counts the attempt and either schedules a retry with
// backoff or retires the job.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) (Outcome, error) {
	attempts := j.AttemptsCount + 1
	maxAttempts := e.maxAttempts(j)
	msg := handlerErr.Error()

	if attempts < maxAttempts {
		delay := e.backoff.Delay(attempts)
		nextRunAt := e.now().UTC().Add(delay)
		if err := e.store.RecordRetry(ctx, j.ID, attempts, msg, nextRunAt); err != nil {
			e.logger.Error("failed to record job retry",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return "", err
		}
		j.AttemptsCount = attempts
		j.LastError = msg
		j.NextRunAt = &nextRunAt
		e.extensions.EmitJobRetrying(ctx, j, attempts, nextRunAt, handlerErr)

		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("handler", j.HandlerName),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay),
		)
		return OutcomeRetried, nil
	}

	if err := e.store.RecordTerminalFailure(ctx, j.ID, attempts, msg); err != nil {
		e.logger.Error("failed to record terminal failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	j.AttemptsCount = attempts
	j.LastError = msg
	e.extensions.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("handler", j.HandlerName),
		slog.Int("attempts", attempts),
		slog.String("error", msg),
	)
	return OutcomeFailed, nil
}

// deferDuplicate pushes a job back without counting an attempt.
func (e *Executor) deferDuplicate(ctx context.Context, j *job.Job, dupErr error) (Outcome, error) {
	nextRunAt := e.now().UTC().Add(e.deferral.Delay(j.AttemptsCount))
	if err := e.store.RecordRetry(ctx, j.ID, j.AttemptsCount, dupErr.Error(), nextRunAt); err != nil {
		return "", fmt.Errorf("defer duplicate job %s: %w", j.ID, err)
	}
	j.NextRunAt = &nextRunAt
	e.extensions.EmitJobDeferred(ctx, j, nextRunAt)

	e.logger.Info("job deferred, running key held by another job",
		slog.String("job_id", j.ID.String()),
		slog.String("handler", j.HandlerName),
		slog.String("running_key", j.Options.Unique.RunningKey),
		slog.Time("next_run_at", nextRunAt),
	)
	return OutcomeDeferred, nil
}
