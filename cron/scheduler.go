package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// Emitter emits cron lifecycle events.
// ext.Registry satisfies this interface via EmitCronFired.
type Emitter interface {
	EmitCronFired(ctx context.Context, scheduleName string, jobID id.JobID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// UniqueKey returns the deduplication key of the occurrence of a schedule
// firing at t.
func UniqueKey(scheduleName string, t time.Time) string {
	return fmt.Sprintf("%s-%d", scheduleName, t.UnixMilli())
}

// Scheduler registers schedules and chains their occurrences.
type Scheduler struct {
	jobs      job.Store
	schedules Store
	emitter   Emitter
	logger    *slog.Logger
	now       func() time.Time

	// parsed caches parsed cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	locMu sync.RWMutex
	locs  map[string]*time.Location
}

// NewScheduler creates a Scheduler over the given stores.
func NewScheduler(jobs job.Store, schedules Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:      jobs,
		schedules: schedules,
		logger:    slog.Default(),
		now:       time.Now,
		parsed:    make(map[string]cronlib.Schedule),
		locs:      make(map[string]*time.Location),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates, upserts and seeds a schedule. If the stored
// definition changed, pending occurrences of the previous definition are
// deleted first.
func (s *Scheduler) Register(ctx context.Context, reg Registration) (*Schedule, error) {
	if reg.ScheduleName == "" {
		return nil, fmt.Errorf("%w: missing schedule name", mongojobs.ErrInvalidCron)
	}
	if reg.HandlerName == "" || reg.Queue == "" {
		return nil, fmt.Errorf("%w: schedule %q has no handler or queue", mongojobs.ErrInvalidCron, reg.ScheduleName)
	}
	tz := reg.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := s.getOrParseSchedule(reg.CronExpression); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", mongojobs.ErrInvalidCron, reg.CronExpression, err)
	}
	if _, err := s.location(tz); err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %w", mongojobs.ErrInvalidCron, tz, err)
	}

	sched := &Schedule{
		Entity:         mongojobs.NewEntity(),
		ID:             id.NewScheduleID(),
		Name:           reg.ScheduleName,
		CronExpression: reg.CronExpression,
		TimeZone:       tz,
		HandlerName:    reg.HandlerName,
		Queue:          reg.Queue,
		Data:           reg.Data,
	}
	changed, err := s.schedules.UpsertSchedule(ctx, sched)
	if err != nil {
		return nil, fmt.Errorf("upsert schedule %q: %w", sched.Name, err)
	}
	if changed {
		purged, err := s.jobs.DeleteUpcomingForSchedule(ctx, sched.Name)
		if err != nil {
			return nil, fmt.Errorf("purge schedule %q: %w", sched.Name, err)
		}
		if purged > 0 {
			s.logger.Info("purged stale cron occurrences",
				slog.String("schedule", sched.Name),
				slog.Int64("count", purged),
			)
		}
	}

	if _, err := s.ScheduleNext(ctx, sched, s.now()); err != nil {
		return nil, err
	}
	return sched, nil
}

// NextFire returns the first fire time of sched strictly after after.
func (s *Scheduler) NextFire(sched *Schedule, after time.Time) (time.Time, error) {
	expr, err := s.getOrParseSchedule(sched.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", mongojobs.ErrInvalidCron, sched.CronExpression, err)
	}
	loc, err := s.location(sched.TimeZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time zone %q: %w", mongojobs.ErrInvalidCron, sched.TimeZone, err)
	}
	next := expr.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", mongojobs.ErrInvalidCron, sched.CronExpression)
	}
	return next.UTC(), nil
}

// ScheduleNext inserts the occurrence of sched following after. It returns
// nil, nil when that occurrence already exists.
func (s *Scheduler) ScheduleNext(ctx context.Context, sched *Schedule, after time.Time) (*job.Job, error) {
	next, err := s.NextFire(sched, after)
	if err != nil {
		return nil, err
	}

	key := UniqueKey(sched.Name, next)
	j := &job.Job{
		Entity:       mongojobs.NewEntity(),
		ID:           id.NewJobID(),
		Queue:        sched.Queue,
		HandlerName:  sched.HandlerName,
		Data:         job.Data{Payload: sched.Data},
		NextRunAt:    &next,
		UniqueKey:    key,
		Options:      job.Options{Unique: &job.UniqueOptions{EnqueuedKey: key, RunningKey: key}},
		ScheduleName: sched.Name,
	}
	created, err := s.jobs.CreateJob(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("schedule next occurrence of %q: %w", sched.Name, err)
	}
	if !created {
		return nil, nil
	}

	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, sched.Name, j.ID)
	}
	s.logger.Debug("cron occurrence scheduled",
		slog.String("schedule", sched.Name),
		slog.String("job_id", j.ID.String()),
		slog.Time("next_run_at", next),
	)
	return j, nil
}

// MaybeScheduleNext chains the occurrence after j if j belongs to a
// schedule and is on its first attempt. A schedule that has been removed
// is not an error.
func (s *Scheduler) MaybeScheduleNext(ctx context.Context, j *job.Job) error {
	if j.ScheduleName == "" || j.AttemptsCount > 0 {
		return nil
	}

	sched, err := s.schedules.GetSchedule(ctx, j.ScheduleName)
	if errors.Is(err, mongojobs.ErrScheduleNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule %q: %w", j.ScheduleName, err)
	}

	base := s.now()
	if j.NextRunAt != nil && j.NextRunAt.After(base) {
		base = *j.NextRunAt
	}
	_, err = s.ScheduleNext(ctx, sched, base)
	return err
}

// Remove deletes a schedule and purges its pending occurrences.
func (s *Scheduler) Remove(ctx context.Context, name string) error {
	if err := s.schedules.DeleteSchedule(ctx, name); err != nil && !errors.Is(err, mongojobs.ErrScheduleNotFound) {
		return fmt.Errorf("delete schedule %q: %w", name, err)
	}
	purged, err := s.jobs.DeleteUpcomingForSchedule(ctx, name)
	if err != nil {
		return fmt.Errorf("purge schedule %q: %w", name, err)
	}
	s.logger.Info("cron schedule removed",
		slog.String("schedule", name),
		slog.Int64("purged", purged),
	)
	return nil
}

// getOrParseSchedule caches parsed cron expressions.
func (s *Scheduler) getOrParseSchedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}

func (s *Scheduler) location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	s.locMu.RLock()
	loc, ok := s.locs[name]
	s.locMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}

	s.locMu.Lock()
	s.locs[name] = loc
	s.locMu.Unlock()
	return loc, nil
}
