// Package cron turns recurring schedules into idempotent job insertions.
//
// There is no cron ticker and no leader. A [Schedule] always has exactly
// one pending occurrence in the job store; when a worker picks that job up
// it calls [Scheduler.MaybeScheduleNext] before running the handler, which
// inserts the following occurrence.
//
// # Idempotency
//
// Each occurrence carries the unique key "<scheduleName>-<epochMillis>" of
// its fire time. Because the key is a pure function of the schedule and
// the tick, concurrent or repeated chaining attempts collapse into one
// stored job. Chaining only happens on a job's first attempt, so retries
// never chain twice.
//
// # Registering a Schedule
//
//	sched, err := scheduler.Register(ctx, cron.Registration{
//	    ScheduleName:   "daily-report",
//	    CronExpression: "0 9 * * *",
//	    TimeZone:       "Europe/Berlin",
//	    HandlerName:    "generate_report",
//	    Queue:          "generate_report",
//	})
//
// Registration is an upsert. When the stored definition changes, pending
// occurrences of the old definition are purged before the next one is
// seeded. A malformed expression or unknown time zone fails synchronously
// with mongojobs.ErrInvalidCron.
package cron
