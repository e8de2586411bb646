// Package storetest is a conformance suite for store.Store backends. Each
// backend's tests call Run with a factory; the suite drives the backend
// through a shared fake clock so time-dependent behaviour is exact.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/cron"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
	"github.com/xraph/mongojobs/store"
)

// Epoch is the instant every suite clock starts at.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Factory returns an empty store whose notion of now is clock.
type Factory func(t *testing.T, clock func() time.Time) store.Store

// NewJob builds a valid pending job in queue due at runAt.
func NewJob(queue string, runAt time.Time) *job.Job {
	return &job.Job{
		Entity:      mongojobs.NewEntity(),
		ID:          id.NewJobID(),
		Queue:       queue,
		HandlerName: queue,
		Data:        job.Data{Payload: []byte(`{"test":true}`)},
		NextRunAt:   &runAt,
	}
}

// NewUniqueJob builds a pending job holding enqueuedKey.
func NewUniqueJob(queue string, runAt time.Time, enqueuedKey, runningKey string) *job.Job {
	j := NewJob(queue, runAt)
	j.UniqueKey = enqueuedKey
	j.Options.Unique = &job.UniqueOptions{EnqueuedKey: enqueuedKey, RunningKey: runningKey}
	return j
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store, c *Clock)
	}{
		{"CreateJobUnique", testCreateJobUnique},
		{"ClaimOrdering", testClaimOrdering},
		{"ClaimFiltersQueue", testClaimFiltersQueue},
		{"ConcurrentClaims", testConcurrentClaims},
		{"PeekNext", testPeekNext},
		{"UnlockExpired", testUnlockExpired},
		{"RecordRetry", testRecordRetry},
		{"TerminalFailure", testTerminalFailure},
		{"ResetJob", testResetJob},
		{"TransitionUniqueKey", testTransitionUniqueKey},
		{"QueuesWithPending", testQueuesWithPending},
		{"SubscribeToChanges", testSubscribeToChanges},
		{"CancelJobs", testCancelJobs},
		{"DeleteUpcomingForSchedule", testDeleteUpcoming},
		{"GetJobNotFound", testGetJobNotFound},
		{"CountJobs", testCountJobs},
		{"Schedules", testSchedules},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClock(Epoch)
			s := factory(t, c.Now)
			tt.fn(t, s, c)
		})
	}
}

func mustCreate(t *testing.T, s store.Store, j *job.Job) {
	t.Helper()
	created, err := s.CreateJob(context.Background(), j)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !created {
		t.Fatalf("CreateJob: job %s not created", j.ID)
	}
}

func mustClaim(t *testing.T, s store.Store, queues ...string) *job.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background(), queues)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j == nil {
		t.Fatalf("ClaimNext(%v): nothing claimed", queues)
	}
	return j
}

func mustGet(t *testing.T, s store.Store, jobID id.JobID) *job.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", jobID, err)
	}
	return j
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

func testCreateJobUnique(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()

	first := NewUniqueJob("q", c.Now(), "k", "k")
	mustCreate(t, s, first)

	created, err := s.CreateJob(ctx, NewUniqueJob("q", c.Now(), "k", "k"))
	if err != nil {
		t.Fatalf("duplicate CreateJob returned error: %v", err)
	}
	if created {
		t.Fatal("duplicate unique key created a second job")
	}
	if n, _ := s.CountJobs(ctx, job.CountOpts{Queue: "q"}); n != 1 {
		t.Fatalf("CountJobs = %d, want 1", n)
	}

	mustClaim(t, s, "q")
	if err := s.RecordCompletion(ctx, first.ID); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	mustCreate(t, s, NewUniqueJob("q", c.Now(), "k", "k"))

	if _, err := s.CreateJob(ctx, &job.Job{ID: id.NewJobID()}); !errors.Is(err, mongojobs.ErrInvalidJob) {
		t.Fatalf("invalid job error = %v, want ErrInvalidJob", err)
	}
}

func testClaimOrdering(t *testing.T, s store.Store, c *Clock) {
	now := c.Now()
	a := NewJob("q", now.Add(-3*time.Second))
	b := NewJob("q", now.Add(-1*time.Second))
	d := NewJob("q", now.Add(-2*time.Second))
	future := NewJob("q", now.Add(time.Hour))
	for _, j := range []*job.Job{b, future, a, d} {
		mustCreate(t, s, j)
	}

	for _, want := range []*job.Job{a, d, b} {
		got := mustClaim(t, s, "q")
		if got.ID.String() != want.ID.String() {
			t.Fatalf("claimed %s, want %s", got.ID, want.ID)
		}
		if got.LockedAt == nil || !got.LockedAt.Equal(now) {
			t.Fatalf("LockedAt = %v, want %v", got.LockedAt, now)
		}
	}

	j, err := s.ClaimNext(context.Background(), []string{"q"})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Fatalf("claimed future job %s", j.ID)
	}

	c.Advance(2 * time.Hour)
	if got := mustClaim(t, s, "q"); got.ID.String() != future.ID.String() {
		t.Fatalf("claimed %s, want the now-due job %s", got.ID, future.ID)
	}
}

func testClaimFiltersQueue(t *testing.T, s store.Store, c *Clock) {
	mustCreate(t, s, NewJob("b", c.Now()))

	j, err := s.ClaimNext(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Fatalf("claimed job from unconsumed queue %q", j.Queue)
	}
	mustClaim(t, s, "a", "b")
}

func testConcurrentClaims(t *testing.T, s store.Store, c *Clock) {
	const total = 40
	for range total {
		mustCreate(t, s, NewJob("q", c.Now()))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(context.Background(), []string{"q"})
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), total)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func testPeekNext(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	if j, err := s.PeekNext(ctx, "q"); err != nil || j != nil {
		t.Fatalf("PeekNext on empty queue = %v, %v", j, err)
	}

	soon := NewJob("q", c.Now().Add(time.Minute))
	later := NewJob("q", c.Now().Add(time.Hour))
	mustCreate(t, s, later)
	mustCreate(t, s, soon)

	j, err := s.PeekNext(ctx, "q")
	if err != nil {
		t.Fatalf("PeekNext: %v", err)
	}
	if j == nil || j.ID.String() != soon.ID.String() {
		t.Fatalf("PeekNext = %v, want %s", j, soon.ID)
	}
	if got := mustGet(t, s, soon.ID); got.LockedAt != nil {
		t.Fatal("PeekNext locked the job")
	}
}

func testUnlockExpired(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	const lockTimeout = 10 * time.Minute

	stuck := NewJob("q", c.Now())
	mustCreate(t, s, stuck)
	mustClaim(t, s, "q")

	c.Advance(5 * time.Minute)
	fresh := NewJob("q", c.Now())
	mustCreate(t, s, fresh)
	mustClaim(t, s, "q")

	c.Advance(6 * time.Minute)
	threshold := c.Now().Add(-lockTimeout)

	unlocked, err := s.UnlockOneExpiredLock(ctx, threshold)
	if err != nil {
		t.Fatalf("UnlockOneExpiredLock: %v", err)
	}
	if unlocked == nil || unlocked.ID.String() != stuck.ID.String() {
		t.Fatalf("unlocked %v, want %s", unlocked, stuck.ID)
	}
	if unlocked.LockedAt != nil {
		t.Fatal("returned job still locked")
	}

	again, err := s.UnlockOneExpiredLock(ctx, threshold)
	if err != nil {
		t.Fatalf("UnlockOneExpiredLock: %v", err)
	}
	if again != nil {
		t.Fatalf("second sweep unlocked %s", again.ID)
	}

	if got := mustClaim(t, s, "q"); got.ID.String() != stuck.ID.String() {
		t.Fatalf("reclaimed %s, want %s", got.ID, stuck.ID)
	}
}

func testRecordRetry(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	j := NewJob("q", c.Now())
	mustCreate(t, s, j)
	mustClaim(t, s, "q")

	next := c.Now().Add(2 * time.Second)
	if err := s.RecordRetry(ctx, j.ID, 1, "boom", next); err != nil {
		t.Fatalf("RecordRetry: %v", err)
	}

	got := mustGet(t, s, j.ID)
	if got.LockedAt != nil {
		t.Error("lock not cleared")
	}
	if got.AttemptsCount != 1 || got.LastError != "boom" {
		t.Errorf("attempts=%d lastError=%q", got.AttemptsCount, got.LastError)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, next)
	}
	if got.FailedAt != nil {
		t.Error("retry marked the job failed")
	}

	if err := s.RecordRetry(ctx, id.NewJobID(), 1, "x", next); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Fatalf("RecordRetry unknown id = %v, want ErrJobNotFound", err)
	}
}

func testTerminalFailure(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	j := NewUniqueJob("q", c.Now(), "k", "k")
	mustCreate(t, s, j)
	mustClaim(t, s, "q")

	if err := s.RecordTerminalFailure(ctx, j.ID, 10, "gave up"); err != nil {
		t.Fatalf("RecordTerminalFailure: %v", err)
	}

	got := mustGet(t, s, j.ID)
	if !got.TerminallyFailed() {
		t.Fatal("job not terminally failed")
	}
	if got.FailedAt == nil || !got.FailedAt.Equal(c.Now()) {
		t.Errorf("FailedAt = %v", got.FailedAt)
	}
	if got.Queue != "" || got.OriginalQueue != "q" {
		t.Errorf("queue=%q originalQueue=%q", got.Queue, got.OriginalQueue)
	}
	if got.NextRunAt != nil || got.LockedAt != nil || got.UniqueKey != "" {
		t.Errorf("nextRunAt=%v lockedAt=%v uniqueKey=%q", got.NextRunAt, got.LockedAt, got.UniqueKey)
	}
	if got.AttemptsCount != 10 || got.LastError != "gave up" {
		t.Errorf("attempts=%d lastError=%q", got.AttemptsCount, got.LastError)
	}

	if j, _ := s.PeekNext(ctx, "q"); j != nil {
		t.Error("failed job visible to PeekNext")
	}
	mustCreate(t, s, NewUniqueJob("q", c.Now(), "k", "k"))
}

func testResetJob(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	j := NewUniqueJob("q", c.Now(), "enq", "run")
	mustCreate(t, s, j)
	mustClaim(t, s, "q")
	if err := s.TransitionUniqueKey(ctx, j.ID, "enq", "run"); err != nil {
		t.Fatalf("TransitionUniqueKey: %v", err)
	}
	if err := s.RecordTerminalFailure(ctx, j.ID, 3, "boom"); err != nil {
		t.Fatalf("RecordTerminalFailure: %v", err)
	}

	c.Advance(time.Hour)
	reset, err := s.ResetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("ResetJob: %v", err)
	}
	if reset.Queue != "q" || reset.FailedAt != nil || reset.LockedAt != nil || reset.AttemptsCount != 0 {
		t.Errorf("reset = %+v", reset)
	}
	if reset.NextRunAt == nil || !reset.NextRunAt.Equal(c.Now()) {
		t.Errorf("NextRunAt = %v, want %v", reset.NextRunAt, c.Now())
	}
	if reset.UniqueKey != "enq" {
		t.Errorf("UniqueKey = %q, want the enqueued key", reset.UniqueKey)
	}
	if got := mustClaim(t, s, "q"); got.ID.String() != j.ID.String() {
		t.Fatalf("claimed %s after reset, want %s", got.ID, j.ID)
	}

	if _, err := s.ResetJob(ctx, id.NewJobID()); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Fatalf("ResetJob unknown id = %v, want ErrJobNotFound", err)
	}
}

func testTransitionUniqueKey(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	a := NewUniqueJob("q", c.Now(), "enq", "run")
	holder := NewUniqueJob("other", c.Now(), "run", "run")
	mustCreate(t, s, a)
	mustCreate(t, s, holder)

	err := s.TransitionUniqueKey(ctx, a.ID, "enq", "run")
	if !errors.Is(err, mongojobs.ErrDuplicateInFlight) {
		t.Fatalf("TransitionUniqueKey = %v, want ErrDuplicateInFlight", err)
	}
	if got := mustGet(t, s, a.ID); got.UniqueKey != "enq" {
		t.Fatalf("UniqueKey = %q after failed transition", got.UniqueKey)
	}

	if n, err := s.CancelJobs(ctx, []id.JobID{holder.ID}); err != nil || n != 1 {
		t.Fatalf("CancelJobs = %d, %v", n, err)
	}
	if err := s.TransitionUniqueKey(ctx, a.ID, "enq", "run"); err != nil {
		t.Fatalf("TransitionUniqueKey: %v", err)
	}
	if got := mustGet(t, s, a.ID); got.UniqueKey != "run" {
		t.Fatalf("UniqueKey = %q, want run", got.UniqueKey)
	}

	if err := s.TransitionUniqueKey(ctx, a.ID, "enq", "run"); err != nil {
		t.Fatalf("repeated transition: %v", err)
	}
	mustCreate(t, s, NewUniqueJob("q", c.Now(), "enq", "run"))
}

func testQueuesWithPending(t *testing.T, s store.Store, c *Clock) {
	mustCreate(t, s, NewJob("a", c.Now()))
	mustCreate(t, s, NewJob("b", c.Now().Add(time.Hour)))
	mustCreate(t, s, NewJob("c", c.Now()))
	mustClaim(t, s, "c")
	mustCreate(t, s, NewJob("e", c.Now()))

	got, err := s.QueuesWithPending(context.Background(), []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("QueuesWithPending: %v", err)
	}
	want := map[string]bool{"a": true, "b": true}
	if len(got) != len(want) {
		t.Fatalf("QueuesWithPending = %v, want a and b", got)
	}
	for _, q := range got {
		if !want[q] {
			t.Errorf("unexpected queue %q", q)
		}
	}
}

func testSubscribeToChanges(t *testing.T, s store.Store, c *Clock) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := s.SubscribeToChanges(ctx, []string{"a"})
	if errors.Is(err, mongojobs.ErrChangeFeedUnsupported) {
		t.Skip("backend has no change feed")
	}
	if err != nil {
		t.Fatalf("SubscribeToChanges: %v", err)
	}

	due := c.Now().Add(time.Minute)
	mustCreate(t, s, NewJob("b", c.Now()))
	mustCreate(t, s, NewJob("a", due))

	select {
	case ch := <-changes:
		if ch.Queue != "a" {
			t.Fatalf("change for queue %q, want a", ch.Queue)
		}
		if !ch.NextRunAt.Equal(due) || ch.Locked {
			t.Fatalf("change = %+v", ch)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	cancel()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("change channel not closed after cancel")
		}
	}
}

func testCancelJobs(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	running := NewJob("q", c.Now().Add(-time.Second))
	pending := NewJob("q", c.Now())
	mustCreate(t, s, running)
	mustCreate(t, s, pending)
	mustClaim(t, s, "q")

	n, err := s.CancelJobs(ctx, []id.JobID{running.ID, pending.ID, id.NewJobID()})
	if err != nil {
		t.Fatalf("CancelJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("CancelJobs = %d, want 1", n)
	}
	mustGet(t, s, running.ID)
	if _, err := s.GetJob(ctx, pending.ID); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Fatalf("cancelled job still present: %v", err)
	}
}

func testDeleteUpcoming(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	mk := func(schedule string, runAt time.Time) *job.Job {
		j := NewJob("q", runAt)
		j.ScheduleName = schedule
		mustCreate(t, s, j)
		return j
	}

	locked := mk("nightly", c.Now().Add(-time.Second))
	mustClaim(t, s, "q")
	retried := mk("nightly", c.Now())
	mustClaim(t, s, "q")
	if err := s.RecordRetry(ctx, retried.ID, 1, "boom", c.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RecordRetry: %v", err)
	}
	upcoming := mk("nightly", c.Now().Add(time.Hour))
	other := mk("hourly", c.Now().Add(time.Hour))

	n, err := s.DeleteUpcomingForSchedule(ctx, "nightly")
	if err != nil {
		t.Fatalf("DeleteUpcomingForSchedule: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, upcoming.ID); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Fatal("upcoming occurrence not deleted")
	}
	for _, keep := range []*job.Job{locked, retried, other} {
		mustGet(t, s, keep.ID)
	}
}

func testGetJobNotFound(t *testing.T, s store.Store, _ *Clock) {
	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Fatalf("GetJob = %v, want ErrJobNotFound", err)
	}
	if err := s.RecordCompletion(context.Background(), id.NewJobID()); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Fatalf("RecordCompletion = %v, want ErrJobNotFound", err)
	}
}

func testCountJobs(t *testing.T, s store.Store, c *Clock) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("q", c.Now().Add(-time.Minute)))
	mustClaim(t, s, "q")
	mustCreate(t, s, NewJob("q", c.Now()))
	mustCreate(t, s, NewJob("q", c.Now()))
	mustCreate(t, s, NewJob("q", c.Now().Add(time.Hour)))
	failed := NewJob("q", c.Now().Add(-2*time.Minute))
	mustCreate(t, s, failed)
	mustClaim(t, s, "q")
	if err := s.RecordTerminalFailure(ctx, failed.ID, 1, "x"); err != nil {
		t.Fatalf("RecordTerminalFailure: %v", err)
	}
	mustCreate(t, s, NewJob("other", c.Now()))

	tests := []struct {
		opts job.CountOpts
		want int64
	}{
		{job.CountOpts{}, 6},
		{job.CountOpts{Queue: "q"}, 5},
		{job.CountOpts{Queue: "q", Status: job.StatusReady}, 2},
		{job.CountOpts{Queue: "q", Status: job.StatusScheduled}, 1},
		{job.CountOpts{Queue: "q", Status: job.StatusRunning}, 1},
		{job.CountOpts{Queue: "q", Status: job.StatusFailed}, 1},
		{job.CountOpts{Status: job.StatusReady}, 3},
	}
	for _, tt := range tests {
		got, err := s.CountJobs(ctx, tt.opts)
		if err != nil {
			t.Fatalf("CountJobs(%+v): %v", tt.opts, err)
		}
		if got != tt.want {
			t.Errorf("CountJobs(%+v) = %d, want %d", tt.opts, got, tt.want)
		}
	}
}

// ──────────────────────────────────────────────────
// Cron store
// ──────────────────────────────────────────────────

func testSchedules(t *testing.T, s store.Store, _ *Clock) {
	ctx := context.Background()
	newSchedule := func(expr string) *cron.Schedule {
		return &cron.Schedule{
			Entity:         mongojobs.NewEntity(),
			ID:             id.NewScheduleID(),
			Name:           "nightly",
			CronExpression: expr,
			TimeZone:       "UTC",
			HandlerName:    "report",
			Queue:          "report",
			Data:           []byte(`{"a":1}`),
		}
	}

	first := newSchedule("0 2 * * *")
	changed, err := s.UpsertSchedule(ctx, first)
	if err != nil || !changed {
		t.Fatalf("insert: changed=%v err=%v", changed, err)
	}
	storedID := first.ID.String()

	same := newSchedule("0 2 * * *")
	changed, err = s.UpsertSchedule(ctx, same)
	if err != nil || changed {
		t.Fatalf("identical upsert: changed=%v err=%v", changed, err)
	}
	if same.ID.String() != storedID {
		t.Errorf("identical upsert got id %s, want %s", same.ID, storedID)
	}

	changed, err = s.UpsertSchedule(ctx, newSchedule("0 3 * * *"))
	if err != nil || !changed {
		t.Fatalf("modified upsert: changed=%v err=%v", changed, err)
	}

	got, err := s.GetSchedule(ctx, "nightly")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.CronExpression != "0 3 * * *" || got.ID.String() != storedID {
		t.Errorf("GetSchedule = %+v", got)
	}

	all, err := s.ListSchedules(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListSchedules = %d, %v", len(all), err)
	}

	if err := s.DeleteSchedule(ctx, "nightly"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule(ctx, "nightly"); !errors.Is(err, mongojobs.ErrScheduleNotFound) {
		t.Fatalf("GetSchedule after delete = %v", err)
	}
	if err := s.DeleteSchedule(ctx, "nightly"); !errors.Is(err, mongojobs.ErrScheduleNotFound) {
		t.Fatalf("second DeleteSchedule = %v", err)
	}
}
