package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/cron"
	"github.com/xraph/mongojobs/engine"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
	"github.com/xraph/mongojobs/store/memory"
	"github.com/xraph/mongojobs/store/storetest"
)

// ──────────────────────────────────────────────────
// Test payloads and helpers
// ──────────────────────────────────────────────────

type numberPayload struct {
	MyNumber int `json:"myNumber"`
}

func newFakeEngine(t *testing.T, clock *storetest.Clock, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New(memory.WithClock(clock.Now))
	opts = append([]engine.Option{engine.WithClock(clock.Now)}, opts...)
	eng, err := engine.New(s, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, s
}

func mustRegister(t *testing.T, eng *engine.Engine, h job.Handler, group string, opts ...job.RegisterOption) {
	t.Helper()
	if _, err := eng.Register(h, group, opts...); err != nil {
		t.Fatalf("Register %s: %v", h.Name(), err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

type lifecycleExt struct {
	enqueued atomic.Int32
	shutdown atomic.Int32
	cron     atomic.Int32
}

func (e *lifecycleExt) Name() string { return "lifecycle" }

func (e *lifecycleExt) OnJobEnqueued(context.Context, *job.Job) error {
	e.enqueued.Add(1)
	return nil
}

func (e *lifecycleExt) OnShutdown(context.Context) error {
	e.shutdown.Add(1)
	return nil
}

func (e *lifecycleExt) OnCronFired(context.Context, string, id.JobID) error {
	e.cron.Add(1)
	return nil
}

// ──────────────────────────────────────────────────
// End-to-end
// ──────────────────────────────────────────────────

func TestEngine_New_RequiresStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, mongojobs.ErrNoStore) {
		t.Fatalf("New(nil) = %v, want ErrNoStore", err)
	}
}

func TestEngine_EndToEnd_WorkerProcessesJob(t *testing.T) {
	s := memory.New()
	ext := &lifecycleExt{}
	eng, err := engine.New(s,
		engine.WithConcurrency(2),
		engine.WithPollInterval(20*time.Millisecond),
		engine.WithExtension(ext),
	)
	if err != nil {
		t.Fatal(err)
	}

	var got atomic.Int64
	def := job.NewDefinition("record-number", func(_ context.Context, p numberPayload) error {
		got.Store(int64(p.MyNumber))
		return nil
	})
	mustRegister(t, eng, def, "numbers")

	j, err := engine.Enqueue(context.Background(), eng, def, numberPayload{MyNumber: 5513})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Queue != "record-number" || j.HandlerName != "record-number" {
		t.Errorf("job = %+v", j)
	}

	if err := eng.Start(context.Background(), "numbers"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !eng.Running() {
		t.Error("Running() = false after Start")
	}

	waitFor(t, 5*time.Second, func() bool { return len(s.Jobs()) == 0 })
	if got.Load() != 5513 {
		t.Errorf("recorded = %d, want 5513", got.Load())
	}

	if left := eng.Stop(time.Second); len(left) != 0 {
		t.Errorf("jobs left running: %v", left)
	}
	if ext.enqueued.Load() != 1 {
		t.Errorf("enqueued hooks = %d", ext.enqueued.Load())
	}
	if ext.shutdown.Load() != 1 {
		t.Errorf("shutdown hooks = %d", ext.shutdown.Load())
	}
	if eng.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestEngine_StartAtDelaysExecution(t *testing.T) {
	clock := storetest.NewClock(storetest.Epoch)
	eng, _ := newFakeEngine(t, clock)
	ctx := context.Background()

	var runs atomic.Int32
	def := job.NewDefinition("later", func(context.Context, struct{}) error {
		runs.Add(1)
		return nil
	})
	mustRegister(t, eng, def, "")

	if _, err := engine.Enqueue(ctx, eng, def, struct{}{}, job.WithStartAt(clock.Now().Add(10*time.Second))); err != nil {
		t.Fatal(err)
	}

	clock.Advance(9 * time.Second)
	if n, err := eng.Drain(ctx, "later"); err != nil || n != 0 {
		t.Fatalf("early drain = %d, %v", n, err)
	}

	clock.Advance(time.Second)
	if n, err := eng.Drain(ctx, "later"); err != nil || n != 1 {
		t.Fatalf("drain at start time = %d, %v", n, err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d", runs.Load())
	}
}

func TestEngine_DelayUsesEngineClock(t *testing.T) {
	clock := storetest.NewClock(storetest.Epoch)
	eng, _ := newFakeEngine(t, clock)
	ctx := context.Background()

	def := job.NewDefinition("reminder", func(context.Context, struct{}) error { return nil })
	mustRegister(t, eng, def, "")

	j, err := engine.Enqueue(ctx, eng, def, struct{}{}, job.WithDelay(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if want := storetest.Epoch.Add(30 * time.Second); !j.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", j.NextRunAt, want)
	}

	clock.Advance(29 * time.Second)
	if n, _ := eng.Drain(ctx, "reminder"); n != 0 {
		t.Fatalf("ran %d jobs before the delay elapsed", n)
	}
	clock.Advance(time.Second)
	if n, err := eng.Drain(ctx, "reminder"); err != nil || n != 1 {
		t.Fatalf("drain after delay = %d, %v", n, err)
	}
}

func TestEngine_CronChaining(t *testing.T) {
	clock := storetest.NewClock(time.Date(2024, 5, 1, 14, 59, 0, 0, time.UTC))
	ext := &lifecycleExt{}
	eng, s := newFakeEngine(t, clock, engine.WithExtension(ext))
	ctx := context.Background()

	var fired atomic.Int32
	mustRegister(t, eng, job.HandlerFunc{HandlerName: "report", Fn: func(context.Context, []byte) error {
		fired.Add(1)
		return nil
	}}, "")

	sched, err := eng.RegisterCron(ctx, cron.Registration{
		ScheduleName:   "hourly-report",
		CronExpression: "10 * * * *",
		HandlerName:    "report",
	})
	if err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}
	if sched.Queue != "report" {
		t.Errorf("schedule queue = %q, want handler queue", sched.Queue)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("pending jobs = %d, want 1", len(jobs))
	}
	first := time.Date(2024, 5, 1, 15, 10, 0, 0, time.UTC)
	if !jobs[0].NextRunAt.Equal(first) {
		t.Fatalf("first NextRunAt = %v, want %v", jobs[0].NextRunAt, first)
	}

	clock.Set(first)
	if n, err := eng.Drain(ctx, "report"); err != nil || n != 1 {
		t.Fatalf("drain = %d, %v", n, err)
	}

	jobs = s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("pending jobs after firing = %d, want 1", len(jobs))
	}
	second := time.Date(2024, 5, 1, 16, 10, 0, 0, time.UTC)
	if !jobs[0].NextRunAt.Equal(second) {
		t.Errorf("second NextRunAt = %v, want %v", jobs[0].NextRunAt, second)
	}
	if jobs[0].ScheduleName != "hourly-report" {
		t.Errorf("ScheduleName = %q", jobs[0].ScheduleName)
	}
	if fired.Load() != 1 {
		t.Errorf("handler runs = %d", fired.Load())
	}
	if ext.cron.Load() != 2 {
		t.Errorf("cron fired hooks = %d, want 2", ext.cron.Load())
	}

	// Re-registering the same definition does not duplicate occurrences.
	if _, err := eng.RegisterCron(ctx, cron.Registration{
		ScheduleName:   "hourly-report",
		CronExpression: "10 * * * *",
		HandlerName:    "report",
	}); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Jobs()); n != 1 {
		t.Errorf("pending jobs after re-register = %d, want 1", n)
	}
}

func TestEngine_RegisterCronInvalid(t *testing.T) {
	eng, _ := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	mustRegister(t, eng, job.HandlerFunc{HandlerName: "report", Fn: func(context.Context, []byte) error { return nil }}, "")

	_, err := eng.RegisterCron(context.Background(), cron.Registration{
		ScheduleName:   "broken",
		CronExpression: "every tuesday",
		HandlerName:    "report",
	})
	if !errors.Is(err, mongojobs.ErrInvalidCron) {
		t.Fatalf("err = %v, want ErrInvalidCron", err)
	}

	_, err = eng.RegisterCron(context.Background(), cron.Registration{
		ScheduleName:   "orphan",
		CronExpression: "@hourly",
		HandlerName:    "missing",
	})
	if !errors.Is(err, mongojobs.ErrHandlerNotFound) {
		t.Fatalf("err = %v, want ErrHandlerNotFound", err)
	}
}

func TestEngine_RegisterCronJoinsGroup(t *testing.T) {
	clock := storetest.NewClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	eng, _ := newFakeEngine(t, clock)
	ctx := context.Background()

	var runs atomic.Int32
	digest := job.HandlerFunc{HandlerName: "digest", Fn: func(context.Context, []byte) error {
		runs.Add(1)
		return nil
	}}

	reg := cron.Registration{
		ScheduleName:   "morning-digest",
		CronExpression: "0 9 * * *",
		Handler:        digest,
		Group:          "reports",
	}
	sched, err := eng.RegisterCron(ctx, reg)
	if err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}
	if sched.HandlerName != "digest" || sched.Queue != "digest" {
		t.Errorf("schedule = %+v", sched)
	}
	got, ok := eng.Registry().Lookup("digest")
	if !ok || got.Group != "reports" {
		t.Fatalf("handler registration = %+v, %v; want group reports", got, ok)
	}

	// Registering the same schedule again keeps the existing handler.
	if _, err := eng.RegisterCron(ctx, reg); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	clock.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	if n, err := eng.DrainGroups(ctx, "reports"); err != nil || n != 1 {
		t.Fatalf("drain reports group = %d, %v", n, err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d", runs.Load())
	}

	reg.ScheduleName = "evening-digest"
	reg.Group = "batch"
	if _, err := eng.RegisterCron(ctx, reg); !errors.Is(err, mongojobs.ErrDuplicateHandler) {
		t.Errorf("conflicting group = %v, want ErrDuplicateHandler", err)
	}
}

func TestEngine_RemoveCron(t *testing.T) {
	eng, s := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	ctx := context.Background()
	mustRegister(t, eng, job.HandlerFunc{HandlerName: "report", Fn: func(context.Context, []byte) error { return nil }}, "")

	if _, err := eng.RegisterCron(ctx, cron.Registration{
		ScheduleName:   "nightly",
		CronExpression: "0 2 * * *",
		HandlerName:    "report",
	}); err != nil {
		t.Fatal(err)
	}
	if err := eng.RemoveCron(ctx, "nightly"); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Jobs()); n != 0 {
		t.Errorf("pending jobs after remove = %d", n)
	}
	if _, err := s.GetSchedule(ctx, "nightly"); !errors.Is(err, mongojobs.ErrScheduleNotFound) {
		t.Errorf("schedule still stored: %v", err)
	}
	if err := eng.RemoveCron(ctx, "nightly"); err != nil {
		t.Errorf("second remove = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Enqueue semantics
// ──────────────────────────────────────────────────

func TestEngine_EnqueueUnique(t *testing.T) {
	eng, s := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	ctx := context.Background()
	def := job.NewDefinition("sync", func(context.Context, struct{}) error { return nil })
	mustRegister(t, eng, def, "")

	first, err := engine.Enqueue(ctx, eng, def, struct{}{}, job.WithUniqueKey("account-7"))
	if err != nil || first == nil {
		t.Fatalf("first enqueue = %v, %v", first, err)
	}
	dup, err := engine.Enqueue(ctx, eng, def, struct{}{}, job.WithUniqueKey("account-7"))
	if err != nil {
		t.Fatalf("duplicate enqueue error: %v", err)
	}
	if dup != nil {
		t.Fatalf("duplicate enqueue created job %s", dup.ID)
	}
	if n := len(s.Jobs()); n != 1 {
		t.Fatalf("pending jobs = %d, want 1", n)
	}

	if n, err := eng.Cancel(ctx, first.ID); err != nil || n != 1 {
		t.Fatalf("Cancel = %d, %v", n, err)
	}
	third, err := engine.Enqueue(ctx, eng, def, struct{}{}, job.WithUniqueKey("account-7"))
	if err != nil || third == nil {
		t.Fatalf("enqueue after removal = %v, %v", third, err)
	}
}

func TestEngine_EnqueueUnknownHandler(t *testing.T) {
	eng, _ := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	_, err := eng.EnqueueRaw(context.Background(), "nobody", nil)
	if !errors.Is(err, mongojobs.ErrHandlerNotFound) {
		t.Fatalf("err = %v, want ErrHandlerNotFound", err)
	}
}

func TestEngine_EnqueuePropagatesTrace(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	eng, _ := newFakeEngine(t, storetest.NewClock(storetest.Epoch), engine.WithTracerProvider(tp))
	ctx := context.Background()

	def := job.NewDefinition("traced", func(context.Context, struct{}) error { return nil })
	mustRegister(t, eng, def, "")

	j, err := engine.Enqueue(ctx, eng, def, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if len(j.Data.Trace) == 0 {
		t.Fatal("job carries no trace context")
	}
	if _, err := eng.Drain(ctx, "traced"); err != nil {
		t.Fatal(err)
	}

	var producer, consumer sdktrace.ReadOnlySpan
	for _, span := range sr.Ended() {
		switch span.Name() {
		case "mongojobs.enqueue":
			producer = span
		case "mongojobs.job.execute":
			consumer = span
		}
	}
	if producer == nil || consumer == nil {
		t.Fatalf("spans: producer=%v consumer=%v", producer, consumer)
	}
	if producer.SpanKind() != trace.SpanKindProducer {
		t.Errorf("producer kind = %v", producer.SpanKind())
	}
	if consumer.SpanContext().TraceID() != producer.SpanContext().TraceID() {
		t.Error("execute span is not in the enqueue trace")
	}
	if consumer.Parent().SpanID() != producer.SpanContext().SpanID() {
		t.Error("execute span is not a child of the enqueue span")
	}
}

// ──────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────

func TestEngine_RetryJobByID(t *testing.T) {
	clock := storetest.NewClock(storetest.Epoch)
	eng, s := newFakeEngine(t, clock)
	ctx := context.Background()

	var healthy atomic.Bool
	def := job.NewDefinition("fragile", func(context.Context, struct{}) error {
		if !healthy.Load() {
			return errors.New("downstream unavailable")
		}
		return nil
	}, job.WithMaxAttempts(1))
	mustRegister(t, eng, def, "")

	j, err := engine.Enqueue(ctx, eng, def, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Drain(ctx, "fragile"); err != nil {
		t.Fatal(err)
	}

	failed, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !failed.TerminallyFailed() {
		t.Fatalf("job not failed: %+v", failed)
	}

	healthy.Store(true)
	reset, err := eng.RetryJobByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("RetryJobByID: %v", err)
	}
	if reset.Queue != "fragile" || reset.AttemptsCount != 0 || reset.FailedAt != nil {
		t.Errorf("reset job = %+v", reset)
	}
	if n, err := eng.Drain(ctx, "fragile"); err != nil || n != 1 {
		t.Fatalf("drain after reset = %d, %v", n, err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Errorf("job still stored after success: %v", err)
	}

	if _, err := eng.RetryJobByID(ctx, id.NewJobID()); !errors.Is(err, mongojobs.ErrJobNotFound) {
		t.Errorf("retry unknown = %v, want ErrJobNotFound", err)
	}
}

func TestEngine_CancelSkipsRunningJobs(t *testing.T) {
	eng, s := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	ctx := context.Background()
	def := job.NewDefinition("work", func(context.Context, struct{}) error { return nil })
	mustRegister(t, eng, def, "")

	a, _ := engine.Enqueue(ctx, eng, def, struct{}{})
	b, _ := engine.Enqueue(ctx, eng, def, struct{}{})
	if _, err := s.ClaimNext(ctx, []string{"work"}); err != nil {
		t.Fatal(err)
	}

	n, err := eng.Cancel(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cancelled = %d, want 1", n)
	}
	if n, _ := eng.Cancel(ctx); n != 0 {
		t.Errorf("empty cancel = %d", n)
	}
}

func TestEngine_DrainGroups(t *testing.T) {
	eng, s := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	ctx := context.Background()

	var mu sync.Mutex
	var ran []string
	record := func(name string) job.Handler {
		return job.HandlerFunc{HandlerName: name, Fn: func(context.Context, []byte) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}}
	}
	mustRegister(t, eng, record("email"), "notifications")
	mustRegister(t, eng, record("sms"), "notifications")
	mustRegister(t, eng, record("invoice"), "billing")

	for _, name := range []string{"email", "sms", "invoice"} {
		if _, err := eng.EnqueueRaw(ctx, name, nil); err != nil {
			t.Fatal(err)
		}
	}

	n, err := eng.DrainGroups(ctx, "notifications")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("drained = %d, want 2", n)
	}
	if left := s.Jobs(); len(left) != 1 || left[0].HandlerName != "invoice" {
		t.Errorf("remaining jobs = %v", left)
	}
}

func TestEngine_StartErrors(t *testing.T) {
	eng, _ := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	if err := eng.Start(context.Background()); !errors.Is(err, mongojobs.ErrHandlerNotFound) {
		t.Fatalf("Start without handlers = %v", err)
	}

	mustRegister(t, eng, job.HandlerFunc{HandlerName: "noop", Fn: func(context.Context, []byte) error { return nil }}, "")
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer eng.Stop(time.Second)

	if err := eng.Start(context.Background()); !errors.Is(err, mongojobs.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestEngine_StopWithoutStart(t *testing.T) {
	eng, _ := newFakeEngine(t, storetest.NewClock(storetest.Epoch))
	if left := eng.Stop(0); left != nil {
		t.Fatalf("Stop = %v", left)
	}
}

func TestEngine_StartRejectedWhileDraining(t *testing.T) {
	eng, err := engine.New(memory.New(), engine.WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	def := job.NewDefinition("slow", func(context.Context, struct{}) error {
		close(started)
		<-release
		return nil
	})
	mustRegister(t, eng, def, "")
	if _, err := engine.Enqueue(ctx, eng, def, struct{}{}); err != nil {
		t.Fatal(err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	stopped := make(chan []id.JobID)
	go func() { stopped <- eng.Stop(5 * time.Second) }()

	time.Sleep(50 * time.Millisecond)
	if err := eng.Start(ctx); !errors.Is(err, mongojobs.ErrAlreadyStarted) {
		t.Fatalf("Start during drain = %v, want ErrAlreadyStarted", err)
	}
	if !eng.Running() {
		t.Error("Running() = false while a job is draining")
	}

	close(release)
	if left := <-stopped; len(left) != 0 {
		t.Errorf("still running after drain: %v", left)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start after drain = %v", err)
	}
	eng.Stop(time.Second)
}
