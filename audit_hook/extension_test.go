package audithook_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/mongojobs/audit_hook"
	"github.com/xraph/mongojobs/ext"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:            id.NewJobID(),
		HandlerName:   "send-email",
		Queue:         "default",
		AttemptsCount: 1,
	}
}

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

func TestExtension_JobEnqueued(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()
	j.UniqueKey = "user-42"

	if err := e.OnJobEnqueued(context.Background(), j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionJobEnqueued {
		t.Errorf("Action: want %q, got %q", ah.ActionJobEnqueued, evt.Action)
	}
	if evt.Resource != ah.ResourceJob {
		t.Errorf("Resource: want %q, got %q", ah.ResourceJob, evt.Resource)
	}
	if evt.Category != ah.CategoryJob {
		t.Errorf("Category: want %q, got %q", ah.CategoryJob, evt.Category)
	}
	if evt.ResourceID != j.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", j.ID.String(), evt.ResourceID)
	}
	if evt.Severity != ah.SeverityInfo {
		t.Errorf("Severity: want %q, got %q", ah.SeverityInfo, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeSuccess, evt.Outcome)
	}
	if evt.Metadata["handler"] != "send-email" {
		t.Errorf("Metadata[handler]: want %q, got %v", "send-email", evt.Metadata["handler"])
	}
	if evt.Metadata["unique_key"] != "user-42" {
		t.Errorf("Metadata[unique_key]: want %q, got %v", "user-42", evt.Metadata["unique_key"])
	}
	if evt.OccurredAt.IsZero() {
		t.Error("OccurredAt not set")
	}
}

func TestExtension_JobStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobStarted(context.Background(), newTestJob(), 1500*time.Millisecond); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobStarted {
		t.Errorf("Action: want %q, got %q", ah.ActionJobStarted, evt.Action)
	}
	if evt.Metadata["delay_ms"] != int64(1500) {
		t.Errorf("Metadata[delay_ms]: want %d, got %v", 1500, evt.Metadata["delay_ms"])
	}
	if evt.Metadata["attempts"] != 1 {
		t.Errorf("Metadata[attempts]: want 1, got %v", evt.Metadata["attempts"])
	}
}

func TestExtension_JobCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobCompleted(context.Background(), newTestJob(), 250*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobCompleted {
		t.Errorf("Action: want %q, got %q", ah.ActionJobCompleted, evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != int64(250) {
		t.Errorf("Metadata[elapsed_ms]: want %d, got %v", 250, evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_JobRetrying(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	next := time.Date(2026, 3, 1, 12, 0, 4, 0, time.UTC)

	err := e.OnJobRetrying(context.Background(), newTestJob(), 2, next, errors.New("smtp timeout"))
	if err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobRetrying {
		t.Errorf("Action: want %q, got %q", ah.ActionJobRetrying, evt.Action)
	}
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity: want %q, got %q", ah.SeverityWarning, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, evt.Outcome)
	}
	if evt.Reason != "smtp timeout" {
		t.Errorf("Reason: want %q, got %q", "smtp timeout", evt.Reason)
	}
	if evt.Metadata["attempts"] != 2 {
		t.Errorf("Metadata[attempts]: want 2, got %v", evt.Metadata["attempts"])
	}
	if evt.Metadata["next_run_at"] != "2026-03-01T12:00:04Z" {
		t.Errorf("Metadata[next_run_at]: got %v", evt.Metadata["next_run_at"])
	}
}

func TestExtension_JobDeferred(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()
	j.Options.Unique = &job.UniqueOptions{EnqueuedKey: "sync:enq", RunningKey: "sync:run"}

	if err := e.OnJobDeferred(context.Background(), j, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("OnJobDeferred: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobDeferred {
		t.Errorf("Action: want %q, got %q", ah.ActionJobDeferred, evt.Action)
	}
	if evt.Metadata["running_key"] != "sync:run" {
		t.Errorf("Metadata[running_key]: want %q, got %v", "sync:run", evt.Metadata["running_key"])
	}
}

func TestExtension_JobFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()
	j.Queue = ""
	j.OriginalQueue = "mail"
	j.AttemptsCount = 10

	if err := e.OnJobFailed(context.Background(), j, errors.New("mailbox gone")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobFailed {
		t.Errorf("Action: want %q, got %q", ah.ActionJobFailed, evt.Action)
	}
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Metadata["queue"] != "mail" {
		t.Errorf("Metadata[queue]: want %q, got %v", "mail", evt.Metadata["queue"])
	}
	if evt.Metadata["error"] != "mailbox gone" {
		t.Errorf("Metadata[error]: want %q, got %v", "mailbox gone", evt.Metadata["error"])
	}
}

func TestExtension_JobExpired(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobExpired(context.Background(), newTestJob()); err != nil {
		t.Fatalf("OnJobExpired: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionJobExpired {
		t.Errorf("Action: want %q, got %q", ah.ActionJobExpired, evt.Action)
	}
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity: want %q, got %q", ah.SeverityWarning, evt.Severity)
	}
}

func TestExtension_CronFired(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	jobID := id.NewJobID()

	if err := e.OnCronFired(context.Background(), "daily-cleanup", jobID); err != nil {
		t.Fatalf("OnCronFired: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionCronFired {
		t.Errorf("Action: want %q, got %q", ah.ActionCronFired, evt.Action)
	}
	if evt.Resource != ah.ResourceSchedule {
		t.Errorf("Resource: want %q, got %q", ah.ResourceSchedule, evt.Resource)
	}
	if evt.Category != ah.CategoryCron {
		t.Errorf("Category: want %q, got %q", ah.CategoryCron, evt.Category)
	}
	if evt.ResourceID != "daily-cleanup" {
		t.Errorf("ResourceID: want %q, got %q", "daily-cleanup", evt.ResourceID)
	}
	if evt.Metadata["job_id"] != jobID.String() {
		t.Errorf("Metadata[job_id]: want %q, got %v", jobID.String(), evt.Metadata["job_id"])
	}
}

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobCompleted, ah.ActionJobFailed))
	ctx := context.Background()
	j := newTestJob()

	if err := e.OnJobEnqueued(ctx, j); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected 0 events (enqueued disabled), got %d", rec.count())
	}

	if err := e.OnJobCompleted(ctx, j, 50*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("expected 2 events, got %d", rec.count())
	}
}

func TestRecorderFunc(t *testing.T) {
	var got *ah.AuditEvent
	e := ah.New(ah.RecorderFunc(func(_ context.Context, evt *ah.AuditEvent) error {
		got = evt
		return nil
	}))

	if err := e.OnJobExpired(context.Background(), newTestJob()); err != nil {
		t.Fatalf("OnJobExpired: %v", err)
	}
	if got == nil || got.Action != ah.ActionJobExpired {
		t.Errorf("RecorderFunc not invoked with expired event: %+v", got)
	}
}

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	e := ah.New(ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("audit backend down")
	}), ah.WithLogger(slog.New(slog.DiscardHandler)))

	if err := e.OnJobCompleted(context.Background(), newTestJob(), time.Second); err != nil {
		t.Errorf("recorder error leaked to caller: %v", err)
	}
}

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.New(slog.DiscardHandler))
	reg.Register(ah.New(rec))

	ctx := context.Background()
	j := newTestJob()
	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobStarted(ctx, j, 0)
	reg.EmitJobRetrying(ctx, j, 1, time.Now(), errors.New("transient"))
	reg.EmitCronFired(ctx, "hourly", j.ID)
	reg.EmitShutdown(ctx)

	if rec.count() != 4 {
		t.Fatalf("expected 4 events via registry, got %d", rec.count())
	}
	for _, action := range []string{ah.ActionJobEnqueued, ah.ActionJobStarted, ah.ActionJobRetrying, ah.ActionCronFired} {
		if rec.findByAction(action) == nil {
			t.Errorf("missing %q event", action)
		}
	}
}

func TestAllActions(t *testing.T) {
	actions := ah.AllActions()
	if len(actions) != 8 {
		t.Fatalf("expected 8 actions, got %d", len(actions))
	}
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
}
