package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/job"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := job.NewRegistry()

	var got emailPayload
	def := job.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		got = p
		return nil
	})

	if _, err := r.Register(def, "mail"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg, ok := r.Lookup("send-email")
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	if reg.Queue != "send-email" {
		t.Errorf("Queue = %q, want handler name", reg.Queue)
	}
	if reg.Group != "mail" {
		t.Errorf("Group = %q, want %q", reg.Group, "mail")
	}

	payload, _ := json.Marshal(emailPayload{To: "alice@example.com", Subject: "Hello"})
	if err := reg.Handler.Perform(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "alice@example.com" || got.Subject != "Hello" {
		t.Errorf("got %+v", got)
	}

	byInstance, ok := r.LookupHandler(def)
	if !ok || byInstance != reg {
		t.Error("LookupHandler did not resolve the same registration")
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := job.NewRegistry()
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Fatal("expected no handler for unregistered job")
	}
	if _, err := r.Resolve("nonexistent"); !errors.Is(err, mongojobs.ErrHandlerNotFound) {
		t.Fatalf("Resolve error = %v, want ErrHandlerNotFound", err)
	}
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := job.NewRegistry()
	first := job.NewDefinition("dup", func(_ context.Context, _ struct{}) error { return errors.New("old") })
	second := job.NewDefinition("dup", func(_ context.Context, _ struct{}) error { return errors.New("new") })

	if _, err := r.Register(first, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(second, ""); !errors.Is(err, mongojobs.ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}

	if _, err := r.Register(second, "", job.AllowOverride()); err != nil {
		t.Fatalf("Register with override: %v", err)
	}
	reg, _ := r.Lookup("dup")
	if err := reg.Handler.Perform(context.Background(), nil); err == nil || err.Error() != "new" {
		t.Fatalf("expected 'new' error, got %v", err)
	}
}

func TestRegistry_QueueResolution(t *testing.T) {
	r := job.NewRegistry()

	_, _ = r.Register(job.NewDefinition("a", func(_ context.Context, _ struct{}) error { return nil }), "g1")
	_, _ = r.Register(job.NewDefinition("b", func(_ context.Context, _ struct{}) error { return nil },
		job.WithQueue("shared")), "g1")
	_, _ = r.Register(job.NewDefinition("c", func(_ context.Context, _ struct{}) error { return nil }), "g2",
		job.InQueue("shared"))
	_, _ = r.Register(job.NewDefinition("d", func(_ context.Context, _ struct{}) error { return nil }), "")

	tests := []struct {
		name   string
		groups []string
		want   []string
	}{
		{"single group", []string{"g1"}, []string{"a", "shared"}},
		{"shared queue dedupes", []string{"g1", "g2"}, []string{"a", "shared"}},
		{"default group", []string{job.DefaultGroup}, []string{"d"}},
		{"all", nil, []string{"a", "d", "shared"}},
		{"unknown group", []string{"nope"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.QueuesForGroups(tt.groups...)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRegistry_Names(t *testing.T) {
	r := job.NewRegistry()
	for _, n := range []string{"job-a", "job-b", "job-c"} {
		if _, err := r.Register(job.HandlerFunc{HandlerName: n, Fn: func(context.Context, []byte) error { return nil }}, ""); err != nil {
			t.Fatalf("Register %s: %v", n, err)
		}
	}

	names := r.Names()
	sort.Strings(names)
	expected := []string{"job-a", "job-b", "job-c"}
	if len(names) != len(expected) {
		t.Fatalf("expected %d names, got %d", len(expected), len(names))
	}
	for i, want := range expected {
		if names[i] != want {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want)
		}
	}
}

func TestRegistration_MaxAttempts(t *testing.T) {
	r := job.NewRegistry()
	limited, _ := r.Register(job.NewDefinition("limited", func(_ context.Context, _ struct{}) error { return nil },
		job.WithMaxAttempts(3)), "")
	plain, _ := r.Register(job.HandlerFunc{HandlerName: "plain", Fn: func(context.Context, []byte) error { return nil }}, "")

	if got := limited.MaxAttempts(10); got != 3 {
		t.Errorf("limited.MaxAttempts = %d, want 3", got)
	}
	if got := plain.MaxAttempts(10); got != 10 {
		t.Errorf("plain.MaxAttempts = %d, want 10", got)
	}
}

func TestDefinition_InvalidJSON(t *testing.T) {
	def := job.NewDefinition("typed-job", func(_ context.Context, _ emailPayload) error {
		t.Fatal("handler should not be called with invalid JSON")
		return nil
	})
	if err := def.Perform(context.Background(), []byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDefinition_EmptyPayload(t *testing.T) {
	called := false
	def := job.NewDefinition("no-payload", func(_ context.Context, _ struct{}) error {
		called = true
		return nil
	})
	if err := def.Perform(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty payload")
	}
}
