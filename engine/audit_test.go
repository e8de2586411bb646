package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	audithook "github.com/xraph/mongojobs/audit_hook"
	"github.com/xraph/mongojobs/engine"
	"github.com/xraph/mongojobs/job"
	"github.com/xraph/mongojobs/store/storetest"
)

func TestEngine_AuditTrail(t *testing.T) {
	var (
		mu      sync.Mutex
		actions []string
	)
	rec := audithook.RecorderFunc(func(_ context.Context, evt *audithook.AuditEvent) error {
		mu.Lock()
		defer mu.Unlock()
		actions = append(actions, evt.Action)
		return nil
	})

	clock := storetest.NewClock(storetest.Epoch)
	eng, _ := newFakeEngine(t, clock, engine.WithExtension(audithook.New(rec)))
	ctx := context.Background()

	def := job.NewDefinition("flaky", func(context.Context, struct{}) error {
		return errors.New("nope")
	}, job.WithMaxAttempts(2))
	mustRegister(t, eng, def, "")

	if _, err := engine.Enqueue(ctx, eng, def, struct{}{}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Drain(ctx, "flaky"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if _, err := eng.Drain(ctx, "flaky"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		audithook.ActionJobEnqueued,
		audithook.ActionJobStarted,
		audithook.ActionJobRetrying,
		audithook.ActionJobStarted,
		audithook.ActionJobFailed,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
}
