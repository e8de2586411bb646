package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/mongojobs/job"
	mw "github.com/xraph/mongojobs/middleware"
	"github.com/xraph/mongojobs/store/memory"
	"github.com/xraph/mongojobs/store/storetest"
	"github.com/xraph/mongojobs/worker"
)

// series identifies one attribute combination of the job instruments.
type series struct {
	handler, queue, status string
}

// recorded is what the manual reader saw, keyed by attribute set.
type recorded struct {
	executions map[series]int64
	durations  map[series]uint64
}

func newMeteredReader() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func seriesOf(set attribute.Set) series {
	var s series
	if v, ok := set.Value("handler"); ok {
		s.handler = v.AsString()
	}
	if v, ok := set.Value("queue"); ok {
		s.queue = v.AsString()
	}
	if v, ok := set.Value("status"); ok {
		s.status = v.AsString()
	}
	return s
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) recorded {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	out := recorded{executions: map[series]int64{}, durations: map[series]uint64{}}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if m.Name != "mongojobs.job.executions" {
					continue
				}
				for _, dp := range data.DataPoints {
					out.executions[seriesOf(dp.Attributes)] += dp.Value
				}
			case metricdata.Histogram[float64]:
				if m.Name != "mongojobs.job.duration" {
					continue
				}
				for _, dp := range data.DataPoints {
					out.durations[seriesOf(dp.Attributes)] += dp.Count
				}
			}
		}
	}
	return out
}

func TestMetrics_SeriesPerHandlerQueueAndStatus(t *testing.T) {
	reader, mp := newMeteredReader()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	ctx := context.Background()

	runs := []struct {
		handler, queue string
		err            error
	}{
		{"send-email", "mail", nil},
		{"send-email", "mail", nil},
		{"send-email", "mail", errors.New("smtp down")},
		{"resize-image", "media", errors.New("bad format")},
	}
	for _, r := range runs {
		j := &job.Job{HandlerName: r.handler, Queue: r.queue, AttemptsCount: 3}
		err := m(ctx, j, func(context.Context) error { return r.err })
		if !errors.Is(err, r.err) {
			t.Fatalf("middleware changed handler error: got %v, want %v", err, r.err)
		}
	}

	got := collect(t, reader)
	want := map[series]int64{
		{"send-email", "mail", "ok"}:       2,
		{"send-email", "mail", "error"}:    1,
		{"resize-image", "media", "error"}: 1,
	}
	if len(got.executions) != len(want) {
		t.Fatalf("execution series = %v, want %v", got.executions, want)
	}
	for s, n := range want {
		if got.executions[s] != n {
			t.Errorf("executions%+v = %d, want %d", s, got.executions[s], n)
		}
		if got.durations[s] != uint64(n) {
			t.Errorf("duration samples%+v = %d, want %d", s, got.durations[s], n)
		}
	}
}

func TestMetrics_DefaultChainCountsPanicAsError(t *testing.T) {
	reader, mp := newMeteredReader()
	chain := mw.Default(mw.Deps{
		Logger: slog.New(slog.DiscardHandler),
		Meter:  mp.Meter("test"),
	})
	j := &job.Job{HandlerName: "explode", Queue: "default"}

	err := chain(context.Background(), j, func(context.Context) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected the recovered panic as an error")
	}

	got := collect(t, reader)
	s := series{"explode", "default", "error"}
	if got.executions[s] != 1 || got.durations[s] != 1 {
		t.Errorf("panic not recorded as error: executions=%v durations=%v", got.executions, got.durations)
	}
}

func TestMetrics_ExecutorFailingHandler(t *testing.T) {
	reader, mp := newMeteredReader()
	clock := storetest.NewClock(storetest.Epoch)
	s := memory.New(memory.WithClock(clock.Now))
	reg := job.NewRegistry()
	if _, err := reg.Register(job.HandlerFunc{
		HandlerName: "charge",
		Fn:          func(context.Context, []byte) error { return errors.New("card declined") },
	}, "", job.InQueue("billing")); err != nil {
		t.Fatal(err)
	}

	exec := worker.NewExecutor(reg, nil, s,
		worker.WithExecutorClock(clock.Now),
		worker.WithMiddleware(mw.Default(mw.Deps{
			Logger: slog.New(slog.DiscardHandler),
			Meter:  mp.Meter("test"),
		})),
	)

	ctx := context.Background()
	j := storetest.NewJob("billing", clock.Now())
	j.HandlerName = "charge"
	if ok, err := s.CreateJob(ctx, j); err != nil || !ok {
		t.Fatalf("create: ok=%v err=%v", ok, err)
	}
	claimed, err := s.ClaimNext(ctx, []string{"billing"})
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	outcome, err := exec.Execute(ctx, claimed)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome != worker.OutcomeRetried {
		t.Fatalf("outcome = %s, want %s", outcome, worker.OutcomeRetried)
	}

	got := collect(t, reader)
	want := series{"charge", "billing", "error"}
	if got.executions[want] != 1 {
		t.Errorf("executions = %v, want one %+v", got.executions, want)
	}
	if _, ok := got.executions[series{"charge", "billing", "ok"}]; ok {
		t.Error("failed attempt recorded as ok")
	}
}

func TestMetrics_NilMeterUsesGlobal(t *testing.T) {
	m := mw.MetricsWithMeter(nil)
	j := &job.Job{HandlerName: "noop", Queue: "default"}
	if err := m(context.Background(), j, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
