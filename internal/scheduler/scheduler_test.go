package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mvilla/solartally/internal/aggregate"
	"github.com/mvilla/solartally/internal/metrics"
	"github.com/mvilla/solartally/internal/miner"
	"github.com/mvilla/solartally/internal/sems"
	"github.com/mvilla/solartally/internal/store"
)

type fakePower struct {
	watts float64
	fail  atomic.Bool
	calls atomic.Int64
	last  atomic.Pointer[miner.PowerSample]
}

func (f *fakePower) Sample(context.Context) (miner.PowerSample, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return miner.PowerSample{}, fmt.Errorf("poll: %w", miner.ErrSourceUnavailable)
	}
	sample := miner.PowerSample{TS: time.Now().UTC(), Watts: f.watts}
	f.last.Store(&sample)
	return sample, nil
}

func (f *fakePower) LastKnown() (miner.PowerSample, bool) {
	if last := f.last.Load(); last != nil {
		return *last, true
	}
	return miner.PowerSample{}, false
}

type fakeSolar struct {
	err     error
	samples []sems.GenerationSample
	calls   atomic.Int64
}

func (f *fakeSolar) FetchGeneration(context.Context, string, time.Time, time.Time) ([]sems.GenerationSample, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.samples, nil
}

func (f *fakeSolar) Backfill(ctx context.Context, _ string, _ int, ingest func(context.Context, []sems.GenerationSample) error) error {
	if f.err != nil {
		return f.err
	}
	return ingest(ctx, f.samples)
}

func testConfig() Config {
	return Config{
		StationID:      "station-1",
		Location:       time.UTC,
		PowerInterval:  5 * time.Millisecond,
		SolarInterval:  5 * time.Millisecond,
		RequestTimeout: time.Second,
		BackfillMonths: 0,
	}
}

func newTestService(s *store.MemoryStore) *metrics.Service {
	engine := aggregate.New(s, aggregate.Options{MaxGap: 15 * time.Minute, MinRollingSamples: 1})
	return metrics.New(engine, 0.22, "", "station-1")
}

func runFor(t *testing.T, sched *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not shut down within the grace period")
	}
}

func TestFailingSolarDoesNotStarvePower(t *testing.T) {
	st := store.NewMemoryStore()
	power := &fakePower{watts: 120}
	solar := &fakeSolar{err: fmt.Errorf("portal down: %w", sems.ErrSourceUnavailable)}

	sched := New(testConfig(), power, solar, st, nil, newTestService(st))
	runFor(t, sched, 60*time.Millisecond)

	if st.Len(store.KindPower) == 0 {
		t.Fatal("power samples must keep flowing while solar fails")
	}
	if solar.calls.Load() == 0 {
		t.Fatal("solar loop should have kept ticking")
	}
}

func TestAuthFailureFlagsSolarDegradedOnly(t *testing.T) {
	st := store.NewMemoryStore()
	power := &fakePower{watts: 120}
	solar := &fakeSolar{err: fmt.Errorf("login: %w", sems.ErrAuthFailure)}
	svc := newTestService(st)

	sched := New(testConfig(), power, solar, st, nil, svc)
	runFor(t, sched, 60*time.Millisecond)

	totals := svc.GetTotals()
	if !totals.SolarDegraded {
		t.Fatal("auth failure must flag solar metrics degraded")
	}
	if totals.PowerDegraded {
		t.Fatal("auth failure on solar must not degrade power metrics")
	}
	if st.Len(store.KindPower) == 0 {
		t.Fatal("power ingestion must continue through solar auth failure")
	}
}

func TestSolarRecoveryClearsDegraded(t *testing.T) {
	st := store.NewMemoryStore()
	power := &fakePower{watts: 120}
	month := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	solar := &fakeSolar{samples: []sems.GenerationSample{{TS: month, KWh: 25, StationID: "station-1"}}}
	svc := newTestService(st)
	svc.SetSolarDegraded(true)

	sched := New(testConfig(), power, solar, st, nil, svc)
	runFor(t, sched, 60*time.Millisecond)

	if svc.GetTotals().SolarDegraded {
		t.Fatal("successful fetch must clear the solar degraded flag")
	}
	if st.Len(store.KindSolar) != 1 {
		t.Fatalf("repeated ingestion of the same bucket must stay deduplicated, got %d", st.Len(store.KindSolar))
	}
}

func TestPowerOutageFlagsDegradedFromLastKnown(t *testing.T) {
	st := store.NewMemoryStore()
	power := &fakePower{watts: 120}
	solar := &fakeSolar{err: fmt.Errorf("portal down: %w", sems.ErrSourceUnavailable)}
	svc := newTestService(st)

	sched := New(testConfig(), power, solar, st, nil, svc)

	// Healthy run establishes a last-known reading, then the endpoint dies.
	runFor(t, sched, 30*time.Millisecond)
	if svc.GetRolling24h().PowerDegraded {
		t.Fatal("healthy ticks must not flag power degraded")
	}

	power.fail.Store(true)
	before := st.Len(store.KindPower)
	runFor(t, sched, 30*time.Millisecond)

	if !svc.GetRolling24h().PowerDegraded {
		t.Fatal("outage with a retained reading must flag power degraded")
	}
	if st.Len(store.KindPower) != before {
		t.Fatal("failed ticks must not append samples")
	}
}

func TestBackfillRunsOnColdStartOnly(t *testing.T) {
	st := store.NewMemoryStore()
	power := &fakePower{watts: 120}
	month := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	solar := &fakeSolar{samples: []sems.GenerationSample{{TS: month, KWh: 30, StationID: "station-1"}}}

	cfg := testConfig()
	cfg.BackfillMonths = 11

	// Warm store: backfill must be skipped.
	st.Append(store.KindSolar, store.Sample{TS: month, Value: 29})
	sched := New(cfg, power, solar, st, nil, newTestService(st))
	runFor(t, sched, 30*time.Millisecond)

	if st.Len(store.KindSolar) != 1 {
		t.Fatalf("warm start must not duplicate history, got %d samples", st.Len(store.KindSolar))
	}
}
