package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mvilla/solartally/internal/aggregate"
	"github.com/mvilla/solartally/internal/metrics"
	"github.com/mvilla/solartally/internal/store"
)

func newTestService(t *testing.T) *metrics.Service {
	t.Helper()
	st := store.NewMemoryStore()
	st.Append(store.KindSolar, store.Sample{TS: time.Now().UTC().AddDate(0, -1, 0), Value: 42})
	eng := aggregate.New(st, aggregate.Options{PricePerKWh: 0.22, MaxGap: 15 * time.Minute})
	return metrics.New(eng, 0.22, "Milan", "station-1")
}

func TestPublishWritesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monthly_stats.json")
	p := New(newTestService(t), path, nil, time.Minute)

	if err := p.Publish(context.Background()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot is not valid json: %v", err)
	}
	if snap.Totals.StationID != "station-1" {
		t.Fatalf("station id = %q, want station-1", snap.Totals.StationID)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot file, found %d entries", len(entries))
	}
}

func TestPublishOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monthly_stats.json")
	p := New(newTestService(t), path, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if err := p.Publish(context.Background()); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
}

func TestDisabledPublisherRunReturns(t *testing.T) {
	p := New(newTestService(t), "", nil, time.Minute)
	if p.Enabled() {
		t.Fatal("publisher with no targets reports enabled")
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for an inert publisher")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	p := New(newTestService(t), filepath.Join(dir, "s.json"), nil, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
