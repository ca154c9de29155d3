package miner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func summaryServer(t *testing.T, hashrate float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"hashrate":{"total":[%g,null,null]}}`, hashrate)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSampleEstimatorFallback(t *testing.T) {
	srv := summaryServer(t, 5000)

	s := NewSampler(Options{
		StatusURL:    srv.URL,
		RAPLPath:     filepath.Join(t.TempDir(), "missing_energy_uj"),
		WattsPerHash: 0.015,
	})
	if s.StrategyName() != "estimate" {
		t.Fatalf("expected estimate strategy without readable counters, got %s", s.StrategyName())
	}

	sample, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}
	if !sample.Degraded {
		t.Fatal("estimated readings must be flagged degraded")
	}
	if math.Abs(sample.Watts-75.0) > 1e-9 {
		t.Fatalf("watts = %v, want 5000*0.015 = 75", sample.Watts)
	}
}

func TestSampleRAPLStrategy(t *testing.T) {
	srv := summaryServer(t, 5000)

	dir := t.TempDir()
	energyPath := filepath.Join(dir, "energy_uj")
	if err := os.WriteFile(energyPath, []byte("1000000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSampler(Options{StatusURL: srv.URL, RAPLPath: energyPath})
	if s.StrategyName() != "rapl" {
		t.Fatalf("expected rapl strategy with readable counter, got %s", s.StrategyName())
	}

	// Stub the measurement window: advance the counter by 80 J during it.
	r := s.strategy.(*raplReader)
	r.sleep = func(context.Context, time.Duration) error {
		return os.WriteFile(energyPath, []byte("81000000\n"), 0o644)
	}

	sample, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}
	if sample.Degraded {
		t.Fatal("counter-based readings must not be flagged degraded")
	}
	if math.Abs(sample.Watts-80.0) > 1e-9 {
		t.Fatalf("watts = %v, want 80", sample.Watts)
	}
}

func TestRAPLCounterWrapDropsReading(t *testing.T) {
	dir := t.TempDir()
	energyPath := filepath.Join(dir, "energy_uj")
	if err := os.WriteFile(energyPath, []byte("5000000"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newRAPLReader(energyPath, "")
	r.sleep = func(context.Context, time.Duration) error {
		return os.WriteFile(energyPath, []byte("100"), 0o644)
	}

	if _, _, err := r.Watts(context.Background(), 0); err == nil {
		t.Fatal("wrapped counter must error instead of producing negative watts")
	}
}

func TestRAPLIncludesGPUPower(t *testing.T) {
	dir := t.TempDir()
	energyPath := filepath.Join(dir, "energy_uj")
	gpuPath := filepath.Join(dir, "power1_average")
	if err := os.WriteFile(energyPath, []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(gpuPath, []byte("42000000"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newRAPLReader(energyPath, gpuPath)
	r.sleep = func(context.Context, time.Duration) error {
		return os.WriteFile(energyPath, []byte("10000000"), 0o644)
	}

	watts, _, err := r.Watts(context.Background(), 0)
	if err != nil {
		t.Fatalf("watts failed: %v", err)
	}
	if math.Abs(watts-52.0) > 1e-9 {
		t.Fatalf("watts = %v, want 10 (cpu) + 42 (gpu)", watts)
	}
}

func TestSampleSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close() // connection refused from here on

	s := NewSampler(Options{StatusURL: url, WattsPerHash: 0.015})
	_, err := s.Sample(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}

	if _, ok := s.LastKnown(); ok {
		t.Fatal("no last-known sample should exist after pure failure")
	}
}

func TestLastKnownRetainedAcrossFailure(t *testing.T) {
	var fail bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"hashrate":{"total":[2000.0]}}`)
	}))
	t.Cleanup(srv.Close)

	s := NewSampler(Options{StatusURL: srv.URL, WattsPerHash: 0.015})
	first, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}

	fail = true
	if _, err := s.Sample(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}

	last, ok := s.LastKnown()
	if !ok || last.Watts != first.Watts {
		t.Fatalf("last-known sample lost: %+v ok=%v", last, ok)
	}
}
