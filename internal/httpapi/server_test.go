package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mvilla/solartally/internal/aggregate"
	"github.com/mvilla/solartally/internal/metrics"
	"github.com/mvilla/solartally/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	prev := aggregate.MonthOf(now, time.UTC).Prev()
	st.Append(store.KindSolar, store.Sample{TS: prev.Start(time.UTC), Value: 25})
	st.Append(store.KindPower, store.Sample{TS: now.Add(-time.Hour), Value: 100})
	st.Append(store.KindPower, store.Sample{TS: now.Add(-30 * time.Minute), Value: 100})

	eng := aggregate.New(st, aggregate.Options{PricePerKWh: 0.22, MaxGap: time.Hour})
	return New(":0", metrics.New(eng, 0.22, "Milan", "station-1"))
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestTotals(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/v1/totals")
	if rec.Code != http.StatusOK {
		t.Fatalf("totals status = %d, want 200", rec.Code)
	}
	var totals metrics.Totals
	if err := json.Unmarshal(rec.Body.Bytes(), &totals); err != nil {
		t.Fatalf("decode totals: %v", err)
	}
	if totals.GeneratedKWh != 25 {
		t.Fatalf("generated = %v, want 25", totals.GeneratedKWh)
	}
	if totals.StationID != "station-1" {
		t.Fatalf("station id = %q, want station-1", totals.StationID)
	}
}

func TestLastMonthCost(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/v1/month/last")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report metrics.MonthlyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if want := 25 * 0.22; report.CostValue != want {
		t.Fatalf("cost = %v, want %v", report.CostValue, want)
	}
}

func TestMonthByPath(t *testing.T) {
	s := newTestServer(t)
	prev := aggregate.MonthOf(time.Now().UTC(), time.UTC).Prev()

	rec := doGet(t, s, "/v1/month/"+prev.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report metrics.MonthlyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.SolarKWh != 25 {
		t.Fatalf("solar = %v, want 25", report.SolarKWh)
	}
}

func TestMonthRejectsMalformedPath(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/v1/month/not-a-month")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRolling(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/v1/rolling")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var rolling metrics.Rolling
	if err := json.Unmarshal(rec.Body.Bytes(), &rolling); err != nil {
		t.Fatalf("decode rolling: %v", err)
	}
	if rolling.Samples != 2 {
		t.Fatalf("samples = %d, want 2", rolling.Samples)
	}
	if rolling.AvgWatts != 100 {
		t.Fatalf("avg watts = %v, want 100", rolling.AvgWatts)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	rec := doGet(t, newTestServer(t), "/v1/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Totals.City != "Milan" {
		t.Fatalf("city = %q, want Milan", snap.Totals.City)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/totals", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
}
