// Package telemetry exports collector health to Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts poll ticks by source and outcome.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solartally_polls_total",
			Help: "Poll ticks per source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// CurrentWatts holds the latest compute-node power reading.
	CurrentWatts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solartally_current_watts",
			Help: "Latest compute-node power draw in watts",
		},
	)

	// SolarMonthKWh holds the running generation of the current month.
	SolarMonthKWh = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solartally_solar_month_kwh",
			Help: "Generation of the in-progress calendar month in kWh",
		},
	)

	// BackfillChunksTotal counts backfill chunks per outcome.
	BackfillChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solartally_backfill_chunks_total",
			Help: "Cold-start backfill chunks per outcome",
		},
		[]string{"outcome"},
	)
)

// Outcome labels for PollsTotal and BackfillChunksTotal.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)
