// Package metrics is the read-only facade consumed by the serving layer.
// It translates metric requests into aggregation queries and carries the
// per-source degraded flags, so a failing solar portal never hides the
// compute metrics and vice versa.
package metrics

import (
	"sync"

	"github.com/mvilla/solartally/internal/aggregate"
)

// Totals is the headline figures record.
type Totals struct {
	GeneratedKWh       float64 `json:"generated_kwh"`
	AvgSolarMonthKWh   float64 `json:"avg_solar_month_kwh"`
	SolarMonthsCounted int     `json:"solar_months_counted"`
	PowerKWh           float64 `json:"power_kwh"`
	AvgPowerMonthKWh   float64 `json:"avg_power_month_kwh"`

	City      string `json:"city,omitempty"`
	StationID string `json:"station_id"`

	SolarDegraded bool `json:"solar_degraded"`
	PowerDegraded bool `json:"power_degraded"`
}

// MonthlyReport summarizes one calendar month.
type MonthlyReport struct {
	Month    string  `json:"month"`
	SolarKWh float64 `json:"solar_kwh"`
	PowerKWh float64 `json:"power_kwh"`
	// CostValue is the generation valued at the configured price.
	CostValue float64 `json:"cost_value"`
}

// Rolling is the trailing-24h record.
type Rolling struct {
	AvgWatts      float64 `json:"avg_watts"`
	Samples       int     `json:"samples"`
	LowConfidence bool    `json:"low_confidence"`
	PowerDegraded bool    `json:"power_degraded"`
}

// MonthEntry is one side of the month-over-month comparison.
type MonthEntry struct {
	Month    string  `json:"month"`
	SolarKWh float64 `json:"solar_kwh"`
	PowerKWh float64 `json:"power_kwh"`
}

// Comparison pairs the two most recent complete months.
type Comparison struct {
	Prev       MonthEntry `json:"previous"`
	BeforePrev MonthEntry `json:"before_previous"`
}

// Service answers metric queries against the aggregation engine.
type Service struct {
	engine    *aggregate.Engine
	price     float64
	city      string
	stationID string

	mu            sync.RWMutex
	solarDegraded bool
	powerDegraded bool
}

// New builds the facade. price mirrors the engine's cost configuration so
// monthly reports can value arbitrary months.
func New(engine *aggregate.Engine, price float64, city, stationID string) *Service {
	return &Service{engine: engine, price: price, city: city, stationID: stationID}
}

// SetSolarDegraded flags solar metrics as served from stale data.
func (s *Service) SetSolarDegraded(v bool) {
	s.mu.Lock()
	s.solarDegraded = v
	s.mu.Unlock()
}

// SetPowerDegraded flags power metrics as estimated or stale.
func (s *Service) SetPowerDegraded(v bool) {
	s.mu.Lock()
	s.powerDegraded = v
	s.mu.Unlock()
}

func (s *Service) degraded() (solar, power bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.solarDegraded, s.powerDegraded
}

// GetTotals returns the headline figures.
func (s *Service) GetTotals() Totals {
	avgSolar, months := s.engine.AvgSolarPerMonthKWh()
	solarDeg, powerDeg := s.degraded()
	return Totals{
		GeneratedKWh:       s.engine.TotalGeneratedKWh(),
		AvgSolarMonthKWh:   avgSolar,
		SolarMonthsCounted: months,
		PowerKWh:           s.engine.TotalPowerKWh(),
		AvgPowerMonthKWh:   s.engine.AvgPowerPerMonthKWh(),
		City:               s.city,
		StationID:          s.stationID,
		SolarDegraded:      solarDeg,
		PowerDegraded:      powerDeg,
	}
}

// GetMonthly summarizes the requested calendar month.
func (s *Service) GetMonthly(m aggregate.Month) MonthlyReport {
	solar := s.engine.MonthGeneratedKWh(m)
	return MonthlyReport{
		Month:     m.String(),
		SolarKWh:  solar,
		PowerKWh:  s.engine.MonthPowerKWh(m),
		CostValue: solar * s.price,
	}
}

// GetThisMonth summarizes the in-progress month.
func (s *Service) GetThisMonth() MonthlyReport {
	return s.GetMonthly(s.engine.CurrentMonth())
}

// GetLastMonthCost reports the previous month's generation value.
func (s *Service) GetLastMonthCost() MonthlyReport {
	m, cost := s.engine.LastMonthCost()
	return MonthlyReport{
		Month:     m.String(),
		SolarKWh:  s.engine.MonthGeneratedKWh(m),
		PowerKWh:  s.engine.MonthPowerKWh(m),
		CostValue: cost,
	}
}

// GetRolling24h returns the trailing-24h power summary.
func (s *Service) GetRolling24h() Rolling {
	stats := s.engine.Rolling24h()
	_, powerDeg := s.degraded()
	return Rolling{
		AvgWatts:      stats.AvgWatts,
		Samples:       stats.Samples,
		LowConfidence: stats.LowConfidence,
		PowerDegraded: powerDeg,
	}
}

// GetComparison returns the month-over-month display pair.
func (s *Service) GetComparison() Comparison {
	cmp := s.engine.MonthComparison()
	return Comparison{
		Prev: MonthEntry{
			Month:    cmp.Prev.Month.String(),
			SolarKWh: cmp.Prev.SolarKWh,
			PowerKWh: cmp.Prev.PowerKWh,
		},
		BeforePrev: MonthEntry{
			Month:    cmp.BeforePrev.Month.String(),
			SolarKWh: cmp.BeforePrev.SolarKWh,
			PowerKWh: cmp.BeforePrev.PowerKWh,
		},
	}
}

// Snapshot is the full dashboard document, shaped like the monthly stats
// file the dashboard front-end reads.
type Snapshot struct {
	Totals     Totals        `json:"totals"`
	ThisMonth  MonthlyReport `json:"this_month"`
	LastMonth  MonthlyReport `json:"last_month"`
	Rolling24h Rolling       `json:"rolling_24h"`
	Comparison Comparison    `json:"comparison"`
}

// GetSnapshot assembles every record in one pass.
func (s *Service) GetSnapshot() Snapshot {
	return Snapshot{
		Totals:     s.GetTotals(),
		ThisMonth:  s.GetThisMonth(),
		LastMonth:  s.GetLastMonthCost(),
		Rolling24h: s.GetRolling24h(),
		Comparison: s.GetComparison(),
	}
}
