// Package aggregate derives the reported metrics from stored samples.
// All calendar-month math runs in the configured installation timezone so
// month boundaries do not shift with the server timezone.
package aggregate

import (
	"time"

	"github.com/mvilla/solartally/internal/store"
)

// historyMonths bounds every trailing-history scan; the portal serves at
// most this many complete months back.
const historyMonths = 11

// meanMonthHours is the mean Gregorian month length used to express an
// average power rate as a monthly energy figure.
const meanMonthHours = 365.25 * 24 / 12

// SampleSource is the read interface the engine needs from the store.
type SampleSource interface {
	Query(kind store.Kind, from, to time.Time) []store.Sample
}

// Options configures the engine's windowing rules.
type Options struct {
	Location *time.Location
	// PricePerKWh converts previous-month generation to a currency value.
	PricePerKWh float64
	// MaxGap is the longest inter-sample gap integrated over; longer gaps
	// contribute zero energy instead of an extrapolated value.
	MaxGap time.Duration
	// MinRollingSamples marks the rolling average low-confidence below it.
	MinRollingSamples int
}

// Engine computes derived metrics on demand; it holds no mutable state.
type Engine struct {
	src        SampleSource
	loc        *time.Location
	price      float64
	maxGap     time.Duration
	minSamples int

	now func() time.Time
}

// New builds an engine over the sample source.
func New(src SampleSource, opts Options) *Engine {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	maxGap := opts.MaxGap
	if maxGap <= 0 {
		maxGap = 10 * time.Minute
	}
	return &Engine{
		src:        src,
		loc:        loc,
		price:      opts.PricePerKWh,
		maxGap:     maxGap,
		minSamples: opts.MinRollingSamples,
		now:        time.Now,
	}
}

// CurrentMonth returns the in-progress calendar month.
func (e *Engine) CurrentMonth() Month {
	return MonthOf(e.now(), e.loc)
}

// historyStart is the start of the oldest retained complete month.
// Anchoring at a month boundary keeps the deepest backfilled solar bucket,
// which is stamped at its month start, inside the window.
func (e *Engine) historyStart(now time.Time) time.Time {
	return MonthOf(now, e.loc).Start(e.loc).AddDate(0, -historyMonths, 0)
}

// TotalGeneratedKWh sums solar generation from the earliest available
// sample, bounded to the trailing history window, through now.
func (e *Engine) TotalGeneratedKWh() float64 {
	now := e.now()
	var total float64
	for _, s := range e.src.Query(store.KindSolar, e.historyStart(now), now.Add(time.Nanosecond)) {
		total += s.Value
	}
	return total
}

// AvgSolarPerMonthKWh averages generation over complete months only: the
// in-progress month is excluded from both numerator and denominator, and
// the denominator counts distinct complete months holding at least one
// sample. Returns the average and the month count.
func (e *Engine) AvgSolarPerMonthKWh() (float64, int) {
	now := e.now()
	currentStart := MonthOf(now, e.loc).Start(e.loc)

	byMonth := map[Month]float64{}
	for _, s := range e.src.Query(store.KindSolar, e.historyStart(now), currentStart) {
		byMonth[MonthOf(s.TS, e.loc)] += s.Value
	}
	if len(byMonth) == 0 {
		return 0, 0
	}

	var total float64
	for _, v := range byMonth {
		total += v
	}
	return total / float64(len(byMonth)), len(byMonth)
}

// PowerEnergyKWh integrates watts over [from, to) using the trapezoidal
// rule. Gaps longer than MaxGap contribute zero energy.
func (e *Engine) PowerEnergyKWh(from, to time.Time) float64 {
	samples := e.src.Query(store.KindPower, from, to)
	energy, _ := integrate(samples, e.maxGap)
	return energy
}

// TotalPowerKWh integrates the full trailing history window.
func (e *Engine) TotalPowerKWh() float64 {
	now := e.now()
	return e.PowerEnergyKWh(e.historyStart(now), now.Add(time.Nanosecond))
}

// AvgPowerPerMonthKWh expresses compute energy as an average monthly
// figure: integrated energy over covered wall-clock time gives a rate,
// scaled to the mean month length for comparability with the solar
// monthly average.
func (e *Engine) AvgPowerPerMonthKWh() float64 {
	now := e.now()
	samples := e.src.Query(store.KindPower, e.historyStart(now), now.Add(time.Nanosecond))
	energy, covered := integrate(samples, e.maxGap)
	if covered <= 0 {
		return 0
	}
	rateKW := energy / covered.Hours()
	return rateKW * meanMonthHours
}

// RollingStats is the trailing-24h power summary.
type RollingStats struct {
	AvgWatts      float64
	Samples       int
	LowConfidence bool
}

// Rolling24h averages watts over the trailing 24 hours. The window
// includes its lower bound and the current instant. A thin window is
// still reported, flagged low-confidence.
func (e *Engine) Rolling24h() RollingStats {
	now := e.now()
	samples := e.src.Query(store.KindPower, now.Add(-24*time.Hour), now.Add(time.Nanosecond))
	if len(samples) == 0 {
		return RollingStats{LowConfidence: true}
	}

	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return RollingStats{
		AvgWatts:      sum / float64(len(samples)),
		Samples:       len(samples),
		LowConfidence: len(samples) < e.minSamples,
	}
}

// MonthGeneratedKWh sums solar generation within the calendar month.
func (e *Engine) MonthGeneratedKWh(m Month) float64 {
	var total float64
	for _, s := range e.src.Query(store.KindSolar, m.Start(e.loc), m.Next().Start(e.loc)) {
		total += s.Value
	}
	return total
}

// MonthPowerKWh integrates compute energy within the calendar month.
func (e *Engine) MonthPowerKWh(m Month) float64 {
	return e.PowerEnergyKWh(m.Start(e.loc), m.Next().Start(e.loc))
}

// LastMonthCost values the previous month's generation at the configured
// price per kWh. This is the generation value in currency terms, not a
// consumption bill.
func (e *Engine) LastMonthCost() (Month, float64) {
	prev := e.CurrentMonth().Prev()
	return prev, e.MonthGeneratedKWh(prev) * e.price
}

// MonthTotals pairs both energy figures for one calendar month.
type MonthTotals struct {
	Month    Month
	SolarKWh float64
	PowerKWh float64
}

// Comparison holds the two most recent complete months for display.
type Comparison struct {
	Prev       MonthTotals
	BeforePrev MonthTotals
}

// MonthComparison returns totals for the previous month and the month
// before that, for both sources.
func (e *Engine) MonthComparison() Comparison {
	prev := e.CurrentMonth().Prev()
	before := prev.Prev()
	return Comparison{
		Prev: MonthTotals{
			Month:    prev,
			SolarKWh: e.MonthGeneratedKWh(prev),
			PowerKWh: e.MonthPowerKWh(prev),
		},
		BeforePrev: MonthTotals{
			Month:    before,
			SolarKWh: e.MonthGeneratedKWh(before),
			PowerKWh: e.MonthPowerKWh(before),
		},
	}
}

// integrate applies the trapezoidal rule over an ordered sample sequence,
// returning kWh and the wall-clock span actually covered. Segments longer
// than maxGap are excluded from both.
func integrate(samples []store.Sample, maxGap time.Duration) (float64, time.Duration) {
	var energy float64
	var covered time.Duration
	for i := 1; i < len(samples); i++ {
		dt := samples[i].TS.Sub(samples[i-1].TS)
		if dt <= 0 || dt > maxGap {
			continue
		}
		avgWatts := (samples[i].Value + samples[i-1].Value) / 2
		energy += avgWatts * dt.Hours() / 1000
		covered += dt
	}
	return energy, covered
}
