// Package scheduler drives the two polling cadences. The power and solar
// loops run independently so a slow or failing portal call never starves
// the local sampler, and neither blocks metric reads.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mvilla/solartally/internal/aggregate"
	"github.com/mvilla/solartally/internal/metrics"
	"github.com/mvilla/solartally/internal/miner"
	"github.com/mvilla/solartally/internal/sems"
	"github.com/mvilla/solartally/internal/store"
	"github.com/mvilla/solartally/internal/telemetry"
)

// PowerSource yields instantaneous power samples and remembers the most
// recent good reading for continuity while the source is down.
type PowerSource interface {
	Sample(ctx context.Context) (miner.PowerSample, error)
	LastKnown() (miner.PowerSample, bool)
}

// SolarSource yields generation buckets from the inverter portal.
type SolarSource interface {
	FetchGeneration(ctx context.Context, stationID string, from, to time.Time) ([]sems.GenerationSample, error)
	Backfill(ctx context.Context, stationID string, months int, ingest func(context.Context, []sems.GenerationSample) error) error
}

// Archiver persists ingested samples; it may be absent.
type Archiver interface {
	UpsertSamples(ctx context.Context, kind store.Kind, samples []store.Sample) error
}

// Config holds the cadences and portal selection for a Scheduler.
type Config struct {
	StationID      string
	Location       *time.Location
	PowerInterval  time.Duration
	SolarInterval  time.Duration
	RequestTimeout time.Duration
	BackfillMonths int
}

// Scheduler owns the polling loops and ingestion into the store.
type Scheduler struct {
	cfg     Config
	power   PowerSource
	solar   SolarSource
	store   *store.MemoryStore
	archive Archiver
	svc     *metrics.Service
}

// New wires a scheduler; archive may be nil.
func New(cfg Config, power PowerSource, solar SolarSource, st *store.MemoryStore, archive Archiver, svc *metrics.Service) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{cfg: cfg, power: power, solar: solar, store: st, archive: archive, svc: svc}
}

// Run blocks until ctx is cancelled. In-flight requests inherit ctx and
// abort within the request timeout on shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.powerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.solarLoop(ctx)
	}()
	wg.Wait()
}

func (s *Scheduler) powerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PowerInterval)
	defer ticker.Stop()

	for {
		s.powerTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) powerTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	sample, err := s.power.Sample(tickCtx)
	if err != nil {
		if errors.Is(err, miner.ErrSourceUnavailable) {
			telemetry.PollsTotal.WithLabelValues("power", telemetry.OutcomeSkipped).Inc()
			log.Printf("power tick skipped: %v", err)
		} else {
			telemetry.PollsTotal.WithLabelValues("power", telemetry.OutcomeError).Inc()
			log.Printf("power tick failed: %v", err)
		}
		// Keep serving the last good reading while the source is down; the
		// degraded flag tells readers the figure is stale.
		if last, ok := s.power.LastKnown(); ok {
			s.svc.SetPowerDegraded(true)
			telemetry.CurrentWatts.Set(last.Watts)
		}
		return
	}

	s.store.Append(store.KindPower, store.Sample{TS: sample.TS, Value: sample.Watts})
	s.svc.SetPowerDegraded(sample.Degraded)
	telemetry.PollsTotal.WithLabelValues("power", telemetry.OutcomeOK).Inc()
	telemetry.CurrentWatts.Set(sample.Watts)

	if s.archive != nil {
		if err := s.archive.UpsertSamples(tickCtx, store.KindPower, []store.Sample{{TS: sample.TS, Value: sample.Watts}}); err != nil {
			log.Printf("archive power sample: %v", err)
		}
	}
}

func (s *Scheduler) solarLoop(ctx context.Context) {
	if s.cfg.BackfillMonths > 0 && s.store.Len(store.KindSolar) == 0 {
		s.backfill(ctx)
	}

	ticker := time.NewTicker(s.cfg.SolarInterval)
	defer ticker.Stop()

	for {
		s.solarTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// backfill preloads up to the portal's history window so monthly averages
// are meaningful immediately. Each month chunk is ingested independently.
func (s *Scheduler) backfill(ctx context.Context) {
	log.Printf("cold start: backfilling %d months of generation history", s.cfg.BackfillMonths)
	err := s.solar.Backfill(ctx, s.cfg.StationID, s.cfg.BackfillMonths, func(ctx context.Context, samples []sems.GenerationSample) error {
		s.ingestSolar(ctx, samples)
		telemetry.BackfillChunksTotal.WithLabelValues(telemetry.OutcomeOK).Inc()
		return nil
	})
	if err != nil {
		telemetry.BackfillChunksTotal.WithLabelValues(telemetry.OutcomeError).Inc()
		log.Printf("backfill incomplete: %v", err)
		if errors.Is(err, sems.ErrAuthFailure) {
			s.svc.SetSolarDegraded(true)
		}
		return
	}
	log.Printf("backfill complete: %d solar samples stored", s.store.Len(store.KindSolar))
}

// solarTick refreshes the previous and in-progress month buckets; the
// portal revises both as readings settle.
func (s *Scheduler) solarTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	current := aggregate.MonthOf(time.Now(), s.cfg.Location)
	from := current.Prev().Start(s.cfg.Location)
	to := current.Next().Start(s.cfg.Location)

	samples, err := s.solar.FetchGeneration(tickCtx, s.cfg.StationID, from, to)
	if err != nil {
		switch {
		case errors.Is(err, sems.ErrAuthFailure):
			telemetry.PollsTotal.WithLabelValues("solar", telemetry.OutcomeError).Inc()
			s.svc.SetSolarDegraded(true)
			log.Printf("solar auth failed, serving stale data: %v", err)
		case errors.Is(err, sems.ErrSourceUnavailable):
			telemetry.PollsTotal.WithLabelValues("solar", telemetry.OutcomeSkipped).Inc()
			log.Printf("solar tick skipped: %v", err)
		default:
			telemetry.PollsTotal.WithLabelValues("solar", telemetry.OutcomeError).Inc()
			log.Printf("solar tick failed: %v", err)
		}
		return
	}

	s.ingestSolar(tickCtx, samples)
	s.svc.SetSolarDegraded(false)
	telemetry.PollsTotal.WithLabelValues("solar", telemetry.OutcomeOK).Inc()

	for _, gs := range samples {
		if aggregate.MonthOf(gs.TS, s.cfg.Location) == current {
			telemetry.SolarMonthKWh.Set(gs.KWh)
		}
	}
}

func (s *Scheduler) ingestSolar(ctx context.Context, generation []sems.GenerationSample) {
	if len(generation) == 0 {
		return
	}
	samples := make([]store.Sample, 0, len(generation))
	for _, gs := range generation {
		samples = append(samples, store.Sample{TS: gs.TS, Value: gs.KWh})
	}
	s.store.AppendBatch(store.KindSolar, samples)

	if s.archive != nil {
		if err := s.archive.UpsertSamples(ctx, store.KindSolar, samples); err != nil {
			log.Printf("archive solar samples: %v", err)
		}
	}
}
