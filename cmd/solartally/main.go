package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mvilla/solartally/internal/aggregate"
	"github.com/mvilla/solartally/internal/config"
	"github.com/mvilla/solartally/internal/httpapi"
	"github.com/mvilla/solartally/internal/metrics"
	"github.com/mvilla/solartally/internal/miner"
	"github.com/mvilla/solartally/internal/scheduler"
	"github.com/mvilla/solartally/internal/sems"
	"github.com/mvilla/solartally/internal/snapshot"
	"github.com/mvilla/solartally/internal/store"
)

// warmLoadWindow bounds the archive restore on startup; anything older no
// longer contributes to the trailing-11-month aggregates.
const warmLoadWindow = 11

func main() {
	if err := run(); err != nil {
		log.Fatalf("solartally failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemoryStore()

	var archive *store.Archive
	if cfg.DatabaseURL != "" {
		archive, err = store.NewArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer archive.Close()

		if err := warmLoad(ctx, archive, st); err != nil {
			log.Printf("archive warm load: %v", err)
		}
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	solar := sems.New(httpClient, cfg.PortalBaseURL, cfg.Account, cfg.Password, cfg.Location)

	power := miner.NewSampler(miner.Options{
		StatusURL:    cfg.MinerStatusURL,
		RAPLPath:     cfg.RAPLEnergyPath,
		GPUPowerPath: cfg.GPUPowerPath,
		WattsPerHash: cfg.WattsPerHash,
		Timeout:      cfg.RequestTimeout,
	})
	log.Printf("power strategy: %s", power.StrategyName())

	engine := aggregate.New(st, aggregate.Options{
		Location:          cfg.Location,
		PricePerKWh:       cfg.PricePerKWh,
		MaxGap:            cfg.MaxGap,
		MinRollingSamples: cfg.RollingMinSamples,
	})
	svc := metrics.New(engine, cfg.PricePerKWh, cfg.City, cfg.StationID)

	sched := scheduler.New(scheduler.Config{
		StationID:      cfg.StationID,
		Location:       cfg.Location,
		PowerInterval:  cfg.PowerInterval,
		SolarInterval:  cfg.SolarInterval,
		RequestTimeout: cfg.RequestTimeout,
		BackfillMonths: cfg.BackfillMonths,
	}, power, solar, st, archiverOrNil(archive), svc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}
	pub := snapshot.New(svc, cfg.SnapshotPath, rdb, cfg.SnapshotInterval)
	if pub.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Run(ctx)
		}()
	}

	log.Printf("serving on %s (station=%s power=%s solar=%s)",
		cfg.ListenAddr(), cfg.StationID, cfg.PowerInterval, cfg.SolarInterval)
	err = httpapi.New(cfg.ListenAddr(), svc).Run(ctx)

	// Let the polling loops and snapshot writer drain before tearing down
	// the archive connection.
	stop()
	wg.Wait()
	return err
}

// archiverOrNil avoids handing the scheduler a typed nil interface.
func archiverOrNil(a *store.Archive) scheduler.Archiver {
	if a == nil {
		return nil
	}
	return a
}

// warmLoad restores archived samples so aggregates survive a restart.
func warmLoad(ctx context.Context, archive *store.Archive, st *store.MemoryStore) error {
	from := time.Now().UTC().AddDate(0, -warmLoadWindow, 0)
	for _, kind := range []store.Kind{store.KindPower, store.KindSolar} {
		samples, err := archive.LoadSince(ctx, kind, from)
		if err != nil {
			return err
		}
		st.AppendBatch(kind, samples)
		if len(samples) > 0 {
			log.Printf("restored %d %s samples from archive", len(samples), kind)
		}
	}
	return nil
}
