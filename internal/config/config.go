package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPortalBaseURL    = "https://eu.semsportal.com"
	defaultMinerStatusURL   = "http://127.0.0.1:42000/2/summary"
	defaultRAPLEnergyPath   = "/sys/class/powercap/intel-rapl:0/energy_uj"
	defaultPowerInterval    = 30 * time.Second
	defaultSolarInterval    = 30 * time.Minute
	defaultRequestTimeout   = 30 * time.Second
	defaultMaxGap           = 10 * time.Minute
	defaultBackfillMonths   = 11
	defaultWattsPerHash     = 0.015
	defaultRollingMinSample = 10
	defaultSnapshotPath     = "monthly_stats.json"
	defaultSnapshotInterval = time.Minute
	defaultPort             = 8080
)

// Config holds runtime configuration for the collector and API.
type Config struct {
	// SEMSPortal credentials and station selection.
	Account   string
	Password  string
	StationID string

	// Installation metadata used for labelling and month boundaries.
	City        string
	Location    *time.Location
	PricePerKWh float64

	// Endpoints.
	PortalBaseURL  string
	MinerStatusURL string
	RAPLEnergyPath string
	GPUPowerPath   string

	// Polling cadences and limits.
	PowerInterval     time.Duration
	SolarInterval     time.Duration
	RequestTimeout    time.Duration
	MaxGap            time.Duration
	BackfillMonths    int
	WattsPerHash      float64
	RollingMinSamples int

	// Optional persistence and publishing.
	DatabaseURL      string
	RedisAddr        string
	SnapshotPath     string
	SnapshotInterval time.Duration

	Port int
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		PortalBaseURL:     defaultPortalBaseURL,
		MinerStatusURL:    defaultMinerStatusURL,
		RAPLEnergyPath:    defaultRAPLEnergyPath,
		PowerInterval:     defaultPowerInterval,
		SolarInterval:     defaultSolarInterval,
		RequestTimeout:    defaultRequestTimeout,
		MaxGap:            defaultMaxGap,
		BackfillMonths:    defaultBackfillMonths,
		WattsPerHash:      defaultWattsPerHash,
		RollingMinSamples: defaultRollingMinSample,
		SnapshotPath:      defaultSnapshotPath,
		SnapshotInterval:  defaultSnapshotInterval,
		Port:              defaultPort,
	}

	cfg.Account = strings.TrimSpace(os.Getenv("SEMS_ACCOUNT"))
	if cfg.Account == "" {
		return cfg, errors.New("SEMS_ACCOUNT is required")
	}

	cfg.Password = os.Getenv("SEMS_PASSWORD")
	if cfg.Password == "" {
		return cfg, errors.New("SEMS_PASSWORD is required")
	}

	cfg.StationID = strings.TrimSpace(os.Getenv("SEMS_STATION_ID"))
	if cfg.StationID == "" {
		return cfg, errors.New("SEMS_STATION_ID is required")
	}

	cfg.City = strings.TrimSpace(os.Getenv("INSTALL_CITY"))

	loc := time.Local
	if v := strings.TrimSpace(os.Getenv("INSTALL_TZ")); v != "" {
		parsed, err := time.LoadLocation(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid INSTALL_TZ: %w", err)
		}
		loc = parsed
	}
	cfg.Location = loc

	if v := strings.TrimSpace(os.Getenv("PRICE_PER_KWH")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return cfg, fmt.Errorf("invalid PRICE_PER_KWH: %q", v)
		}
		cfg.PricePerKWh = f
	} else {
		log.Printf("PRICE_PER_KWH not set; cost metrics will report 0.00")
	}

	if v := strings.TrimSpace(os.Getenv("SEMS_BASE_URL")); v != "" {
		cfg.PortalBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("MINER_STATUS_URL")); v != "" {
		cfg.MinerStatusURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RAPL_ENERGY_PATH")); v != "" {
		cfg.RAPLEnergyPath = v
	}
	cfg.GPUPowerPath = strings.TrimSpace(os.Getenv("GPU_POWER_PATH"))

	var err error
	if cfg.PowerInterval, err = durationEnv("POWER_INTERVAL", cfg.PowerInterval); err != nil {
		return cfg, err
	}
	if cfg.SolarInterval, err = durationEnv("SOLAR_INTERVAL", cfg.SolarInterval); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return cfg, err
	}
	if cfg.MaxGap, err = durationEnv("POWER_MAX_GAP", cfg.MaxGap); err != nil {
		return cfg, err
	}
	if cfg.SnapshotInterval, err = durationEnv("SNAPSHOT_INTERVAL", cfg.SnapshotInterval); err != nil {
		return cfg, err
	}

	if v := strings.TrimSpace(os.Getenv("BACKFILL_MONTHS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 11 {
			return cfg, fmt.Errorf("invalid BACKFILL_MONTHS: %q (0-11)", v)
		}
		cfg.BackfillMonths = n
	}

	if v := strings.TrimSpace(os.Getenv("WATTS_PER_HASH")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("invalid WATTS_PER_HASH: %q", v)
		}
		cfg.WattsPerHash = f
	}

	if v := strings.TrimSpace(os.Getenv("ROLLING_MIN_SAMPLES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid ROLLING_MIN_SAMPLES: %q", v)
		}
		cfg.RollingMinSamples = n
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	if v, ok := os.LookupEnv("SNAPSHOT_PATH"); ok {
		cfg.SnapshotPath = strings.TrimSpace(v)
	}

	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 {
			return cfg, fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Port = port
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
