package miner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// raplReader derives watts from the CPU energy counter exposed at
// /sys/class/powercap/.../energy_uj, sampled twice over a short window.
// Reading it requires elevated rights, so availability is probed once at
// startup. An optional hwmon file adds instantaneous GPU power.
type raplReader struct {
	energyPath string
	gpuPath    string
	window     time.Duration

	sleep func(context.Context, time.Duration) error
}

func newRAPLReader(energyPath, gpuPath string) *raplReader {
	return &raplReader{
		energyPath: energyPath,
		gpuPath:    gpuPath,
		window:     time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func (r *raplReader) Name() string { return "rapl" }

func (r *raplReader) available() bool {
	if r.energyPath == "" {
		return false
	}
	_, err := readCounter(r.energyPath)
	return err == nil
}

// Watts ignores the hashrate; the counters measure the whole package.
func (r *raplReader) Watts(ctx context.Context, _ float64) (float64, bool, error) {
	e1, err := readCounter(r.energyPath)
	if err != nil {
		return 0, false, err
	}
	if err := r.sleep(ctx, r.window); err != nil {
		return 0, false, err
	}
	e2, err := readCounter(r.energyPath)
	if err != nil {
		return 0, false, err
	}
	if e2 < e1 {
		// Counter wrapped mid-window; drop the reading.
		return 0, false, fmt.Errorf("energy counter wrapped (%d -> %d)", e1, e2)
	}

	// uJ over the window -> joules/second.
	cpu := float64(e2-e1) / 1e6 / r.window.Seconds()
	return cpu + r.gpuWatts(), false, nil
}

// gpuWatts reads instantaneous hwmon power in uW; a missing file means
// no GPU and contributes zero.
func (r *raplReader) gpuWatts() float64 {
	if r.gpuPath == "" {
		return 0
	}
	v, err := readCounter(r.gpuPath)
	if err != nil {
		return 0
	}
	return float64(v) / 1e6
}

func readCounter(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// hashrateEstimator approximates draw as hashrate times a configured
// efficiency factor. Used when the energy counters are not readable;
// every reading it produces is flagged degraded.
type hashrateEstimator struct {
	wattsPerHash float64
}

func (e *hashrateEstimator) Name() string { return "estimate" }

func (e *hashrateEstimator) Watts(_ context.Context, hashrate float64) (float64, bool, error) {
	if hashrate < 0 {
		hashrate = 0
	}
	return hashrate * e.wattsPerHash, true, nil
}
