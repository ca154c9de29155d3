package miner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrSourceUnavailable marks the workload status endpoint being
// unreachable or timing out. The scheduler skips the tick on it.
var ErrSourceUnavailable = errors.New("miner: status endpoint unavailable")

// PowerSample is one instantaneous power reading of the compute node.
// Degraded readings come from the hashrate estimate instead of energy
// counters and are lower precision.
type PowerSample struct {
	TS       time.Time
	Watts    float64
	Degraded bool
}

// powerStrategy converts the current workload state into watts.
type powerStrategy interface {
	// Watts returns the instantaneous draw and whether the value is a
	// degraded (estimated) reading.
	Watts(ctx context.Context, hashrate float64) (float64, bool, error)
	Name() string
}

// Sampler polls the local miner's status endpoint and derives watts via
// the selected power strategy.
type Sampler struct {
	httpClient *http.Client
	statusURL  string
	strategy   powerStrategy

	mu       sync.Mutex
	lastGood PowerSample
	hasLast  bool

	now func() time.Time
}

// Options selects the power-reading strategy and endpoints.
type Options struct {
	StatusURL    string
	RAPLPath     string // sysfs energy counter, requires elevated rights
	GPUPowerPath string // optional hwmon power file
	WattsPerHash float64
	Timeout      time.Duration
}

// NewSampler probes the energy counters once and picks the precise RAPL
// strategy when readable, falling back to the hashrate estimate.
func NewSampler(opts Options) *Sampler {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var strategy powerStrategy
	if r := newRAPLReader(opts.RAPLPath, opts.GPUPowerPath); r.available() {
		strategy = r
	} else {
		strategy = &hashrateEstimator{wattsPerHash: opts.WattsPerHash}
	}

	return &Sampler{
		httpClient: &http.Client{Timeout: timeout},
		statusURL:  opts.StatusURL,
		strategy:   strategy,
		now:        time.Now,
	}
}

// StrategyName reports which power strategy was selected at startup.
func (s *Sampler) StrategyName() string {
	return s.strategy.Name()
}

// minerSummary is the subset of the XMRig /2/summary payload we read.
type minerSummary struct {
	Hashrate struct {
		Total []*float64 `json:"total"`
	} `json:"hashrate"`
}

// Sample reads the workload status and derives an instantaneous power
// sample. Transient endpoint failures surface as ErrSourceUnavailable.
func (s *Sampler) Sample(ctx context.Context) (PowerSample, error) {
	hashrate, err := s.fetchHashrate(ctx)
	if err != nil {
		return PowerSample{}, err
	}

	watts, degraded, err := s.strategy.Watts(ctx, hashrate)
	if err != nil {
		return PowerSample{}, fmt.Errorf("read power: %w", err)
	}
	if watts < 0 {
		watts = 0
	}

	sample := PowerSample{TS: s.now().UTC(), Watts: watts, Degraded: degraded}

	s.mu.Lock()
	s.lastGood = sample
	s.hasLast = true
	s.mu.Unlock()

	return sample, nil
}

// LastKnown returns the most recent successful sample, used to serve
// reads while the source is transiently down.
func (s *Sampler) LastKnown() (PowerSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood, s.hasLast
}

func (s *Sampler) fetchHashrate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.statusURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: unexpected status %s", ErrSourceUnavailable, resp.Status)
	}

	var summary minerSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return 0, fmt.Errorf("decode miner summary: %w", err)
	}

	// First entry is the short-interval average; later entries may be null
	// right after startup.
	for _, v := range summary.Hashrate.Total {
		if v != nil {
			return *v, nil
		}
	}
	return 0, nil
}
