package sems

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Sentinel errors surfaced by the client.
var (
	// ErrSourceUnavailable marks transient portal failures (network,
	// rate limiting, retry exhaustion).
	ErrSourceUnavailable = errors.New("sems: portal unavailable")
	// ErrAuthFailure marks rejected credentials after the retry ceiling.
	ErrAuthFailure = errors.New("sems: authentication failed")
	// ErrDataIntegrity marks malformed or unexpected response payloads.
	ErrDataIntegrity = errors.New("sems: malformed portal response")
)

// State describes the session lifecycle.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	loginPath = "/api/v2/common/crosslogin"
	chartPath = "/api/v2/Charts/GetChartByPlant"

	// Pre-auth Token header required by the portal.
	anonymousToken = `{"version":"v3.1","client":"ios","language":"en"}`

	// Chart line carrying monthly generation buckets.
	generationLabel = "Generation (kWh)"

	// Portal codes signalling an expired or invalidated session token.
	codeTokenInvalid = 100001
	codeTokenExpired = 100002

	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// GenerationSample is one monthly generation bucket for a station.
// TS is the start of the calendar month in the installation timezone.
type GenerationSample struct {
	TS        time.Time
	KWh       float64
	StationID string
}

// Client talks to the SEMSPortal API and owns the session token.
// It is safe for use from a single polling goroutine.
type Client struct {
	httpClient *http.Client
	baseURL    string
	account    string
	password   string
	loc        *time.Location

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu    sync.Mutex
	state State
	sess  session

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

type session struct {
	UID       string
	Token     string
	Timestamp int64
}

// New creates a portal client. Month buckets are anchored in loc.
func New(httpClient *http.Client, baseURL, account, password string, loc *time.Location) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		account:     account,
		password:    password,
		loc:         loc,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// State reports the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

type loginRequest struct {
	Account   string `json:"account"`
	Pwd       string `json:"pwd"`
	Agreement int    `json:"agreement_agreement"`
	IsLocal   bool   `json:"is_local"`
}

type loginResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		UID       string `json:"uid"`
		Token     string `json:"token"`
		Timestamp int64  `json:"timestamp"`
	} `json:"data"`
}

// Login authenticates and stores the session token. Rejections and
// transient failures are both retried with exponential backoff up to the
// attempt ceiling, then surfaced as ErrAuthFailure or ErrSourceUnavailable.
func (c *Client) Login(ctx context.Context) error {
	c.setState(StateAuthenticating)

	var lastErr error
	rejected := false

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
				c.setState(StateUnauthenticated)
				return err
			}
		}

		sess, err := c.doLogin(ctx)
		if err == nil {
			c.mu.Lock()
			c.sess = sess
			c.state = StateAuthenticated
			c.mu.Unlock()
			return nil
		}

		lastErr = err
		rejected = errors.Is(err, errRejected)
	}

	c.setState(StateUnauthenticated)
	if rejected {
		return fmt.Errorf("%w: %v", ErrAuthFailure, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrSourceUnavailable, lastErr)
}

// errRejected distinguishes credential rejection from transport failure
// inside the retry loop.
var errRejected = errors.New("credentials rejected")

func (c *Client) doLogin(ctx context.Context) (session, error) {
	body, err := json.Marshal(loginRequest{Account: c.account, Pwd: c.password})
	if err != nil {
		return session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", anonymousToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return session{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return session{}, fmt.Errorf("login: unexpected status %s", resp.Status)
	}

	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return session{}, fmt.Errorf("login: decode payload: %w", err)
	}
	if payload.Code != 0 || payload.Data.Token == "" {
		return session{}, fmt.Errorf("%w: code=%d msg=%q", errRejected, payload.Code, payload.Msg)
	}

	return session{
		UID:       payload.Data.UID,
		Token:     payload.Data.Token,
		Timestamp: payload.Data.Timestamp,
	}, nil
}

type chartRequest struct {
	ID           string `json:"id"`
	Date         string `json:"date"`
	Range        string `json:"range"` // "3" = trailing 12 months
	ChartIndexID string `json:"chartIndexId"`
	IsDetailFull string `json:"isDetailFull"`
}

type chartResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Lines []chartLine `json:"lines"`
	} `json:"data"`
}

type chartLine struct {
	Label string    `json:"label"`
	XY    []xyPoint `json:"xy"`
}

type xyPoint struct {
	X string      `json:"x"`
	Y json.Number `json:"y"`
}

// FetchGeneration returns monthly generation buckets whose month start
// falls in [from, to). An expired session is re-authenticated once and the
// failed request retried transparently before failure is surfaced.
func (c *Client) FetchGeneration(ctx context.Context, stationID string, from, to time.Time) ([]GenerationSample, error) {
	if c.State() != StateAuthenticated {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	payload, err := c.fetchChart(ctx, stationID, to)
	if err != nil {
		return nil, err
	}

	samples, err := c.extractGeneration(payload, stationID, from, to)
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// fetchChart posts the chart request with transient-error backoff and a
// single transparent re-login on token expiry.
func (c *Client) fetchChart(ctx context.Context, stationID string, date time.Time) (*chartResponse, error) {
	reloggedIn := false
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}

		payload, err := c.doChartRequest(ctx, stationID, date)
		if err == nil {
			if payload.Code == codeTokenInvalid || payload.Code == codeTokenExpired {
				c.setState(StateExpired)
				if reloggedIn {
					return nil, fmt.Errorf("%w: token rejected after re-login", ErrAuthFailure)
				}
				reloggedIn = true
				if err := c.Login(ctx); err != nil {
					return nil, err
				}
				// Retry the failed request once with the fresh token.
				attempt--
				continue
			}
			if payload.Code != 0 {
				return nil, fmt.Errorf("%w: code=%d msg=%q", ErrDataIntegrity, payload.Code, payload.Msg)
			}
			return payload, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, lastErr)
}

func (c *Client) doChartRequest(ctx context.Context, stationID string, date time.Time) (*chartResponse, error) {
	body, err := json.Marshal(chartRequest{
		ID:           stationID,
		Date:         date.In(c.loc).Format("2006-01-02"),
		Range:        "3",
		ChartIndexID: "3",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chartPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", c.sessionToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chart request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("chart request: rate limited (%s)", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chart request: unexpected status %s", resp.Status)
	}

	var payload chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("chart request: decode payload: %w", err)
	}
	return &payload, nil
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	token, _ := json.Marshal(map[string]any{
		"uid":       sess.UID,
		"timestamp": sess.Timestamp,
		"token":     sess.Token,
		"client":    "ios",
		"version":   "v3.1",
		"language":  "en",
	})
	return string(token)
}

func (c *Client) extractGeneration(payload *chartResponse, stationID string, from, to time.Time) ([]GenerationSample, error) {
	var line *chartLine
	for i := range payload.Data.Lines {
		if payload.Data.Lines[i].Label == generationLabel {
			line = &payload.Data.Lines[i]
			break
		}
	}
	if line == nil {
		return nil, fmt.Errorf("%w: no %q line", ErrDataIntegrity, generationLabel)
	}

	samples := make([]GenerationSample, 0, len(line.XY))
	for _, pt := range line.XY {
		month, err := time.ParseInLocation("2006-01", pt.X, c.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: bad month key %q", ErrDataIntegrity, pt.X)
		}
		kwh, err := pt.Y.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: bad value %q for %s", ErrDataIntegrity, pt.Y.String(), pt.X)
		}
		if month.Before(from) || !month.Before(to) {
			continue
		}
		samples = append(samples, GenerationSample{TS: month, KWh: kwh, StationID: stationID})
	}
	return samples, nil
}

// Backfill fetches up to months of history in independent per-month
// chunks, handing each chunk to ingest as soon as it parses. A failed
// chunk does not discard months already ingested.
func (c *Client) Backfill(ctx context.Context, stationID string, months int, ingest func(context.Context, []GenerationSample) error) error {
	now := c.now().In(c.loc)
	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, c.loc)

	var errs []error
	for i := months; i >= 1; i-- {
		monthStart := currentMonth.AddDate(0, -i, 0)
		monthEnd := monthStart.AddDate(0, 1, 0)

		samples, err := c.FetchGeneration(ctx, stationID, monthStart, monthEnd)
		if err != nil {
			errs = append(errs, fmt.Errorf("backfill %s: %w", monthStart.Format("2006-01"), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(samples) == 0 {
			continue
		}
		if err := ingest(ctx, samples); err != nil {
			errs = append(errs, fmt.Errorf("ingest %s: %w", monthStart.Format("2006-01"), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay || d <= 0 {
		d = c.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
