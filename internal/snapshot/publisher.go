// Package snapshot renders the dashboard document and publishes it for
// external front-ends: atomically to a JSON file and, when configured,
// to Redis with a TTL.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mvilla/solartally/internal/metrics"
)

const (
	redisKey = "solartally:snapshot"
	redisTTL = 10 * time.Minute
)

// Publisher periodically writes the current metrics snapshot.
type Publisher struct {
	svc      *metrics.Service
	path     string
	rdb      *redis.Client
	interval time.Duration
}

// New builds a publisher. path and rdb are each optional; with neither
// set the publisher is inert.
func New(svc *metrics.Service, path string, rdb *redis.Client, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Publisher{svc: svc, path: path, rdb: rdb, interval: interval}
}

// Enabled reports whether any publishing target is configured.
func (p *Publisher) Enabled() bool {
	return p.path != "" || p.rdb != nil
}

// Run publishes on a fixed cadence until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	if !p.Enabled() {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Publish(ctx); err != nil {
			log.Printf("snapshot publish: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Publish renders and writes the snapshot once.
func (p *Publisher) Publish(ctx context.Context) error {
	snap := p.svc.GetSnapshot()
	doc, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if p.path != "" {
		if err := writeAtomic(p.path, doc); err != nil {
			return fmt.Errorf("write %s: %w", p.path, err)
		}
	}

	if p.rdb != nil {
		if err := p.rdb.Set(ctx, redisKey, doc, redisTTL).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

// writeAtomic writes via a temp file and rename so readers never observe
// a partial document.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
