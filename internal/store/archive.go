package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Archive persists samples to Postgres so history survives restarts.
// The in-memory store stays authoritative for reads; the archive is
// write-through at ingest time and read once at startup.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive connects a pgx pool and ensures the samples table exists.
func NewArchive(ctx context.Context, databaseURL string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	a := &Archive{pool: pool}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the pool resources.
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS samples (
    kind  text             NOT NULL,
    ts    timestamptz      NOT NULL,
    value double precision NOT NULL,
    ingested_at timestamptz NOT NULL DEFAULT NOW(),
    PRIMARY KEY (kind, ts)
)`

func (a *Archive) ensureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, createTableSQL)
	return err
}

const upsertSampleSQL = `
INSERT INTO samples (kind, ts, value, ingested_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (kind, ts) DO UPDATE
SET value = EXCLUDED.value,
    ingested_at = NOW()`

// UpsertSamples writes samples with idempotent (kind, ts) semantics.
func (a *Archive) UpsertSamples(ctx context.Context, kind Kind, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range samples {
		batch.Queue(upsertSampleSQL, string(kind), s.TS.UTC(), s.Value)
	}

	res := a.pool.SendBatch(ctx, batch)
	defer res.Close()

	for range samples {
		if _, err := res.Exec(); err != nil {
			return err
		}
	}
	return nil
}

const loadSinceSQL = `
SELECT ts, value
FROM samples
WHERE kind = $1 AND ts >= $2
ORDER BY ts`

// LoadSince returns archived samples of the kind from the given instant on.
func (a *Archive) LoadSince(ctx context.Context, kind Kind, from time.Time) ([]Sample, error) {
	rows, err := a.pool.Query(ctx, loadSinceSQL, string(kind), from.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]Sample, 0)
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.TS, &s.Value); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
