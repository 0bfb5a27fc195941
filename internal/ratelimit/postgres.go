package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool the Postgres KV needs. pgxmock
// satisfies it in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresKV stores counters in the rate_counters table. A single upsert
// performs increment, expiry reset, and TTL bump atomically so concurrent
// workers never double-count.
type PostgresKV struct {
	db Querier
}

// NewPostgresKV returns a KV backed by the given pool or mock.
func NewPostgresKV(db Querier) *PostgresKV {
	return &PostgresKV{db: db}
}

const incrSQL = `
INSERT INTO rate_counters (key, value, expires_at)
VALUES ($1, 1, now() + make_interval(secs => $2))
ON CONFLICT (key) DO UPDATE SET
    value = CASE WHEN rate_counters.expires_at <= now() THEN 1 ELSE rate_counters.value + 1 END,
    expires_at = CASE WHEN rate_counters.expires_at <= now() THEN now() + make_interval(secs => $2) ELSE rate_counters.expires_at END
RETURNING value`

// IncrWithTTL implements KV.
func (p *PostgresKV) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var value int64
	if err := p.db.QueryRow(ctx, incrSQL, key, ttl.Seconds()).Scan(&value); err != nil {
		return 0, fmt.Errorf("incrementing counter %q: %w", key, err)
	}
	return value, nil
}

const decrSQL = `
UPDATE rate_counters
SET value = GREATEST(value - 1, 0)
WHERE key = $1 AND expires_at > now()`

// Decr implements KV.
func (p *PostgresKV) Decr(ctx context.Context, key string) error {
	if _, err := p.db.Exec(ctx, decrSQL, key); err != nil {
		return fmt.Errorf("decrementing counter %q: %w", key, err)
	}
	return nil
}
