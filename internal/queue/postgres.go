package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// Querier is the subset of pgxpool.Pool the Postgres queue needs.
// pgxmock satisfies it in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the durable Queue over a jobs table. Reservation uses
// FOR UPDATE SKIP LOCKED so many workers can poll the same queues
// without contending.
type Postgres struct {
	db Querier
}

// NewPostgres returns a Queue backed by the given pool or mock.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

const jobColumns = `id, queue, type, run_id, tenant_id, payload, status, attempts, max_attempts,
	depends_on, not_before, lease_expires_at, worker_id, last_error, created_at, updated_at`

const enqueueSQL = `
INSERT INTO jobs (id, queue, type, run_id, tenant_id, payload, status, attempts, max_attempts, depends_on, not_before)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, COALESCE($9, now()))
ON CONFLICT (id) DO NOTHING`

// Enqueue implements Queue.
func (p *Postgres) Enqueue(ctx context.Context, jobs ...*Job) error {
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.NewString()
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = 5
		}
		var notBefore *time.Time
		if !j.NotBefore.IsZero() {
			notBefore = &j.NotBefore
		}
		deps := j.DependsOn
		if deps == nil {
			deps = []string{}
		}
		if _, err := p.db.Exec(ctx, enqueueSQL,
			j.ID, j.Queue, j.Type, j.RunID, j.TenantID, j.Payload,
			j.MaxAttempts, deps, notBefore,
		); err != nil {
			return fmt.Errorf("enqueueing %s job %s: %w", j.Type, j.ID, err)
		}
	}
	return nil
}

const reserveSQL = `
UPDATE jobs SET
    status = 'leased',
    worker_id = $2,
    lease_expires_at = now() + make_interval(secs => $3),
    updated_at = now()
WHERE id = (
    SELECT j.id FROM jobs j
    WHERE j.queue = ANY($1)
      AND j.status = 'pending'
      AND j.not_before <= now()
      AND NOT EXISTS (
          SELECT 1 FROM jobs d
          WHERE d.id = ANY(j.depends_on)
            AND d.status NOT IN ('succeeded', 'dead', 'cancelled')
      )
    ORDER BY j.created_at, j.id
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns

// Reserve implements Queue.
func (p *Postgres) Reserve(ctx context.Context, queues []string, workerID string, lease time.Duration) (*Job, error) {
	row := p.db.QueryRow(ctx, reserveSQL, queues, workerID, lease.Seconds())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("reserving job: %w", err)
	}
	return j, nil
}

const heartbeatSQL = `
UPDATE jobs SET lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
WHERE id = $1 AND worker_id = $2 AND status = 'leased'`

// Heartbeat implements Queue.
func (p *Postgres) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	tag, err := p.db.Exec(ctx, heartbeatSQL, jobID, workerID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("heartbeating job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

const completeSQL = `
UPDATE jobs SET status = 'succeeded', worker_id = '', lease_expires_at = NULL, updated_at = now()
WHERE id = $1 AND worker_id = $2 AND status = 'leased'`

// Complete implements Queue.
func (p *Postgres) Complete(ctx context.Context, jobID, workerID string) error {
	tag, err := p.db.Exec(ctx, completeSQL, jobID, workerID)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

const failSQL = `
UPDATE jobs SET
    attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts OR NOT $3 THEN 'dead' ELSE 'pending' END,
    not_before = now() + make_interval(secs => $4),
    last_error = $5,
    worker_id = '',
    lease_expires_at = NULL,
    updated_at = now()
WHERE id = $1 AND worker_id = $2 AND status = 'leased'`

// Fail implements Queue.
func (p *Postgres) Fail(ctx context.Context, jobID, workerID string, jobErr error, retryIn time.Duration) error {
	retryable := jobErr == nil || pipeline.Retryable(jobErr)
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	tag, err := p.db.Exec(ctx, failSQL, jobID, workerID, retryable, retryIn.Seconds(), msg)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Depth implements Queue.
func (p *Postgres) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE queue = $1 AND status = 'pending'`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue %s: %w", queue, err)
	}
	return n, nil
}

// DeadLetters implements Queue.
func (p *Postgres) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'dead' ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}
	return out, nil
}

const requeueSQL = `
UPDATE jobs SET status = 'pending', attempts = 0, last_error = '', not_before = now(), updated_at = now()
WHERE id = $1 AND status = 'dead'`

// Requeue implements Queue.
func (p *Postgres) Requeue(ctx context.Context, jobID string) error {
	tag, err := p.db.Exec(ctx, requeueSQL, jobID)
	if err != nil {
		return fmt.Errorf("requeueing job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

const recoverSQL = `
UPDATE jobs SET
    attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'pending' END,
    last_error = 'lease expired',
    worker_id = '',
    lease_expires_at = NULL,
    updated_at = now()
WHERE status = 'leased' AND lease_expires_at < now()
RETURNING ` + jobColumns

// RecoverExpired implements Queue. An expired lease burns an attempt,
// so a job whose handler keeps wedging converges on the dead letter
// queue instead of recycling forever.
func (p *Postgres) RecoverExpired(ctx context.Context) (int, []*Job, error) {
	rows, err := p.db.Query(ctx, recoverSQL)
	if err != nil {
		return 0, nil, fmt.Errorf("recovering expired leases: %w", err)
	}
	defer rows.Close()

	recovered := 0
	var dead []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return 0, nil, fmt.Errorf("scanning recovered job: %w", err)
		}
		recovered++
		if j.Status == StatusDead {
			dead = append(dead, j)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterating recovered jobs: %w", err)
	}
	return recovered, dead, nil
}

const cancelRunSQL = `
UPDATE jobs SET status = 'cancelled', updated_at = now()
WHERE run_id = $1 AND status = 'pending'`

// CancelRun implements Queue.
func (p *Postgres) CancelRun(ctx context.Context, runID string) (int, error) {
	tag, err := p.db.Exec(ctx, cancelRunSQL, runID)
	if err != nil {
		return 0, fmt.Errorf("cancelling run %s jobs: %w", runID, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j         Job
		notBefore time.Time
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &j.RunID, &j.TenantID, &j.Payload,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.DependsOn, &notBefore,
		&j.LeaseExpiresAt, &j.WorkerID, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.NotBefore = notBefore
	return &j, nil
}
