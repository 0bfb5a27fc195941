// Package queue provides the durable job queue driving run execution.
// Jobs carry dependency edges so per-domain stages chain without a
// central scheduler.
package queue

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job statuses. succeeded, dead, and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusSucceeded Status = "succeeded"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDead, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job type names.
const (
	TypeAutodiscovery = "autodiscovery"
	TypeGenerate      = "generate"
	TypeVerifyDomain  = "verify_domain"
	TypeProbeEmail    = "probe_email"
	TypeDomainDone    = "domain_done"
	TypeFinalizeRun   = "finalize_run"
)

// Job is one unit of queued work.
type Job struct {
	ID             string
	Queue          string
	Type           string
	RunID          string
	TenantID       string
	Payload        []byte
	Status         Status
	Attempts       int
	MaxAttempts    int
	DependsOn      []string
	NotBefore      time.Time
	LeaseExpiresAt *time.Time
	WorkerID       string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Queue is the job store contract. A job becomes reservable once its
// not_before has passed and every dependency is terminal; dependents
// decide for themselves what a dead dependency means.
type Queue interface {
	// Enqueue persists jobs atomically. Missing IDs are assigned; a
	// job whose ID already exists is left untouched, so callers may
	// use deterministic IDs for exactly-once markers.
	Enqueue(ctx context.Context, jobs ...*Job) error
	// Reserve leases the oldest eligible job on one of the queues.
	// It returns pipeline.ErrNotFound when nothing is eligible.
	Reserve(ctx context.Context, queues []string, workerID string, lease time.Duration) (*Job, error)
	// Heartbeat extends the caller's lease on a job it holds.
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error
	// Complete marks a held job succeeded.
	Complete(ctx context.Context, jobID, workerID string) error
	// Fail records a failure. Retryable failures reschedule after
	// retryIn until attempts are exhausted; the rest go to the DLQ.
	Fail(ctx context.Context, jobID, workerID string, jobErr error, retryIn time.Duration) error
	// Depth counts pending jobs on a queue.
	Depth(ctx context.Context, queue string) (int, error)
	// DeadLetters lists dead jobs, newest first.
	DeadLetters(ctx context.Context, limit int) ([]*Job, error)
	// Requeue resurrects a dead job with a fresh attempt budget.
	Requeue(ctx context.Context, jobID string) error
	// RecoverExpired returns leases whose holder stopped heartbeating
	// to pending. Each expiry burns an attempt; jobs that exhaust
	// theirs go to the DLQ and are returned so the caller can account
	// for them.
	RecoverExpired(ctx context.Context) (int, []*Job, error)
	// CancelRun cancels every pending job of a run. Leased jobs finish
	// on their own.
	CancelRun(ctx context.Context, runID string) (int, error)
}
