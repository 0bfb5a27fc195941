package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

// Memory is an in-process Queue for tests and single-node runs.
type Memory struct {
	clock clock.Clock

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemory returns an empty in-memory queue.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{clock: clk, jobs: make(map[string]*Job)}
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, jobs ...*Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.NewString()
		}
		if _, exists := m.jobs[j.ID]; exists {
			continue
		}
		if j.Status == "" {
			j.Status = StatusPending
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = 5
		}
		if j.NotBefore.IsZero() {
			j.NotBefore = now
		}
		j.CreatedAt = now
		j.UpdatedAt = now
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return nil
}

// Reserve implements Queue.
func (m *Memory) Reserve(_ context.Context, queues []string, workerID string, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	var eligible []*Job
	for _, j := range m.jobs {
		if _, ok := queueSet[j.Queue]; !ok {
			continue
		}
		if j.Status != StatusPending || j.NotBefore.After(now) {
			continue
		}
		if !m.depsTerminal(j) {
			continue
		}
		eligible = append(eligible, j)
	}
	if len(eligible) == 0 {
		return nil, pipeline.ErrNotFound
	}
	sort.Slice(eligible, func(i, k int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[k].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[k].CreatedAt)
		}
		return eligible[i].ID < eligible[k].ID
	})

	j := eligible[0]
	expires := now.Add(lease)
	j.Status = StatusLeased
	j.WorkerID = workerID
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// depsTerminal must be called with the mutex held.
func (m *Memory) depsTerminal(j *Job) bool {
	for _, dep := range j.DependsOn {
		d, ok := m.jobs[dep]
		if !ok {
			continue
		}
		if !d.Status.Terminal() {
			return false
		}
	}
	return true
}

// Heartbeat implements Queue.
func (m *Memory) Heartbeat(_ context.Context, jobID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != StatusLeased || j.WorkerID != workerID {
		return pipeline.ErrNotFound
	}
	expires := m.clock.Now().Add(lease)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = m.clock.Now()
	return nil
}

// Complete implements Queue.
func (m *Memory) Complete(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != StatusLeased || j.WorkerID != workerID {
		return pipeline.ErrNotFound
	}
	j.Status = StatusSucceeded
	j.WorkerID = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = m.clock.Now()
	return nil
}

// Fail implements Queue.
func (m *Memory) Fail(_ context.Context, jobID, workerID string, jobErr error, retryIn time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != StatusLeased || j.WorkerID != workerID {
		return pipeline.ErrNotFound
	}
	now := m.clock.Now()
	j.Attempts++
	j.WorkerID = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}

	if j.Attempts >= j.MaxAttempts || (jobErr != nil && !pipeline.Retryable(jobErr)) {
		j.Status = StatusDead
		return nil
	}
	j.Status = StatusPending
	j.NotBefore = now.Add(retryIn)
	return nil
}

// Depth implements Queue.
func (m *Memory) Depth(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Queue == queue && j.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// DeadLetters implements Queue.
func (m *Memory) DeadLetters(_ context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []*Job
	for _, j := range m.jobs {
		if j.Status == StatusDead {
			cp := *j
			dead = append(dead, &cp)
		}
	}
	sort.Slice(dead, func(i, k int) bool { return dead[i].UpdatedAt.After(dead[k].UpdatedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// Requeue implements Queue.
func (m *Memory) Requeue(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != StatusDead {
		return pipeline.ErrNotFound
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.LastError = ""
	j.NotBefore = m.clock.Now()
	j.UpdatedAt = m.clock.Now()
	return nil
}

// RecoverExpired implements Queue. An expired lease burns an attempt,
// so a job whose handler keeps wedging converges on the dead letter
// queue instead of recycling forever.
func (m *Memory) RecoverExpired(_ context.Context) (int, []*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	recovered := 0
	var dead []*Job
	for _, j := range m.jobs {
		if j.Status == StatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			j.Attempts++
			if j.Attempts >= j.MaxAttempts {
				j.Status = StatusDead
			} else {
				j.Status = StatusPending
			}
			j.LastError = "lease expired"
			j.WorkerID = ""
			j.LeaseExpiresAt = nil
			j.UpdatedAt = now
			recovered++
			if j.Status == StatusDead {
				cp := *j
				dead = append(dead, &cp)
			}
		}
	}
	return recovered, dead, nil
}

// CancelRun implements Queue.
func (m *Memory) CancelRun(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cancelled := 0
	for _, j := range m.jobs {
		if j.RunID == runID && j.Status == StatusPending {
			j.Status = StatusCancelled
			j.UpdatedAt = now
			cancelled++
		}
	}
	return cancelled, nil
}

// Job returns a copy of the stored job, for tests and diagnostics.
func (m *Memory) Job(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}
