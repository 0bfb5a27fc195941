package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
)

func init() {
	metrics.Init()
}

type scriptedDispatcher struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	dead     []*queue.Job
	finished chan struct{}
	once     sync.Once
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, _ *queue.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.calls < len(d.errs) {
		err = d.errs[d.calls]
	}
	d.calls++
	if d.calls >= len(d.errs) {
		d.once.Do(func() { close(d.finished) })
	}
	return err
}

func (d *scriptedDispatcher) OnJobDead(_ context.Context, job *queue.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = append(d.dead, job)
	return nil
}

func (d *scriptedDispatcher) deadJobs() []*queue.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*queue.Job(nil), d.dead...)
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Count:        1,
		Queues:       []string{"verify"},
		LeaseSeconds: 30,
		PollInterval: 2 * time.Millisecond,
	}
}

func runPool(t *testing.T, p *Pool, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("dispatcher never finished")
	}
	// Give the loop a beat to settle the queue state, then stop it.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-stopped
}

func TestPoolCompletesJob(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory(nil)
	job := &queue.Job{Queue: "verify", Type: queue.TypeProbeEmail, MaxAttempts: 3}
	require.NoError(t, q.Enqueue(context.Background(), job))

	disp := &scriptedDispatcher{errs: []error{nil}, finished: make(chan struct{})}
	p := NewPool(q, disp, workerConfig(), ratelimit.NewBackoff(nil), nil)
	runPool(t, p, disp.finished)

	got, ok := q.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, queue.StatusSucceeded, got.Status)
	require.Empty(t, disp.deadJobs())
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory(nil)
	job := &queue.Job{Queue: "verify", Type: queue.TypeProbeEmail, MaxAttempts: 3}
	require.NoError(t, q.Enqueue(context.Background(), job))

	disp := &scriptedDispatcher{
		errs:     []error{pipeline.Errorf(pipeline.KindSMTPTempFail, "greylisted"), nil},
		finished: make(chan struct{}),
	}
	backoff := ratelimit.NewBackoff([]time.Duration{time.Millisecond})
	p := NewPool(q, disp, workerConfig(), backoff, nil)
	runPool(t, p, disp.finished)

	got, ok := q.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, queue.StatusSucceeded, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Empty(t, disp.deadJobs())
}

func TestPoolDeadLettersNonRetryable(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory(nil)
	job := &queue.Job{Queue: "verify", Type: queue.TypeVerifyDomain, MaxAttempts: 3}
	require.NoError(t, q.Enqueue(context.Background(), job))

	disp := &scriptedDispatcher{
		errs:     []error{pipeline.Errorf(pipeline.KindValidation, "freemail domain")},
		finished: make(chan struct{}),
	}
	p := NewPool(q, disp, workerConfig(), ratelimit.NewBackoff(nil), nil)
	runPool(t, p, disp.finished)

	got, ok := q.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, queue.StatusDead, got.Status)

	dead := disp.deadJobs()
	require.Len(t, dead, 1)
	require.Equal(t, job.ID, dead[0].ID)
	require.Contains(t, dead[0].LastError, "freemail domain")
}

func TestPoolDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	q := queue.NewMemory(nil)
	job := &queue.Job{Queue: "verify", Type: queue.TypeProbeEmail, MaxAttempts: 2}
	require.NoError(t, q.Enqueue(context.Background(), job))

	tempfail := pipeline.Errorf(pipeline.KindSMTPTempFail, "still greylisted")
	disp := &scriptedDispatcher{
		errs:     []error{tempfail, tempfail},
		finished: make(chan struct{}),
	}
	backoff := ratelimit.NewBackoff([]time.Duration{time.Millisecond})
	p := NewPool(q, disp, workerConfig(), backoff, nil)
	runPool(t, p, disp.finished)

	got, ok := q.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, queue.StatusDead, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Len(t, disp.deadJobs(), 1)
}

func TestPoolAccountsJobDeadLetteredByRecovery(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	q := queue.NewMemory(clk)
	ctx := context.Background()

	job := &queue.Job{Queue: "verify", Type: queue.TypeVerifyDomain, MaxAttempts: 1}
	require.NoError(t, q.Enqueue(ctx, job))

	// A worker that died mid-job leaves its lease to run out.
	_, err := q.Reserve(ctx, []string{"verify"}, "ghost", time.Minute)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	cfg := workerConfig()
	cfg.RecoveryInterval = 2 * time.Millisecond
	disp := &scriptedDispatcher{finished: make(chan struct{})}
	p := NewPool(q, disp, cfg, ratelimit.NewBackoff(nil), nil)

	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(runCtx)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return len(disp.deadJobs()) == 1 },
		2*time.Second, 5*time.Millisecond, "recovery hands the dead job to the dispatcher")
	cancel()
	<-stopped

	got, ok := q.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, queue.StatusDead, got.Status)
	require.Equal(t, 1, got.Attempts)
}
