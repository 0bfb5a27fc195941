package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

func testClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
}

func TestReserveOrderAndLease(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	a := &Job{Queue: "crawl", Type: TypeAutodiscovery, RunID: "r1"}
	require.NoError(t, q.Enqueue(ctx, a))
	clk.Advance(time.Second)
	b := &Job{Queue: "crawl", Type: TypeAutodiscovery, RunID: "r1"}
	require.NoError(t, q.Enqueue(ctx, b))

	got, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID, "oldest job first")
	require.Equal(t, StatusLeased, got.Status)
	require.Equal(t, "w1", got.WorkerID)

	got2, err := q.Reserve(ctx, []string{"crawl"}, "w2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, b.ID, got2.ID)

	_, err = q.Reserve(ctx, []string{"crawl"}, "w3", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestReserveSkipsOtherQueues(t *testing.T) {
	t.Parallel()

	q := NewMemory(testClock())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &Job{Queue: "verify", Type: TypeProbeEmail}))

	_, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestReserveHonorsNotBefore(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	j := &Job{Queue: "verify", Type: TypeProbeEmail, NotBefore: clk.Now().Add(time.Minute)}
	require.NoError(t, q.Enqueue(ctx, j))

	_, err := q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	clk.Advance(2 * time.Minute)
	got, err := q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)
}

func TestDependenciesGateReservation(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	crawl := &Job{Queue: "crawl", Type: TypeAutodiscovery, RunID: "r1"}
	require.NoError(t, q.Enqueue(ctx, crawl))
	gen := &Job{Queue: "generate", Type: TypeGenerate, RunID: "r1", DependsOn: []string{crawl.ID}}
	require.NoError(t, q.Enqueue(ctx, gen))

	_, err := q.Reserve(ctx, []string{"generate"}, "w1", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotFound, "dependency still pending")

	got, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, got.ID, "w1"))

	got, err = q.Reserve(ctx, []string{"generate"}, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, gen.ID, got.ID)
}

func TestDeadDependencyStillUnblocks(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	probe := &Job{Queue: "verify", Type: TypeProbeEmail, RunID: "r1", MaxAttempts: 1}
	require.NoError(t, q.Enqueue(ctx, probe))
	marker := &Job{Queue: "verify", Type: TypeDomainDone, RunID: "r1", DependsOn: []string{probe.ID}}
	require.NoError(t, q.Enqueue(ctx, marker))

	got, err := q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, probe.ID, got.ID)
	require.NoError(t, q.Fail(ctx, probe.ID, "w1", errors.New("boom"), time.Second))

	stored, ok := q.Job(probe.ID)
	require.True(t, ok)
	require.Equal(t, StatusDead, stored.Status)

	got, err = q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, marker.ID, got.ID, "a dead probe must not wedge the domain marker")
}

func TestFailRetrySchedule(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	j := &Job{Queue: "verify", Type: TypeProbeEmail, MaxAttempts: 3}
	require.NoError(t, q.Enqueue(ctx, j))

	got, err := q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)

	retryable := pipeline.Errorf(pipeline.KindSMTPTempFail, "greylisted")
	require.NoError(t, q.Fail(ctx, got.ID, "w1", retryable, 30*time.Second))

	stored, _ := q.Job(j.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.Equal(t, clk.Now().Add(30*time.Second), stored.NotBefore)

	_, err = q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotFound, "backoff holds the job")

	clk.Advance(time.Minute)
	got, err = q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got.ID, "w1", retryable, 30*time.Second))
	clk.Advance(time.Minute)
	got, err = q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got.ID, "w1", retryable, 30*time.Second))

	stored, _ = q.Job(j.ID)
	require.Equal(t, StatusDead, stored.Status, "attempt budget exhausted")
}

func TestFailNonRetryableGoesDead(t *testing.T) {
	t.Parallel()

	q := NewMemory(testClock())
	ctx := context.Background()

	j := &Job{Queue: "verify", Type: TypeProbeEmail, MaxAttempts: 5}
	require.NoError(t, q.Enqueue(ctx, j))

	got, err := q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got.ID, "w1",
		pipeline.Errorf(pipeline.KindValidation, "bad payload"), time.Second))

	stored, _ := q.Job(j.ID)
	require.Equal(t, StatusDead, stored.Status)
	require.Equal(t, 1, stored.Attempts)
}

func TestHeartbeatAndRecovery(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	j := &Job{Queue: "crawl", Type: TypeAutodiscovery}
	require.NoError(t, q.Enqueue(ctx, j))

	got, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, got.ID, "w1", time.Minute))

	clk.Advance(45 * time.Second)
	n, _, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "heartbeat kept the lease alive")

	clk.Advance(time.Minute)
	n, dead, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, dead, "attempts remain")

	stored, _ := q.Job(j.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts, "an expired lease burns an attempt")

	require.ErrorIs(t, q.Heartbeat(ctx, got.ID, "w1", time.Minute), pipeline.ErrNotFound,
		"lost lease cannot be extended")
}

func TestRecoveryDeadLettersWedgedJob(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	j := &Job{Queue: "crawl", Type: TypeAutodiscovery, MaxAttempts: 2}
	require.NoError(t, q.Enqueue(ctx, j))

	// The handler never acks, so every lease runs out.
	var dead []*Job
	for i := 0; i < 2; i++ {
		_, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
		require.NoError(t, err)
		clk.Advance(2 * time.Minute)
		var n int
		n, dead, err = q.RecoverExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Len(t, dead, 1, "final expiry surfaces the dead job")
	require.Equal(t, j.ID, dead[0].ID)

	stored, _ := q.Job(j.ID)
	require.Equal(t, StatusDead, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Equal(t, "lease expired", stored.LastError)

	_, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestCompleteWrongWorkerRejected(t *testing.T) {
	t.Parallel()

	q := NewMemory(testClock())
	ctx := context.Background()

	j := &Job{Queue: "crawl", Type: TypeAutodiscovery}
	require.NoError(t, q.Enqueue(ctx, j))

	got, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, q.Complete(ctx, got.ID, "w2"), pipeline.ErrNotFound)
	require.NoError(t, q.Complete(ctx, got.ID, "w1"))
}

func TestDeadLettersAndRequeue(t *testing.T) {
	t.Parallel()

	q := NewMemory(testClock())
	ctx := context.Background()

	j := &Job{Queue: "verify", Type: TypeProbeEmail, MaxAttempts: 1}
	require.NoError(t, q.Enqueue(ctx, j))
	got, err := q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got.ID, "w1", errors.New("boom"), time.Second))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "boom", dead[0].LastError)

	require.NoError(t, q.Requeue(ctx, j.ID))
	stored, _ := q.Job(j.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Zero(t, stored.Attempts)

	dead, err = q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	clk := testClock()
	q := NewMemory(clk)
	ctx := context.Background()

	r1a := &Job{Queue: "crawl", Type: TypeAutodiscovery, RunID: "r1"}
	require.NoError(t, q.Enqueue(ctx, r1a))
	clk.Advance(time.Second)
	r1b := &Job{Queue: "crawl", Type: TypeAutodiscovery, RunID: "r1"}
	require.NoError(t, q.Enqueue(ctx, r1b))
	clk.Advance(time.Second)
	r2 := &Job{Queue: "crawl", Type: TypeAutodiscovery, RunID: "r2"}
	require.NoError(t, q.Enqueue(ctx, r2))

	leased, err := q.Reserve(ctx, []string{"crawl"}, "w1", time.Minute)
	require.NoError(t, err)

	n, err := q.CancelRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the pending job is cancelled")

	require.NoError(t, q.Complete(ctx, leased.ID, "w1"), "leased job finishes normally")

	depth, err := q.Depth(ctx, "crawl")
	require.NoError(t, err)
	require.Equal(t, 1, depth, "the other run is untouched")
}

func TestEnqueueIdempotentOnID(t *testing.T) {
	t.Parallel()

	q := NewMemory(testClock())
	ctx := context.Background()

	marker := &Job{ID: "finalize-r1", Queue: "verify", Type: TypeFinalizeRun, RunID: "r1"}
	require.NoError(t, q.Enqueue(ctx, marker))

	got, err := q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, got.ID, "w1"))

	// Re-enqueueing the same ID does not resurrect the job.
	again := &Job{ID: "finalize-r1", Queue: "verify", Type: TypeFinalizeRun, RunID: "r1"}
	require.NoError(t, q.Enqueue(ctx, again))
	_, err = q.Reserve(ctx, []string{"verify"}, "w1", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}
