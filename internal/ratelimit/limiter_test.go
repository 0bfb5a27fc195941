package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

func init() {
	metrics.Init()
}

func testOptions() Options {
	return Options{
		GlobalMaxConcurrency: 2,
		GlobalRPS:            100,
		PerMXMaxConcurrency:  2,
		PerMXRPS:             100,
		AcquireTimeout:       200 * time.Millisecond,
		SlotTTL:              time.Minute,
	}
}

func TestMemoryKVIncrementAndExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	kv := NewMemoryKV(clk)
	ctx := context.Background()

	n, err := kv.IncrWithTTL(ctx, "sem:global", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = kv.IncrWithTTL(ctx, "sem:global", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	clk.Advance(2 * time.Minute)
	n, err = kv.IncrWithTTL(ctx, "sem:global", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "expired counter restarts at one")
}

func TestMemoryKVDecrFloorsAtZero(t *testing.T) {
	t.Parallel()

	kv := NewMemoryKV(nil)
	ctx := context.Background()

	require.NoError(t, kv.Decr(ctx, "missing"))

	_, err := kv.IncrWithTTL(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, kv.Decr(ctx, "k"))
	require.NoError(t, kv.Decr(ctx, "k"))
	require.EqualValues(t, 0, kv.Value("k"))
}

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	kv := NewMemoryKV(nil)
	l := NewLimiter(kv, testOptions(), nil, nil)
	ctx := context.Background()

	rel1, err := l.Acquire(ctx, "mx1.example.com")
	require.NoError(t, err)
	rel2, err := l.Acquire(ctx, "mx2.example.com")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "mx3.example.com")
	require.Error(t, err, "global concurrency exhausted")
	require.Equal(t, pipeline.KindRateLimited, pipeline.KindOf(err))

	rel1()
	rel1() // idempotent

	rel3, err := l.Acquire(ctx, "mx3.example.com")
	require.NoError(t, err)

	rel2()
	rel3()
	require.EqualValues(t, 0, kv.Value("sem:global"))
}

func TestAcquireRollsBackGlobalOnMXSaturation(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.GlobalMaxConcurrency = 10
	opts.PerMXMaxConcurrency = 1

	kv := NewMemoryKV(nil)
	l := NewLimiter(kv, opts, nil, nil)
	ctx := context.Background()

	rel, err := l.Acquire(ctx, "mx1.example.com")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "mx1.example.com")
	require.Error(t, err)
	require.Equal(t, pipeline.KindRateLimited, pipeline.KindOf(err))
	require.EqualValues(t, 1, kv.Value("sem:global"),
		"failed acquire must not leak a global slot")

	rel()
	require.EqualValues(t, 0, kv.Value("sem:global"))
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.GlobalMaxConcurrency = 1
	opts.AcquireTimeout = 5 * time.Second

	kv := NewMemoryKV(nil)
	l := NewLimiter(kv, opts, nil, nil)

	rel, err := l.Acquire(context.Background(), "mx1.example.com")
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = l.Acquire(ctx, "mx2.example.com")
	require.Error(t, err)
}

func TestBackoffDelays(t *testing.T) {
	t.Parallel()

	b := NewBackoff(nil)
	require.Equal(t, 5*time.Second, b.Base(0))
	require.Equal(t, 180*time.Second, b.Base(4))
	require.Equal(t, 180*time.Second, b.Base(99), "past the ladder reuses the last rung")
	require.Equal(t, 5*time.Second, b.Base(-1))

	for attempt := 0; attempt < 6; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			require.Greater(t, d, time.Duration(0))
			require.LessOrEqual(t, d, b.Base(attempt))
		}
	}
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()

	b := NewBackoff([]time.Duration{48 * time.Hour})
	require.Equal(t, MaxBackoff, b.Base(0))
}
