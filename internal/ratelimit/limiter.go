package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

// Options sizes each limiter layer.
type Options struct {
	GlobalMaxConcurrency int
	GlobalRPS            int
	PerMXMaxConcurrency  int
	PerMXRPS             int
	AcquireTimeout       time.Duration
	// SlotTTL bounds how long a crashed worker can hold a semaphore slot.
	SlotTTL time.Duration
}

// Limiter layers process-local smoothing, shared semaphores, and shared
// one-second request windows. Acquire order is fixed (global before
// per-MX, concurrency before rate) so two workers can never deadlock
// holding opposite halves.
type Limiter struct {
	kv    KV
	opts  Options
	local *rate.Limiter
	clock clock.Clock
	log   *zap.Logger
}

// NewLimiter builds a limiter over the shared counter store.
func NewLimiter(kv KV, opts Options, clk clock.Clock, log *zap.Logger) *Limiter {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	if opts.SlotTTL <= 0 {
		opts.SlotTTL = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		kv:    kv,
		opts:  opts,
		local: rate.NewLimiter(rate.Limit(opts.GlobalRPS), opts.GlobalRPS),
		clock: clk,
		log:   log,
	}
}

// Release returns all slots taken by a successful Acquire. It must be
// called exactly once.
type Release func()

// Acquire blocks until one probe slot for mxHost is available or the
// acquire timeout elapses. On timeout it returns a rate_limited error so
// callers reschedule the probe instead of dropping it.
func (l *Limiter) Acquire(ctx context.Context, mxHost string) (Release, error) {
	start := l.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, l.opts.AcquireTimeout)
	defer cancel()

	if err := l.local.Wait(ctx); err != nil {
		return nil, pipeline.NewError(pipeline.KindRateLimited, "local rate window full", err)
	}

	globalKey := "sem:global"
	mxKey := "sem:mx:" + mxHost

	if err := l.acquireSemaphore(ctx, globalKey, l.opts.GlobalMaxConcurrency); err != nil {
		return nil, err
	}
	if err := l.acquireSemaphore(ctx, mxKey, l.opts.PerMXMaxConcurrency); err != nil {
		l.rollback(globalKey)
		return nil, err
	}
	if err := l.awaitWindow(ctx, "rps:global", l.opts.GlobalRPS); err != nil {
		l.rollback(mxKey, globalKey)
		return nil, err
	}
	if err := l.awaitWindow(ctx, "rps:mx:"+mxHost, l.opts.PerMXRPS); err != nil {
		l.rollback(mxKey, globalKey)
		return nil, err
	}

	metrics.ObserveRateLimitWait("mx:"+mxHost, l.clock.Now().Sub(start))

	released := false
	return func() {
		if released {
			return
		}
		released = true
		l.rollback(mxKey, globalKey)
	}, nil
}

// acquireSemaphore polls the shared counter until a slot under limit is
// won. Losing attempts are rolled back before sleeping so contended
// workers never inflate the count.
func (l *Limiter) acquireSemaphore(ctx context.Context, key string, limit int) error {
	for {
		n, err := l.kv.IncrWithTTL(ctx, key, l.opts.SlotTTL)
		if err != nil {
			return fmt.Errorf("acquiring semaphore %q: %w", key, err)
		}
		if n <= int64(limit) {
			return nil
		}
		l.rollback(key)
		if err := sleepCtx(ctx, jitteredPoll()); err != nil {
			return pipeline.NewError(pipeline.KindRateLimited,
				fmt.Sprintf("semaphore %s saturated", key), err)
		}
	}
}

// awaitWindow admits the caller into the current one-second tumbling
// window, waiting for the next boundary when the window is full.
func (l *Limiter) awaitWindow(ctx context.Context, prefix string, limit int) error {
	for {
		now := l.clock.Now()
		key := fmt.Sprintf("%s:%d", prefix, now.Unix())
		n, err := l.kv.IncrWithTTL(ctx, key, 2*time.Second)
		if err != nil {
			return fmt.Errorf("entering window %q: %w", key, err)
		}
		if n <= int64(limit) {
			return nil
		}
		untilNext := now.Truncate(time.Second).Add(time.Second).Sub(now)
		if untilNext <= 0 {
			untilNext = 10 * time.Millisecond
		}
		if err := sleepCtx(ctx, untilNext); err != nil {
			return pipeline.NewError(pipeline.KindRateLimited,
				fmt.Sprintf("rate window %s full", prefix), err)
		}
	}
}

func (l *Limiter) rollback(keys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, k := range keys {
		if err := l.kv.Decr(ctx, k); err != nil {
			l.log.Warn("failed to release limiter slot", zap.String("key", k), zap.Error(err))
		}
	}
}

func jitteredPoll() time.Duration {
	return 50*time.Millisecond + time.Duration(rand.Int63n(int64(150*time.Millisecond)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
