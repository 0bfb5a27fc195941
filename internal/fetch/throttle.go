package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/clock"
)

// maxPenalty caps the per-host backoff applied after repeated blocks.
const maxPenalty = 24 * time.Hour

type hostState struct {
	nextAllowedAt time.Time
	strikes       int
}

// Throttle paces requests per host. Every successful fetch schedules the
// next one no sooner than the base delay; 403/429 responses double an
// escalating penalty, and Retry-After headers are honored verbatim.
type Throttle struct {
	baseDelay time.Duration
	clock     clock.Clock
	log       *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostState
}

// NewThrottle builds a per-host pacer with the given base delay.
func NewThrottle(baseDelay time.Duration, clk clock.Clock, log *zap.Logger) *Throttle {
	if baseDelay <= 0 {
		baseDelay = 3 * time.Second
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Throttle{
		baseDelay: baseDelay,
		clock:     clk,
		log:       log,
		hosts:     make(map[string]*hostState),
	}
}

// Wait blocks until host's gate opens or ctx is done.
func (t *Throttle) Wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	for {
		t.mu.Lock()
		st := t.state(host)
		wait := st.nextAllowedAt.Sub(t.clock.Now())
		t.mu.Unlock()

		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay returns how long host's gate stays shut from now.
func (t *Throttle) Delay(host string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.state(strings.ToLower(host)).nextAllowedAt.Sub(t.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// ReportFetched pushes host's gate forward by the larger of the base
// delay and any robots crawl-delay.
func (t *Throttle) ReportFetched(host string, crawlDelay time.Duration) {
	delay := t.baseDelay
	if crawlDelay > delay {
		delay = crawlDelay
	}
	t.push(host, delay, false)
}

// ReportBlocked escalates host's penalty after a 403/429 style response.
// retryAfter, when positive, wins over the doubling ladder.
func (t *Throttle) ReportBlocked(host string, retryAfter time.Duration) {
	host = strings.ToLower(host)

	t.mu.Lock()
	st := t.state(host)
	st.strikes++
	penalty := t.baseDelay << uint(st.strikes)
	if penalty > maxPenalty || penalty <= 0 {
		penalty = maxPenalty
	}
	if retryAfter > penalty {
		penalty = retryAfter
	}
	if retryAfter > maxPenalty {
		penalty = maxPenalty
	}
	next := t.clock.Now().Add(penalty)
	if next.After(st.nextAllowedAt) {
		st.nextAllowedAt = next
	}
	strikes := st.strikes
	t.mu.Unlock()

	t.log.Warn("host throttled after block response",
		zap.String("host", host),
		zap.Int("strikes", strikes),
		zap.Duration("penalty", penalty))
}

// ReportRecovered clears host's strike counter after a clean response.
func (t *Throttle) ReportRecovered(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(strings.ToLower(host)).strikes = 0
}

func (t *Throttle) push(host string, delay time.Duration, override bool) {
	host = strings.ToLower(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(host)
	next := t.clock.Now().Add(delay)
	if override || next.After(st.nextAllowedAt) {
		st.nextAllowedAt = next
	}
}

// state must be called with the mutex held.
func (t *Throttle) state(host string) *hostState {
	st, ok := t.hosts[host]
	if !ok {
		st = &hostState{}
		t.hosts[host] = st
	}
	return st
}
