package ratelimit

import (
	"math/rand"
	"time"
)

// DefaultRetrySchedule is the base delay ladder for verification retries.
var DefaultRetrySchedule = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	45 * time.Second,
	90 * time.Second,
	180 * time.Second,
}

// MaxBackoff caps any computed delay.
const MaxBackoff = 24 * time.Hour

// Backoff computes full-jitter retry delays from a fixed schedule.
// Attempts beyond the schedule reuse the final rung.
type Backoff struct {
	Schedule []time.Duration
}

// NewBackoff returns a Backoff over schedule, falling back to the
// default ladder when schedule is empty.
func NewBackoff(schedule []time.Duration) Backoff {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return Backoff{Schedule: schedule}
}

// Base returns the un-jittered delay for a zero-based attempt number.
func (b Backoff) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b.Schedule) {
		attempt = len(b.Schedule) - 1
	}
	d := b.Schedule[attempt]
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Delay returns a full-jitter delay in (0, Base(attempt)]. Full jitter
// spreads synchronized retries from a burst of tempfails.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base))) + 1
}
