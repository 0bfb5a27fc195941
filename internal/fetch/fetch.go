// Package fetch implements polite HTTP retrieval for discovery crawling:
// robots.txt enforcement, per-host pacing, response caching, and a Colly
// based fetch engine with size and content-type guards.
package fetch

import (
	"net/http"
	"time"
)

// Outcome explains what happened to a single page request.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeCachedFresh      Outcome = "cached_fresh"
	OutcomeBlockedByRobots  Outcome = "blocked_by_robots"
	OutcomeThrottled        Outcome = "throttled"
	OutcomeTooLarge         Outcome = "too_large"
	OutcomeWrongContentType Outcome = "wrong_content_type"
	OutcomeHTTPError        Outcome = "http_error"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeDNSError         Outcome = "dns_error"
)

// Usable reports whether the outcome carries a body worth parsing.
func (o Outcome) Usable() bool {
	return o == OutcomeOK || o == OutcomeCachedFresh
}

// Result is the terminal state of one page request.
type Result struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Outcome    Outcome
	FetchedAt  time.Time
	Duration   time.Duration
}
