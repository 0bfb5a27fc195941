package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

var transientRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// ClientConfig assembles the knobs for a polite client.
type ClientConfig struct {
	UserAgent       string
	BaseDelay       time.Duration
	RobotsTTL       time.Duration
	RobotsDenyTTL   time.Duration
	CacheTTL        time.Duration
	MaxBodyBytes    int
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxRetries      int
	AllowedMIMEs    []string
}

// Client is the page-retrieval surface the crawler uses. It checks
// robots, consults the cache, paces the host, fetches through the
// engine, and classifies the result.
type Client struct {
	cfg      ClientConfig
	robots   *Robots
	throttle *Throttle
	cache    *Cache
	engine   *Engine
	clock    clock.Clock
	log      *zap.Logger
}

// NewClient wires a Client from its parts. Nil parts are built from cfg.
func NewClient(cfg ClientConfig, clk clock.Clock, log *zap.Logger) *Client {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{"text/html", "application/xhtml+xml", "text/plain"}
	}
	return &Client{
		cfg: cfg,
		robots: NewRobots(RobotsConfig{
			UserAgent:  cfg.UserAgent,
			SuccessTTL: cfg.RobotsTTL,
			DenyTTL:    cfg.RobotsDenyTTL,
		}, nil, clk, log),
		throttle: NewThrottle(cfg.BaseDelay, clk, log),
		cache:    NewCache(cfg.CacheTTL, clk),
		engine: NewEngine(EngineConfig{
			UserAgent:      cfg.UserAgent,
			RequestTimeout: cfg.RequestTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
			MaxBodyBytes:   cfg.MaxBodyBytes,
		}),
		clock: clk,
		log:   log,
	}
}

// Robots exposes the enforcer for crawl planning.
func (c *Client) Robots() *Robots { return c.robots }

// Engine exposes the fetch engine so tests can swap transports.
func (c *Client) Engine() *Engine { return c.engine }

// Get retrieves rawURL politely. The returned Result always carries an
// Outcome; the error is non-nil only when no HTTP exchange completed.
func (c *Client) Get(ctx context.Context, rawURL string) (Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return Result{URL: rawURL, Outcome: OutcomeHTTPError},
			pipeline.Errorf(pipeline.KindValidation, "invalid url %q", rawURL)
	}
	host := strings.ToLower(parsed.Host)

	if cached, ok := c.cache.Get(rawURL); ok {
		metrics.ObserveFetch(host, string(OutcomeCachedFresh), 0)
		return cached, nil
	}

	if !c.robots.Allowed(rawURL) {
		metrics.ObserveFetch(host, string(OutcomeBlockedByRobots), 0)
		return Result{URL: rawURL, Outcome: OutcomeBlockedByRobots}, nil
	}

	if err := c.throttle.Wait(ctx, host); err != nil {
		return Result{URL: rawURL, Outcome: OutcomeThrottled},
			pipeline.NewError(pipeline.KindRateLimited, "host gate wait interrupted", err)
	}

	result, err := c.fetchWithRetry(ctx, rawURL)
	c.throttle.ReportFetched(host, c.robots.CrawlDelay(rawURL))
	if err != nil {
		metrics.ObserveFetch(host, string(result.Outcome), 0)
		return result, pipeline.NewError(pipeline.KindTransientNetwork,
			fmt.Sprintf("fetching %s", rawURL), err)
	}

	result = c.classify(host, result)
	metrics.ObserveFetch(host, string(result.Outcome), len(result.Body))
	if result.Outcome == OutcomeOK {
		result.FetchedAt = c.clock.Now()
		c.cache.Put(rawURL, result)
	}
	return result, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, rawURL string) (Result, error) {
	var (
		result  Result
		lastErr error
	)
	attempts := c.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		result, lastErr = c.engine.Do(ctx, rawURL, nil)
		// A 5xx answer is retried like a timeout. 4xx answers,
		// including the throttling codes, go straight to
		// classification.
		serverErr := lastErr == nil && result.StatusCode >= 500 && result.StatusCode < 600
		if lastErr == nil && !serverErr {
			return result, nil
		}
		if lastErr != nil && result.Outcome != OutcomeTimeout && result.Outcome != OutcomeDNSError {
			return result, lastErr
		}
		if attempt == attempts-1 {
			break
		}
		backoff := transientRetryBackoff[min(attempt, len(transientRetryBackoff)-1)]
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return result, lastErr
}

// classify applies the block, size, and content-type guards to a
// completed HTTP exchange.
func (c *Client) classify(host string, result Result) Result {
	switch result.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		c.throttle.ReportBlocked(host, retryAfter(result.Headers, c.clock.Now()))
		result.Outcome = OutcomeThrottled
		result.Body = nil
		return result
	}
	if result.StatusCode >= 400 {
		result.Outcome = OutcomeHTTPError
		result.Body = nil
		return result
	}

	c.throttle.ReportRecovered(host)

	if tooLarge(result, c.cfg.MaxBodyBytes) {
		result.Outcome = OutcomeTooLarge
		result.Body = nil
		return result
	}
	if !mimeAllowed(result.Headers.Get("Content-Type"), c.cfg.AllowedMIMEs) {
		result.Outcome = OutcomeWrongContentType
		result.Body = nil
		return result
	}
	result.Outcome = OutcomeOK
	return result
}

func tooLarge(result Result, limit int) bool {
	if limit <= 0 {
		return false
	}
	// The engine truncates at the limit, so a body at the cap means the
	// origin likely had more.
	return len(result.Body) >= limit
}

func mimeAllowed(contentType string, allowed []string) bool {
	if contentType == "" {
		return true
	}
	mime := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	for _, a := range allowed {
		if mime == a {
			return true
		}
	}
	return false
}
