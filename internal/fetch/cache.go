package fetch

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crestwell/leadpipe/internal/clock"
)

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Cache is an in-process page cache. Entries live for the response's
// Cache-Control max-age when present, otherwise the default TTL, so a
// rerun against the same domain inside the window reuses bodies instead
// of re-fetching.
type Cache struct {
	defaultTTL time.Duration
	clock      clock.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache builds a page cache with the given default TTL.
func NewCache(defaultTTL time.Duration, clk clock.Clock) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{
		defaultTTL: defaultTTL,
		clock:      clk,
		entries:    make(map[string]cacheEntry),
	}
}

// Get returns the fresh cached result for url, if any.
func (c *Cache) Get(url string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[url]
	if !ok {
		return Result{}, false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.entries, url)
		return Result{}, false
	}
	r := e.result
	r.Outcome = OutcomeCachedFresh
	return r, true
}

// Put stores a successful result, honoring Cache-Control directives.
// no-store responses are not cached.
func (c *Cache) Put(url string, result Result) {
	ttl := c.defaultTTL
	if cc := result.Headers.Get("Cache-Control"); cc != "" {
		if strings.Contains(strings.ToLower(cc), "no-store") {
			return
		}
		if maxAge, ok := parseMaxAge(cc); ok {
			ttl = maxAge
		}
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = cacheEntry{result: result, expiresAt: c.clock.Now().Add(ttl)}
}

// Len reports the number of live entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil || secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// retryAfter parses a Retry-After header as delay seconds or HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
