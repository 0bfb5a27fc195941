package fetch

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/clock"
)

// RobotsConfig tunes robots.txt caching.
type RobotsConfig struct {
	UserAgent string
	// SuccessTTL caches a parsed 2xx robots file.
	SuccessTTL time.Duration
	// DenyTTL caches the conservative deny applied after a 5xx.
	DenyTTL time.Duration
	// MissingTTL caches the allow-all applied after a 404.
	MissingTTL time.Duration
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	denyAll   bool
	expiresAt time.Time
}

// Robots enforces robots.txt per host with a TTL cache. A 404 means the
// host publishes no policy and everything is allowed; a 5xx means the
// policy is unknown, so the host is treated as fully disallowed until
// the deny TTL lapses.
type Robots struct {
	cfg    RobotsConfig
	client *http.Client
	clock  clock.Clock
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotsEntry
}

// NewRobots builds the enforcer. A nil client gets a 10s-timeout default.
func NewRobots(cfg RobotsConfig, client *http.Client, clk clock.Clock, log *zap.Logger) *Robots {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SuccessTTL <= 0 {
		cfg.SuccessTTL = time.Hour
	}
	if cfg.DenyTTL <= 0 {
		cfg.DenyTTL = 5 * time.Minute
	}
	if cfg.MissingTTL <= 0 {
		cfg.MissingTTL = 24 * time.Hour
	}
	return &Robots{
		cfg:    cfg,
		client: client,
		clock:  clk,
		log:    log,
		cache:  make(map[string]*robotsEntry),
	}
}

// Allowed reports whether the configured agent may fetch rawURL.
func (r *Robots) Allowed(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	entry := r.entryFor(parsed)
	if entry.denyAll {
		return false
	}
	if entry.data == nil {
		return true
	}
	group := entry.data.FindGroup(r.cfg.UserAgent)
	if group == nil {
		return true
	}
	p := parsed.Path
	if p == "" {
		p = "/"
	}
	return group.Test(p)
}

func (r *Robots) entryFor(parsed *url.URL) *robotsEntry {
	hostKey := strings.ToLower(parsed.Host)

	r.mu.Lock()
	cached, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok && r.clock.Now().Before(cached.expiresAt) {
		return cached
	}

	entry := r.load(parsed)
	r.mu.Lock()
	r.cache[hostKey] = entry
	r.mu.Unlock()
	return entry
}

func (r *Robots) load(parsed *url.URL) *robotsEntry {
	now := r.clock.Now()
	robotsURL := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	if robotsURL.Scheme == "" {
		robotsURL.Scheme = "https"
	}

	req, err := http.NewRequest(http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return &robotsEntry{expiresAt: now.Add(r.cfg.DenyTTL), denyAll: false}
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		// Network failure is not a policy statement. Allow briefly.
		r.log.Warn("robots fetch failed, allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return &robotsEntry{expiresAt: now.Add(r.cfg.DenyTTL)}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.log.Debug("failed to close robots body", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &robotsEntry{expiresAt: now.Add(r.cfg.MissingTTL)}
	case resp.StatusCode >= 500:
		return &robotsEntry{denyAll: true, expiresAt: now.Add(r.cfg.DenyTTL)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &robotsEntry{denyAll: true, expiresAt: now.Add(r.cfg.DenyTTL)}
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		r.log.Warn("robots parse failed, allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return &robotsEntry{expiresAt: now.Add(r.cfg.DenyTTL)}
	}
	return &robotsEntry{data: data, expiresAt: now.Add(r.cfg.SuccessTTL)}
}

// CrawlDelay returns the robots-declared crawl delay for host, or zero.
func (r *Robots) CrawlDelay(rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}
	entry := r.entryFor(parsed)
	if entry.data == nil {
		return 0
	}
	group := entry.data.FindGroup(r.cfg.UserAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}
