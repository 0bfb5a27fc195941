package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/metrics"
)

func init() {
	metrics.Init()
}

func TestRobotsDisallowedPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	robots := NewRobots(RobotsConfig{UserAgent: "leadpipe-bot/1.0"}, srv.Client(), nil, nil)
	require.True(t, robots.Allowed(srv.URL+"/team"))
	require.False(t, robots.Allowed(srv.URL+"/private/staff"))
}

func TestRobotsMissingMeansAllow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	robots := NewRobots(RobotsConfig{UserAgent: "leadpipe-bot/1.0"}, srv.Client(), nil, nil)
	require.True(t, robots.Allowed(srv.URL+"/anything"))
}

func TestRobotsServerErrorMeansDeny(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	robots := NewRobots(RobotsConfig{UserAgent: "leadpipe-bot/1.0"}, srv.Client(), nil, nil)
	require.False(t, robots.Allowed(srv.URL+"/team"))
}

func TestRobotsCacheHonorsTTL(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			calls++
		}
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	robots := NewRobots(RobotsConfig{
		UserAgent:  "leadpipe-bot/1.0",
		SuccessTTL: time.Hour,
	}, srv.Client(), clk, nil)

	require.True(t, robots.Allowed(srv.URL+"/a"))
	require.True(t, robots.Allowed(srv.URL+"/b"))
	require.Equal(t, 1, calls, "second check served from cache")

	clk.Advance(2 * time.Hour)
	require.True(t, robots.Allowed(srv.URL+"/c"))
	require.Equal(t, 2, calls, "expired entry refetched")
}

func TestThrottleEscalation(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	th := NewThrottle(2*time.Second, clk, nil)

	require.Zero(t, th.Delay("example.com"))

	th.ReportFetched("example.com", 0)
	require.Equal(t, 2*time.Second, th.Delay("example.com"))

	th.ReportBlocked("example.com", 0)
	require.Equal(t, 4*time.Second, th.Delay("example.com"), "first strike doubles the base")

	th.ReportBlocked("example.com", 0)
	require.Equal(t, 8*time.Second, th.Delay("example.com"))

	th.ReportRecovered("example.com")
	th.ReportBlocked("example.com", 0)
	require.Equal(t, 4*time.Second, th.Delay("example.com"), "recovery resets the ladder")
}

func TestThrottleRetryAfterWins(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	th := NewThrottle(time.Second, clk, nil)

	th.ReportBlocked("example.com", time.Minute)
	require.Equal(t, time.Minute, th.Delay("example.com"))
}

func TestThrottlePenaltyCap(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	th := NewThrottle(time.Hour, clk, nil)

	for i := 0; i < 10; i++ {
		th.ReportBlocked("example.com", 0)
	}
	require.Equal(t, maxPenalty, th.Delay("example.com"))
}

func TestThrottleCrawlDelayOverridesBase(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	th := NewThrottle(time.Second, clk, nil)

	th.ReportFetched("example.com", 10*time.Second)
	require.Equal(t, 10*time.Second, th.Delay("example.com"))
}

func TestCacheMaxAgeAndExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	c := NewCache(15*time.Minute, clk)

	res := Result{
		URL:        "https://example.com/team",
		StatusCode: 200,
		Headers:    http.Header{"Cache-Control": []string{"public, max-age=60"}},
		Body:       []byte("<html></html>"),
		Outcome:    OutcomeOK,
	}
	c.Put(res.URL, res)

	got, ok := c.Get(res.URL)
	require.True(t, ok)
	require.Equal(t, OutcomeCachedFresh, got.Outcome)
	require.Equal(t, res.Body, got.Body)

	clk.Advance(2 * time.Minute)
	_, ok = c.Get(res.URL)
	require.False(t, ok, "max-age=60 entry expired")
}

func TestCacheSkipsNoStore(t *testing.T) {
	t.Parallel()

	c := NewCache(time.Minute, nil)
	c.Put("u", Result{Headers: http.Header{"Cache-Control": []string{"no-store"}}})
	require.Zero(t, c.Len())
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client := NewClient(ClientConfig{
		UserAgent:      "leadpipe-bot/1.0",
		BaseDelay:      time.Millisecond,
		CacheTTL:       time.Minute,
		MaxBodyBytes:   1 << 20,
		RequestTimeout: 5 * time.Second,
	}, nil, nil)
	client.Engine().WithTransport(srv.Client().Transport)
	return client
}

func TestClientGetAndCache(t *testing.T) {
	t.Parallel()

	var pageHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
		case "/team":
			pageHits++
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>Team</body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	ctx := context.Background()

	res, err := client.Get(ctx, srv.URL+"/team")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Equal(t, 200, res.StatusCode)
	require.Contains(t, string(res.Body), "Team")

	res2, err := client.Get(ctx, srv.URL+"/team")
	require.NoError(t, err)
	require.Equal(t, OutcomeCachedFresh, res2.Outcome)
	require.Equal(t, 1, pageHits, "second read served from cache")
}

func TestClientHonorsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		t.Errorf("page fetched despite robots deny: %s", r.URL.Path)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	// The robots enforcer keeps its own HTTP client, so point it at the
	// test server too.
	client.robots.client = srv.Client()

	res, err := client.Get(context.Background(), srv.URL+"/team")
	require.NoError(t, err)
	require.Equal(t, OutcomeBlockedByRobots, res.Outcome)
}

func TestClientThrottledOn429(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	client.robots.client = srv.Client()

	res, err := client.Get(context.Background(), srv.URL+"/team")
	require.NoError(t, err)
	require.Equal(t, OutcomeThrottled, res.Outcome)

	host := strings.TrimPrefix(srv.URL, "http://")
	require.Greater(t, client.throttle.Delay(host), time.Minute)
}

func TestClientRejectsWrongContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	client.robots.client = srv.Client()

	res, err := client.Get(context.Background(), srv.URL+"/brochure.pdf")
	require.NoError(t, err)
	require.Equal(t, OutcomeWrongContentType, res.Outcome)
	require.Empty(t, res.Body)
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var pageHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		pageHits++
		if pageHits == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>Team</body></html>"))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		UserAgent:      "leadpipe-bot/1.0",
		BaseDelay:      time.Millisecond,
		CacheTTL:       time.Minute,
		MaxBodyBytes:   1 << 20,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
	}, nil, nil)
	client.Engine().WithTransport(srv.Client().Transport)
	client.robots.client = srv.Client()

	res, err := client.Get(context.Background(), srv.URL+"/team")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Equal(t, 2, pageHits, "503 retried, 200 served")
}

func TestClientDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var pageHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		pageHits++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		UserAgent:      "leadpipe-bot/1.0",
		BaseDelay:      time.Millisecond,
		CacheTTL:       time.Minute,
		MaxBodyBytes:   1 << 20,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
	}, nil, nil)
	client.Engine().WithTransport(srv.Client().Transport)
	client.robots.client = srv.Client()

	res, err := client.Get(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	require.Equal(t, OutcomeHTTPError, res.Outcome)
	require.Equal(t, 1, pageHits, "a 404 is final")
}

func TestEngineCapturesHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewEngine(EngineConfig{UserAgent: "leadpipe-bot/1.0"})
	e.WithTransport(srv.Client().Transport)

	res, err := e.Do(context.Background(), srv.URL+"/x", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeHTTPError, res.Outcome)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
}
