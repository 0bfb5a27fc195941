package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// EngineConfig controls collector behavior.
type EngineConfig struct {
	UserAgent      string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	MaxBodyBytes   int
}

// Engine performs single HTTP GETs with a Colly collector. Each request
// runs on a clone of the base collector so callbacks never leak between
// fetches.
type Engine struct {
	cfg           EngineConfig
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// NewEngine builds an Engine with a pooled transport.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 * 1024 * 1024
	}

	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport(cfg.ConnectTimeout)
	c.WithTransport(transport)

	return &Engine{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// WithTransport swaps the HTTP transport. Tests point it at httptest.
func (e *Engine) WithTransport(rt http.RoundTripper) {
	e.transport = rt
}

// Do executes a single GET and returns the raw response state.
func (e *Engine) Do(ctx context.Context, rawURL string, headers http.Header) (Result, error) {
	var (
		result   Result
		fetchErr error
	)
	start := time.Now()

	collector := e.baseCollector.Clone()
	collector.UserAgent = e.cfg.UserAgent
	collector.IgnoreRobotsTxt = true // robots policy is enforced upstream
	collector.AllowURLRevisit = true
	collector.MaxBodySize = e.cfg.MaxBodyBytes
	collector.SetRequestTimeout(e.cfg.RequestTimeout)
	collector.WithTransport(e.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Outcome:    OutcomeOK,
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result = Result{
				URL:        rawURL,
				StatusCode: r.StatusCode,
				Headers:    cloneHeaders(r),
				Body:       append([]byte(nil), r.Body...),
				Outcome:    OutcomeHTTPError,
				Duration:   time.Since(start),
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Result{URL: rawURL, Outcome: OutcomeTimeout}, ctx.Err()
	case err := <-done:
		if result.StatusCode > 0 {
			return result, nil
		}
		if fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			return Result{URL: rawURL, Outcome: classifyNetErr(err), Duration: time.Since(start)}, err
		}
		return result, nil
	}
}

func cloneHeaders(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return r.Headers.Clone()
}

func classifyNetErr(err error) Outcome {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutcomeDNSError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeHTTPError
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
