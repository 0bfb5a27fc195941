package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// FallbackResult is the provider's answer for one email.
type FallbackResult struct {
	Status string // one of the Fallback* constants
	Detail string
}

// FallbackClient talks to a third-party verification API for emails the
// probe path could not settle.
type FallbackClient struct {
	http   *retryablehttp.Client
	url    string
	apiKey string
	log    *zap.Logger
}

// NewFallbackClient builds a client for the provider at url. Returns
// nil when url is empty so callers can treat the feature as absent.
func NewFallbackClient(url, apiKey string, log *zap.Logger) *FallbackClient {
	if url == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil
	// Rate limiting is handled by the verification retry ladder, not by
	// hammering the provider again right away.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &FallbackClient{http: rc, url: url, apiKey: apiKey, log: log}
}

type fallbackRequest struct {
	Email string `json:"email"`
}

type fallbackResponse struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
}

// Verify asks the provider about email and normalizes the answer to
// the four canonical fallback statuses.
func (c *FallbackClient) Verify(ctx context.Context, email string) (FallbackResult, error) {
	body, err := json.Marshal(fallbackRequest{Email: email})
	if err != nil {
		return FallbackResult{}, fmt.Errorf("encoding fallback request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return FallbackResult{}, fmt.Errorf("building fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return FallbackResult{}, pipeline.NewError(pipeline.KindTransientNetwork,
			"calling fallback verifier", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Debug("closing fallback response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return FallbackResult{}, pipeline.Errorf(pipeline.KindRateLimited,
			"fallback verifier rate limited")
	}
	if resp.StatusCode >= 400 {
		return FallbackResult{}, pipeline.Errorf(pipeline.KindTransientNetwork,
			"fallback verifier returned %d", resp.StatusCode)
	}

	var parsed fallbackResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&parsed); err != nil {
		return FallbackResult{}, fmt.Errorf("decoding fallback response: %w", err)
	}

	return FallbackResult{Status: normalizeFallback(parsed.Result), Detail: parsed.Reason}, nil
}

// normalizeFallback folds the vocabulary differences between providers
// into the canonical four statuses.
func normalizeFallback(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deliverable", "valid", "ok", "safe":
		return FallbackDeliverable
	case "undeliverable", "invalid", "rejected":
		return FallbackUndeliverable
	case "risky", "catch-all", "catch_all", "accept_all", "unknown_quality":
		return FallbackRisky
	default:
		return FallbackUnknown
	}
}
