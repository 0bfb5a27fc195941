package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

var (
	classifyNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	resultTTL   = 90 * 24 * time.Hour
)

func recent(code int, reason, fallback string) *pipeline.VerificationResult {
	checked := classifyNow.Add(-time.Hour)
	return &pipeline.VerificationResult{
		SMTPCode:       code,
		SMTPReason:     reason,
		FallbackStatus: fallback,
		CheckedAt:      checked,
	}
}

func TestClassifyPrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		latest   *pipeline.VerificationResult
		catchall pipeline.CatchallStatus
		want     Verdict
	}{
		{
			name:   "no evidence at all",
			latest: nil,
			want:   Verdict{pipeline.VerifyUnknown, ReasonNoAttempt},
		},
		{
			name:     "2xx on a non catch-all domain",
			latest:   recent(250, "", ""),
			catchall: pipeline.CatchallNo,
			want:     Verdict{pipeline.VerifyValid, ReasonRcpt2xxNonCatchall},
		},
		{
			name:     "2xx on a catch-all domain stays risky",
			latest:   recent(250, "", ""),
			catchall: pipeline.CatchallYes,
			want:     Verdict{pipeline.VerifyRisky, ReasonCatchallDomain},
		},
		{
			name:     "2xx with unknown catch-all state",
			latest:   recent(250, "", ""),
			catchall: pipeline.CatchallUnknown,
			want:     Verdict{pipeline.VerifyRisky, ReasonCatchallUnknownRcpt2xx},
		},
		{
			name:     "hard 5xx",
			latest:   recent(550, "", ""),
			catchall: pipeline.CatchallNo,
			want:     Verdict{pipeline.VerifyInvalid, ReasonRcpt5xx},
		},
		{
			name:   "fallback deliverable outranks a 5xx",
			latest: recent(550, "", FallbackDeliverable),
			want:   Verdict{pipeline.VerifyValid, ReasonFallbackOverrides5xx},
		},
		{
			name:   "tempfail with deliverable fallback",
			latest: recent(451, "", FallbackDeliverable),
			want:   Verdict{pipeline.VerifyValid, ReasonFallbackDeliverable},
		},
		{
			name:   "tempfail with undeliverable fallback",
			latest: recent(451, "", FallbackUndeliverable),
			want:   Verdict{pipeline.VerifyInvalid, ReasonFallbackUndeliverable},
		},
		{
			name:   "tempfail with risky fallback",
			latest: recent(421, "", FallbackRisky),
			want:   Verdict{pipeline.VerifyRisky, ReasonFallbackRisky},
		},
		{
			name:   "tempfail without fallback",
			latest: recent(451, "", ""),
			want:   Verdict{pipeline.VerifyUnknown, ReasonTempfailOrTimeout},
		},
		{
			name:   "no mail exchanger",
			latest: recent(0, ReasonNoMX, ""),
			want:   Verdict{pipeline.VerifyInvalid, ReasonNoMX},
		},
		{
			name:   "blocked egress without fallback",
			latest: recent(0, ReasonTCP25Blocked, ""),
			want:   Verdict{pipeline.VerifyUnknown, ReasonTCP25Blocked},
		},
		{
			name:   "blocked egress with fallback evidence",
			latest: recent(0, ReasonTCP25Blocked, FallbackDeliverable),
			want:   Verdict{pipeline.VerifyValid, ReasonFallbackDeliverable},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.latest, tc.catchall, classifyNow, resultTTL)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyStaleResult(t *testing.T) {
	t.Parallel()

	old := recent(250, "", "")
	old.CheckedAt = classifyNow.Add(-91 * 24 * time.Hour)

	got := Classify(old, pipeline.CatchallNo, classifyNow, resultTTL)
	require.Equal(t, Verdict{pipeline.VerifyUnknown, ReasonStaleResult}, got)
}

func TestClassifyStalenessUsesVerifiedAt(t *testing.T) {
	t.Parallel()

	r := recent(250, "", "")
	r.CheckedAt = classifyNow.Add(-120 * 24 * time.Hour)
	verified := classifyNow.Add(-time.Hour)
	r.VerifiedAt = &verified

	got := Classify(r, pipeline.CatchallNo, classifyNow, resultTTL)
	require.Equal(t, Verdict{pipeline.VerifyValid, ReasonRcpt2xxNonCatchall}, got,
		"a later verified_at keeps the result fresh")
}

func TestFallbackClientVerify(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req fallbackRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "jane.doe@acme.com", req.Email)

		_ = json.NewEncoder(w).Encode(fallbackResponse{Result: "valid", Reason: "mailbox exists"})
	}))
	defer srv.Close()

	c := NewFallbackClient(srv.URL, "test-key", nil)
	res, err := c.Verify(context.Background(), "jane.doe@acme.com")
	require.NoError(t, err)
	require.Equal(t, FallbackDeliverable, res.Status)
	require.Equal(t, "mailbox exists", res.Detail)
}

func TestFallbackClientRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewFallbackClient(srv.URL, "", nil)
	c.http.RetryMax = 0

	_, err := c.Verify(context.Background(), "jane.doe@acme.com")
	require.Error(t, err)
	require.Equal(t, pipeline.KindRateLimited, pipeline.KindOf(err))
}

func TestFallbackClientDisabled(t *testing.T) {
	t.Parallel()
	require.Nil(t, NewFallbackClient("", "key", nil))
}

func TestNormalizeFallback(t *testing.T) {
	t.Parallel()

	require.Equal(t, FallbackDeliverable, normalizeFallback("Valid"))
	require.Equal(t, FallbackUndeliverable, normalizeFallback("rejected"))
	require.Equal(t, FallbackRisky, normalizeFallback("catch-all"))
	require.Equal(t, FallbackUnknown, normalizeFallback("weird"))
}
