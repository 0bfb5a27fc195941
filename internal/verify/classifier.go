// Package verify turns raw probe evidence into the canonical verdict
// attached to an email.
package verify

import (
	"time"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// Reason codes persisted alongside every verdict.
const (
	ReasonRcpt2xxNonCatchall     = "rcpt_2xx_non_catchall"
	ReasonRcpt5xx                = "rcpt_5xx"
	ReasonDeliveredOnCatchall    = "delivered_on_catchall"
	ReasonCatchallDomain         = "catch_all_domain"
	ReasonCatchallUnknownRcpt2xx = "catchall_unknown_rcpt_2xx"
	ReasonFallbackDeliverable    = "fallback_deliverable"
	ReasonFallbackUndeliverable  = "fallback_undeliverable"
	ReasonFallbackRisky          = "fallback_risky"
	ReasonFallbackUnknown        = "fallback_unknown"
	ReasonFallbackOverrides5xx   = "fallback_deliverable_overrides_5xx"
	ReasonTCP25Blocked           = "tcp25_blocked"
	ReasonNoMX                   = "no_mx"
	ReasonStaleResult            = "stale_result_ttl_exceeded"
	ReasonTempfailOrTimeout      = "tempfail_or_timeout"
	ReasonNoAttempt              = "no_verification_attempt"
)

// Fallback provider statuses after normalization.
const (
	FallbackDeliverable   = "deliverable"
	FallbackUndeliverable = "undeliverable"
	FallbackRisky         = "risky"
	FallbackUnknown       = "unknown"
)

// Verdict pairs the canonical status with its machine-readable reason.
type Verdict struct {
	Status pipeline.VerifyStatus
	Reason string
}

// Classify derives the verdict for an email from its most recent
// evidence row and the domain's catch-all state.
//
// Precedence, highest first: staleness, markers recorded before any
// dialog (no MX, blocked egress), the RCPT answer, then fallback
// evidence. A deliverable fallback answer outranks a hard 5xx because
// providers with suppression-list knowledge see bounces a cold probe
// cannot.
func Classify(latest *pipeline.VerificationResult, catchall pipeline.CatchallStatus, now time.Time, ttl time.Duration) Verdict {
	if latest == nil {
		return Verdict{pipeline.VerifyUnknown, ReasonNoAttempt}
	}
	if ttl > 0 && now.Sub(latest.EffectiveAt()) > ttl {
		return Verdict{pipeline.VerifyUnknown, ReasonStaleResult}
	}

	switch latest.SMTPReason {
	case ReasonNoMX:
		return Verdict{pipeline.VerifyInvalid, ReasonNoMX}
	case ReasonTCP25Blocked:
		if v, ok := fallbackVerdict(latest.FallbackStatus); ok {
			return v
		}
		return Verdict{pipeline.VerifyUnknown, ReasonTCP25Blocked}
	}

	if latest.SMTPCode >= 500 && latest.SMTPCode < 600 {
		if latest.FallbackStatus == FallbackDeliverable {
			return Verdict{pipeline.VerifyValid, ReasonFallbackOverrides5xx}
		}
		return Verdict{pipeline.VerifyInvalid, ReasonRcpt5xx}
	}

	if latest.SMTPCode >= 200 && latest.SMTPCode < 300 {
		switch catchall {
		case pipeline.CatchallNo:
			return Verdict{pipeline.VerifyValid, ReasonRcpt2xxNonCatchall}
		case pipeline.CatchallYes:
			// A 2xx on a confirmed catch-all proves nothing about the
			// mailbox. delivered_on_catchall is reserved for upgrades
			// backed by a confirmed prior delivery.
			return Verdict{pipeline.VerifyRisky, ReasonCatchallDomain}
		default:
			return Verdict{pipeline.VerifyRisky, ReasonCatchallUnknownRcpt2xx}
		}
	}

	// Tempfail, timeout, or no dialog at all. Fallback evidence, when
	// present, decides; otherwise the email stays retryable.
	if v, ok := fallbackVerdict(latest.FallbackStatus); ok {
		return v
	}
	return Verdict{pipeline.VerifyUnknown, ReasonTempfailOrTimeout}
}

func fallbackVerdict(status string) (Verdict, bool) {
	switch status {
	case FallbackDeliverable:
		return Verdict{pipeline.VerifyValid, ReasonFallbackDeliverable}, true
	case FallbackUndeliverable:
		return Verdict{pipeline.VerifyInvalid, ReasonFallbackUndeliverable}, true
	case FallbackRisky:
		return Verdict{pipeline.VerifyRisky, ReasonFallbackRisky}, true
	case FallbackUnknown:
		return Verdict{pipeline.VerifyUnknown, ReasonFallbackUnknown}, true
	default:
		return Verdict{}, false
	}
}
