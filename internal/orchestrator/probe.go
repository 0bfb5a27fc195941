package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/smtp"
	"github.com/crestwell/leadpipe/internal/verify"
)

// HandleProbeEmail performs one RCPT probe for a single address and
// records the verdict. Temporary failures surface as retryable errors
// until the job's last attempt, which settles with whatever evidence
// exists, consulting the fallback provider when one is configured.
func (o *Orchestrator) HandleProbeEmail(ctx context.Context, job *queue.Job) error {
	var p probePayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	now := o.clk.Now()
	lastAttempt := job.Attempts+1 >= job.MaxAttempts

	// A suppression added mid-run wins over the enqueued probe.
	suppressed, err := o.deps.Store.IsSuppressed(ctx, job.TenantID, p.Email, p.Domain)
	if err != nil {
		return fmt.Errorf("checking suppression for %s: %w", p.Email, err)
	}
	if suppressed {
		o.log.Info("probe skipped, suppressed", zap.String("email", p.Email))
		return nil
	}

	r := &pipeline.VerificationResult{
		TenantID:  job.TenantID,
		EmailID:   p.EmailID,
		MXHost:    p.MXHost,
		CheckedAt: now,
	}

	canProbe := o.deps.Config.SMTP.Enabled &&
		p.MXHost != "" &&
		o.deps.Prober != nil &&
		o.deps.Guard.Allowed(p.MXHost)
	if canProbe && o.deps.Preflight != nil {
		if err := o.deps.Preflight.Check(ctx, p.MXHost); err != nil {
			// Port 25 egress is blocked from this runner; no dialog
			// will succeed, so settle now instead of burning retries.
			r.SMTPReason = verify.ReasonTCP25Blocked
			canProbe = false
		}
	}

	if !canProbe {
		o.applyFallback(ctx, p.Email, r)
		return o.settleProbe(ctx, job, p, r)
	}

	release, err := o.deps.Limiter.Acquire(ctx, p.MXHost)
	if err != nil {
		return fmt.Errorf("acquiring probe slot for %s: %w", p.MXHost, err)
	}
	pr, perr := o.deps.Prober.Probe(ctx, p.MXHost, p.Email)
	release()

	r.SMTPCode = pr.Code
	r.SMTPReason = pr.Message
	if pr.MXHost != "" {
		r.MXHost = pr.MXHost
	}

	switch pr.Class {
	case smtp.ProbeAccepted, smtp.ProbeHardFail:
		if pr.Class == smtp.ProbeHardFail {
			// A provider with bounce history can overturn a cold 5xx.
			o.applyFallback(ctx, p.Email, r)
		}
		return o.settleProbe(ctx, job, p, r)
	default:
		if !lastAttempt {
			if perr != nil && pipeline.Retryable(perr) {
				return perr
			}
			return pipeline.Errorf(pipeline.KindSMTPTempFail,
				"probe of %s at %s deferred (%d %s)", p.Email, p.MXHost, pr.Code, pr.Message)
		}
		o.applyFallback(ctx, p.Email, r)
		return o.settleProbe(ctx, job, p, r)
	}
}

// applyFallback asks the third-party verifier and stamps its answer
// onto the evidence row. Fallback trouble never fails the probe.
func (o *Orchestrator) applyFallback(ctx context.Context, email string, r *pipeline.VerificationResult) {
	if o.deps.Fallback == nil {
		return
	}
	fr, err := o.deps.Fallback.Verify(ctx, email)
	if err != nil {
		o.log.Warn("fallback verification failed", zap.String("email", email), zap.Error(err))
		return
	}
	at := o.clk.Now()
	r.FallbackStatus = fr.Status
	r.FallbackAt = &at
}

func (o *Orchestrator) settleProbe(ctx context.Context, job *queue.Job, p probePayload, r *pipeline.VerificationResult) error {
	now := o.clk.Now()
	ttl := o.resultTTL()
	verdict := verify.Classify(r, p.Catchall, now, ttl)
	r.VerifyStatus = verdict.Status
	r.VerifyReason = verdict.Reason
	r.VerifiedMX = r.MXHost
	r.VerifiedAt = &now
	o.log.Info("email verdict",
		zap.String("email", p.Email),
		zap.String("status", string(verdict.Status)),
		zap.String("reason", verdict.Reason))
	return o.recordResult(ctx, job, p.Email, r)
}
