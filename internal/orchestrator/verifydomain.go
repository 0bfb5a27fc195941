package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/verify"
)

// HandleVerifyDomain resolves the domain's MX, settles the catch-all
// verdict, and fans out one probe job per pending email, followed by
// the domain-done marker gated on those probes.
func (o *Orchestrator) HandleVerifyDomain(ctx context.Context, job *queue.Job) error {
	var p domainPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	now := o.clk.Now()

	pending, err := o.pendingEmails(ctx, job, p, now)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		o.log.Info("nothing to verify", zap.String("domain", p.Domain))
		return o.enqueueDomainDone(ctx, job, p, nil)
	}

	res, err := o.deps.Resolver.Resolve(ctx, p.Domain)
	if err != nil {
		if pipeline.KindOf(err) == pipeline.KindNoMX {
			if ierr := o.deps.Store.InsertResolution(ctx, &pipeline.DomainResolution{
				TenantID:          job.TenantID,
				CompanyID:         p.CompanyID,
				ChosenDomain:      p.Domain,
				Method:            "mx",
				CatchallStatus:    pipeline.CatchallNoMX,
				CatchallCheckedAt: &now,
				ResolvedAt:        now,
			}); ierr != nil {
				return fmt.Errorf("recording no-mx resolution: %w", ierr)
			}
			if serr := o.settleEmails(ctx, job, pending, settledVerdict{
				Status:     pipeline.VerifyInvalid,
				Reason:     verify.ReasonNoMX,
				SMTPReason: verify.ReasonNoMX,
			}); serr != nil {
				return serr
			}
			return o.enqueueDomainDone(ctx, job, p, nil)
		}
		return fmt.Errorf("resolving %s: %w", p.Domain, err)
	}

	resolution := &pipeline.DomainResolution{
		TenantID:     job.TenantID,
		CompanyID:    p.CompanyID,
		ChosenDomain: p.Domain,
		Method:       res.Method,
		Confidence:   res.Confidence,
		MXHosts:      res.Hosts,
		LowestMX:     res.LowestMX,
		ResolvedAt:   now,
	}

	catchall := pipeline.CatchallUnknown
	if prev := o.freshCatchall(ctx, job.TenantID, p.Domain, now); prev != nil {
		catchall = prev.CatchallStatus
		resolution.CatchallStatus = prev.CatchallStatus
		resolution.CatchallCheckedAt = prev.CatchallCheckedAt
		resolution.CatchallLocalpart = prev.CatchallLocalpart
		resolution.CatchallSMTPCode = prev.CatchallSMTPCode
		if err := o.deps.Store.InsertResolution(ctx, resolution); err != nil {
			return fmt.Errorf("recording resolution: %w", err)
		}
	} else {
		if err := o.deps.Store.InsertResolution(ctx, resolution); err != nil {
			return fmt.Errorf("recording resolution: %w", err)
		}
		if o.probesAllowed(ctx, res.LowestMX) && o.deps.Catchall != nil {
			outcome, cerr := o.deps.Catchall(ctx, p.Domain, res.LowestMX, now)
			if cerr != nil {
				o.log.Warn("catch-all check failed",
					zap.String("domain", p.Domain), zap.Error(cerr))
			}
			if outcome.Status != pipeline.CatchallUnknown {
				catchall = outcome.Status
				if err := o.deps.Store.SetCatchall(ctx, resolution.ID, outcome.Status, outcome.Localpart, outcome.SMTPCode, now); err != nil {
					return fmt.Errorf("recording catch-all verdict: %w", err)
				}
			}
		}
	}

	if catchall == pipeline.CatchallYes && o.deps.Config.Verify.SkipProbesOnCatchall {
		if err := o.settleEmails(ctx, job, pending, settledVerdict{
			Status: pipeline.VerifyRisky,
			Reason: verify.ReasonCatchallDomain,
			MXHost: res.LowestMX,
		}); err != nil {
			return err
		}
		return o.enqueueDomainDone(ctx, job, p, nil)
	}

	probes := make([]*queue.Job, 0, len(pending))
	probeIDs := make([]string, 0, len(pending))
	for _, e := range pending {
		body, err := encodePayload(probePayload{
			EmailID:   e.ID,
			Email:     e.Email,
			Domain:    p.Domain,
			CompanyID: p.CompanyID,
			MXHost:    res.LowestMX,
			Catchall:  catchall,
		})
		if err != nil {
			return err
		}
		probe := &queue.Job{
			ID:          jobID(job.RunID, queue.TypeProbeEmail, e.ID),
			Queue:       QueueVerify,
			Type:        queue.TypeProbeEmail,
			RunID:       job.RunID,
			TenantID:    job.TenantID,
			Payload:     body,
			MaxAttempts: o.deps.Config.Verify.MaxAttempts,
		}
		probes = append(probes, probe)
		probeIDs = append(probeIDs, probe.ID)
	}
	if err := o.deps.Queue.Enqueue(ctx, probes...); err != nil {
		return fmt.Errorf("enqueueing probes for %s: %w", p.Domain, err)
	}
	o.log.Info("probes enqueued",
		zap.String("domain", p.Domain),
		zap.Int("count", len(probes)),
		zap.String("catchall", string(catchall)))
	return o.enqueueDomainDone(ctx, job, p, probeIDs)
}

// pendingEmails filters the company's addresses down to those still
// needing verification: not suppressed, and without a fresh conclusive
// verdict.
func (o *Orchestrator) pendingEmails(ctx context.Context, job *queue.Job, p domainPayload, now time.Time) ([]*pipeline.Email, error) {
	emails, err := o.deps.Store.ListEmailsForCompany(ctx, job.TenantID, p.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("listing emails: %w", err)
	}
	ttl := o.resultTTL()

	pending := make([]*pipeline.Email, 0, len(emails))
	for _, e := range emails {
		suppressed, err := o.deps.Store.IsSuppressed(ctx, job.TenantID, e.Email, p.Domain)
		if err != nil {
			return nil, fmt.Errorf("checking suppression for %s: %w", e.Email, err)
		}
		if suppressed {
			continue
		}
		latest, err := o.deps.Store.LatestResult(ctx, job.TenantID, e.ID)
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("loading latest result for %s: %w", e.Email, err)
		default:
			if latest.VerifyStatus.Conclusive() && (ttl <= 0 || now.Sub(latest.EffectiveAt()) <= ttl) {
				continue
			}
		}
		pending = append(pending, e)
	}
	return pending, nil
}

// freshCatchall returns the newest resolution row whose catch-all
// verdict is still within its TTL, or nil. Tempfail verdicts are never
// reused.
func (o *Orchestrator) freshCatchall(ctx context.Context, tenantID, domain string, now time.Time) *pipeline.DomainResolution {
	prev, err := o.deps.Store.LatestResolution(ctx, tenantID, domain)
	if err != nil {
		if !errors.Is(err, pipeline.ErrNotFound) {
			o.log.Warn("loading prior resolution", zap.String("domain", domain), zap.Error(err))
		}
		return nil
	}
	switch prev.CatchallStatus {
	case pipeline.CatchallYes, pipeline.CatchallNo:
	default:
		return nil
	}
	if prev.CatchallCheckedAt == nil {
		return nil
	}
	ttl := time.Duration(o.deps.Config.Verify.CatchallTTLDays) * 24 * time.Hour
	if ttl > 0 && now.Sub(*prev.CatchallCheckedAt) > ttl {
		return nil
	}
	return prev
}

func (o *Orchestrator) resultTTL() time.Duration {
	return time.Duration(o.deps.Config.Verify.ResultTTLDays) * 24 * time.Hour
}

// probesAllowed reports whether live SMTP dialog with mxHost is both
// configured and permitted.
func (o *Orchestrator) probesAllowed(ctx context.Context, mxHost string) bool {
	if !o.deps.Config.SMTP.Enabled || mxHost == "" {
		return false
	}
	if !o.deps.Guard.Allowed(mxHost) {
		o.log.Info("mx host outside allowlist", zap.String("mx_host", mxHost))
		return false
	}
	if o.deps.Preflight == nil {
		return false
	}
	if err := o.deps.Preflight.Check(ctx, mxHost); err != nil {
		o.log.Warn("preflight failed", zap.String("mx_host", mxHost), zap.Error(err))
		return false
	}
	return true
}
