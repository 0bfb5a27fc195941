package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/events"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/verify"
)

// HandleDomainDone counts a domain as completed and, when it was the
// last one, enqueues run finalization.
func (o *Orchestrator) HandleDomainDone(ctx context.Context, job *queue.Job) error {
	var p domainPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	first, err := o.deps.Store.MarkDomainDone(ctx, job.RunID, p.Domain, false)
	if err != nil {
		return fmt.Errorf("counting completed domain %s: %w", p.Domain, err)
	}
	run, err := o.deps.Store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if first {
		o.publish(ctx, events.Event{
			Kind:     events.KindDomainDone,
			TenantID: job.TenantID,
			RunID:    job.RunID,
			Domain:   p.Domain,
			Progress: run.Progress,
			At:       o.clk.Now(),
		})
	}
	return o.maybeFinalize(ctx, job, run)
}

// maybeFinalize enqueues the single finalize job once every domain has
// reported in. The deterministic ID makes racing markers harmless.
func (o *Orchestrator) maybeFinalize(ctx context.Context, job *queue.Job, run *pipeline.Run) error {
	if run.Progress.DomainsCompleted < run.Progress.DomainsTotal {
		return nil
	}
	finalize := &queue.Job{
		ID:          jobID(run.ID, queue.TypeFinalizeRun),
		Queue:       QueueVerify,
		Type:        queue.TypeFinalizeRun,
		RunID:       run.ID,
		TenantID:    run.TenantID,
		MaxAttempts: o.deps.Config.Worker.DefaultMaxRetries,
	}
	if err := o.deps.Queue.Enqueue(ctx, finalize); err != nil {
		return fmt.Errorf("enqueueing finalize for run %s: %w", run.ID, err)
	}
	return nil
}

// HandleFinalizeRun closes out a run: optional cleanup of invalid
// generated candidates, the terminal status, and the finished event.
func (o *Orchestrator) HandleFinalizeRun(ctx context.Context, job *queue.Job) error {
	run, err := o.deps.Store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}

	if o.deps.Config.Generate.CleanupInvalid {
		for _, domain := range run.Domains {
			company, err := o.deps.Store.GetCompanyByDomain(ctx, job.TenantID, domain)
			if errors.Is(err, pipeline.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("loading company %s: %w", domain, err)
			}
			removed, err := o.deps.Store.DeleteInvalidGenerated(ctx, job.TenantID, company.ID)
			if err != nil {
				return fmt.Errorf("cleaning invalid candidates for %s: %w", domain, err)
			}
			if removed > 0 {
				o.log.Info("invalid candidates removed",
					zap.String("domain", domain), zap.Int("count", removed))
			}
		}
	}

	status := pipeline.RunStatusSucceeded
	errText := ""
	if run.Progress.DomainsTotal > 0 && run.Progress.DomainsFailed >= run.Progress.DomainsTotal {
		status = pipeline.RunStatusFailed
		errText = "all domains failed"
	}
	if err := o.deps.Store.UpdateRunStatus(ctx, run.ID, status, errText); err != nil {
		return fmt.Errorf("finishing run %s: %w", run.ID, err)
	}
	metrics.ObserveRunFinished(string(status))

	// Re-read for the stamped finished_at and final counters.
	if fresh, err := o.deps.Store.GetRun(ctx, job.TenantID, run.ID); err == nil {
		run = fresh
	}
	o.publish(ctx, events.Event{
		Kind:     events.KindRunFinished,
		TenantID: run.TenantID,
		RunID:    run.ID,
		Status:   string(run.Status),
		Progress: run.Progress,
		At:       o.clk.Now(),
	})
	o.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("domains_failed", run.Progress.DomainsFailed))
	return nil
}

// OnJobDead accounts for a job that exhausted its retries. Stage jobs
// fail their whole domain; probe jobs settle their one email as
// unknown. Markers only get logged, their loss is visible in the DLQ.
func (o *Orchestrator) OnJobDead(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.TypeAutodiscovery, queue.TypeGenerate, queue.TypeVerifyDomain:
		var p domainPayload
		if err := decodePayload(job.Payload, &p); err != nil {
			return err
		}
		o.log.Warn("domain failed",
			zap.String("domain", p.Domain),
			zap.String("job_type", job.Type),
			zap.String("last_error", job.LastError))
		first, err := o.deps.Store.MarkDomainDone(ctx, job.RunID, p.Domain, true)
		if err != nil {
			return fmt.Errorf("counting failed domain %s: %w", p.Domain, err)
		}
		run, err := o.deps.Store.GetRun(ctx, job.TenantID, job.RunID)
		if err != nil {
			return fmt.Errorf("loading run: %w", err)
		}
		if first {
			o.publish(ctx, events.Event{
				Kind:     events.KindDomainDone,
				TenantID: job.TenantID,
				RunID:    job.RunID,
				Domain:   p.Domain,
				Status:   "failed",
				Progress: run.Progress,
				At:       o.clk.Now(),
			})
		}
		return o.maybeFinalize(ctx, job, run)
	case queue.TypeProbeEmail:
		var p probePayload
		if err := decodePayload(job.Payload, &p); err != nil {
			return err
		}
		now := o.clk.Now()
		r := &pipeline.VerificationResult{
			TenantID:     job.TenantID,
			EmailID:      p.EmailID,
			MXHost:       p.MXHost,
			CheckedAt:    now,
			VerifyStatus: pipeline.VerifyUnknown,
			VerifyReason: verify.ReasonTempfailOrTimeout,
			VerifiedMX:   p.MXHost,
			VerifiedAt:   &now,
		}
		return o.recordResult(ctx, job, p.Email, r)
	default:
		o.log.Error("marker job dead",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.String("last_error", job.LastError))
		return nil
	}
}
