package orchestrator

import (
	"context"
	"fmt"

	"github.com/crestwell/leadpipe/internal/events"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
)

// settledVerdict is a verdict applied without a per-address probe, for
// whole-domain outcomes like no MX or a skipped catch-all domain.
type settledVerdict struct {
	Status     pipeline.VerifyStatus
	Reason     string
	SMTPReason string
	MXHost     string
}

// settleEmails stamps one verdict row onto every email at once.
func (o *Orchestrator) settleEmails(ctx context.Context, job *queue.Job, emails []*pipeline.Email, v settledVerdict) error {
	now := o.clk.Now()
	for _, e := range emails {
		r := &pipeline.VerificationResult{
			TenantID:     job.TenantID,
			EmailID:      e.ID,
			MXHost:       v.MXHost,
			SMTPReason:   v.SMTPReason,
			CheckedAt:    now,
			VerifyStatus: v.Status,
			VerifyReason: v.Reason,
			VerifiedMX:   v.MXHost,
			VerifiedAt:   &now,
		}
		if err := o.recordResult(ctx, job, e.Email, r); err != nil {
			return err
		}
	}
	return nil
}

// recordResult appends the evidence row, bumps the run counters for its
// verdict, and announces it. The row ID is derived from the job and the
// email, so a redelivered job finds its own row already journaled and
// skips the counters instead of bumping them twice.
func (o *Orchestrator) recordResult(ctx context.Context, job *queue.Job, email string, r *pipeline.VerificationResult) error {
	r.ID = jobID(job.ID, r.EmailID)
	inserted, err := o.deps.Store.AppendResult(ctx, r)
	if err != nil {
		return fmt.Errorf("appending result for %s: %w", email, err)
	}
	if !inserted {
		return nil
	}
	if err := o.deps.Store.ApplyProgress(ctx, job.RunID, verdictDelta(r.VerifyStatus)); err != nil {
		return fmt.Errorf("recording verdict for %s: %w", email, err)
	}
	metrics.ObserveVerification(string(r.VerifyStatus), r.VerifyReason)
	o.publish(ctx, events.Event{
		Kind:     events.KindEmailVerdict,
		TenantID: job.TenantID,
		RunID:    job.RunID,
		Email:    email,
		Status:   string(r.VerifyStatus),
		At:       o.clk.Now(),
	})
	return nil
}

func verdictDelta(status pipeline.VerifyStatus) pipeline.ProgressDelta {
	d := pipeline.ProgressDelta{EmailsVerified: 1}
	switch status {
	case pipeline.VerifyValid:
		d.ValidCount = 1
	case pipeline.VerifyRisky:
		d.RiskyCount = 1
	case pipeline.VerifyInvalid:
		d.InvalidCount = 1
	default:
		d.UnknownCount = 1
	}
	return d
}
