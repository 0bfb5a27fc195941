// Package orchestrator owns the run lifecycle and stage choreography.
// Stages chain through the durable queue: each handler enqueues the
// next stage for its domain on success, so a failed domain simply stops
// its own chain without touching the rest of the run.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/blob"
	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/events"
	"github.com/crestwell/leadpipe/internal/extract"
	"github.com/crestwell/leadpipe/internal/fetch"
	"github.com/crestwell/leadpipe/internal/mx"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
	"github.com/crestwell/leadpipe/internal/smtp"
	"github.com/crestwell/leadpipe/internal/store"
	"github.com/crestwell/leadpipe/internal/verify"
)

// Queue names per stage.
const (
	QueueCrawl    = "crawl"
	QueueGenerate = "generate"
	QueueVerify   = "verify"
)

// Fetcher retrieves one page politely.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (fetch.Result, error)
}

// Resolver finds mail exchangers for a domain.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (mx.Result, error)
}

// Prober runs one RCPT dialog against an exchanger.
type Prober interface {
	Probe(ctx context.Context, mxHost, rcpt string) (smtp.ProbeResult, error)
}

// PreflightChecker tests port-25 reachability.
type PreflightChecker interface {
	Check(ctx context.Context, mxHost string) error
}

// Limiter grants outbound connection slots.
type Limiter interface {
	Acquire(ctx context.Context, mxHost string) (ratelimit.Release, error)
}

// FallbackVerifier consults a third-party verification API.
type FallbackVerifier interface {
	Verify(ctx context.Context, email string) (verify.FallbackResult, error)
}

// CatchallFunc checks whether a domain accepts a random localpart.
type CatchallFunc func(ctx context.Context, domain, mxHost string, now time.Time) (smtp.CatchallOutcome, error)

// Deps is the collaborator surface the orchestrator is built from.
// Everything is an interface so handler tests run against fakes.
type Deps struct {
	Store     store.Store
	Queue     queue.Queue
	Blob      blob.Store
	Events    events.Publisher
	Fetcher   Fetcher
	Extractor extract.Extractor
	Resolver  Resolver
	Prober    Prober
	Preflight PreflightChecker
	Guard     *smtp.HostGuard
	Catchall  CatchallFunc
	Limiter   Limiter
	Fallback  FallbackVerifier
	Config    config.Config
	Clock     clock.Clock
	Log       *zap.Logger
}

// Orchestrator drives runs through their stage chain.
type Orchestrator struct {
	deps Deps
	clk  clock.Clock
	log  *zap.Logger
}

// New wires an Orchestrator. Optional collaborators (events, prober,
// fallback) may be nil; clock and logger default.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Guard == nil {
		deps.Guard = smtp.NewHostGuard(nil)
	}
	return &Orchestrator{deps: deps, clk: deps.Clock, log: deps.Log}
}

// StartRun validates the domain list, enforces the tenant's 24-hour
// company budget, persists the run and its companies, and enqueues the
// first stage for every domain.
func (o *Orchestrator) StartRun(ctx context.Context, tenantID string, rawDomains []string, opts pipeline.RunOptions) (*pipeline.Run, error) {
	domains, rejected := pipeline.DedupeDomains(rawDomains)
	if len(rejected) > 0 {
		o.log.Warn("rejected invalid domains",
			zap.String("tenant_id", tenantID), zap.Strings("rejected", rejected))
	}
	if len(domains) == 0 {
		return nil, pipeline.Errorf(pipeline.KindValidation, "no valid domains in request")
	}

	limit := o.deps.Config.Budget.HardCompanyLimit24h
	if opts.CompanyLimit > 0 && opts.CompanyLimit < limit {
		limit = opts.CompanyLimit
	}
	if limit > 0 {
		since := o.clk.Now().Add(-24 * time.Hour)
		recent, err := o.deps.Store.CountCompaniesSince(ctx, tenantID, since)
		if err != nil {
			return nil, fmt.Errorf("counting recent companies: %w", err)
		}
		if recent+len(domains) > limit {
			return nil, pipeline.Errorf(pipeline.KindBudgetExceeded,
				"company_limit_exceeded: %d existing + %d requested > %d", recent, len(domains), limit)
		}
	}

	run := &pipeline.Run{TenantID: tenantID, Domains: domains, Options: opts}
	if err := o.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	stage := firstStage(opts)
	for _, domain := range domains {
		company := &pipeline.Company{TenantID: tenantID, RunID: run.ID, SuppliedDomain: domain}
		if err := o.deps.Store.UpsertCompany(ctx, company); err != nil {
			return nil, fmt.Errorf("upserting company %s: %w", domain, err)
		}
		job, err := o.stageJob(run, stage, domainPayload{Domain: domain, CompanyID: company.ID})
		if err != nil {
			return nil, err
		}
		if err := o.deps.Queue.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("enqueueing %s for %s: %w", job.Type, domain, err)
		}
	}

	if err := o.deps.Store.UpdateRunStatus(ctx, run.ID, pipeline.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("marking run running: %w", err)
	}
	run.Status = pipeline.RunStatusRunning
	o.publish(ctx, events.Event{
		Kind: events.KindRunStarted, TenantID: tenantID, RunID: run.ID,
		Status: string(run.Status), At: o.clk.Now(),
	})
	return run, nil
}

// CancelRun cancels a run's pending jobs and marks the run cancelled.
// Leased jobs finish on their own.
func (o *Orchestrator) CancelRun(ctx context.Context, tenantID, runID string) (int, error) {
	run, err := o.deps.Store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return 0, err
	}
	if run.Status.Terminal() {
		return 0, nil
	}
	cancelled, err := o.deps.Queue.CancelRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("cancelling run jobs: %w", err)
	}
	if err := o.deps.Store.UpdateRunStatus(ctx, runID, pipeline.RunStatusCancelled, ""); err != nil {
		return cancelled, fmt.Errorf("marking run cancelled: %w", err)
	}
	o.publish(ctx, events.Event{
		Kind: events.KindRunFinished, TenantID: tenantID, RunID: runID,
		Status: string(pipeline.RunStatusCancelled), At: o.clk.Now(),
	})
	return cancelled, nil
}

// Dispatch routes a reserved job to its stage handler. Jobs whose run
// has already reached a terminal status are dropped, so a cancellation
// also stops work the eager queue sweep could not see.
func (o *Orchestrator) Dispatch(ctx context.Context, job *queue.Job) error {
	run, err := o.deps.Store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run.Status.Terminal() {
		o.log.Info("dropping job for finished run",
			zap.String("job_id", job.ID),
			zap.String("run_id", job.RunID),
			zap.String("status", string(run.Status)))
		return nil
	}
	switch job.Type {
	case queue.TypeAutodiscovery:
		return o.HandleAutodiscovery(ctx, job)
	case queue.TypeGenerate:
		return o.HandleGenerate(ctx, job)
	case queue.TypeVerifyDomain:
		return o.HandleVerifyDomain(ctx, job)
	case queue.TypeProbeEmail:
		return o.HandleProbeEmail(ctx, job)
	case queue.TypeDomainDone:
		return o.HandleDomainDone(ctx, job)
	case queue.TypeFinalizeRun:
		return o.HandleFinalizeRun(ctx, job)
	default:
		return pipeline.Errorf(pipeline.KindValidation, "unknown job type %q", job.Type)
	}
}

// stageIncluded applies the mode matrix plus the skip flags.
func stageIncluded(opts pipeline.RunOptions, stage pipeline.Stage) bool {
	if !opts.Mode.Includes(stage) {
		return false
	}
	switch stage {
	case pipeline.StageAutodiscovery:
		return !opts.SkipCrawl
	case pipeline.StageVerify:
		return !opts.SkipVerify
	}
	return true
}

func firstStage(opts pipeline.RunOptions) pipeline.Stage {
	switch {
	case stageIncluded(opts, pipeline.StageAutodiscovery):
		return pipeline.StageAutodiscovery
	case stageIncluded(opts, pipeline.StageGenerate):
		return pipeline.StageGenerate
	default:
		return pipeline.StageVerify
	}
}

// stageJob builds the queue job for one per-domain stage. Job IDs are
// deterministic so replaying a run enqueues nothing new.
func (o *Orchestrator) stageJob(run *pipeline.Run, stage pipeline.Stage, payload domainPayload) (*queue.Job, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	var jobType, queueName string
	switch stage {
	case pipeline.StageAutodiscovery:
		jobType, queueName = queue.TypeAutodiscovery, QueueCrawl
	case pipeline.StageGenerate:
		jobType, queueName = queue.TypeGenerate, QueueGenerate
	case pipeline.StageVerify:
		jobType, queueName = queue.TypeVerifyDomain, QueueVerify
	default:
		return nil, pipeline.Errorf(pipeline.KindInternal, "unknown stage %q", stage)
	}
	return &queue.Job{
		ID:          jobID(run.ID, jobType, payload.Domain),
		Queue:       queueName,
		Type:        jobType,
		RunID:       run.ID,
		TenantID:    run.TenantID,
		Payload:     body,
		MaxAttempts: o.deps.Config.Worker.DefaultMaxRetries,
	}, nil
}

// nextStage enqueues the stage after current for a domain, or the
// domain-done marker when the run's mode ends here.
func (o *Orchestrator) nextStage(ctx context.Context, job *queue.Job, current pipeline.Stage, payload domainPayload) error {
	run, err := o.deps.Store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	var next pipeline.Stage
	switch current {
	case pipeline.StageAutodiscovery:
		if stageIncluded(run.Options, pipeline.StageGenerate) {
			next = pipeline.StageGenerate
		} else if stageIncluded(run.Options, pipeline.StageVerify) {
			next = pipeline.StageVerify
		}
	case pipeline.StageGenerate:
		if stageIncluded(run.Options, pipeline.StageVerify) {
			next = pipeline.StageVerify
		}
	}
	if next == "" {
		return o.enqueueDomainDone(ctx, job, payload, nil)
	}
	nextJob, err := o.stageJob(run, next, payload)
	if err != nil {
		return err
	}
	if err := o.deps.Queue.Enqueue(ctx, nextJob); err != nil {
		return fmt.Errorf("enqueueing %s for %s: %w", nextJob.Type, payload.Domain, err)
	}
	return nil
}

// enqueueDomainDone places the per-domain completion marker, gated on
// the given dependency jobs. Dead dependencies still unblock it.
func (o *Orchestrator) enqueueDomainDone(ctx context.Context, job *queue.Job, payload domainPayload, dependsOn []string) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	marker := &queue.Job{
		ID:          jobID(job.RunID, queue.TypeDomainDone, payload.Domain),
		Queue:       QueueVerify,
		Type:        queue.TypeDomainDone,
		RunID:       job.RunID,
		TenantID:    job.TenantID,
		Payload:     body,
		DependsOn:   dependsOn,
		MaxAttempts: o.deps.Config.Worker.DefaultMaxRetries,
	}
	if err := o.deps.Queue.Enqueue(ctx, marker); err != nil {
		return fmt.Errorf("enqueueing domain done for %s: %w", payload.Domain, err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if _, err := o.deps.Events.Publish(ctx, ev); err != nil {
		o.log.Warn("publishing event", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

// jobID derives a stable UUID from the job's identity parts.
func jobID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}
