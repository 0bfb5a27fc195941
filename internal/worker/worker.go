// Package worker runs the queue-consumer pool. Workers reserve jobs,
// hand them to the dispatcher, and keep leases alive until the handler
// returns.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
)

// Dispatcher executes one job and accounts for jobs that died.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *queue.Job) error
	OnJobDead(ctx context.Context, job *queue.Job) error
}

// Pool is a fixed set of workers over one queue set.
type Pool struct {
	queue   queue.Queue
	disp    Dispatcher
	cfg     config.WorkerConfig
	backoff ratelimit.Backoff
	log     *zap.Logger
}

// NewPool wires a Pool. The backoff schedule spaces retries of failed
// jobs.
func NewPool(q queue.Queue, disp Dispatcher, cfg config.WorkerConfig, backoff ratelimit.Backoff, log *zap.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{queue: q, disp: disp, cfg: cfg, backoff: backoff, log: log}
}

// Run blocks until ctx finishes. In-flight jobs complete before it
// returns.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool starting",
		zap.Int("count", p.cfg.Count),
		zap.String("queues", strings.Join(p.cfg.Queues, ",")))

	var wg sync.WaitGroup
	if p.cfg.RecoveryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runRecovery(ctx)
		}()
	}
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		job, err := p.queue.Reserve(ctx, p.cfg.Queues, workerID, p.cfg.Lease())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, pipeline.ErrNotFound) {
				p.log.Error("reserve failed", zap.String("worker_id", workerID), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.process(ctx, workerID, job)
	}
}

// process runs one job under its type's timeout, heartbeating the lease
// until the handler returns.
func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx := ctx
	if timeout := p.jobTimeout(job.Type); timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stopHeartbeat := p.startHeartbeat(ctx, workerID, job.ID)
	err := p.disp.Dispatch(jobCtx, job)
	stopHeartbeat()

	if err == nil {
		if cerr := p.queue.Complete(ctx, job.ID, workerID); cerr != nil {
			p.log.Error("complete failed", zap.String("job_id", job.ID), zap.Error(cerr))
			return
		}
		metrics.ObserveJob(job.Queue, "completed")
		return
	}

	dead := !pipeline.Retryable(err) || job.Attempts+1 >= job.MaxAttempts
	delay := p.backoff.Delay(job.Attempts)
	if ferr := p.queue.Fail(context.WithoutCancel(ctx), job.ID, workerID, err, delay); ferr != nil {
		p.log.Error("fail failed", zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}
	if !dead {
		metrics.ObserveJob(job.Queue, "retried")
		p.log.Warn("job retried",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempt", job.Attempts+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return
	}
	metrics.ObserveJob(job.Queue, "dead")
	p.log.Error("job dead",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempts", job.Attempts+1),
		zap.Error(err))
	job.LastError = err.Error()
	if derr := p.disp.OnJobDead(context.WithoutCancel(ctx), job); derr != nil {
		p.log.Error("dead-job accounting failed", zap.String("job_id", job.ID), zap.Error(derr))
	}
}

// startHeartbeat extends the lease on an interval until the returned
// stop function runs.
func (p *Pool) startHeartbeat(ctx context.Context, workerID, jobID string) func() {
	interval := p.cfg.Heartbeat()
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, jobID, workerID, p.cfg.Lease()); err != nil {
					p.log.Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// runRecovery periodically requeues expired leases and refreshes the
// queue depth gauges.
func (p *Pool) runRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, dead, err := p.queue.RecoverExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("lease recovery failed", zap.Error(err))
				}
				continue
			}
			if recovered > 0 {
				p.log.Warn("expired leases recovered",
					zap.Int("count", recovered), zap.Int("dead", len(dead)))
			}
			// Jobs that burned their last attempt on an expired lease
			// never pass through the worker failure path, so their
			// dead-job accounting happens here.
			for _, j := range dead {
				if derr := p.disp.OnJobDead(ctx, j); derr != nil {
					p.log.Error("dead job accounting failed",
						zap.String("job_id", j.ID), zap.Error(derr))
				}
			}
			for _, q := range p.cfg.Queues {
				depth, err := p.queue.Depth(ctx, q)
				if err != nil {
					continue
				}
				metrics.SetQueueDepth(q, depth)
			}
		}
	}
}

// jobTimeout picks the per-job deadline. Probes get the tight SMTP
// budget; everything else runs under the crawl budget.
func (p *Pool) jobTimeout(jobType string) time.Duration {
	if jobType == queue.TypeProbeEmail {
		return p.cfg.ProbeJobTimeout
	}
	return p.cfg.CrawlJobTimeout
}
