// Package app initializes and holds the long-lived services: database
// pool, durable queue, orchestrator, worker pool, and the ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/blob"
	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/events"
	"github.com/crestwell/leadpipe/internal/extract"
	"github.com/crestwell/leadpipe/internal/fetch"
	"github.com/crestwell/leadpipe/internal/logging"
	"github.com/crestwell/leadpipe/internal/mx"
	"github.com/crestwell/leadpipe/internal/ops"
	"github.com/crestwell/leadpipe/internal/orchestrator"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
	"github.com/crestwell/leadpipe/internal/smtp"
	"github.com/crestwell/leadpipe/internal/store"
	"github.com/crestwell/leadpipe/internal/verify"
	"github.com/crestwell/leadpipe/internal/worker"
)

// Sentinel errors so the CLI can map startup failures to exit codes.
var (
	ErrDatabase = errors.New("database unreachable")
	ErrQueue    = errors.New("queue unreachable")
)

// App is the dependency container built once at startup.
type App struct {
	Config       config.Config
	Log          *zap.Logger
	DB           *pgxpool.Pool
	Store        store.Store
	Queue        queue.Queue
	Orchestrator *orchestrator.Orchestrator
	Workers      *worker.Pool
	Ops          *ops.Server

	closers []func()
}

// New builds every service from configuration and verifies the database
// and queue answer before returning. It fails fast: a partial container
// is never returned.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log, err := logging.New(cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{Config: cfg, Log: log}
	clk := clock.NewSystem()

	if err := a.initDatabase(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	bl, err := a.initBlob(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	pub, err := a.initEvents(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter := ratelimit.NewLimiter(ratelimit.NewPostgresKV(a.DB), ratelimit.Options{
		GlobalMaxConcurrency: cfg.Limits.GlobalMaxConcurrency,
		GlobalRPS:            cfg.Limits.GlobalRPS,
		PerMXMaxConcurrency:  cfg.Limits.PerMXMaxConcurrency,
		PerMXRPS:             cfg.Limits.PerMXRPS,
		AcquireTimeout:       time.Duration(cfg.Limits.AcquireTimeoutSec) * time.Second,
		SlotTTL:              cfg.Worker.Lease(),
	}, clk, log)

	fetcher := fetch.NewClient(fetch.ClientConfig{
		UserAgent:      cfg.Fetch.UserAgent,
		BaseDelay:      time.Duration(cfg.Fetch.DefaultDelaySec) * time.Second,
		RobotsTTL:      time.Duration(cfg.Fetch.RobotsTTLSec) * time.Second,
		RobotsDenyTTL:  time.Duration(cfg.Fetch.RobotsDenyTTLSec) * time.Second,
		CacheTTL:       time.Duration(cfg.Fetch.CacheTTLSec) * time.Second,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		ConnectTimeout: cfg.Fetch.ConnectTimeout,
		RequestTimeout: cfg.Fetch.RequestTimeout,
		MaxRetries:     cfg.Fetch.MaxRetries,
	}, clk, log)

	resolver := mx.NewResolver(nil, cfg.Freemail.Extra, clk, log)
	guard := smtp.NewHostGuard(cfg.SMTP.AllowedHosts)
	preflight := smtp.NewPreflight(nil, nil, cfg.SMTP.PreflightTimeout, log)
	sink := store.NewSink(a.Store, log)
	prober := smtp.NewProber(smtp.ProberConfig{
		HELODomain:     cfg.SMTP.HELODomain,
		MailFrom:       cfg.SMTP.MailFrom,
		ConnectTimeout: cfg.SMTP.ConnectTimeout,
		CommandTimeout: cfg.SMTP.CommandTimeout,
	}, nil, guard, sink, clk, log)

	var fallback orchestrator.FallbackVerifier
	if cfg.Fallback.Enabled() {
		fallback = verify.NewFallbackClient(cfg.Fallback.URL, cfg.Fallback.APIKey, log)
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:     a.Store,
		Queue:     a.Queue,
		Blob:      bl,
		Events:    pub,
		Fetcher:   fetcher,
		Extractor: extract.NewHeuristic(log),
		Resolver:  resolver,
		Prober:    prober,
		Preflight: preflight,
		Guard:     guard,
		Catchall: func(ctx context.Context, domain, mxHost string, now time.Time) (smtp.CatchallOutcome, error) {
			return smtp.CheckCatchall(ctx, prober, domain, mxHost, now)
		},
		Limiter:  limiter,
		Fallback: fallback,
		Config:   cfg,
		Clock:    clk,
		Log:      log,
	})

	a.Workers = worker.NewPool(a.Queue, a.Orchestrator, cfg.Worker,
		ratelimit.NewBackoff(cfg.RetrySchedule()), log)
	a.Ops = ops.NewServer(a.Store, a.Queue, a.Orchestrator, a.DB, cfg, log)

	log.Info("application services initialized",
		zap.String("blob_provider", cfg.Blob.Provider),
		zap.String("events_provider", cfg.Events.Provider),
		zap.Bool("smtp_probes", cfg.SMTP.Enabled))
	return a, nil
}

func (a *App) initDatabase(ctx context.Context, cfg config.Config) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("%w: parse dsn: %v", ErrDatabase, err)
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}
	if cfg.DB.MinConns > 0 {
		poolCfg.MinConns = cfg.DB.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrDatabase, err)
	}
	a.DB = pool
	a.Store = store.NewPostgres(pool)
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	q := queue.NewPostgres(a.DB)
	// A depth probe proves the jobs table is reachable and migrated.
	if _, err := q.Depth(ctx, orchestrator.QueueVerify); err != nil {
		return fmt.Errorf("%w: %v", ErrQueue, err)
	}
	a.Queue = q
	return nil
}

func (a *App) initBlob(ctx context.Context, cfg config.Config) (blob.Store, error) {
	var (
		bl  blob.Store
		err error
	)
	switch cfg.Blob.Provider {
	case "gcs":
		client, cerr := gcstorage.NewClient(ctx)
		if cerr != nil {
			return nil, fmt.Errorf("gcs client: %w", cerr)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		bl, err = blob.NewGCS(ctx, client, cfg.Blob.Bucket)
	case "fs":
		bl, err = blob.NewFS(cfg.Blob.Dir)
	case "memory":
		bl = blob.NewMemory()
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Blob.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Blob.Prefix != "" {
		bl = blob.Prefixed{Next: bl, Prefix: cfg.Blob.Prefix}
	}
	return bl, nil
}

func (a *App) initEvents(ctx context.Context, cfg config.Config) (events.Publisher, error) {
	switch cfg.Events.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		topic := client.Topic(cfg.Events.Topic)
		a.closers = append(a.closers, topic.Stop)
		return events.NewPubSub(topic)
	case "memory":
		return events.NewMemory(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown events provider %q", cfg.Events.Provider)
	}
}

// Close releases every service in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.Log != nil {
		_ = a.Log.Sync()
	}
}
