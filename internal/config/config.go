// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Generate GenerateConfig `mapstructure:"generate"`
	Freemail FreemailConfig `mapstructure:"freemail"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Events   EventsConfig   `mapstructure:"events"`
}

// LogConfig toggles zap development features.
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// WorkerConfig governs the queue-consumer pool.
type WorkerConfig struct {
	Count             int           `mapstructure:"count"`
	Queues            []string      `mapstructure:"queues"`
	LeaseSeconds      int           `mapstructure:"lease_seconds"`
	HeartbeatSeconds  int           `mapstructure:"heartbeat_seconds"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	ProbeJobTimeout   time.Duration `mapstructure:"probe_job_timeout"`
	CrawlJobTimeout   time.Duration `mapstructure:"crawl_job_timeout"`
	DefaultMaxRetries int           `mapstructure:"max_retries"`
}

// Lease returns the worker lease as a duration.
func (w WorkerConfig) Lease() time.Duration {
	return time.Duration(w.LeaseSeconds) * time.Second
}

// Heartbeat returns the heartbeat interval as a duration.
func (w WorkerConfig) Heartbeat() time.Duration {
	return time.Duration(w.HeartbeatSeconds) * time.Second
}

// OpsConfig controls the observability HTTP server.
type OpsConfig struct {
	Port        int    `mapstructure:"port"`
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	APIKey      string `mapstructure:"api_key"`
}

// LimitsConfig holds the layered rate-limit knobs.
type LimitsConfig struct {
	GlobalMaxConcurrency int `mapstructure:"global_max_concurrency"`
	GlobalRPS            int `mapstructure:"global_rps"`
	PerMXMaxConcurrency  int `mapstructure:"per_mx_max_concurrency"`
	PerMXRPS             int `mapstructure:"per_mx_rps"`
	AcquireTimeoutSec    int `mapstructure:"acquire_timeout_sec"`
}

// FetchConfig governs the polite HTTP fetcher.
type FetchConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	DefaultDelaySec  int           `mapstructure:"default_delay_sec"`
	RobotsTTLSec     int           `mapstructure:"robots_ttl_sec"`
	RobotsDenyTTLSec int           `mapstructure:"robots_deny_ttl_sec"`
	CacheTTLSec      int           `mapstructure:"cache_ttl_sec"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

// CrawlConfig bounds autodiscovery crawling.
type CrawlConfig struct {
	MaxPagesPerDomain int `mapstructure:"max_pages_per_domain"`
	MaxDepth          int `mapstructure:"max_depth"`
}

// SMTPConfig holds the probe identity and timeouts. HELODomain and
// MailFrom must be operator-controlled with matching PTR and SPF.
type SMTPConfig struct {
	Enabled          bool          `mapstructure:"probes_enabled"`
	HELODomain       string        `mapstructure:"helo_domain"`
	MailFrom         string        `mapstructure:"mail_from"`
	AllowedHosts     []string      `mapstructure:"allowed_hosts"`
	PreflightTimeout time.Duration `mapstructure:"preflight_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
}

// VerifyConfig is the verification retry and policy surface.
type VerifyConfig struct {
	MaxAttempts          int   `mapstructure:"max_attempts"`
	RetrySchedule        []int `mapstructure:"retry_schedule"`
	ResultTTLDays        int   `mapstructure:"result_ttl_days"`
	CatchallTTLDays      int   `mapstructure:"catchall_ttl_days"`
	SkipProbesOnCatchall bool  `mapstructure:"skip_probes_on_catchall"`
}

// FallbackConfig configures the optional third-party verifier.
type FallbackConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// Enabled reports whether a fallback provider is configured.
func (f FallbackConfig) Enabled() bool { return f.URL != "" }

// BudgetConfig caps tenant activity.
type BudgetConfig struct {
	HardCompanyLimit24h int `mapstructure:"hard_company_limit_24h"`
}

// GenerateConfig tunes email generation.
type GenerateConfig struct {
	MaxPermutations int  `mapstructure:"max_permutations"`
	CleanupInvalid  bool `mapstructure:"cleanup_invalid"`
}

// FreemailConfig extends the built-in consumer-provider denylist.
type FreemailConfig struct {
	Extra []string `mapstructure:"extra"`
}

// BlobConfig selects where raw page HTML is stored.
type BlobConfig struct {
	Provider string `mapstructure:"provider"` // gcs | fs | memory
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Dir      string `mapstructure:"dir"`
}

// EventsConfig selects the run-lifecycle event publisher.
type EventsConfig struct {
	Provider  string `mapstructure:"provider"` // pubsub | memory | none
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEADPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults installs the documented default for every knob.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.development", false)

	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queues", []string{"crawl", "generate", "verify"})
	v.SetDefault("worker.lease_seconds", 300)
	v.SetDefault("worker.heartbeat_seconds", 60)
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.recovery_interval", "30s")
	v.SetDefault("worker.probe_job_timeout", "45s")
	v.SetDefault("worker.crawl_job_timeout", "10m")
	v.SetDefault("worker.max_retries", 5)

	v.SetDefault("ops.port", 8080)
	v.SetDefault("ops.auth_enabled", false)

	v.SetDefault("limits.global_max_concurrency", 12)
	v.SetDefault("limits.global_rps", 6)
	v.SetDefault("limits.per_mx_max_concurrency", 2)
	v.SetDefault("limits.per_mx_rps", 1)
	v.SetDefault("limits.acquire_timeout_sec", 10)

	v.SetDefault("fetch.user_agent", "leadpipe-bot/1.0 (+https://crestwellpartners.com/bot)")
	v.SetDefault("fetch.default_delay_sec", 3)
	v.SetDefault("fetch.robots_ttl_sec", 3600)
	v.SetDefault("fetch.robots_deny_ttl_sec", 300)
	v.SetDefault("fetch.cache_ttl_sec", 900)
	v.SetDefault("fetch.max_body_bytes", 2*1024*1024)
	v.SetDefault("fetch.connect_timeout", "5s")
	v.SetDefault("fetch.request_timeout", "30s")
	v.SetDefault("fetch.max_retries", 2)

	v.SetDefault("crawl.max_pages_per_domain", 10)
	v.SetDefault("crawl.max_depth", 1)

	v.SetDefault("smtp.probes_enabled", false)
	v.SetDefault("smtp.preflight_timeout", "1500ms")
	v.SetDefault("smtp.connect_timeout", "10s")
	v.SetDefault("smtp.command_timeout", "20s")

	v.SetDefault("verify.max_attempts", 5)
	v.SetDefault("verify.retry_schedule", []int{5, 15, 45, 90, 180})
	v.SetDefault("verify.result_ttl_days", 90)
	v.SetDefault("verify.catchall_ttl_days", 7)
	v.SetDefault("verify.skip_probes_on_catchall", false)

	v.SetDefault("budget.hard_company_limit_24h", 1000)

	v.SetDefault("generate.max_permutations", 8)
	v.SetDefault("generate.cleanup_invalid", true)

	v.SetDefault("blob.provider", "memory")
	v.SetDefault("blob.prefix", "pages")

	v.SetDefault("events.provider", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.LeaseSeconds <= c.Worker.HeartbeatSeconds {
		return fmt.Errorf("worker.lease_seconds must exceed worker.heartbeat_seconds")
	}
	if c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0")
	}
	if c.Ops.AuthEnabled && c.Ops.APIKey == "" {
		return fmt.Errorf("ops.api_key must be set when ops auth is enabled")
	}
	if c.Limits.GlobalMaxConcurrency <= 0 {
		return fmt.Errorf("limits.global_max_concurrency must be > 0")
	}
	if c.Limits.PerMXMaxConcurrency <= 0 {
		return fmt.Errorf("limits.per_mx_max_concurrency must be > 0")
	}
	if c.Fetch.UserAgent == "" {
		return fmt.Errorf("fetch.user_agent must be set")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.SMTP.Enabled {
		if c.SMTP.HELODomain == "" {
			return fmt.Errorf("smtp.helo_domain must be set when probes are enabled")
		}
		if c.SMTP.MailFrom == "" {
			return fmt.Errorf("smtp.mail_from must be set when probes are enabled")
		}
	}
	if c.Verify.MaxAttempts <= 0 {
		return fmt.Errorf("verify.max_attempts must be > 0")
	}
	if len(c.Verify.RetrySchedule) == 0 {
		return fmt.Errorf("verify.retry_schedule must not be empty")
	}
	if c.Budget.HardCompanyLimit24h <= 0 {
		return fmt.Errorf("budget.hard_company_limit_24h must be > 0")
	}
	switch c.Blob.Provider {
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set for the gcs provider")
		}
	case "fs":
		if c.Blob.Dir == "" {
			return fmt.Errorf("blob.dir must be set for the fs provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown blob.provider %q", c.Blob.Provider)
	}
	switch c.Events.Provider {
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic must be set for pubsub")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("unknown events.provider %q", c.Events.Provider)
	}
	return nil
}

// RetrySchedule converts the configured schedule into durations.
func (c Config) RetrySchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Verify.RetrySchedule))
	for _, s := range c.Verify.RetrySchedule {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
