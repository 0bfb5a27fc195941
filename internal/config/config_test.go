package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.Set("db.dsn", "postgres://localhost/leadpipe_test")

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 4, cfg.Worker.Count)
	require.Equal(t, []string{"crawl", "generate", "verify"}, cfg.Worker.Queues)
	require.Equal(t, 12, cfg.Limits.GlobalMaxConcurrency)
	require.Equal(t, 1, cfg.Limits.PerMXRPS)
	require.Equal(t, []int{5, 15, 45, 90, 180}, cfg.Verify.RetrySchedule)
	require.False(t, cfg.SMTP.Enabled)
	require.False(t, cfg.Fallback.Enabled())
}

func TestValidateRequiresDSN(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.DB.DSN = ""
	require.ErrorContains(t, cfg.Validate(), "db.dsn")
}

func TestValidateSMTPIdentity(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.SMTP.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "smtp.helo_domain")

	cfg.SMTP.HELODomain = "probe.crestwellpartners.com"
	require.ErrorContains(t, cfg.Validate(), "smtp.mail_from")

	cfg.SMTP.MailFrom = "probe@crestwellpartners.com"
	require.NoError(t, cfg.Validate())
}

func TestValidateLeaseOutlivesHeartbeat(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.Worker.LeaseSeconds = 30
	cfg.Worker.HeartbeatSeconds = 60
	require.ErrorContains(t, cfg.Validate(), "lease_seconds")
}

func TestValidateBlobProvider(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.Blob.Provider = "s3"
	require.ErrorContains(t, cfg.Validate(), "blob.provider")

	cfg.Blob.Provider = "gcs"
	require.ErrorContains(t, cfg.Validate(), "blob.bucket")

	cfg.Blob.Bucket = "leadpipe-pages"
	require.NoError(t, cfg.Validate())
}

func TestValidateOpsAuth(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.Ops.AuthEnabled = true
	require.ErrorContains(t, cfg.Validate(), "ops.api_key")
}

func TestRetryScheduleDurations(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	ds := cfg.RetrySchedule()
	require.Len(t, ds, 5)
	require.Equal(t, "5s", ds[0].String())
	require.Equal(t, "3m0s", ds[4].String())
}
