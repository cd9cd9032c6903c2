package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/approval"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "APP_ENV", "DATABASE_URL", "CRON_SECRET", "SITE_URL", "OTEL_ENABLED", "SCHEDULER_ENABLED"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, "main", cfg.DefaultWarehouseID)
	assert.False(t, cfg.OTelEnabled)
	assert.True(t, cfg.SchedulerEnabled)
	assert.NoError(t, cfg.Validate(), "development does not require secrets")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "Production")
	t.Setenv("SITE_URL", "https://shop.example/")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("CRON_SECRET", "")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, "https://shop.example", cfg.SiteURL)
	assert.True(t, cfg.OTelEnabled)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRON_SECRET")
	assert.Contains(t, err.Error(), "PAYMENT_WEBHOOK_SECRET")
	assert.NotContains(t, err.Error(), "JWT_SECRET")
}

func TestLoadPolicy_DefaultsWithoutFile(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, 50, p.Fraud.BlockThreshold)
	assert.Equal(t, "Africa/Cairo", p.Fraud.Location.String())
	assert.Len(t, p.ApprovalRules, len(approval.DefaultRules()))
	assert.Equal(t, 100, p.ReconcileConfig().BatchSize)
	assert.Equal(t, 10, p.WorkerConfig().BatchSize)
}

func TestLoadPolicy_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
timezone: UTC
fraud:
  block_threshold: 60
  high_risk_areas: ["Risky City"]
approval_rules:
  - id: refund
    entity_type: order
    action_type: refund
    condition: {field: amount, operator: ">", value: 500}
    requires_two: true
jobs:
  audit: 30m
reconcile:
  zombie_age: 12h
email:
  retry_delay: 1m
rate_limits:
  checkout: {per_minute: 30, burst: 10}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 60, p.Fraud.BlockThreshold)
	assert.Equal(t, 25, p.Fraud.RecordThreshold, "unset keys keep defaults")
	assert.Equal(t, []string{"Risky City"}, p.Fraud.HighRiskAreas)
	require.Len(t, p.ApprovalRules, 1)
	assert.True(t, p.ApprovalRules[0].RequiresTwo)
	assert.Equal(t, 30*time.Minute, p.Jobs.Audit)
	assert.Equal(t, 5*time.Minute, p.Jobs.ExpiredPayments)
	assert.Equal(t, 12*time.Hour, p.ReconcileConfig().ZombieAge)
	assert.Equal(t, time.Minute, p.WorkerConfig().RetryDelay)
	assert.Equal(t, 30, p.RateLimits.Checkout.PerMinute)
	assert.Equal(t, time.UTC, p.Fraud.Location)
}

func TestLoadPolicy_Rejects(t *testing.T) {
	dir := t.TempDir()
	write := func(name, doc string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))
		return p
	}

	_, err := LoadPolicy(write("unknown.yaml", "fruad: {}\n"))
	assert.Error(t, err)
	_, err = LoadPolicy(write("tz.yaml", "timezone: Mars/Olympus\n"))
	assert.Error(t, err)
	_, err = LoadPolicy(write("thresholds.yaml", "fraud: {record_threshold: 80, block_threshold: 50}\n"))
	assert.Error(t, err)
	_, err = LoadPolicy(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
