package config

import (
	"bytes"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/approval"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/ratelimit"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/reconcile"
)

// Policy is the business tuning that operators change without a deploy.
type Policy struct {
	Timezone      string          `yaml:"timezone"`
	Fraud         fraud.Config    `yaml:"fraud"`
	ApprovalRules []approval.Rule `yaml:"approval_rules"`
	Jobs          Jobs            `yaml:"jobs"`
	Reconcile     Reconcile       `yaml:"reconcile"`
	Email         Email           `yaml:"email"`
	RateLimits    RateLimits      `yaml:"rate_limits"`
	KillSwitchTTL time.Duration   `yaml:"kill_switch_ttl"`
	IntentTTL     time.Duration   `yaml:"payment_intent_ttl"`
}

// Jobs are scheduler intervals. Zero disables a job.
type Jobs struct {
	ExpiredPayments time.Duration `yaml:"expired_payments"`
	ZombieOrders    time.Duration `yaml:"zombie_orders"`
	Audit           time.Duration `yaml:"audit"`
	EmailWorker     time.Duration `yaml:"email_worker"`
	EmailCleanup    time.Duration `yaml:"email_cleanup"`
}

type Reconcile struct {
	BatchSize    int           `yaml:"batch_size"`
	SweepBudget  time.Duration `yaml:"sweep_budget"`
	ZombieAge    time.Duration `yaml:"zombie_age"`
	StuckPaidAge time.Duration `yaml:"stuck_paid_age"`
}

type Email struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BatchSize   int           `yaml:"batch_size"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	SentTTL     time.Duration `yaml:"sent_ttl"`
}

type RateLimits struct {
	Checkout ratelimit.Policy `yaml:"checkout"`
	Webhook  ratelimit.Policy `yaml:"webhook"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	rc := reconcile.DefaultConfig()
	wc := notify.DefaultWorkerConfig()
	return &Policy{
		Timezone:      "Africa/Cairo",
		Fraud:         fraud.DefaultConfig(),
		ApprovalRules: approval.DefaultRules(),
		Jobs: Jobs{
			ExpiredPayments: 5 * time.Minute,
			ZombieOrders:    time.Hour,
			Audit:           time.Hour,
			EmailWorker:     time.Minute,
			EmailCleanup:    24 * time.Hour,
		},
		Reconcile: Reconcile{BatchSize: rc.BatchSize, SweepBudget: rc.SweepBudget, ZombieAge: rc.ZombieAge, StuckPaidAge: rc.StuckPaidAge},
		Email: Email{
			MaxAttempts: notify.DefaultMaxAttempts,
			BatchSize:   wc.BatchSize,
			RetryDelay:  wc.RetryDelay,
			SentTTL:     wc.SentTTL,
		},
		RateLimits: RateLimits{
			Checkout: ratelimit.Policy{PerMinute: 10, Burst: 5},
			Webhook:  ratelimit.Policy{PerMinute: 120, Burst: 30},
		},
		KillSwitchTTL: 30 * time.Second,
		IntentTTL:     30 * time.Minute,
	}
}

// LoadPolicy reads path over the defaults. An empty path returns the
// defaults. Keys missing from the file keep their default values.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("load policy %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("parse policy %q: %w", path, err)
		}
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("policy timezone %q: %w", p.Timezone, err)
	}
	p.Fraud.Location = loc
	if p.Fraud.BlockThreshold <= 0 || p.Fraud.RecordThreshold > p.Fraud.BlockThreshold {
		return nil, fmt.Errorf("policy: fraud thresholds must satisfy 0 < record <= block")
	}
	return p, nil
}

// ReconcileConfig converts the policy to reconcile.Config.
func (p *Policy) ReconcileConfig() reconcile.Config {
	cfg := reconcile.DefaultConfig()
	if p.Reconcile.BatchSize > 0 {
		cfg.BatchSize = p.Reconcile.BatchSize
	}
	if p.Reconcile.SweepBudget > 0 {
		cfg.SweepBudget = p.Reconcile.SweepBudget
	}
	if p.Reconcile.ZombieAge > 0 {
		cfg.ZombieAge = p.Reconcile.ZombieAge
	}
	if p.Reconcile.StuckPaidAge > 0 {
		cfg.StuckPaidAge = p.Reconcile.StuckPaidAge
	}
	return cfg
}

// WorkerConfig converts the policy to notify.WorkerConfig.
func (p *Policy) WorkerConfig() notify.WorkerConfig {
	cfg := notify.DefaultWorkerConfig()
	if p.Email.BatchSize > 0 {
		cfg.BatchSize = p.Email.BatchSize
	}
	if p.Email.RetryDelay > 0 {
		cfg.RetryDelay = p.Email.RetryDelay
	}
	if p.Email.SentTTL > 0 {
		cfg.SentTTL = p.Email.SentTTL
	}
	return cfg
}
