// Package config loads process configuration from the environment and
// business policy from a YAML file.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	Env      string

	DatabaseURL string
	RedisAddr   string

	CronSecret    string
	JWTSecret     string
	JWTIssuer     string
	WebhookSecret string

	PaymentGatewayURL    string
	PaymentGatewayAPIKey string
	PaymentProvider      string
	SiteURL              string

	EmailAPIURL string
	EmailAPIKey string
	EmailFrom   string

	DefaultWarehouseID string
	Currency           string

	OTelEnabled  bool
	OTelEndpoint string

	ReportSink     string
	ReportDir      string
	ReportBucket   string
	ReportRegion   string
	ReportEndpoint string
	ReportPrefix   string

	PolicyFile       string
	SchedulerEnabled bool
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     env("PORT", "8080"),
		LogLevel: env("LOG_LEVEL", "INFO"),
		Env:      strings.ToLower(env("APP_ENV", EnvDevelopment)),

		DatabaseURL: env("DATABASE_URL", "postgres://fulfillment@localhost:5432/fulfillment?sslmode=disable"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		CronSecret:    os.Getenv("CRON_SECRET"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTIssuer:     env("JWT_ISSUER", "fulfillment"),
		WebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),

		PaymentGatewayURL:    os.Getenv("PAYMENT_GATEWAY_URL"),
		PaymentGatewayAPIKey: os.Getenv("PAYMENT_GATEWAY_API_KEY"),
		PaymentProvider:      env("PAYMENT_PROVIDER", "paymob"),
		SiteURL:              strings.TrimSuffix(env("SITE_URL", "http://localhost:3000"), "/"),

		EmailAPIURL: os.Getenv("EMAIL_API_URL"),
		EmailAPIKey: os.Getenv("EMAIL_API_KEY"),
		EmailFrom:   env("EMAIL_FROM", "orders@localhost"),

		DefaultWarehouseID: env("DEFAULT_WAREHOUSE_ID", "main"),
		Currency:           env("CURRENCY", "EGP"),

		OTelEnabled:  boolEnv("OTEL_ENABLED", false),
		OTelEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		ReportSink:     os.Getenv("REPORT_SINK"),
		ReportDir:      env("REPORT_DIR", "data/reports"),
		ReportBucket:   os.Getenv("REPORT_BUCKET"),
		ReportRegion:   env("REPORT_REGION", os.Getenv("AWS_REGION")),
		ReportEndpoint: os.Getenv("REPORT_ENDPOINT"),
		ReportPrefix:   os.Getenv("REPORT_PREFIX"),

		PolicyFile:       os.Getenv("POLICY_FILE"),
		SchedulerEnabled: boolEnv("SCHEDULER_ENABLED", true),
		TrustProxy:       boolEnv("TRUST_PROXY", false),
	}
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool { return c.Env == EnvProduction }

// Validate rejects production configurations that would leave cron,
// admin or webhook endpoints unauthenticated.
func (c *Config) Validate() error {
	if !c.Production() {
		return nil
	}
	var errs []error
	if c.CronSecret == "" {
		errs = append(errs, errors.New("CRON_SECRET is required in production"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("PAYMENT_WEBHOOK_SECRET is required in production"))
	}
	return errors.Join(errs...)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
