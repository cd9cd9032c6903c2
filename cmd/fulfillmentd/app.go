package main

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/api"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/approval"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/archive"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/auth"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/catalog"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/config"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/jobs"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/killswitch"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/observability"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/ratelimit"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/reconcile"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/resiliency"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

// app holds the wired process. Close releases it in reverse order.
type app struct {
	server    *api.Server
	scheduler *jobs.Scheduler
	limiters  []*ratelimit.MemoryLimiter

	db       *sql.DB
	redis    *redis.Client
	provider *observability.Provider
	logger   *slog.Logger
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	otelCfg.Environment = cfg.Env
	otelCfg.Insecure = !cfg.Production()
	if a.provider, err = observability.New(ctx, otelCfg); err != nil {
		return nil, err
	}
	metrics, err := observability.NewMetrics(a.provider.Meter())
	if err != nil {
		return nil, err
	}

	if a.db, err = database.Open(ctx, cfg.DatabaseURL, database.DefaultPoolConfig()); err != nil {
		return nil, err
	}
	if err = database.Migrate(ctx, a.db); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if perr := client.Ping(ctx).Err(); perr != nil {
			logger.Warn("redis unavailable, using in-process limiters and locks", "addr", cfg.RedisAddr, "error", perr)
			_ = client.Close()
		} else {
			a.redis = client
		}
	}

	st := settings.NewPostgresStore(a.db)
	gate := killswitch.NewGate(st, killswitch.WithTTL(policy.KillSwitchTTL), killswitch.WithLogger(logger.With("component", "killswitch")))
	composer, err := notify.NewComposer(policy.Email.MaxAttempts)
	if err != nil {
		return nil, err
	}

	opts := []order.Option{
		order.WithIntentTTL(policy.IntentTTL),
		order.WithCurrency(cfg.Currency),
		order.WithDefaultWarehouse(cfg.DefaultWarehouseID),
		order.WithMetrics(metrics),
		order.WithLogger(logger.With("component", "order")),
	}
	if cfg.PaymentGatewayURL != "" {
		gw := payment.NewHTTPGateway(cfg.PaymentProvider, cfg.PaymentGatewayURL, cfg.PaymentGatewayAPIKey, resiliency.NewClient("payment"))
		opts = append(opts, order.WithGateway(gw))
	} else {
		logger.Warn("PAYMENT_GATEWAY_URL not set, card checkout will fail to create intents")
	}
	svc := order.NewService(order.NewPostgresRepository(a.db), catalog.NewPostgresCatalog(a.db), gate, fraud.NewScorer(policy.Fraud), composer, opts...)

	approvals, err := approval.NewEngine(approval.NewPostgresStore(a.db), policy.ApprovalRules, approval.WithLogger(logger.With("component", "approval")))
	if err != nil {
		return nil, err
	}

	sink, err := archive.New(ctx, archive.Config{
		Kind:     archive.Kind(cfg.ReportSink),
		Dir:      cfg.ReportDir,
		Bucket:   cfg.ReportBucket,
		Region:   cfg.ReportRegion,
		Endpoint: cfg.ReportEndpoint,
		Prefix:   cfg.ReportPrefix,
	})
	if err != nil {
		return nil, err
	}
	ledger := inventory.NewPostgresLedger(a.db)
	rOpts := []reconcile.Option{
		reconcile.WithConfig(policy.ReconcileConfig()),
		reconcile.WithMetrics(metrics),
		reconcile.WithLogger(logger.With("component", "reconcile")),
	}
	if sink != nil {
		rOpts = append(rOpts, reconcile.WithArchive(sink))
	}
	reconciler := reconcile.New(svc, payment.NewPostgresIntentStore(a.db), order.NewPostgresStore(a.db), ledger, st, rOpts...)

	var sender notify.Sender = notify.NewLogSender(logger.With("component", "email"))
	if cfg.EmailAPIURL != "" {
		sender = notify.NewHTTPSender(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, resiliency.NewClient("email"))
	}
	emails := notify.NewPostgresStore(a.db)
	worker := notify.NewWorker(emails, sender, policy.WorkerConfig()).
		WithMetrics(metrics).
		WithLogger(logger.With("component", "email-worker"))

	checkoutLimiter, webhookLimiter, locker := a.coordination(policy)

	a.server = api.NewServer(api.Deps{
		Orders:          svc,
		Gate:            gate,
		Approvals:       approvals,
		Stock:           ledger,
		Emails:          emails,
		Worker:          worker,
		Reconciler:      reconciler,
		Settings:        st,
		Verifier:        payment.NewVerifier(cfg.WebhookSecret),
		Tokens:          auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer),
		CheckoutLimiter: checkoutLimiter,
		WebhookLimiter:  webhookLimiter,
		Metrics:         metrics,
		Health:          a.db.PingContext,
	}, api.Config{
		Production: cfg.Production(),
		CronSecret: cfg.CronSecret,
		SiteURL:    cfg.SiteURL,
		TrustProxy: cfg.TrustProxy,
	}).WithLogger(logger.With("component", "api"))

	a.scheduler = jobs.NewScheduler(locker, a.schedule(policy.Jobs)...).WithLogger(logger.With("component", "jobs"))
	return a, nil
}

// coordination picks Redis-backed limiters and locks when Redis is up and
// in-process ones otherwise.
func (a *app) coordination(p *config.Policy) (checkout, webhook ratelimit.Limiter, locker jobs.Locker) {
	if a.redis != nil {
		return ratelimit.NewRedisLimiter(a.redis, "ratelimit:checkout:", p.RateLimits.Checkout),
			ratelimit.NewRedisLimiter(a.redis, "ratelimit:webhook:", p.RateLimits.Webhook),
			jobs.NewRedisLocker(a.redis, "jobs:lock:")
	}
	c := ratelimit.NewMemoryLimiter(p.RateLimits.Checkout)
	w := ratelimit.NewMemoryLimiter(p.RateLimits.Webhook)
	a.limiters = append(a.limiters, c, w)
	return c, w, jobs.NewMemoryLocker()
}

// schedule maps policy intervals onto scheduler jobs. A zero interval leaves
// the job out.
func (a *app) schedule(p config.Jobs) []jobs.Job {
	intervals := map[string]time.Duration{
		string(reconcile.JobExpiredPayments): p.ExpiredPayments,
		string(reconcile.JobZombieOrders):    p.ZombieOrders,
		string(reconcile.JobAudit):           p.Audit,
		api.JobEmailWorker:                   p.EmailWorker,
		api.JobEmailCleanup:                  p.EmailCleanup,
	}
	var out []jobs.Job
	for _, name := range api.JobNames {
		every := intervals[name]
		if every <= 0 {
			continue
		}
		out = append(out, jobs.Job{
			Name:     name,
			Interval: every,
			Run: func(ctx context.Context, requestID string) error {
				_, err := a.server.RunJob(ctx, name, requestID)
				return err
			},
		})
	}
	return out
}

// startBackground runs the in-process limiter janitors until ctx is done.
func (a *app) startBackground(ctx context.Context) {
	for _, l := range a.limiters {
		go l.Janitor(ctx)
	}
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.provider != nil {
		if err := a.provider.Shutdown(ctx); err != nil {
			a.logger.Error("observability shutdown", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close", "error", err)
		}
	}
}
