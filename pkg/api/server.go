package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/approval"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/auth"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/killswitch"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/observability"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/ratelimit"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/reconcile"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

// Metrics records one served request.
type Metrics interface {
	RecordRequest(ctx context.Context, method, route string, status int, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest(context.Context, string, string, int, time.Duration) {}

// Deps are the components the HTTP surface drives. Orders, Gate,
// Approvals, Stock, Emails, Worker, Reconciler, Verifier and Tokens are
// required.
type Deps struct {
	Orders     *order.Service
	Gate       *killswitch.Gate
	Approvals  *approval.Engine
	Stock      inventory.Stocker
	Emails     notify.Store
	Worker     *notify.Worker
	Reconciler *reconcile.Reconciler
	Settings   settings.Store
	Verifier   *payment.Verifier
	Tokens     *auth.Validator

	CheckoutLimiter ratelimit.Limiter
	WebhookLimiter  ratelimit.Limiter
	Metrics         Metrics
	// Health reports readiness of backing services, usually a database ping.
	Health func(ctx context.Context) error
}

// Config holds the deployment-level switches of the HTTP surface.
type Config struct {
	Production bool
	CronSecret string
	// SiteURL is the storefront origin used for payment callback redirects.
	SiteURL    string
	TrustProxy bool
}

// Server routes requests to the domain services.
type Server struct {
	Deps
	production bool
	cronSecret string
	siteURL    string
	trustProxy bool
	metrics    Metrics
	clock      func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewServer(deps Deps, cfg Config) *Server {
	s := &Server{
		Deps:       deps,
		production: cfg.Production,
		cronSecret: cfg.CronSecret,
		siteURL:    strings.TrimSuffix(cfg.SiteURL, "/"),
		trustProxy: cfg.TrustProxy,
		metrics:    deps.Metrics,
		clock:      time.Now,
		logger:     slog.Default().With("component", "api"),
		tracer:     observability.Tracer("api"),
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

func (s *Server) WithTracer(t trace.Tracer) *Server {
	s.tracer = t
	return s
}

// Handler returns the routed handler with request ids, panic recovery and
// request metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/checkout", s.limit("checkout", s.CheckoutLimiter, s.handleCheckout))
	mux.HandleFunc("GET /api/orders/{id}", s.optionalActor(s.handleGetOrder))

	mux.HandleFunc("POST /api/webhooks/payment", s.limit("webhook", s.WebhookLimiter, s.handleWebhook))
	mux.HandleFunc("POST /api/payment/callback", s.limit("webhook", s.WebhookLimiter, s.handleCallback))
	mux.HandleFunc("GET /api/payment/callback", s.limit("webhook", s.WebhookLimiter, s.handleCallback))

	mux.HandleFunc("GET /api/admin/orders/{id}", s.admin(s.handleOrderDetails))
	mux.HandleFunc("POST /api/admin/orders/{id}/{action}", s.admin(s.handleOrderAction))

	mux.HandleFunc("GET /api/admin/fraud/reviews", s.admin(s.handleListReviews))
	mux.HandleFunc("POST /api/admin/fraud/{orderID}/{decision}", s.admin(s.handleReviewDecision))

	mux.HandleFunc("POST /api/admin/approvals", s.admin(s.handleSubmitApproval))
	mux.HandleFunc("GET /api/admin/approvals", s.admin(s.handleListApprovals))
	mux.HandleFunc("GET /api/admin/approvals/{id}", s.admin(s.handleGetApproval))
	mux.HandleFunc("POST /api/admin/approvals/{id}/{decision}", s.admin(s.handleApprovalDecision))

	mux.HandleFunc("GET /api/admin/kill-switches", s.admin(s.handleGetKillSwitches))
	mux.HandleFunc("PUT /api/admin/kill-switches", s.admin(s.handlePutKillSwitches))

	mux.HandleFunc("GET /api/admin/emails/dead-letters", s.admin(s.handleDeadLetters))
	mux.HandleFunc("GET /api/admin/emails/stats", s.admin(s.handleEmailStats))
	mux.HandleFunc("POST /api/admin/emails/{id}/retry", s.admin(s.handleRetryEmail))

	mux.HandleFunc("GET /api/admin/reconciliation", s.admin(s.handleLastReconciliation))

	mux.HandleFunc("POST /api/cron/{job}", s.cron(s.handleCron))
	mux.HandleFunc("GET /api/cron/{job}", s.cron(s.handleCron))

	return requestID(s.instrument(mux))
}

// log returns the request-scoped logger.
func (s *Server) log(r *http.Request) *slog.Logger {
	return s.logger.With("request_id", auth.RequestID(r.Context()))
}
