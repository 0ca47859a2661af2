package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/mapsheet/internal/billing/entitlement"
	"github.com/dukerupert/mapsheet/internal/billing/handler"
	"github.com/dukerupert/mapsheet/internal/billing/live"
	"github.com/dukerupert/mapsheet/internal/billing/lock"
	"github.com/dukerupert/mapsheet/internal/billing/metrics"
	"github.com/dukerupert/mapsheet/internal/billing/plan"
	"github.com/dukerupert/mapsheet/internal/billing/processor"
	"github.com/dukerupert/mapsheet/internal/billing/store"
	billingstripe "github.com/dukerupert/mapsheet/internal/billing/stripe"
	"github.com/dukerupert/mapsheet/internal/middleware"
)

type Config struct {
	WebhookSecret    string
	WebhookTimeout   time.Duration
	PastDueGrace     time.Duration
	EventRetention   time.Duration
	ServiceTokenHash string

	// CheckRateLimit caps entitlement checks per client IP per minute.
	CheckRateLimit int
}

type Server struct {
	cfg         Config
	store       *store.Store
	locker      lock.Locker
	hub         *live.Hub
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger

	webhookH *handler.WebhookHandler
	entH     *handler.EntitlementHandler
	reconH   *handler.ReconciliationHandler
}

// New wires the billing engine. The locker decides whether per-customer
// serialization is process-local or shared through Redis.
func New(db *sql.DB, catalog *plan.Catalog, locker lock.Locker, cfg Config, logger *slog.Logger) *Server {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 5 * time.Second
	}
	if cfg.CheckRateLimit <= 0 {
		cfg.CheckRateLimit = 600
	}

	st := store.New(db, locker)
	hub := live.NewHub(logger)
	proc := processor.New(st, catalog, hub, logger)
	gate := entitlement.New(st, catalog, cfg.PastDueGrace, logger)

	if cfg.ServiceTokenHash == "" {
		logger.Warn("SERVICE_TOKEN_HASH not set, internal API is unauthenticated")
	}

	return &Server{
		cfg:         cfg,
		store:       st,
		locker:      locker,
		hub:         hub,
		rateLimiter: middleware.NewRateLimiter(cfg.CheckRateLimit, time.Minute),
		logger:      logger,
		webhookH:    handler.NewWebhookHandler(billingstripe.NewVerifier(cfg.WebhookSecret), proc, cfg.WebhookTimeout, logger),
		entH:        handler.NewEntitlementHandler(gate, logger),
		reconH:      handler.NewReconciliationHandler(st.Reconciliation(), logger),
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	deps := map[string]handler.Pinger{"database": s.store}
	if p, ok := s.locker.(handler.Pinger); ok {
		deps["lock"] = p
	}
	mux.HandleFunc("GET /health", handler.Health(deps))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Stripe authenticates itself through the payload signature.
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	limit := s.rateLimiter.Middleware(middleware.RealIP)
	mux.Handle("POST /api/entitlements/check", s.protect(limit(http.HandlerFunc(s.entH.Check))))
	mux.Handle("GET /api/customers/{id}/plan", s.protect(http.HandlerFunc(s.entH.Plan)))
	mux.Handle("GET /api/reconciliation", s.protect(http.HandlerFunc(s.reconH.List)))
	mux.Handle("POST /api/reconciliation/{id}/resolve", s.protect(http.HandlerFunc(s.reconH.Resolve)))
	mux.Handle("GET /ws", s.protect(live.HandleWebSocket(s.hub)))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) protect(h http.Handler) http.Handler {
	if s.cfg.ServiceTokenHash == "" {
		return h
	}
	return middleware.RequireServiceToken(s.cfg.ServiceTokenHash)(h)
}

// Cleanup prunes dedup records past the retention window, drops expired
// rate-limit windows and refreshes the state gauges.
func (s *Server) Cleanup(ctx context.Context, now time.Time) error {
	if s.cfg.EventRetention > 0 {
		n, err := s.store.Events().PruneBefore(ctx, now.Add(-s.cfg.EventRetention))
		if err != nil {
			return fmt.Errorf("prune webhook events: %w", err)
		}
		if n > 0 {
			metrics.EventsPrunedTotal.Add(float64(n))
			s.logger.Info("pruned webhook events", "count", n)
		}
	}

	s.rateLimiter.Cleanup()

	counts, err := s.store.Subscriptions().CountByStatus(ctx)
	if err != nil {
		return err
	}
	metrics.SubscriptionsByStatus.Reset()
	for status, n := range counts {
		metrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	open, err := s.store.Reconciliation().CountOpen(ctx)
	if err != nil {
		return err
	}
	metrics.ReconciliationOpen.Set(float64(open))
	if open > 0 {
		s.logger.Warn("events awaiting reconciliation", "count", open)
	}
	return nil
}
