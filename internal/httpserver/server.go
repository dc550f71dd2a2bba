package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/credibill/server/internal/billing"
	"github.com/credibill/server/internal/config"
	"github.com/credibill/server/internal/identity"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/internal/metrics"
	"github.com/credibill/server/internal/ratelimit"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg     *config.Config
	billing *billing.Service
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, billingSvc *billing.Service, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:     cfg,
			billing: billingSvc,
			metrics: metricsCollector,
			logger:  appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, billingSvc, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches billing routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, billingSvc *billing.Service, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:     cfg,
		billing: billingSvc,
		metrics: metricsCollector,
		logger:  appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers first, then logging before RequestID so the request
	// logger is in context for everything downstream.
	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// User identity resolution (X-API-Key -> user id) before rate limiting.
	router.Use(identity.Middleware(identity.Config{
		Enabled: cfg.Identity.Enabled,
		Keys:    cfg.Identity.Keys,
	}))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/credits-health", handler.health)
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Billing endpoints. Invoice creation blocks on the provider, so this
	// timeout must exceed the provider client timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Post(prefix+"/billing/v1/invoices", handler.createInvoice)
		r.Get(prefix+"/billing/v1/balance", handler.getBalance)
		r.Get(prefix+"/billing/v1/transactions", handler.listTransactions)

		// Provider callback endpoints. Not versioned behind identity: the
		// provider authenticates with the HMAC signature, and URLs must stay
		// stable across deployments.
		r.Post(prefix+"/billing/v1/callback", handler.paymentCallback)
		r.Post(prefix+"/billing/v1/callback/success", handler.paymentSucceeded)
		r.Get(prefix+"/billing/v1/callback/success", handler.paymentSucceeded)
		r.Post(prefix+"/billing/v1/callback/fail", handler.paymentFailed)
		r.Get(prefix+"/billing/v1/callback/fail", handler.paymentFailed)

		// Operational triggers for the sweep and the deduplicator.
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Post(prefix+"/billing/v1/admin/reconcile", handler.triggerReconcile)
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Post(prefix+"/billing/v1/admin/cleanup", handler.triggerCleanup)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
