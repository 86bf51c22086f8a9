// Package httpserver wires the extraction request plane onto chi: identity
// cookies, rate limits, the fail-closed sweeper gate, and the handlers for
// quotes, extraction, credits, and webhook ingest.
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

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/devicetoken"
	"github.com/PixelProbe/server/internal/extraction"
	"github.com/PixelProbe/server/internal/idempotency"
	"github.com/PixelProbe/server/internal/ledger"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/internal/quota"
	"github.com/PixelProbe/server/internal/quotes"
	"github.com/PixelProbe/server/internal/ratelimit"
	stripesvc "github.com/PixelProbe/server/internal/stripe"
	"github.com/PixelProbe/server/internal/webhooks"
)

// Deps bundles everything the handlers need.
type Deps struct {
	Cfg              *config.Config
	Pipeline         *extraction.Pipeline
	Quotes           *quotes.Service
	Sweeper          *quotes.Sweeper
	Ledger           *ledger.Service
	Quota            *quota.Enforcer
	Ingestor         *webhooks.Ingestor
	Stripe           *stripesvc.Client
	Minter           *devicetoken.Minter
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Schedule         func() pricing.Schedule
	Logger           zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	Deps
}

// New builds the HTTP server with a configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{Deps: deps},
		httpServer: &http.Server{
			Addr:         deps.Cfg.Server.Address,
			ReadTimeout:  deps.Cfg.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, deps)

	return s
}

// ConfigureRouter attaches the PixelProbe routes to an existing router.
func ConfigureRouter(router chi.Router, deps Deps) {
	if router == nil {
		return
	}

	handler := handlers{Deps: deps}
	cfg := deps.Cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID so the request logger propagates.
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(httpMetricsMiddleware(deps.Metrics))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:    cfg.RateLimit.GlobalEnabled,
		GlobalLimit:      cfg.RateLimit.GlobalLimit,
		GlobalWindow:     cfg.RateLimit.GlobalWindow.Duration,
		QuoteLimit:       cfg.RateLimit.QuoteLimit,
		QuoteWindow:      cfg.RateLimit.QuoteWindow.Duration,
		QuoteBurstLimit:  cfg.RateLimit.QuoteBurstLimit,
		QuoteBurstWindow: cfg.RateLimit.QuoteBurstWindow.Duration,
		ExtractLimit:     cfg.RateLimit.ExtractLimit,
		ExtractWindow:    cfg.RateLimit.ExtractWindow.Duration,
		Metrics:          deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health, metrics.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/probe-health", handler.health)
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	idempotencyMW := idempotency.Middleware(deps.IdempotencyStore, 24*time.Hour)

	// Request plane. The identity middleware mints device and session cookies
	// before any quota decision; the sweeper gate fails closed when quote
	// state is stale.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(90 * time.Second))
		r.Use(handler.identityMiddleware)

		r.With(
			handler.sweeperGate,
			ratelimit.QuoteLimiter(rateLimitCfg),
		).Post(prefix+"/quote", handler.createQuote)

		r.With(
			handler.sweeperGate,
			ratelimit.ExtractLimiter(rateLimitCfg, deviceCookieName),
		).Post(prefix+"/extract", handler.extract)

		r.Get(prefix+"/credits/balance", handler.creditsBalance)
		r.Get(prefix+"/credits/packs", handler.creditPacks)
		r.Get(prefix+"/credits/transactions", handler.creditTransactions)
		r.With(idempotencyMW).Post(prefix+"/credits/purchase", handler.purchaseCredits)
	})

	// Webhooks and admin: no identity cookies, providers do not hold them.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Post(prefix+"/webhooks/payment", handler.paymentWebhook)
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Post(prefix+"/admin/sweep", handler.adminSweep)
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
