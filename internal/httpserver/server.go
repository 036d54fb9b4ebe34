// Package httpserver exposes the marketplace API: agent registry,
// ranked discovery, hires, and the paywalled run pipeline.
package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CloakMarket/server/internal/apikey"
	"github.com/CloakMarket/server/internal/config"
	"github.com/CloakMarket/server/internal/discovery"
	"github.com/CloakMarket/server/internal/hires"
	"github.com/CloakMarket/server/internal/idempotency"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/ratelimit"
	"github.com/CloakMarket/server/internal/registry"
	"github.com/CloakMarket/server/internal/runs"
)

var serverStartTime = time.Now()

// Deps carries everything the router needs.
type Deps struct {
	Config           *config.Config
	Registry         *registry.Service
	Discovery        *discovery.Service
	Hires            *hires.Service
	Runs             *runs.Service
	Limiter          ratelimit.Limiter
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	PromHandler      http.Handler
	Logger           zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg       *config.Config
	registry  *registry.Service
	discovery *discovery.Service
	hires     *hires.Service
	runs      *runs.Service
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:       deps.Config,
			registry:  deps.Registry,
			discovery: deps.Discovery,
			hires:     deps.Hires,
			runs:      deps.Runs,
			metrics:   deps.Metrics,
			logger:    deps.Logger,
		},
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, deps)
	return s
}

// ConfigureRouter attaches marketplace routes to an existing router.
func ConfigureRouter(router chi.Router, deps Deps) {
	if router == nil {
		return
	}
	cfg := deps.Config

	handler := handlers{
		cfg:       cfg,
		registry:  deps.Registry,
		discovery: deps.Discovery,
		hires:     deps.Hires,
		runs:      deps.Runs,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"x-x402-challenge", "x-agentic-trace-id", "x-idempotent-replay"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers first so every response carries them.
	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID for context propagation.
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requestMetrics(deps.Metrics))

	// API key auth resolves the operator wallet before any per-actor
	// rate limiting.
	router.Use(apikey.Middleware(apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		Keys:    cfg.APIKey.Keys,
	}))

	// Transport-level limits guard the listener.
	transportCfg := ratelimit.TransportConfig{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(transportCfg))
	router.Use(ratelimit.IPLimiter(transportCfg))

	// Per-route actor windows.
	limit := func(scope string, rl config.RouteLimit) func(http.Handler) http.Handler {
		return ratelimit.Middleware(scope, deps.Limiter, ratelimit.RouteLimit{
			Limit:  rl.Limit,
			Window: rl.Window.Duration,
		}, deps.Metrics)
	}

	// Lightweight endpoints with a 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		r.Get("/.well-known/agent-marketplace", handler.wellKnownMarketplace)
		if deps.PromHandler != nil {
			r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", deps.PromHandler)
		} else {
			r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())
		}
	})

	idempotencyMW := idempotency.Middleware(deps.IdempotencyStore, "marketplace:runs", deps.Metrics)

	// Marketplace endpoints. Run creation can block on settlement
	// polling, hence the 60s budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/marketplace", func(r chi.Router) {
			r.With(limit(ratelimit.ScopeAgentsWrite, cfg.RateLimit.AgentsWrite)).
				Post("/agents", handler.registerAgent)
			r.With(limit(ratelimit.ScopeAgentsRead, cfg.RateLimit.AgentsRead)).
				Get("/agents", handler.listAgents)
			r.With(limit(ratelimit.ScopeAgentsRead, cfg.RateLimit.AgentsRead)).
				Get("/agents/{agentID}", handler.getAgent)
			r.With(limit(ratelimit.ScopeAgentsWrite, cfg.RateLimit.AgentsWrite)).
				Patch("/agents/{agentID}", handler.patchAgent)

			r.With(limit(ratelimit.ScopeDiscoverRead, cfg.RateLimit.DiscoverRead)).
				Get("/discover", handler.discover)

			r.With(limit(ratelimit.ScopeHiresWrite, cfg.RateLimit.HiresWrite)).
				Post("/hires", handler.createHire)
			r.With(limit(ratelimit.ScopeHiresRead, cfg.RateLimit.HiresRead)).
				Get("/hires", handler.listHires)
			r.With(limit(ratelimit.ScopeHiresRead, cfg.RateLimit.HiresRead)).
				Get("/hires/{hireID}", handler.getHire)
			r.With(limit(ratelimit.ScopeHiresWrite, cfg.RateLimit.HiresWrite)).
				Patch("/hires/{hireID}", handler.patchHire)

			r.With(limit(ratelimit.ScopeRunsWrite, cfg.RateLimit.RunsWrite), idempotencyMW).
				Post("/runs", handler.createRun)
			r.With(limit(ratelimit.ScopeRunsRead, cfg.RateLimit.RunsRead)).
				Get("/runs", handler.listRuns)
			r.With(limit(ratelimit.ScopeRunsRead, cfg.RateLimit.RunsRead)).
				Get("/runs/{runID}", handler.getRun)

			r.With(limit(ratelimit.ScopeMetricsRead, cfg.RateLimit.MetricsRead)).
				Get("/metrics", handler.marketplaceMetrics)
		})
	})
}

// requestMetrics records request counts and latency per route pattern.
func requestMetrics(collector *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if collector == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			collector.ObserveRequest(route, r.Method, strconv.Itoa(ww.Status()), time.Since(start))
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
