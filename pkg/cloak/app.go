// Package cloak assembles the marketplace components for standalone
// serving or embedding into a host application's router.
package cloak

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CloakMarket/server/internal/circuitbreaker"
	"github.com/CloakMarket/server/internal/config"
	"github.com/CloakMarket/server/internal/discovery"
	"github.com/CloakMarket/server/internal/facilitator"
	"github.com/CloakMarket/server/internal/hires"
	"github.com/CloakMarket/server/internal/httpserver"
	"github.com/CloakMarket/server/internal/idempotency"
	"github.com/CloakMarket/server/internal/lifecycle"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/onchain"
	"github.com/CloakMarket/server/internal/paywall"
	"github.com/CloakMarket/server/internal/ratelimit"
	"github.com/CloakMarket/server/internal/registry"
	"github.com/CloakMarket/server/internal/runs"
	"github.com/CloakMarket/server/internal/spendauth"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
	"github.com/CloakMarket/server/pkg/x402"
)

// App wires the marketplace services for reuse or standalone serving.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Registry  *registry.Service
	Discovery *discovery.Service
	Hires     *hires.Service
	Runs      *runs.Service
	Paywall   *paywall.Service
	SpendAuth *spendauth.Registry
	Telemetry *telemetry.Registry
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	router    chi.Router
	resources *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store       storage.Store
	facilitator x402.Facilitator
	checker     onchain.Checker
	router      chi.Router
	registerer  prometheus.Registerer
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithFacilitator injects a custom settlement facilitator.
func WithFacilitator(fac x402.Facilitator) Option {
	return func(o *options) { o.facilitator = fac }
}

// WithChecker injects a custom on-chain identity checker.
func WithChecker(checker onchain.Checker) Option {
	return func(o *options) { o.checker = checker }
}

// WithRouter registers routes onto an existing chi.Router.
func WithRouter(router chi.Router) Option {
	return func(o *options) { o.router = router }
}

// WithRegisterer sets the Prometheus registerer metrics attach to.
// Tests pass a private registry to avoid duplicate registration.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// NewApp assembles the marketplace services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("cloak: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "cloak-market",
		Environment: cfg.Logging.Environment,
	})

	app := &App{
		Config:    cfg,
		Logger:    appLogger,
		resources: lifecycle.NewManager(),
	}

	registerer := optState.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	app.Metrics = metrics.New(registerer)

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:         cfg.Storage.Backend,
			PostgresURL:     cfg.Storage.PostgresURL,
			MongoDBURL:      cfg.Storage.MongoDBURL,
			MongoDBDatabase: cfg.Storage.MongoDBDatabase,
			PostgresPool:    cfg.Storage.PostgresPool,
			CleanupInterval: cfg.Storage.CleanupInterval.Duration,
		})
		if err != nil {
			return nil, err
		}
		app.Store = storage.WithMetrics(store, app.Metrics, cfg.Storage.Backend)
		app.resources.Register("storage", store)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			appLogger.Warn().Msg("cloak: using the in-memory store, state is lost on restart")
		}
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	var checker onchain.Checker
	switch {
	case optState.checker != nil:
		checker = optState.checker
	case cfg.Onchain.RPCURL != "":
		checker = onchain.NewRPCChecker(
			cfg.Onchain.RPCURL,
			cfg.Onchain.RegistryAddress,
			cfg.Onchain.RequestTimeout.Duration,
			func() bool { return cfg.Marketplace.OnchainEnforcement },
			breakers,
			app.Metrics,
		)
	default:
		checker = onchain.NoopChecker{}
	}

	fac := optState.facilitator
	if fac == nil {
		fac = facilitator.NewClient(cfg.X402.FacilitatorURL, cfg.X402.SettlementTimeout.Duration, breakers, app.Metrics)
	}

	app.Telemetry = telemetry.NewRegistry(appLogger)
	if cfg.Telemetry.Enabled {
		loggingHook := telemetry.NewLoggingHook(appLogger)
		app.Telemetry.RegisterFunnelHook(loggingHook)
		app.Telemetry.RegisterPaywallHook(loggingHook)
		promHook := telemetry.NewPrometheusHook(app.Metrics)
		app.Telemetry.RegisterFunnelHook(promHook)
		app.Telemetry.RegisterPaywallHook(promHook)
	}

	app.Paywall = paywall.NewService(app.Store, fac, app.Telemetry, app.Metrics, paywall.Config{
		Network:            cfg.X402.Network,
		Token:              cfg.X402.Token,
		ChallengeTTL:       cfg.X402.ChallengeTTL.Duration,
		SettlementPoll:     cfg.X402.SettlementPoll.Duration,
		SettlementTimeout:  cfg.X402.SettlementTimeout.Duration,
		SettlementAttempts: cfg.X402.SettlementAttempts,
		TongoRecipient:     cfg.X402.TongoRecipient,
		FacilitatorURL:     cfg.X402.FacilitatorURL,
	})

	// The sweeper GCs expired challenges at the TTL cadence.
	sweepInterval := cfg.Storage.CleanupInterval.Duration
	if sweepInterval <= 0 {
		sweepInterval = cfg.X402.ChallengeTTL.Duration
	}
	sweeper := paywall.NewSweeper(app.Store, app.Metrics, appLogger, sweepInterval)
	sweeper.Start()
	app.resources.Register("challenge-sweeper", sweeper)

	app.SpendAuth = spendauth.NewRegistry(app.Metrics)
	app.Registry = registry.NewService(app.Store, checker, app.Metrics, cfg.Marketplace.DefaultServiceWallet, cfg.Marketplace.DefaultTrustScore)
	app.Discovery = discovery.NewService(app.Store, app.Telemetry, app.Metrics)
	app.Hires = hires.NewService(app.Store, checker, app.Telemetry, app.Metrics)
	app.Runs = runs.NewService(app.Store, checker, app.Paywall, app.SpendAuth, runs.NewExecutorRegistry(), app.Telemetry, app.Metrics, cfg.Marketplace.SpendAuthRequired)

	limiter, err := newLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	app.resources.Register("rate-limiter", limiter)

	idemStore, err := newIdempotencyStore(cfg.Idempotency)
	if err != nil {
		return nil, err
	}
	app.resources.Register("idempotency-store", idemStore)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	var promHandler http.Handler
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		promHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	httpserver.ConfigureRouter(app.router, httpserver.Deps{
		Config:           cfg,
		Registry:         app.Registry,
		Discovery:        app.Discovery,
		Hires:            app.Hires,
		Runs:             app.Runs,
		Limiter:          limiter,
		IdempotencyStore: idemStore,
		Metrics:          app.Metrics,
		PromHandler:      promHandler,
		Logger:           appLogger,
	})

	return app, nil
}

// newLimiter selects the rate-limit bucket backend.
func newLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	if cfg.Backend == "redis" {
		return ratelimit.NewRedisLimiter(cfg.RedisURL)
	}
	return ratelimit.NewMemoryLimiter(), nil
}

// newIdempotencyStore selects the idempotency record backend.
func newIdempotencyStore(cfg config.IdempotencyConfig) (idempotency.Store, error) {
	ttl := cfg.TTL.Duration
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if cfg.Backend == "redis" {
		return idempotency.NewRedisStore(cfg.RedisURL, ttl)
	}
	return idempotency.NewMemoryStore(ttl), nil
}

// Router returns the chi router with marketplace routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app.
func (a *App) Close() error {
	return a.resources.Close()
}

// NewHandler constructs an App and returns its handler plus a shutdown
// function, for hosts that only want the http surface.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct.
type Config = config.Config

// LoadConfig wraps the internal loader for embedding consumers.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
