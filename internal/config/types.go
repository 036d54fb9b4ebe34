package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Marketplace    MarketplaceConfig    `yaml:"marketplace"`
	X402           X402Config           `yaml:"x402"`
	Onchain        OnchainConfig        `yaml:"onchain"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// MarketplaceConfig holds marketplace policy configuration.
// The enforcement flags are read per request so operators can toggle them
// without a restart.
type MarketplaceConfig struct {
	OnchainEnforcement   bool   `yaml:"onchain_enforcement"`    // Require on-chain identity checks on register/hire/run
	SpendAuthRequired    bool   `yaml:"spend_auth_required"`    // Require a spend authorization on every run
	DefaultServiceWallet string `yaml:"default_service_wallet"` // Fallback settlement destination when a profile omits one
	DefaultTrustScore    int    `yaml:"default_trust_score"`    // Trust score assigned to newly registered profiles (0-100)
}

// X402Config holds shielded x402 paywall configuration.
type X402Config struct {
	Network            string   `yaml:"network"`             // Settlement network identifier (e.g. "starknet-sepolia")
	Token              string   `yaml:"token"`               // Token accepted by challenges (e.g. "STRK")
	ChallengeTTL       Duration `yaml:"challenge_ttl"`       // Challenge validity window (default: 5m)
	FacilitatorURL     string   `yaml:"facilitator_url"`     // Settlement facilitator base URL
	SettlementPoll     Duration `yaml:"settlement_poll"`     // Poll interval while awaiting settlement (default: 2s)
	SettlementTimeout  Duration `yaml:"settlement_timeout"`  // Total deadline for waitForSettlement (default: 30s)
	SettlementAttempts int      `yaml:"settlement_attempts"` // Max facilitator polls per settlement (default: 15)
	TongoRecipient     string   `yaml:"tongo_recipient"`     // Default shielded recipient when a profile omits one
}

// OnchainConfig holds the identity-registry capability configuration.
type OnchainConfig struct {
	RPCURL          string   `yaml:"rpc_url"`          // Identity registry RPC endpoint (empty disables remote checks)
	RegistryAddress string   `yaml:"registry_address"` // Identity registry contract address
	RequestTimeout  Duration `yaml:"request_timeout"`  // Per-check deadline (default: 3s)
}

// StorageConfig holds entity storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	CleanupInterval Duration           `yaml:"cleanup_interval"` // How often expired challenges are swept (default: challenge TTL)
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// RouteLimit configures a fixed window for one route scope.
type RouteLimit struct {
	Limit  int      `yaml:"limit"`  // Requests allowed per window
	Window Duration `yaml:"window"` // Window length
}

// RateLimitConfig holds rate limiting configuration.
// Transport-level limits (global, per-IP) guard the listener; route limits
// implement the per-actor fixed windows of the marketplace API.
type RateLimitConfig struct {
	// Global rate limiting (across all callers, enforced at the router)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-IP rate limiting (enforced at the router)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	// Per-actor fixed windows, keyed by route scope
	AgentsWrite  RouteLimit `yaml:"agents_write"`
	AgentsRead   RouteLimit `yaml:"agents_read"`
	DiscoverRead RouteLimit `yaml:"discover_read"`
	HiresWrite   RouteLimit `yaml:"hires_write"`
	HiresRead    RouteLimit `yaml:"hires_read"`
	RunsWrite    RouteLimit `yaml:"runs_write"`
	RunsRead     RouteLimit `yaml:"runs_read"`
	MetricsRead  RouteLimit `yaml:"metrics_read"`

	// Backend selects where buckets live: "memory" (default) or "redis"
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
}

// IdempotencyConfig holds idempotent-replay configuration.
type IdempotencyConfig struct {
	TTL      Duration `yaml:"ttl"`       // Record retention (default: 24h)
	Backend  string   `yaml:"backend"`   // "memory" (default) or "redis"
	RedisURL string   `yaml:"redis_url"` // Redis connection URL for the redis backend
}

// APIKeyConfig holds API key authentication configuration.
// Keys map an API key to the operator wallet it authenticates as.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"` // Enforce API key auth on marketplace routes (default: true)
	Keys    map[string]string `yaml:"keys"`    // Map of API key -> operator wallet address
}

// TelemetryConfig holds funnel event emission configuration.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"` // Emit marketplace.funnel.* events (default: true)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`     // Enable circuit breakers (default: true)
	Facilitator BreakerServiceConfig `yaml:"facilitator"` // Settlement facilitator breaker
	OnchainRPC  BreakerServiceConfig `yaml:"onchain_rpc"` // Identity registry RPC breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
