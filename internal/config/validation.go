package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.X402.ChallengeTTL.Duration <= 0 {
		c.X402.ChallengeTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.X402.SettlementPoll.Duration <= 0 {
		c.X402.SettlementPoll = Duration{Duration: 2 * time.Second}
	}
	if c.X402.SettlementTimeout.Duration <= 0 {
		c.X402.SettlementTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.X402.SettlementAttempts <= 0 {
		c.X402.SettlementAttempts = 15
	}
	if c.Onchain.RequestTimeout.Duration <= 0 {
		c.Onchain.RequestTimeout = Duration{Duration: 3 * time.Second}
	}
	// The sweeper runs at the challenge TTL cadence unless tuned explicitly.
	if c.Storage.CleanupInterval.Duration <= 0 {
		c.Storage.CleanupInterval = c.X402.ChallengeTTL
	}
	if c.Idempotency.TTL.Duration <= 0 {
		c.Idempotency.TTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Marketplace.DefaultTrustScore < 0 {
		c.Marketplace.DefaultTrustScore = 0
	}
	if c.Marketplace.DefaultTrustScore > 100 {
		c.Marketplace.DefaultTrustScore = 100
	}

	applyRouteLimitDefault(&c.RateLimit.AgentsWrite, 30, time.Minute)
	applyRouteLimitDefault(&c.RateLimit.AgentsRead, 120, time.Minute)
	applyRouteLimitDefault(&c.RateLimit.DiscoverRead, 60, time.Minute)
	applyRouteLimitDefault(&c.RateLimit.HiresWrite, 30, time.Minute)
	applyRouteLimitDefault(&c.RateLimit.HiresRead, 120, time.Minute)
	applyRouteLimitDefault(&c.RateLimit.RunsWrite, 60, time.Minute)
	applyRouteLimitDefault(&c.RateLimit.RunsRead, 120, time.Minute)
	applyRouteLimitDefault(&c.RateLimit.MetricsRead, 60, time.Minute)

	// Wallet addresses are compared lowercase-normalized everywhere.
	c.Marketplace.DefaultServiceWallet = strings.ToLower(strings.TrimSpace(c.Marketplace.DefaultServiceWallet))
	for key, wallet := range c.APIKey.Keys {
		c.APIKey.Keys[key] = strings.ToLower(strings.TrimSpace(wallet))
	}

	return c.validate()
}

// applyRouteLimitDefault fills in zero-valued route limits.
func applyRouteLimitDefault(rl *RouteLimit, limit int, window time.Duration) {
	if rl.Limit <= 0 {
		rl.Limit = limit
	}
	if rl.Window.Duration <= 0 {
		rl.Window = Duration{Duration: window}
	}
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "", "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	switch c.RateLimit.Backend {
	case "", "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			errs = append(errs, "rate_limit.redis_url is required when rate_limit.backend is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("rate_limit.backend %q is not supported (memory, redis)", c.RateLimit.Backend))
	}

	switch c.Idempotency.Backend {
	case "", "memory":
	case "redis":
		if c.Idempotency.RedisURL == "" {
			errs = append(errs, "idempotency.redis_url is required when idempotency.backend is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.backend %q is not supported (memory, redis)", c.Idempotency.Backend))
	}

	if c.X402.Network == "" {
		errs = append(errs, "x402.network is required")
	}
	if c.X402.Token == "" {
		errs = append(errs, "x402.token is required")
	}
	if c.X402.FacilitatorURL != "" {
		if err := validateHTTPURL(c.X402.FacilitatorURL); err != nil {
			errs = append(errs, fmt.Sprintf("x402.facilitator_url: %v", err))
		}
	}
	if c.Onchain.RPCURL != "" {
		if err := validateHTTPURL(c.Onchain.RPCURL); err != nil {
			errs = append(errs, fmt.Sprintf("onchain.rpc_url: %v", err))
		}
	}
	// Enforcement without a registry endpoint would turn every check into
	// "unknown", which never rejects; surface the misconfiguration early.
	if c.Marketplace.OnchainEnforcement && c.Onchain.RPCURL == "" && c.Onchain.RegistryAddress == "" {
		errs = append(errs, "marketplace.onchain_enforcement requires onchain.rpc_url or onchain.registry_address")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateHTTPURL checks that a URL parses and uses an http(s) scheme.
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
