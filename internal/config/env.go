package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use CLOAK_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "CLOAK_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "CLOAK_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "CLOAK_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "CLOAK_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "CLOAK_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "CLOAK_ENVIRONMENT")

	// Marketplace policy flags
	setBoolIfEnv(&c.Marketplace.OnchainEnforcement, "CLOAK_ONCHAIN_ENFORCEMENT")
	setBoolIfEnv(&c.Marketplace.SpendAuthRequired, "CLOAK_SPEND_AUTH_REQUIRED")
	setIfEnv(&c.Marketplace.DefaultServiceWallet, "CLOAK_DEFAULT_SERVICE_WALLET")
	setIntIfEnv(&c.Marketplace.DefaultTrustScore, "CLOAK_DEFAULT_TRUST_SCORE")

	// x402 config
	setIfEnv(&c.X402.Network, "CLOAK_X402_NETWORK")
	setIfEnv(&c.X402.Token, "CLOAK_X402_TOKEN")
	setIfEnv(&c.X402.FacilitatorURL, "CLOAK_X402_FACILITATOR_URL")
	setIfEnv(&c.X402.TongoRecipient, "CLOAK_X402_TONGO_RECIPIENT")
	setDurationIfEnv(&c.X402.ChallengeTTL, "CLOAK_X402_CHALLENGE_TTL")
	setDurationIfEnv(&c.X402.SettlementPoll, "CLOAK_X402_SETTLEMENT_POLL")
	setDurationIfEnv(&c.X402.SettlementTimeout, "CLOAK_X402_SETTLEMENT_TIMEOUT")
	setIntIfEnv(&c.X402.SettlementAttempts, "CLOAK_X402_SETTLEMENT_ATTEMPTS")

	// On-chain identity registry config
	setIfEnv(&c.Onchain.RPCURL, "CLOAK_ONCHAIN_RPC_URL")
	setIfEnv(&c.Onchain.RegistryAddress, "CLOAK_ONCHAIN_REGISTRY_ADDRESS")
	setDurationIfEnv(&c.Onchain.RequestTimeout, "CLOAK_ONCHAIN_REQUEST_TIMEOUT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "CLOAK_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "CLOAK_STORAGE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "CLOAK_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "CLOAK_STORAGE_MONGODB_DATABASE")
	setDurationIfEnv(&c.Storage.CleanupInterval, "CLOAK_STORAGE_CLEANUP_INTERVAL")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "CLOAK_RATELIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "CLOAK_RATELIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "CLOAK_RATELIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "CLOAK_RATELIMIT_PER_IP_LIMIT")
	setIfEnv(&c.RateLimit.Backend, "CLOAK_RATELIMIT_BACKEND")
	setIfEnv(&c.RateLimit.RedisURL, "CLOAK_RATELIMIT_REDIS_URL")
	applyRouteLimitEnv(&c.RateLimit.AgentsWrite, "CLOAK_RATELIMIT_AGENTS_WRITE")
	applyRouteLimitEnv(&c.RateLimit.AgentsRead, "CLOAK_RATELIMIT_AGENTS_READ")
	applyRouteLimitEnv(&c.RateLimit.DiscoverRead, "CLOAK_RATELIMIT_DISCOVER_READ")
	applyRouteLimitEnv(&c.RateLimit.HiresWrite, "CLOAK_RATELIMIT_HIRES_WRITE")
	applyRouteLimitEnv(&c.RateLimit.HiresRead, "CLOAK_RATELIMIT_HIRES_READ")
	applyRouteLimitEnv(&c.RateLimit.RunsWrite, "CLOAK_RATELIMIT_RUNS_WRITE")
	applyRouteLimitEnv(&c.RateLimit.RunsRead, "CLOAK_RATELIMIT_RUNS_READ")
	applyRouteLimitEnv(&c.RateLimit.MetricsRead, "CLOAK_RATELIMIT_METRICS_READ")

	// Idempotency config
	setDurationIfEnv(&c.Idempotency.TTL, "CLOAK_IDEMPOTENCY_TTL")
	setIfEnv(&c.Idempotency.Backend, "CLOAK_IDEMPOTENCY_BACKEND")
	setIfEnv(&c.Idempotency.RedisURL, "CLOAK_IDEMPOTENCY_REDIS_URL")

	// Telemetry config
	setBoolIfEnv(&c.Telemetry.Enabled, "CLOAK_TELEMETRY_ENABLED")

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "CLOAK_API_KEY_ENABLED")
	// Load API keys (CLOAK_API_KEY_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "CLOAK_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "CLOAK_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		// CLOAK_API_KEY_OPS_7F3A=0xabc... -> key: "ops_7f3a", wallet: "0xabc..."
		key := strings.ToLower(name)
		wallet := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = wallet
	}
}

// applyRouteLimitEnv reads <prefix>_LIMIT and <prefix>_WINDOW overrides.
func applyRouteLimitEnv(target *RouteLimit, prefix string) {
	setIntIfEnv(&target.Limit, prefix+"_LIMIT")
	setDurationIfEnv(&target.Window, prefix+"_WINDOW")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an integer pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "marketplace-core" -> "/marketplace-core"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	// Ensure it starts with /
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	// Ensure it doesn't end with /
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
