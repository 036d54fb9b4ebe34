package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Marketplace: MarketplaceConfig{
			OnchainEnforcement: false,
			SpendAuthRequired:  false,
			DefaultTrustScore:  50,
		},
		X402: X402Config{
			Network:            "starknet-sepolia",
			Token:              "STRK",
			ChallengeTTL:       Duration{Duration: 5 * time.Minute},
			SettlementPoll:     Duration{Duration: 2 * time.Second},
			SettlementTimeout:  Duration{Duration: 30 * time.Second},
			SettlementAttempts: 15,
		},
		Onchain: OnchainConfig{
			RequestTimeout: Duration{Duration: 3 * time.Second},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			// Generous limits, designed to prevent spam rather than restrict
			// legitimate use.
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},

			AgentsWrite:  RouteLimit{Limit: 30, Window: Duration{Duration: 1 * time.Minute}},
			AgentsRead:   RouteLimit{Limit: 120, Window: Duration{Duration: 1 * time.Minute}},
			DiscoverRead: RouteLimit{Limit: 60, Window: Duration{Duration: 1 * time.Minute}},
			HiresWrite:   RouteLimit{Limit: 30, Window: Duration{Duration: 1 * time.Minute}},
			HiresRead:    RouteLimit{Limit: 120, Window: Duration{Duration: 1 * time.Minute}},
			RunsWrite:    RouteLimit{Limit: 60, Window: Duration{Duration: 1 * time.Minute}},
			RunsRead:     RouteLimit{Limit: 120, Window: Duration{Duration: 1 * time.Minute}},
			MetricsRead:  RouteLimit{Limit: 60, Window: Duration{Duration: 1 * time.Minute}},

			Backend: "memory",
		},
		Idempotency: IdempotencyConfig{
			TTL:     Duration{Duration: 24 * time.Hour},
			Backend: "memory",
		},
		APIKey: APIKeyConfig{
			Enabled: true,
			Keys:    make(map[string]string),
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Facilitator: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			OnchainRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
