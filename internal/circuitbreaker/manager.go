package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/CloakMarket/server/internal/config"
)

// ServiceType identifies different external services for circuit breaker isolation.
type ServiceType string

const (
	ServiceFacilitator ServiceType = "facilitator"
	ServiceOnchainRPC  ServiceType = "onchain_rpc"
)

// Manager manages circuit breakers for different external services.
// Each service has its own breaker so a degraded facilitator cannot
// trip identity-registry lookups, and vice versa.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled bool

	Facilitator BreakerConfig
	OnchainRPC  BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open.
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the internal counts.
	// If 0, never clears.
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// Trip thresholds: consecutive failures, or failure ratio once
	// MinRequests have been observed.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		Facilitator: BreakerConfig{
			MaxRequests:         cfg.Facilitator.MaxRequests,
			Interval:            cfg.Facilitator.Interval.Duration,
			Timeout:             cfg.Facilitator.Timeout.Duration,
			ConsecutiveFailures: cfg.Facilitator.ConsecutiveFailures,
			FailureRatio:        cfg.Facilitator.FailureRatio,
			MinRequests:         cfg.Facilitator.MinRequests,
		},
		OnchainRPC: BreakerConfig{
			MaxRequests:         cfg.OnchainRPC.MaxRequests,
			Interval:            cfg.OnchainRPC.Interval.Duration,
			Timeout:             cfg.OnchainRPC.Timeout.Duration,
			ConsecutiveFailures: cfg.OnchainRPC.ConsecutiveFailures,
			FailureRatio:        cfg.OnchainRPC.FailureRatio,
			MinRequests:         cfg.OnchainRPC.MinRequests,
		},
	})
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		// No breakers registered means every Execute passes through.
		return m
	}

	m.breakers[ServiceFacilitator] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceFacilitator), cfg.Facilitator))
	m.breakers[ServiceOnchainRPC] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceOnchainRPC), cfg.OnchainRPC))

	return m
}

// Execute wraps a function call with circuit breaker protection.
// If circuit breakers are disabled or not configured for the service,
// the call executes directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled or service not found.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if !m.config.Enabled {
		return Counts{}
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Facilitator: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		OnchainRPC: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
	}
}
