package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CloakMarket/server/internal/apikey"
	apierrors "github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/metrics"
)

// Route scopes for the per-actor fixed windows. The scope is part of the
// bucket key, so each route family rations its actors independently.
const (
	ScopeAgentsWrite  = "marketplace:agents:write"
	ScopeAgentsRead   = "marketplace:agents:read"
	ScopeDiscoverRead = "marketplace:discover:read"
	ScopeHiresWrite   = "marketplace:hires:write"
	ScopeHiresRead    = "marketplace:hires:read"
	ScopeRunsWrite    = "marketplace:runs:write"
	ScopeRunsRead     = "marketplace:runs:read"
	ScopeMetricsRead  = "marketplace:metrics:read"
)

// TransportConfig holds the router-level limits applied before any
// route handling: one global window across all callers and one per
// client IP. These guard the listener; the per-actor windows implement
// the marketplace API contract.
type TransportConfig struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// rateLimitResponse is the JSON body for transport-level denials. The
// per-actor middleware uses the standard error envelope instead.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// transportLimitHandler builds the denial handler shared by the global
// and per-IP limiters.
func transportLimitHandler(limitType string, windowSeconds int, collector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if collector != nil {
			collector.ObserveRateLimit(limitType)
		}

		message := "Rate limit exceeded. Please try again later."
		if limitType == "global" {
			message = "Global rate limit exceeded. Please try again later."
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// GlobalLimiter creates the cross-caller transport limiter.
func GlobalLimiter(cfg TransportConfig) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			transportLimitHandler("global", int(cfg.GlobalWindow.Seconds()), cfg.Metrics),
		),
	)
}

// IPLimiter creates the per-client-IP transport limiter.
func IPLimiter(cfg TransportConfig) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			transportLimitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), cfg.Metrics),
		),
	)
}

// Middleware enforces the per-actor fixed window for one route scope.
// The actor is the authenticated operator wallet, falling back to the
// remote address for unauthenticated routes. Denials return 429 with
// the standard error envelope plus a top-level retry_after and the
// Retry-After header.
func Middleware(scope string, limiter Limiter, limit RouteLimit, collector *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := apikey.OperatorWallet(r)
			if actor == "" {
				actor = r.RemoteAddr
			}

			decision, err := limiter.Consume(r.Context(), scope, actor, limit)
			if err != nil {
				// A broken limiter backend must not take the API down;
				// fail open and let the transport limits hold the line.
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				if collector != nil {
					collector.ObserveRateLimit(scope)
				}
				writeDenied(w, decision.RetryAfterSeconds)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeDenied writes the 429 envelope with retry_after.
func writeDenied(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)

	body := map[string]any{
		"error": map[string]any{
			"code":      apierrors.ErrCodeRateLimited,
			"message":   "Rate limit exceeded. Please try again later.",
			"retryable": true,
		},
		"retry_after": retryAfter,
	}
	json.NewEncoder(w).Encode(body)
}
