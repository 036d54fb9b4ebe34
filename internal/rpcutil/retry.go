// Package rpcutil bounds outbound RPC calls with a transient-error retry
// loop. Callers wrap the single attempt in a closure; the loop decides
// from the error text whether another try is worth it.
package rpcutil

import (
	"context"
	"strings"
	"time"

	"github.com/CloakMarket/server/internal/logger"
)

// Policy bounds one call site's retry loop. Delay doubles after every
// failed attempt.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultPolicy is four tries starting at 100ms (100, 200, 400ms waits).
func DefaultPolicy() Policy {
	return Policy{Attempts: 4, BaseDelay: 100 * time.Millisecond}
}

// WithRetry runs operation under DefaultPolicy.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	return Retry(ctx, DefaultPolicy(), operation)
}

// Retry runs operation until it succeeds, returns a non-transient error,
// the policy's attempts are spent, or ctx is done. The last error seen is
// returned.
func Retry[T any](ctx context.Context, policy Policy, operation func() (T, error)) (T, error) {
	var result T
	var err error

	delay := policy.BaseDelay
	for attempt := 1; ; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, err
		}
		if !transient(err) || attempt >= policy.Attempts {
			return result, err
		}

		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", policy.Attempts).
			Dur("retry_delay", delay).
			Msg("rpc.operation_retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// transientMarkers are matched case-insensitively against the error text.
// RPC providers rarely type their errors, so string matching is the only
// portable signal for network faults, throttling, and upstream 5xx.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"network",
	"rate limit",
	"too many requests",
	"429",
	"throttle",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

func transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
