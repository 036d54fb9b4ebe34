package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry manages a collection of telemetry hooks.
// It safely dispatches events to all registered hooks with panic recovery,
// so a misbehaving hook can never take a request down with it.
// All methods are safe on a nil receiver, letting callers skip nil checks.
type Registry struct {
	funnelHooks  []FunnelHook
	paywallHooks []PaywallHook
	logger       zerolog.Logger
	mu           sync.RWMutex
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger,
	}
}

// RegisterFunnelHook adds a funnel hook to the registry.
func (r *Registry) RegisterFunnelHook(hook FunnelHook) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funnelHooks = append(r.funnelHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered funnel hook")
}

// RegisterPaywallHook adds a paywall hook to the registry.
func (r *Registry) RegisterPaywallHook(hook PaywallHook) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paywallHooks = append(r.paywallHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered paywall hook")
}

// EmitFunnel dispatches a funnel event to all funnel hooks. Missing
// fields are filled in: timestamp defaults to now, level to "info",
// and the trace id is read from the context when unset.
func (r *Registry) EmitFunnel(ctx context.Context, event FunnelEvent) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = "info"
	}
	if event.TraceID == "" {
		event.TraceID = TraceIDFromContext(ctx)
	}

	r.mu.RLock()
	hooks := r.funnelHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnFunnelEvent", hook.Name())
			hook.OnFunnelEvent(ctx, event)
		}()
	}
}

// EmitChallengeIssued dispatches the event to all paywall hooks.
func (r *Registry) EmitChallengeIssued(ctx context.Context, event ChallengeIssuedEvent) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	hooks := r.paywallHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnChallengeIssued", hook.Name())
			hook.OnChallengeIssued(ctx, event)
		}()
	}
}

// EmitPaymentVerified dispatches the event to all paywall hooks.
func (r *Registry) EmitPaymentVerified(ctx context.Context, event PaymentVerifiedEvent) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	hooks := r.paywallHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnPaymentVerified", hook.Name())
			hook.OnPaymentVerified(ctx, event)
		}()
	}
}

// EmitPaymentSettled dispatches the event to all paywall hooks.
func (r *Registry) EmitPaymentSettled(ctx context.Context, event PaymentSettledEvent) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	hooks := r.paywallHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnPaymentSettled", hook.Name())
			hook.OnPaymentSettled(ctx, event)
		}()
	}
}

// recoverPanic recovers from panics in hook implementations.
// This ensures one bad hook doesn't crash the entire system.
func (r *Registry) recoverPanic(method, hookName string) {
	if err := recover(); err != nil {
		r.logger.Error().
			Str("hook", hookName).
			Str("method", method).
			Interface("panic", err).
			Msg("telemetry hook panicked (recovered)")
	}
}
