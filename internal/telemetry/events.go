package telemetry

import (
	"context"
	"time"
)

// Funnel event names, one per stage of the discover/hire/run funnel.
const (
	EventDiscoverLoaded    = "marketplace.funnel.discover_loaded"
	EventHireCreated       = "marketplace.funnel.hire_created"
	EventRunRequested      = "marketplace.funnel.run_requested"
	EventRunPendingPayment = "marketplace.funnel.run_pending_payment"
	EventRunExecuting      = "marketplace.funnel.run_executing"
	EventRunCompleted      = "marketplace.funnel.run_completed"
	EventRunFailed         = "marketplace.funnel.run_failed"
)

// Hook is the base interface for all telemetry hooks.
// Implementations can forward events to log sinks, metrics backends,
// DataDog, OpenTelemetry, etc.
type Hook interface {
	// Name returns the hook's identifier for logging/debugging
	Name() string
}

// FunnelHook receives marketplace funnel events.
type FunnelHook interface {
	Hook

	// OnFunnelEvent is called for every funnel stage transition.
	OnFunnelEvent(ctx context.Context, event FunnelEvent)
}

// PaywallHook receives events from the x402 payment lifecycle.
type PaywallHook interface {
	Hook

	// OnChallengeIssued is called when a 402 challenge is minted.
	OnChallengeIssued(ctx context.Context, event ChallengeIssuedEvent)

	// OnPaymentVerified is called after a payment proof is checked,
	// whether it was accepted or rejected.
	OnPaymentVerified(ctx context.Context, event PaymentVerifiedEvent)

	// OnPaymentSettled is called when a settlement attempt finishes.
	OnPaymentSettled(ctx context.Context, event PaymentSettledEvent)
}

// FunnelEvent is the wire shape of a funnel stage transition. It is
// emitted as a single JSON line by the logging hook.
type FunnelEvent struct {
	Event     string         `json:"event"`
	Level     string         `json:"level"`
	TraceID   string         `json:"traceId"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ChallengeIssuedEvent is emitted when the paywall mints a challenge.
type ChallengeIssuedEvent struct {
	Timestamp   time.Time
	ChallengeID string
	ContextHash string
	Amount      string
	Token       string
	Network     string
	ExpiresAt   time.Time
}

// PaymentVerifiedEvent is emitted after payment proof verification.
type PaymentVerifiedEvent struct {
	Timestamp   time.Time
	ChallengeID string
	ReplayKey   string
	Accepted    bool
	Reason      string // rejection reason code, empty when accepted
}

// PaymentSettledEvent is emitted when a settlement attempt finishes.
type PaymentSettledEvent struct {
	Timestamp  time.Time
	PaymentRef string
	Network    string
	Mode       string // "sync" or "async"
	Status     string // "settled", "failed", "timeout"
	Duration   time.Duration
}
