package telemetry

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggingHook emits every telemetry event as a structured JSON line
// using zerolog. This is the default funnel sink.
type LoggingHook struct {
	logger zerolog.Logger
}

// NewLoggingHook creates a hook that logs all events.
func NewLoggingHook(logger zerolog.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) Name() string {
	return "logging"
}

// ===============================================
// FunnelHook Implementation
// ===============================================

func (h *LoggingHook) OnFunnelEvent(ctx context.Context, event FunnelEvent) {
	level, err := zerolog.ParseLevel(event.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	entry := h.logger.WithLevel(level).
		Str("traceId", event.TraceID).
		Str("actor", event.Actor).
		Time("timestamp", event.Timestamp)
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg(event.Event)
}

// ===============================================
// PaywallHook Implementation
// ===============================================

func (h *LoggingHook) OnChallengeIssued(ctx context.Context, event ChallengeIssuedEvent) {
	h.logger.Info().
		Str("challenge_id", event.ChallengeID).
		Str("context_hash", event.ContextHash).
		Str("amount", event.Amount).
		Str("token", event.Token).
		Str("network", event.Network).
		Time("expires_at", event.ExpiresAt).
		Msg("paywall challenge issued")
}

func (h *LoggingHook) OnPaymentVerified(ctx context.Context, event PaymentVerifiedEvent) {
	log := h.logger.Info()
	if !event.Accepted {
		log = h.logger.Warn().Str("reason", event.Reason)
	}

	log.Str("challenge_id", event.ChallengeID).
		Str("replay_key", event.ReplayKey).
		Bool("accepted", event.Accepted).
		Msg("payment verified")
}

func (h *LoggingHook) OnPaymentSettled(ctx context.Context, event PaymentSettledEvent) {
	log := h.logger.Info()
	if event.Status != "settled" {
		log = h.logger.Warn()
	}

	log.Str("payment_ref", event.PaymentRef).
		Str("network", event.Network).
		Str("mode", event.Mode).
		Str("status", event.Status).
		Dur("duration", event.Duration).
		Msg("payment settlement finished")
}
