package telemetry

import (
	"context"

	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/metrics"
)

// PrometheusHook adapts telemetry events to the Prometheus metrics
// collector. Funnel stages that already have a counter at their source
// (run creation, terminal runs) are not double counted here.
type PrometheusHook struct {
	metrics *metrics.Metrics
}

// NewPrometheusHook creates a hook that emits events to Prometheus metrics.
func NewPrometheusHook(m *metrics.Metrics) *PrometheusHook {
	return &PrometheusHook{metrics: m}
}

func (h *PrometheusHook) Name() string {
	return "prometheus"
}

// ===============================================
// FunnelHook Implementation
// ===============================================

func (h *PrometheusHook) OnFunnelEvent(ctx context.Context, event FunnelEvent) {
	switch event.Event {
	case EventDiscoverLoaded:
		h.metrics.ObserveDiscoveryQuery()
	case EventHireCreated:
		h.metrics.ObserveHireCreated()
	default:
		// Run stage counters are recorded by the run pipeline itself.
	}
}

// ===============================================
// PaywallHook Implementation
// ===============================================

func (h *PrometheusHook) OnChallengeIssued(ctx context.Context, event ChallengeIssuedEvent) {
	h.metrics.ObserveChallengeIssued()
}

func (h *PrometheusHook) OnPaymentVerified(ctx context.Context, event PaymentVerifiedEvent) {
	h.metrics.ObserveVerification(event.Accepted, event.Reason)

	if !event.Accepted && event.Reason == string(errors.ErrCodeReplayDetected) {
		h.metrics.ObserveReplayBlocked()
	}
}

func (h *PrometheusHook) OnPaymentSettled(ctx context.Context, event PaymentSettledEvent) {
	h.metrics.ObserveSettlement(event.Mode, event.Status, event.Network, event.Duration)
}
