package httpserver

import (
	"net/http"
	"time"

	"github.com/CloakMarket/server/pkg/responders"
	"github.com/CloakMarket/server/pkg/x402"
)

// health handles GET /healthz.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(serverStartTime).String(),
		"timestamp": time.Now().UTC(),
		"network":   h.cfg.X402.Network,
		"storage":   h.cfg.Storage.Backend,
	})
}

// wellKnownMarketplace handles GET /.well-known/agent-marketplace.
// Machine clients use it to discover the payment scheme and the API
// surface before touching authenticated routes.
func (h *handlers) wellKnownMarketplace(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"version": x402.Version,
		"server":  "cloak-market",
		"payment": map[string]any{
			"scheme":  x402.SchemeShielded,
			"network": h.cfg.X402.Network,
			"token":   h.cfg.X402.Token,
			"headers": map[string]string{
				"challenge": headerChallenge,
				"payment":   headerPayment,
			},
		},
		"endpoints": map[string]string{
			"agents":   "/marketplace/agents",
			"discover": "/marketplace/discover",
			"hires":    "/marketplace/hires",
			"runs":     "/marketplace/runs",
			"metrics":  "/marketplace/metrics",
		},
	})
}

// marketplaceMetrics handles GET /marketplace/metrics: the funnel
// counter snapshot plus freshness information. The Prometheus endpoint
// carries the full series; this is the API-shaped summary.
func (h *handlers) marketplaceMetrics(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "metrics")

	responders.JSON(w, http.StatusOK, map[string]any{
		"snapshot":     h.metrics.Snapshot(),
		"generated_at": time.Now().UTC(),
		"uptime":       time.Since(serverStartTime).String(),
	})
}
