package httpserver

import (
	"net/http"
	"strings"

	"github.com/CloakMarket/server/internal/apikey"
	"github.com/CloakMarket/server/internal/discovery"
	apierrors "github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/pkg/responders"
)

// discover handles GET /marketplace/discover: ranked active profiles.
func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "discover")
	limit, offset := pagination(r)

	query := discovery.Query{
		Capability:   strings.TrimSpace(r.URL.Query().Get("capability")),
		AgentType:    storage.AgentType(strings.TrimSpace(r.URL.Query().Get("agent_type"))),
		VerifiedOnly: queryBool(r, "verified_only"),
		Limit:        limit,
		Offset:       offset,
	}
	if query.AgentType != "" && !query.AgentType.Valid() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnknownType, "Unknown agent_type "+string(query.AgentType))
		return
	}

	ranked, err := h.discovery.Discover(r.Context(), apikey.OperatorWallet(r), query)
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}

	// On request, reconcile pending on-chain writes for the returned
	// page before responding.
	if queryBool(r, "refresh_onchain") {
		for i := range ranked {
			refreshed, refreshErr := h.registry.Get(r.Context(), ranked[i].AgentID, true)
			if refreshErr != nil {
				continue
			}
			ranked[i].AgentProfile = refreshed
		}
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"agents":          ranked,
		"total":           len(ranked),
		"ranking_version": discovery.RankingVersion,
	})
}
