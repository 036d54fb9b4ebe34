package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CloakMarket/server/internal/apikey"
	apierrors "github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/registry"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/pkg/responders"
)

// registerAgent handles POST /marketplace/agents.
func (h *handlers) registerAgent(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "agents")

	var input registry.RegisterInput
	if !decodeBody(w, r, &input) {
		return
	}

	profile, created, err := h.registry.Register(r.Context(), apikey.OperatorWallet(r), input)
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	responders.JSON(w, status, profile)
}

// listAgents handles GET /marketplace/agents.
func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "agents")
	limit, offset := pagination(r)

	filter := storage.ProfileFilter{
		AgentType:    storage.AgentType(strings.TrimSpace(r.URL.Query().Get("agent_type"))),
		Capability:   strings.TrimSpace(r.URL.Query().Get("capability")),
		VerifiedOnly: queryBool(r, "verified_only"),
		Status:       storage.ProfileStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:        limit,
		Offset:       offset,
	}
	if filter.AgentType != "" && !filter.AgentType.Valid() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnknownType, "Unknown agent_type "+string(filter.AgentType))
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeValidation, "Unknown status "+string(filter.Status))
		return
	}

	profiles, err := h.registry.List(r.Context(), filter)
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.List(w, http.StatusOK, "agents", profiles, len(profiles))
}

// getAgent handles GET /marketplace/agents/{agentID}.
func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "agents")

	profile, err := h.registry.Get(r.Context(), chi.URLParam(r, "agentID"), queryBool(r, "refresh_onchain"))
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, profile)
}

// patchAgent handles PATCH /marketplace/agents/{agentID}.
func (h *handlers) patchAgent(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "agents")

	var patch registry.Patch
	if !decodeBody(w, r, &patch) {
		return
	}

	profile, err := h.registry.ApplyPatch(r.Context(), apikey.OperatorWallet(r), chi.URLParam(r, "agentID"), patch)
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, profile)
}
