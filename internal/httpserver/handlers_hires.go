package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CloakMarket/server/internal/apikey"
	apierrors "github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/hires"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/pkg/responders"
)

// createHire handles POST /marketplace/hires.
func (h *handlers) createHire(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "hires")

	var input hires.CreateInput
	if !decodeBody(w, r, &input) {
		return
	}

	hire, err := h.hires.Create(r.Context(), apikey.OperatorWallet(r), input)
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusCreated, hire)
}

// listHires handles GET /marketplace/hires, scoped to the caller.
func (h *handlers) listHires(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "hires")
	limit, offset := pagination(r)

	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	list, err := h.hires.List(r.Context(), apikey.OperatorWallet(r), agentID, limit, offset)
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.List(w, http.StatusOK, "hires", list, len(list))
}

// getHire handles GET /marketplace/hires/{hireID}.
func (h *handlers) getHire(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "hires")

	hire, err := h.hires.Get(r.Context(), apikey.OperatorWallet(r), chi.URLParam(r, "hireID"))
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, hire)
}

// patchHire handles PATCH /marketplace/hires/{hireID}: status changes
// along the active/paused/revoked lifecycle.
func (h *handlers) patchHire(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "hires")

	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	hire, err := h.hires.UpdateStatus(r.Context(), apikey.OperatorWallet(r), chi.URLParam(r, "hireID"), storage.HireStatus(body.Status))
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, hire)
}
