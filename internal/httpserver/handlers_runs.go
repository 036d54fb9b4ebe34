package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CloakMarket/server/internal/apikey"
	apierrors "github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/runs"
	"github.com/CloakMarket/server/pkg/responders"
)

// Wire headers for the shielded x402 exchange.
const (
	headerPayment   = "x-x402-payment"
	headerChallenge = "x-x402-challenge"
)

// createRun handles POST /marketplace/runs. Without a payment header a
// billable request gets 402 plus a challenge; with a settled payment
// the run executes inline; pending settlement parks the run with 202.
func (h *handlers) createRun(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "runs")

	var input runs.CreateInput
	if !decodeBody(w, r, &input) {
		return
	}

	outcome, err := h.runs.Create(r.Context(), apikey.OperatorWallet(r), input, r.Header.Get(headerPayment))
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}

	if outcome.Challenge != nil {
		encoded, encErr := outcome.Challenge.Encode()
		if encErr != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "Failed to encode challenge")
			return
		}
		w.Header().Set(headerChallenge, encoded)
		responders.JSON(w, http.StatusPaymentRequired, map[string]any{
			"challenge": outcome.Challenge,
		})
		return
	}

	status := http.StatusCreated
	if outcome.Pending {
		status = http.StatusAccepted
	}
	responders.JSON(w, status, outcome.Run)
}

// listRuns handles GET /marketplace/runs, scoped to the caller.
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "runs")
	limit, offset := pagination(r)

	list, err := h.runs.List(r.Context(), apikey.OperatorWallet(r), runs.ListQuery{
		HireID:  strings.TrimSpace(r.URL.Query().Get("hire_id")),
		AgentID: strings.TrimSpace(r.URL.Query().Get("agent_id")),
		Status:  strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.List(w, http.StatusOK, "runs", list, len(list))
}

// getRun handles GET /marketplace/runs/{runID}.
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	r = traced(w, r, "runs")

	run, err := h.runs.Get(r.Context(), apikey.OperatorWallet(r), chi.URLParam(r, "runID"))
	if err != nil {
		apierrors.WriteServiceError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, run)
}
