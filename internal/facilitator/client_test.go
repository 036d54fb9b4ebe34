package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CloakMarket/server/internal/circuitbreaker"
	"github.com/CloakMarket/server/pkg/x402"
)

func newTestClient(url string) *Client {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	return NewClient(url, 2*time.Second, breakers, nil)
}

func TestClientSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/settle" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req settleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Payment.ReplayKey != "rk-1" || req.Challenge.ChallengeID != "ch-1" {
			http.Error(w, "wrong payload", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(x402.SettlementResult{
			Status:           x402.SettlementSettled,
			PaymentRef:       "pay_rk-1",
			SettlementTxHash: "0xsettle",
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Settle(context.Background(),
		x402.PaymentPayload{ReplayKey: "rk-1", ChallengeID: "ch-1"},
		x402.Challenge{ChallengeID: "ch-1"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.Status != x402.SettlementSettled || result.SettlementTxHash != "0xsettle" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestClientStatusPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/pay_rk-1" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(x402.SettlementResult{Status: x402.SettlementPending, PaymentRef: "pay_rk-1"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Status(context.Background(), "pay_rk-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if result.Status != x402.SettlementPending {
		t.Fatalf("expected pending, got %s", result.Status)
	}
	if result.Terminal() {
		t.Fatal("pending must not be terminal")
	}
}

func TestClientErrorOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Status(context.Background(), "pay_missing"); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestClientErrorOnMissingStatusField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Status(context.Background(), "pay_rk-1"); err == nil {
		t.Fatal("expected error for empty settlement status")
	}
}
