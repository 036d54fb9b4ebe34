package hires

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/onchain"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
)

const testWallet = "0xalice"

func newTestService(checker onchain.Checker) (*Service, storage.Store) {
	store := storage.NewMemoryStore()
	if checker == nil {
		checker = onchain.NoopChecker{}
	}
	return NewService(store, checker, telemetry.NewRegistry(zerolog.Nop()), metrics.New(prometheus.NewRegistry())), store
}

func seedAgent(t *testing.T, store storage.Store, agentID string, status storage.ProfileStatus) {
	t.Helper()
	err := store.UpsertProfile(context.Background(), storage.AgentProfile{
		AgentID:        agentID,
		DisplayName:    agentID,
		AgentType:      storage.AgentTypeSwapRunner,
		OperatorWallet: "0xagentop",
		Status:         status,
		LastIndexedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestCreateHire(t *testing.T) {
	service, store := newTestService(nil)
	ctx := context.Background()
	seedAgent(t, store, "agent-1", storage.ProfileActive)

	policy := json.RawMessage(`{"max_spend":"1000","allowed_actions":["swap"]}`)
	hire, err := service.Create(ctx, testWallet, CreateInput{
		AgentID:        "agent-1",
		OperatorWallet: testWallet,
		PolicySnapshot: policy,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if hire.Status != storage.HireActive {
		t.Fatalf("expected active, got %s", hire.Status)
	}
	if hire.ID == "" || hire.ID[:5] != "hire_" {
		t.Fatalf("unexpected hire id %q", hire.ID)
	}
	if string(hire.PolicySnapshot) != string(policy) {
		t.Fatal("policy snapshot not stored verbatim")
	}
}

func TestCreateHireRejectsInactiveAgent(t *testing.T) {
	service, store := newTestService(nil)
	ctx := context.Background()
	seedAgent(t, store, "agent-paused", storage.ProfilePaused)

	_, err := service.Create(ctx, testWallet, CreateInput{AgentID: "agent-paused", OperatorWallet: testWallet})
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeAgentUnavailable {
		t.Fatalf("expected AGENT_UNAVAILABLE, got %v", err)
	}
}

func TestCreateHireRejectsOnchainMismatch(t *testing.T) {
	checker := onchain.StaticChecker{Enforced: true, Results: map[string]onchain.Result{
		"agent-1": {Status: onchain.StatusMismatch, Owner: "0xother"},
	}}
	service, store := newTestService(checker)
	seedAgent(t, store, "agent-1", storage.ProfileActive)

	_, err := service.Create(context.Background(), testWallet, CreateInput{AgentID: "agent-1", OperatorWallet: testWallet})
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeOnchainMismatch {
		t.Fatalf("expected ONCHAIN_IDENTITY_MISMATCH, got %v", err)
	}
}

func TestCreateHireValidation(t *testing.T) {
	service, store := newTestService(nil)
	ctx := context.Background()
	seedAgent(t, store, "agent-1", storage.ProfileActive)

	if _, err := service.Create(ctx, testWallet, CreateInput{AgentID: "agent-ghost", OperatorWallet: testWallet}); err == nil {
		t.Fatal("missing agent must fail")
	}
	_, err := service.Create(ctx, testWallet, CreateInput{AgentID: "agent-1", OperatorWallet: "0xbob"})
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeOperatorMismatch {
		t.Fatalf("expected OPERATOR_MISMATCH, got %v", err)
	}
	if _, err := service.Create(ctx, testWallet, CreateInput{
		AgentID: "agent-1", OperatorWallet: testWallet, PolicySnapshot: json.RawMessage(`{bad`),
	}); err == nil {
		t.Fatal("invalid policy JSON must fail")
	}
}

func TestListScopedToWallet(t *testing.T) {
	service, store := newTestService(nil)
	ctx := context.Background()
	seedAgent(t, store, "agent-1", storage.ProfileActive)

	if _, err := service.Create(ctx, "0xalice", CreateInput{AgentID: "agent-1", OperatorWallet: "0xalice"}); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if _, err := service.Create(ctx, "0xbob", CreateInput{AgentID: "agent-1", OperatorWallet: "0xbob"}); err != nil {
		t.Fatalf("create bob: %v", err)
	}

	aliceHires, err := service.List(ctx, "0xalice", "", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(aliceHires) != 1 || aliceHires[0].OperatorWallet != "0xalice" {
		t.Fatalf("list leaked across wallets: %+v", aliceHires)
	}
}

func TestGetHidesForeignHire(t *testing.T) {
	service, store := newTestService(nil)
	ctx := context.Background()
	seedAgent(t, store, "agent-1", storage.ProfileActive)

	hire, err := service.Create(ctx, "0xalice", CreateInput{AgentID: "agent-1", OperatorWallet: "0xalice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = service.Get(ctx, "0xbob", hire.ID)
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeHireNotFound {
		t.Fatalf("foreign hire must read as not found, got %v", err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	service, store := newTestService(nil)
	ctx := context.Background()
	seedAgent(t, store, "agent-1", storage.ProfileActive)

	hire, err := service.Create(ctx, testWallet, CreateInput{AgentID: "agent-1", OperatorWallet: testWallet})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// active -> paused -> active -> revoked is legal.
	for _, next := range []storage.HireStatus{storage.HirePaused, storage.HireActive, storage.HireRevoked} {
		if _, err := service.UpdateStatus(ctx, testWallet, hire.ID, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	// Revoked is terminal.
	_, err = service.UpdateStatus(ctx, testWallet, hire.ID, storage.HireActive)
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeInvalidTransition {
		t.Fatalf("expected INVALID_STATUS_TRANSITION, got %v", err)
	}

	if _, err := service.UpdateStatus(ctx, testWallet, hire.ID, "archived"); err == nil {
		t.Fatal("unknown status must fail")
	}
}
