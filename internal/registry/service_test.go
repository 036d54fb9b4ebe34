package registry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CloakMarket/server/internal/endpointproof"
	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/onchain"
	"github.com/CloakMarket/server/internal/storage"
)

const testOperator = "0xoperator"

func newTestService(checker onchain.Checker) (*Service, storage.Store) {
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	if checker == nil {
		checker = onchain.NoopChecker{}
	}
	return NewService(store, checker, m, "0xtreasury", 50), store
}

func proofFor(endpoint, operator string) endpointproof.Proof {
	nonce := "nonce-1"
	return endpointproof.Proof{
		Endpoint: endpoint,
		Nonce:    nonce,
		Digest:   endpointproof.Digest(endpoint, operator, nonce),
	}
}

func validInput(agentID string) RegisterInput {
	endpoint := "https://agents.example.com/" + agentID
	return RegisterInput{
		AgentID:        agentID,
		DisplayName:    "Steward",
		AgentType:      storage.AgentTypeStakingSteward,
		Capabilities:   []string{"Stake", "stake", " unstake "},
		Endpoints:      []string{endpoint},
		EndpointProofs: []endpointproof.Proof{proofFor(endpoint, testOperator)},
		Pricing:        storage.Pricing{Mode: storage.PricingPerRun, Amount: "1000000", Token: "usdc"},
		OperatorWallet: testOperator,
	}
}

func TestRegisterCreatesProfile(t *testing.T) {
	service, _ := newTestService(nil)

	profile, created, err := service.Register(context.Background(), testOperator, validInput("agent-1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if profile.Status != storage.ProfileActive {
		t.Fatalf("expected active status, got %s", profile.Status)
	}
	if profile.TrustScore != 50 {
		t.Fatalf("expected default trust score, got %d", profile.TrustScore)
	}
	if profile.ServiceWallet != "0xtreasury" {
		t.Fatalf("expected default service wallet, got %s", profile.ServiceWallet)
	}
	if len(profile.Capabilities) != 2 || profile.Capabilities[0] != "stake" || profile.Capabilities[1] != "unstake" {
		t.Fatalf("capabilities not normalized: %v", profile.Capabilities)
	}
	if profile.Pricing.Token != "USDC" {
		t.Fatalf("token not normalized: %s", profile.Pricing.Token)
	}
	if profile.OnchainStatus != onchain.StatusSkipped {
		t.Fatalf("expected skipped identity, got %s", profile.OnchainStatus)
	}
}

func TestRegisterUpsertPreservesModeration(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	if _, _, err := service.Register(ctx, testOperator, validInput("agent-1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	verified := true
	if _, err := service.ApplyPatch(ctx, testOperator, "agent-1", Patch{Verified: &verified}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	input := validInput("agent-1")
	input.DisplayName = "Steward v2"
	profile, created, err := service.Register(ctx, testOperator, input)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created {
		t.Fatal("expected created=false on upsert")
	}
	if !profile.Verified {
		t.Fatal("upsert must not clear the verified flag")
	}
	if profile.DisplayName != "Steward v2" {
		t.Fatalf("display name not updated: %s", profile.DisplayName)
	}
}

func TestRegisterValidation(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*RegisterInput)
		caller string
		code   errors.ErrorCode
	}{
		{"wrong caller", func(in *RegisterInput) {}, "0xintruder", errors.ErrCodeOperatorMismatch},
		{"bad type", func(in *RegisterInput) { in.AgentType = "oracle" }, testOperator, errors.ErrCodeUnknownType},
		{"no endpoints", func(in *RegisterInput) { in.Endpoints = nil }, testOperator, errors.ErrCodeValidation},
		{"http endpoint", func(in *RegisterInput) {
			in.Endpoints = []string{"http://plain.example.com"}
			in.EndpointProofs = []endpointproof.Proof{proofFor("http://plain.example.com", testOperator)}
		}, testOperator, errors.ErrCodeValidation},
		{"missing proof", func(in *RegisterInput) { in.EndpointProofs = nil }, testOperator, errors.ErrCodeMissingProof},
		{"bad digest", func(in *RegisterInput) { in.EndpointProofs[0].Digest = "deadbeef" }, testOperator, errors.ErrCodeInvalidDigest},
		{"bad amount", func(in *RegisterInput) { in.Pricing.Amount = "1.5" }, testOperator, errors.ErrCodeValidation},
		{"subscription without cadence", func(in *RegisterInput) {
			in.Pricing.Mode = storage.PricingSubscription
		}, testOperator, errors.ErrCodeValidation},
		{"trust score out of range", func(in *RegisterInput) {
			score := 150
			in.TrustScore = &score
		}, testOperator, errors.ErrCodeValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput("agent-v")
			tc.mutate(&input)
			_, _, err := service.Register(ctx, tc.caller, input)
			appErr, ok := errors.AsAppError(err)
			if !ok {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, appErr.Code)
			}
		})
	}
}

func TestRegisterOnchainMismatchRejected(t *testing.T) {
	checker := onchain.StaticChecker{Enforced: true, Results: map[string]onchain.Result{
		"agent-1": {Status: onchain.StatusMismatch, Owner: "0xsomeoneelse"},
	}}
	service, _ := newTestService(checker)

	_, _, err := service.Register(context.Background(), testOperator, validInput("agent-1"))
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeOnchainMismatch {
		t.Fatalf("expected ONCHAIN_IDENTITY_MISMATCH, got %v", err)
	}
}

func TestRegisterUnknownIdentityAccepted(t *testing.T) {
	checker := onchain.StaticChecker{Enforced: true, Results: map[string]onchain.Result{}}
	service, _ := newTestService(checker)

	profile, _, err := service.Register(context.Background(), testOperator, validInput("agent-1"))
	if err != nil {
		t.Fatalf("unknown identity must not reject: %v", err)
	}
	if profile.OnchainStatus != onchain.StatusUnknown {
		t.Fatalf("expected unknown, got %s", profile.OnchainStatus)
	}
	if profile.OnchainWriteStatus != storage.OnchainWritePending {
		t.Fatalf("expected pending registry write, got %q", profile.OnchainWriteStatus)
	}
}

func TestGetRefreshReconcilesPendingWrite(t *testing.T) {
	checker := &switchableChecker{result: onchain.Result{Status: onchain.StatusUnknown}}
	service, _ := newTestService(checker)
	ctx := context.Background()

	if _, _, err := service.Register(ctx, testOperator, validInput("agent-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Registry catches up; refresh should confirm the pending write.
	checker.result = onchain.Result{Status: onchain.StatusVerified, Owner: testOperator}
	profile, err := service.Get(ctx, "agent-1", true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if profile.OnchainStatus != onchain.StatusVerified {
		t.Fatalf("expected verified, got %s", profile.OnchainStatus)
	}
	if profile.OnchainWriteStatus != storage.OnchainWriteConfirmed {
		t.Fatalf("expected confirmed write, got %q", profile.OnchainWriteStatus)
	}

	// The reconciled state is persisted.
	stored, err := service.Get(ctx, "agent-1", false)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if stored.OnchainWriteStatus != storage.OnchainWriteConfirmed {
		t.Fatalf("reconciliation not persisted: %q", stored.OnchainWriteStatus)
	}
}

func TestGetNotFound(t *testing.T) {
	service, _ := newTestService(nil)
	_, err := service.Get(context.Background(), "agent-ghost", false)
	appErr, ok := errors.AsAppError(err)
	if !ok || appErr.Code != errors.ErrCodeAgentNotFound {
		t.Fatalf("expected AGENT_NOT_FOUND, got %v", err)
	}
}

func TestApplyPatch(t *testing.T) {
	service, _ := newTestService(nil)
	ctx := context.Background()

	if _, _, err := service.Register(ctx, testOperator, validInput("agent-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := service.ApplyPatch(ctx, testOperator, "agent-1", Patch{}); err == nil {
		t.Fatal("empty patch must fail")
	}

	paused := storage.ProfilePaused
	score := 90
	profile, err := service.ApplyPatch(ctx, testOperator, "agent-1", Patch{Status: &paused, TrustScore: &score})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if profile.Status != storage.ProfilePaused || profile.TrustScore != 90 {
		t.Fatalf("patch not applied: %+v", profile)
	}

	if _, err := service.ApplyPatch(ctx, "0xintruder", "agent-1", Patch{TrustScore: &score}); err == nil {
		t.Fatal("non-operator patch must fail")
	} else if appErr, _ := errors.AsAppError(err); appErr.Code != errors.ErrCodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %s", appErr.Code)
	}
}

// switchableChecker lets a test flip the registry answer mid-flight.
type switchableChecker struct {
	result onchain.Result
}

func (c *switchableChecker) Check(_ context.Context, _, _ string) onchain.Result {
	r := c.result
	r.Enforced = true
	return r
}
