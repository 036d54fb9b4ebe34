package paywall

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
	"github.com/CloakMarket/server/pkg/x402"
)

// stubFacilitator plays back scripted settle and status results.
type stubFacilitator struct {
	settleResult x402.SettlementResult
	settleErr    error

	statusResults []x402.SettlementResult
	statusErr     error
	statusCalls   int
}

func (f *stubFacilitator) Settle(_ context.Context, _ x402.PaymentPayload, _ x402.Challenge) (x402.SettlementResult, error) {
	return f.settleResult, f.settleErr
}

func (f *stubFacilitator) Status(_ context.Context, paymentRef string) (x402.SettlementResult, error) {
	if f.statusErr != nil {
		return x402.SettlementResult{}, f.statusErr
	}
	i := f.statusCalls
	f.statusCalls++
	if i >= len(f.statusResults) {
		return x402.SettlementResult{Status: x402.SettlementPending, PaymentRef: paymentRef}, nil
	}
	return f.statusResults[i], nil
}

func testRequestContext() RequestContext {
	return RequestContext{
		Method:         "POST",
		Path:           "/marketplace/runs",
		HireID:         "hire_1",
		AgentID:        "agent-1",
		Action:         "swap",
		OperatorWallet: "0xalice",
		ServiceWallet:  "0xservice",
		OnchainStatus:  "skipped",
		Amount:         "1000",
		Token:          "USDC",
		Actor:          "0xalice",
	}
}

func newTestService(fac x402.Facilitator) (*Service, storage.Store) {
	store := storage.NewMemoryStore()
	service := NewService(store, fac, telemetry.NewRegistry(zerolog.Nop()), metrics.New(prometheus.NewRegistry()), Config{
		Network:            "starknet-sepolia",
		Token:              "USDC",
		ChallengeTTL:       5 * time.Minute,
		SettlementPoll:     time.Millisecond,
		SettlementTimeout:  200 * time.Millisecond,
		SettlementAttempts: 5,
		TongoRecipient:     "tongo1default",
	})
	return service, store
}

func issueChallenge(t *testing.T, service *Service, reqCtx RequestContext) x402.Challenge {
	t.Helper()
	outcome, err := service.Process(context.Background(), reqCtx, "")
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	if outcome.State != StateChallengeIssued {
		t.Fatalf("expected challenge_issued, got %s", outcome.State)
	}
	return outcome.Challenge
}

// paymentFor builds a valid opaque-proof payment against a challenge.
func paymentFor(challenge x402.Challenge, replayKey string) x402.PaymentPayload {
	return x402.PaymentPayload{
		Version:      x402.Version,
		Scheme:       x402.SchemeShielded,
		ChallengeID:  challenge.ChallengeID,
		TongoAddress: "tongo1payer",
		Token:        challenge.Token,
		Amount:       challenge.MinAmount,
		Proof:        json.RawMessage(`"opaque-proof-blob"`),
		ReplayKey:    replayKey,
		ContextHash:  challenge.ContextHash,
		ExpiresAt:    challenge.ExpiresAt,
		Nonce:        "nonce-1",
	}
}

// attestedPaymentFor builds a payment carrying a valid tongo attestation.
func attestedPaymentFor(t *testing.T, challenge x402.Challenge, replayKey, txHash string) x402.PaymentPayload {
	t.Helper()
	payment := paymentFor(challenge, replayKey)
	intentHash, err := x402.IntentHash(x402.IntentInput{
		ChallengeID:  payment.ChallengeID,
		ContextHash:  payment.ContextHash,
		Recipient:    challenge.Recipient,
		Token:        payment.Token,
		TongoAddress: payment.TongoAddress,
		Amount:       payment.Amount,
		ReplayKey:    payment.ReplayKey,
		Nonce:        payment.Nonce,
		ExpiresAt:    payment.ExpiresAt,
	})
	if err != nil {
		t.Fatalf("intent hash: %v", err)
	}
	proof, err := json.Marshal(x402.TongoAttestation{
		Version:          x402.TongoAttestationVersion,
		IntentHash:       intentHash,
		SettlementTxHash: txHash,
		Attestor:         "tongo1attestor",
	})
	if err != nil {
		t.Fatalf("marshal attestation: %v", err)
	}
	payment.Proof = proof
	return payment
}

func headerFor(t *testing.T, payment x402.PaymentPayload) string {
	t.Helper()
	raw, err := json.Marshal(payment)
	if err != nil {
		t.Fatalf("marshal payment: %v", err)
	}
	return string(raw)
}

func wantCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	appErr, ok := errors.AsAppError(err)
	if !ok {
		t.Fatalf("expected AppError %s, got %v", code, err)
	}
	if appErr.Code != code {
		t.Fatalf("expected %s, got %s (%s)", code, appErr.Code, appErr.Message)
	}
}

func TestIssueChallenge(t *testing.T) {
	service, store := newTestService(&stubFacilitator{})
	challenge := issueChallenge(t, service, testRequestContext())

	if challenge.Scheme != x402.SchemeShielded || challenge.Version != x402.Version {
		t.Fatalf("bad protocol fields: %+v", challenge)
	}
	if len(challenge.ChallengeID) != 32 {
		t.Fatalf("challenge id %q is not 128-bit hex", challenge.ChallengeID)
	}
	if len(challenge.ContextHash) != 64 {
		t.Fatalf("context hash %q is not 64-hex", challenge.ContextHash)
	}
	if challenge.MinAmount != "1000" || challenge.Recipient != "0xservice" {
		t.Fatalf("challenge not bound to request pricing: %+v", challenge)
	}
	if challenge.TongoRecipient != "tongo1default" {
		t.Fatalf("default tongo recipient not applied: %s", challenge.TongoRecipient)
	}

	record, err := store.GetChallenge(context.Background(), challenge.ChallengeID)
	if err != nil {
		t.Fatalf("challenge not recorded: %v", err)
	}
	if record.Status != storage.ChallengeOpen {
		t.Fatalf("expected open challenge, got %s", record.Status)
	}
}

func TestChallengeDeterministicContextHash(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	first := issueChallenge(t, service, testRequestContext())
	second := issueChallenge(t, service, testRequestContext())

	if first.ContextHash != second.ContextHash {
		t.Fatal("same context must hash identically")
	}
	if first.ChallengeID == second.ChallengeID {
		t.Fatal("challenge ids must be unique")
	}

	drifted := testRequestContext()
	drifted.ServiceWallet = "0xother"
	third := issueChallenge(t, service, drifted)
	if third.ContextHash == first.ContextHash {
		t.Fatal("context change must change the hash")
	}
}

func TestRedeemSyncAttestation(t *testing.T) {
	service, store := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)
	payment := attestedPaymentFor(t, challenge, "rk_swap_1", "0xtongo_settle")

	outcome, err := service.Process(context.Background(), reqCtx, headerFor(t, payment))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if outcome.State != StateSettled {
		t.Fatalf("expected settled, got %s", outcome.State)
	}
	if outcome.PaymentRef != "pay_rk_swap_1" {
		t.Fatalf("payment ref = %s", outcome.PaymentRef)
	}
	if outcome.SettlementTxHash != "0xtongo_settle" {
		t.Fatalf("tx hash = %s", outcome.SettlementTxHash)
	}

	replay, err := store.GetReplay(context.Background(), "rk_swap_1")
	if err != nil {
		t.Fatalf("replay record: %v", err)
	}
	if replay.Status != storage.ReplaySettled {
		t.Fatalf("replay status = %s", replay.Status)
	}
	record, _ := store.GetChallenge(context.Background(), challenge.ChallengeID)
	if record.Status != storage.ChallengeRedeemed {
		t.Fatalf("challenge not redeemed: %s", record.Status)
	}
}

func TestRedeemAsyncSettlesAfterPolling(t *testing.T) {
	fac := &stubFacilitator{
		settleResult: x402.SettlementResult{Status: x402.SettlementPending, PaymentRef: "pay_rk_1"},
		statusResults: []x402.SettlementResult{
			{Status: x402.SettlementPending, PaymentRef: "pay_rk_1"},
			{Status: x402.SettlementSettled, PaymentRef: "pay_rk_1", SettlementTxHash: "0xasync"},
		},
	}
	service, _ := newTestService(fac)
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	outcome, err := service.Process(context.Background(), reqCtx, headerFor(t, paymentFor(challenge, "rk_1")))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if outcome.State != StateSettled || outcome.SettlementTxHash != "0xasync" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if fac.statusCalls != 2 {
		t.Fatalf("expected 2 status polls, got %d", fac.statusCalls)
	}
}

func TestRedeemPendingAtDeadline(t *testing.T) {
	fac := &stubFacilitator{
		settleResult: x402.SettlementResult{Status: x402.SettlementPending, PaymentRef: "pay_rk_1"},
	}
	service, store := newTestService(fac)
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	outcome, err := service.Process(context.Background(), reqCtx, headerFor(t, paymentFor(challenge, "rk_1")))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if outcome.State != StatePending {
		t.Fatalf("expected pending, got %s", outcome.State)
	}
	if outcome.PaymentRef != "pay_rk_1" || outcome.SettlementTxHash != "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	// The key stays reserved while settlement is in flight.
	replay, _ := store.GetReplay(context.Background(), "rk_1")
	if replay.Status != storage.ReplaySettling {
		t.Fatalf("replay status = %s, want settling", replay.Status)
	}
}

func TestRedeemSettlementRejected(t *testing.T) {
	fac := &stubFacilitator{
		settleResult: x402.SettlementResult{Status: x402.SettlementRejected, Reason: "proof rejected"},
	}
	service, store := newTestService(fac)
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	_, err := service.Process(context.Background(), reqCtx, headerFor(t, paymentFor(challenge, "rk_1")))
	wantCode(t, err, errors.ErrCodeSettlementFailed)

	// A failed key is retryable with a fresh challenge.
	replay, _ := store.GetReplay(context.Background(), "rk_1")
	if replay.Status != storage.ReplayFailed {
		t.Fatalf("replay status = %s, want failed", replay.Status)
	}
	fresh := issueChallenge(t, service, reqCtx)
	fac.settleResult = x402.SettlementResult{Status: x402.SettlementSettled, SettlementTxHash: "0xretry"}
	outcome, err := service.Process(context.Background(), reqCtx, headerFor(t, paymentFor(fresh, "rk_1")))
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if outcome.State != StateSettled {
		t.Fatalf("expected settled retry, got %s", outcome.State)
	}
}

func TestRedeemFacilitatorUnavailable(t *testing.T) {
	fac := &stubFacilitator{settleErr: context.DeadlineExceeded}
	service, _ := newTestService(fac)
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	_, err := service.Process(context.Background(), reqCtx, headerFor(t, paymentFor(challenge, "rk_1")))
	wantCode(t, err, errors.ErrCodeRPCFailure)
}

func TestVerifyInvalidPayload(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	_, err := service.Process(context.Background(), reqCtx, "not-base64-or-json")
	wantCode(t, err, errors.ErrCodeInvalidPayload)

	missing := paymentFor(challenge, "rk_1")
	missing.TongoAddress = ""
	_, err = service.Process(context.Background(), reqCtx, headerFor(t, missing))
	wantCode(t, err, errors.ErrCodeInvalidPayload)

	badAmount := paymentFor(challenge, "rk_1")
	badAmount.Amount = "12.5"
	_, err = service.Process(context.Background(), reqCtx, headerFor(t, badAmount))
	wantCode(t, err, errors.ErrCodeInvalidPayload)
}

func TestVerifyContextMismatch(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	tampered := paymentFor(challenge, "rk_1")
	tampered.ContextHash = "0000000000000000000000000000000000000000000000000000000000000000"
	_, err := service.Process(context.Background(), reqCtx, headerFor(t, tampered))
	wantCode(t, err, errors.ErrCodeContextMismatch)
}

func TestVerifyStaleChallengeAfterContextDrift(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)
	payment := paymentFor(challenge, "rk_1")

	// The profile's service wallet changed after issuance, so the honest
	// retry presents the old challenge's hash against a new context.
	drifted := reqCtx
	drifted.ServiceWallet = "0xrotated"
	_, err := service.Process(context.Background(), drifted, headerFor(t, payment))
	wantCode(t, err, errors.ErrCodeOnchainContextMismatch)
}

func TestVerifyExpiredPayment(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)
	payment := paymentFor(challenge, "rk_1")

	service.now = func() time.Time { return challenge.ExpiresAt.Add(time.Second) }
	_, err := service.Process(context.Background(), reqCtx, headerFor(t, payment))
	wantCode(t, err, errors.ErrCodeExpiredPayment)
}

func TestVerifyExpiredPayloadDeadline(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	// The payload's own deadline lapsed while the challenge record is
	// still live.
	payment := paymentFor(challenge, "rk_1")
	payment.ExpiresAt = challenge.ExpiresAt.Add(-time.Minute)
	service.now = func() time.Time { return challenge.ExpiresAt.Add(-30 * time.Second) }

	_, err := service.Process(context.Background(), reqCtx, headerFor(t, payment))
	wantCode(t, err, errors.ErrCodeExpiredPayment)
}

func TestVerifyUnknownChallengeIsExpired(t *testing.T) {
	service, store := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)
	payment := paymentFor(challenge, "rk_1")

	// Sweeper removed the challenge.
	if _, err := store.SweepExpiredChallenges(context.Background(), challenge.ExpiresAt.Add(time.Second)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	_, err := service.Process(context.Background(), reqCtx, headerFor(t, payment))
	wantCode(t, err, errors.ErrCodeExpiredPayment)
}

func TestVerifyReplayDetected(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{
		settleResult: x402.SettlementResult{Status: x402.SettlementSettled, SettlementTxHash: "0xfirst"},
	})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)
	payment := paymentFor(challenge, "rk_1")

	if _, err := service.Process(context.Background(), reqCtx, headerFor(t, payment)); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	// Same challenge again: redeemed.
	_, err := service.Process(context.Background(), reqCtx, headerFor(t, payment))
	wantCode(t, err, errors.ErrCodeReplayDetected)

	// Fresh challenge, reused replay key: still blocked.
	fresh := issueChallenge(t, service, reqCtx)
	_, err = service.Process(context.Background(), reqCtx, headerFor(t, paymentFor(fresh, "rk_1")))
	wantCode(t, err, errors.ErrCodeReplayDetected)
}

func TestVerifyInvalidTongoProof(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	payment := attestedPaymentFor(t, challenge, "rk_1", "0xsettle")
	// Tamper with the amount after the attestation was built.
	payment.Amount = "2000"
	_, err := service.Process(context.Background(), reqCtx, headerFor(t, payment))
	wantCode(t, err, errors.ErrCodeInvalidTongoProof)
}

func TestVerifyPolicyDenied(t *testing.T) {
	service, _ := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	short := paymentFor(challenge, "rk_1")
	short.Amount = "999"
	_, err := service.Process(context.Background(), reqCtx, headerFor(t, short))
	wantCode(t, err, errors.ErrCodePolicyDenied)

	wrongToken := paymentFor(challenge, "rk_2")
	wrongToken.Token = "STRK"
	_, err = service.Process(context.Background(), reqCtx, headerFor(t, wrongToken))
	wantCode(t, err, errors.ErrCodePolicyDenied)
}

func TestSweeperRemovesExpiredChallenges(t *testing.T) {
	service, store := newTestService(&stubFacilitator{})
	reqCtx := testRequestContext()
	challenge := issueChallenge(t, service, reqCtx)

	m := metrics.New(prometheus.NewRegistry())
	sweeper := NewSweeper(store, m, zerolog.Nop(), 10*time.Millisecond)

	// Backdate the challenge by rewriting it already expired.
	record, _ := store.GetChallenge(context.Background(), challenge.ChallengeID)
	record.Challenge.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.PutChallenge(context.Background(), record); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	sweeper.Start()
	defer sweeper.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.GetChallenge(context.Background(), challenge.ChallengeID); err != nil {
			return // swept
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("challenge was not swept")
}
