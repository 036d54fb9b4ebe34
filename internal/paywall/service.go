// Package paywall implements the shielded x402 payment gate for
// billable runs: challenge issuance, payment verification, replay
// defense, and settlement. Payment state is authoritative here and
// nowhere else.
package paywall

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/money"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
	"github.com/CloakMarket/server/pkg/x402"
)

// Service is the paywall.
type Service struct {
	store       storage.Store
	facilitator x402.Facilitator
	telemetry   *telemetry.Registry
	metrics     *metrics.Metrics
	cfg         Config

	now   func() time.Time
	newID func() (string, error)
}

// NewService builds the paywall.
func NewService(store storage.Store, fac x402.Facilitator, tel *telemetry.Registry, m *metrics.Metrics, cfg Config) *Service {
	return &Service{
		store:       store,
		facilitator: fac,
		telemetry:   tel,
		metrics:     m,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		newID:       newChallengeID,
	}
}

// newChallengeID returns a fresh random 128-bit id, hex encoded.
func newChallengeID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("paywall: generate challenge id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Process runs the paywall state machine for one billable request.
// With no payment header it issues a challenge; with one it verifies
// and settles. Verification failures come back as AppErrors carrying
// the reason code.
func (s *Service) Process(ctx context.Context, reqCtx RequestContext, paymentHeader string) (Outcome, error) {
	if strings.TrimSpace(paymentHeader) == "" {
		return s.issueChallenge(ctx, reqCtx)
	}
	return s.redeem(ctx, reqCtx, paymentHeader)
}

// issueChallenge mints and records an open challenge bound to the
// request context.
func (s *Service) issueChallenge(ctx context.Context, reqCtx RequestContext) (Outcome, error) {
	if !money.Valid(reqCtx.Amount) {
		return Outcome{}, errors.Newf(errors.ErrCodeValidation, "price amount %q must be a non-negative integer string", reqCtx.Amount)
	}

	contextHash, err := s.contextHash(reqCtx)
	if err != nil {
		return Outcome{}, errors.Wrap(errors.ErrCodeInternal, "compute context hash", err)
	}
	challengeID, err := s.newID()
	if err != nil {
		return Outcome{}, errors.Wrap(errors.ErrCodeInternal, "generate challenge id", err)
	}

	now := s.now().UTC()
	tongoRecipient := reqCtx.TongoRecipient
	if tongoRecipient == "" {
		tongoRecipient = s.cfg.TongoRecipient
	}
	challenge := x402.Challenge{
		Version:        x402.Version,
		Scheme:         x402.SchemeShielded,
		ChallengeID:    challengeID,
		Network:        s.cfg.Network,
		Token:          s.cfg.Token,
		MinAmount:      reqCtx.Amount,
		Recipient:      reqCtx.ServiceWallet,
		TongoRecipient: tongoRecipient,
		ContextHash:    contextHash,
		ExpiresAt:      now.Add(s.cfg.ChallengeTTL),
		Facilitator:    s.cfg.FacilitatorURL,
	}
	if reqCtx.Token != "" {
		challenge.Token = strings.ToUpper(reqCtx.Token)
	}

	record := storage.ChallengeRecord{Challenge: challenge, Status: storage.ChallengeOpen, CreatedAt: now}
	if err := s.store.PutChallenge(ctx, record); err != nil {
		return Outcome{}, errors.Wrap(errors.ErrCodeStorage, "record challenge", err)
	}

	s.metrics.ObserveChallengeIssued()
	s.telemetry.EmitChallengeIssued(ctx, telemetry.ChallengeIssuedEvent{
		Timestamp:   now,
		ChallengeID: challenge.ChallengeID,
		ContextHash: challenge.ContextHash,
		Amount:      challenge.MinAmount,
		Token:       challenge.Token,
		Network:     challenge.Network,
		ExpiresAt:   challenge.ExpiresAt,
	})
	log := logger.FromContext(ctx)
	log.Info().
		Str("challenge_id", challenge.ChallengeID).
		Str("context_hash", challenge.ContextHash).
		Str("min_amount", challenge.MinAmount).
		Msg("paywall.challenge_issued")

	return Outcome{State: StateChallengeIssued, Challenge: challenge}, nil
}

// redeem verifies a presented payment and settles it.
func (s *Service) redeem(ctx context.Context, reqCtx RequestContext, paymentHeader string) (Outcome, error) {
	payment, challenge, err := s.verify(ctx, reqCtx, paymentHeader)
	if err != nil {
		if appErr, ok := errors.AsAppError(err); ok {
			s.metrics.ObserveVerification(false, string(appErr.Code))
			s.telemetry.EmitPaymentVerified(ctx, telemetry.PaymentVerifiedEvent{
				Timestamp:   s.now().UTC(),
				ChallengeID: payment.ChallengeID,
				ReplayKey:   payment.ReplayKey,
				Accepted:    false,
				Reason:      string(appErr.Code),
			})
		}
		return Outcome{}, err
	}

	paymentRef := "pay_" + payment.ReplayKey
	if err := s.store.ReserveReplayKey(ctx, storage.ReplayRecord{
		ReplayKey:   payment.ReplayKey,
		ChallengeID: payment.ChallengeID,
		PaymentRef:  paymentRef,
		Status:      storage.ReplaySettling,
	}); err != nil {
		if stderrors.Is(err, storage.ErrReplayConflict) {
			s.metrics.ObserveReplayBlocked()
			s.metrics.ObserveVerification(false, string(errors.ErrCodeReplayDetected))
			return Outcome{}, errors.New(errors.ErrCodeReplayDetected, x402.GetUserFriendlyMessage(errors.ErrCodeReplayDetected))
		}
		return Outcome{}, errors.Wrap(errors.ErrCodeStorage, "reserve replay key", err)
	}
	if err := s.store.RedeemChallenge(ctx, payment.ChallengeID); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return Outcome{}, errors.Wrap(errors.ErrCodeStorage, "redeem challenge", err)
	}

	s.metrics.ObserveVerification(true, "")
	s.telemetry.EmitPaymentVerified(ctx, telemetry.PaymentVerifiedEvent{
		Timestamp:   s.now().UTC(),
		ChallengeID: payment.ChallengeID,
		ReplayKey:   payment.ReplayKey,
		Accepted:    true,
	})

	return s.settle(ctx, payment, challenge, paymentRef)
}

// verify runs the ordered verification checks and returns the parsed
// payment with its challenge record.
func (s *Service) verify(ctx context.Context, reqCtx RequestContext, paymentHeader string) (x402.PaymentPayload, x402.Challenge, error) {
	payment, err := x402.ParsePayment(paymentHeader)
	if err != nil {
		return payment, x402.Challenge{}, errors.Wrap(errors.ErrCodeInvalidPayload, x402.GetUserFriendlyMessage(errors.ErrCodeInvalidPayload), err)
	}
	if payment.ContextHash == "" || payment.Amount == "" || payment.Nonce == "" || payment.TongoAddress == "" {
		return payment, x402.Challenge{}, errors.New(errors.ErrCodeInvalidPayload, x402.GetUserFriendlyMessage(errors.ErrCodeInvalidPayload))
	}
	if !money.Valid(payment.Amount) {
		return payment, x402.Challenge{}, errors.New(errors.ErrCodeInvalidPayload, x402.GetUserFriendlyMessage(errors.ErrCodeInvalidPayload))
	}

	record, recordErr := s.store.GetChallenge(ctx, payment.ChallengeID)
	haveRecord := recordErr == nil
	if recordErr != nil && !stderrors.Is(recordErr, storage.ErrNotFound) {
		return payment, x402.Challenge{}, errors.Wrap(errors.ErrCodeStorage, "load challenge", recordErr)
	}

	// Context binding. When the payload still matches the hash the
	// challenge was issued with but the live context has drifted (the
	// profile's wallet or identity state changed since issuance), the
	// failure is the on-chain variant.
	expectedHash, err := s.contextHash(reqCtx)
	if err != nil {
		return payment, x402.Challenge{}, errors.Wrap(errors.ErrCodeInternal, "compute context hash", err)
	}
	if payment.ContextHash != expectedHash {
		code := errors.ErrCodeContextMismatch
		if haveRecord && payment.ContextHash == record.Challenge.ContextHash {
			code = errors.ErrCodeOnchainContextMismatch
		}
		return payment, record.Challenge, errors.New(code, x402.GetUserFriendlyMessage(code))
	}

	now := s.now().UTC()
	if !haveRecord {
		// Expired challenges are swept; an unknown id is a stale retry.
		return payment, x402.Challenge{}, errors.New(errors.ErrCodeExpiredPayment, x402.GetUserFriendlyMessage(errors.ErrCodeExpiredPayment))
	}
	if now.After(record.Challenge.ExpiresAt) {
		return payment, record.Challenge, errors.New(errors.ErrCodeExpiredPayment, x402.GetUserFriendlyMessage(errors.ErrCodeExpiredPayment))
	}
	// The payload carries its own deadline; a lapsed one is rejected even
	// when the challenge record is still live.
	if !payment.ExpiresAt.IsZero() && now.After(payment.ExpiresAt) {
		return payment, record.Challenge, errors.New(errors.ErrCodeExpiredPayment, x402.GetUserFriendlyMessage(errors.ErrCodeExpiredPayment))
	}

	// Replay defense: a redeemed challenge or a live replay key blocks
	// the retry.
	if record.Status == storage.ChallengeRedeemed {
		s.metrics.ObserveReplayBlocked()
		return payment, record.Challenge, errors.New(errors.ErrCodeReplayDetected, x402.GetUserFriendlyMessage(errors.ErrCodeReplayDetected))
	}
	if replay, err := s.store.GetReplay(ctx, payment.ReplayKey); err == nil {
		if replay.Status == storage.ReplaySettled || replay.Status == storage.ReplaySettling {
			s.metrics.ObserveReplayBlocked()
			return payment, record.Challenge, errors.New(errors.ErrCodeReplayDetected, x402.GetUserFriendlyMessage(errors.ErrCodeReplayDetected))
		}
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return payment, record.Challenge, errors.Wrap(errors.ErrCodeStorage, "load replay record", err)
	}

	// Attested proofs must commit to the exact payment tuple.
	if attestation, ok := payment.DecodeAttestation(); ok {
		intentHash, err := x402.IntentHash(x402.IntentInput{
			ChallengeID:  payment.ChallengeID,
			ContextHash:  payment.ContextHash,
			Recipient:    record.Challenge.Recipient,
			Token:        payment.Token,
			TongoAddress: payment.TongoAddress,
			Amount:       payment.Amount,
			ReplayKey:    payment.ReplayKey,
			Nonce:        payment.Nonce,
			ExpiresAt:    payment.ExpiresAt,
		})
		if err != nil {
			return payment, record.Challenge, errors.Wrap(errors.ErrCodeInternal, "compute intent hash", err)
		}
		if attestation.IntentHash != intentHash {
			return payment, record.Challenge, errors.New(errors.ErrCodeInvalidTongoProof, x402.GetUserFriendlyMessage(errors.ErrCodeInvalidTongoProof))
		}
	}

	// Challenge policy: amount and token must satisfy the challenge.
	paid := money.MustParse(payment.Amount)
	min := money.MustParse(record.Challenge.MinAmount)
	if paid.Cmp(min) < 0 || !strings.EqualFold(payment.Token, record.Challenge.Token) {
		return payment, record.Challenge, errors.New(errors.ErrCodePolicyDenied, x402.GetUserFriendlyMessage(errors.ErrCodePolicyDenied))
	}

	return payment, record.Challenge, nil
}

// settle finalizes a verified payment, synchronously for attested
// proofs and through the facilitator otherwise.
func (s *Service) settle(ctx context.Context, payment x402.PaymentPayload, challenge x402.Challenge, paymentRef string) (Outcome, error) {
	start := s.now()

	if attestation, ok := payment.DecodeAttestation(); ok {
		if err := s.store.UpdateReplayStatus(ctx, payment.ReplayKey, storage.ReplaySettled, attestation.SettlementTxHash); err != nil {
			return Outcome{}, errors.Wrap(errors.ErrCodeStorage, "record settlement", err)
		}
		s.observeSettlement(ctx, "sync", x402.SettlementSettled, paymentRef, s.now().Sub(start))
		return Outcome{State: StateSettled, PaymentRef: paymentRef, SettlementTxHash: attestation.SettlementTxHash}, nil
	}

	result, err := s.facilitator.Settle(ctx, payment, challenge)
	if err != nil {
		s.failReplay(ctx, payment.ReplayKey)
		s.observeSettlement(ctx, "async", "failed", paymentRef, s.now().Sub(start))
		if ctx.Err() != nil {
			return Outcome{}, errors.Wrap(errors.ErrCodeTimeout, x402.GetUserFriendlyMessage(errors.ErrCodeTimeout), err)
		}
		return Outcome{}, errors.Wrap(errors.ErrCodeRPCFailure, x402.GetUserFriendlyMessage(errors.ErrCodeRPCFailure), err)
	}
	if result.PaymentRef == "" {
		result.PaymentRef = paymentRef
	}

	if !result.Terminal() {
		result, err = s.waitForSettlement(ctx, result.PaymentRef)
		if err != nil {
			return Outcome{}, err
		}
	}

	switch result.Status {
	case x402.SettlementSettled:
		if err := s.store.UpdateReplayStatus(ctx, payment.ReplayKey, storage.ReplaySettled, result.SettlementTxHash); err != nil {
			return Outcome{}, errors.Wrap(errors.ErrCodeStorage, "record settlement", err)
		}
		s.observeSettlement(ctx, "async", x402.SettlementSettled, paymentRef, s.now().Sub(start))
		return Outcome{State: StateSettled, PaymentRef: paymentRef, SettlementTxHash: result.SettlementTxHash}, nil

	case x402.SettlementPending:
		// Deadline elapsed with the payment still in flight. The run is
		// parked as pending_payment and the replay key stays settling so
		// the same payment cannot be double-spent.
		s.observeSettlement(ctx, "async", "timeout", paymentRef, s.now().Sub(start))
		return Outcome{State: StatePending, PaymentRef: paymentRef}, nil

	default:
		s.failReplay(ctx, payment.ReplayKey)
		s.observeSettlement(ctx, "async", result.Status, paymentRef, s.now().Sub(start))
		return Outcome{}, errors.Newf(errors.ErrCodeSettlementFailed, "settlement %s: %s", result.Status, result.Reason).
			WithDetail("payment_ref", paymentRef)
	}
}

// waitForSettlement polls the facilitator until the payment reaches a
// terminal status, the attempt budget runs out, or the deadline passes.
// A non-terminal exit returns the last pending result.
func (s *Service) waitForSettlement(ctx context.Context, paymentRef string) (x402.SettlementResult, error) {
	deadline := s.now().Add(s.cfg.SettlementTimeout)
	last := x402.SettlementResult{Status: x402.SettlementPending, PaymentRef: paymentRef}

	for attempt := 0; attempt < s.cfg.SettlementAttempts; attempt++ {
		if !s.now().Before(deadline) {
			return last, nil
		}

		if err := sleepContext(ctx, jitteredInterval(s.cfg.SettlementPoll)); err != nil {
			return last, errors.Wrap(errors.ErrCodeTimeout, x402.GetUserFriendlyMessage(errors.ErrCodeTimeout), err)
		}

		result, err := s.facilitator.Status(ctx, paymentRef)
		if err != nil {
			if ctx.Err() != nil {
				return last, errors.Wrap(errors.ErrCodeTimeout, x402.GetUserFriendlyMessage(errors.ErrCodeTimeout), err)
			}
			log := logger.FromContext(ctx)
			log.Warn().
				Err(err).
				Str("payment_ref", paymentRef).
				Int("attempt", attempt+1).
				Msg("paywall.settlement_poll_failed")
			continue
		}
		last = result
		if result.Terminal() {
			return result, nil
		}
	}
	return last, nil
}

// jitteredInterval spreads poll intervals by up to 25% to avoid
// thundering-herd polling against the facilitator.
func jitteredInterval(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	span := big.NewInt(int64(base / 4))
	if span.Sign() <= 0 {
		return base
	}
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return base
	}
	return base + time.Duration(n.Int64())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failReplay frees the replay key for a retry with a fresh challenge.
func (s *Service) failReplay(ctx context.Context, replayKey string) {
	if err := s.store.UpdateReplayStatus(ctx, replayKey, storage.ReplayFailed, ""); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("replay_key", replayKey).
			Msg("paywall.mark_replay_failed")
	}
}

func (s *Service) observeSettlement(ctx context.Context, mode, status, paymentRef string, duration time.Duration) {
	s.metrics.ObserveSettlement(mode, status, s.cfg.Network, duration)
	s.telemetry.EmitPaymentSettled(ctx, telemetry.PaymentSettledEvent{
		Timestamp:  s.now().UTC(),
		PaymentRef: paymentRef,
		Network:    s.cfg.Network,
		Mode:       mode,
		Status:     status,
		Duration:   duration,
	})
}

// contextHash derives the canonical hash for the guarded request.
func (s *Service) contextHash(reqCtx RequestContext) (string, error) {
	return x402.ContextHash(x402.ContextInput{
		Method:         reqCtx.Method,
		Path:           reqCtx.Path,
		HireID:         reqCtx.HireID,
		AgentID:        reqCtx.AgentID,
		Action:         reqCtx.Action,
		OperatorWallet: strings.ToLower(reqCtx.OperatorWallet),
		ServiceWallet:  strings.ToLower(reqCtx.ServiceWallet),
		OnchainStatus:  reqCtx.OnchainStatus,
	})
}
