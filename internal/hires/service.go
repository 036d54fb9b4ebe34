// Package hires manages the contract ledger between operator wallets
// and agent profiles.
package hires

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/onchain"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
)

// Service is the hire ledger.
type Service struct {
	store     storage.Store
	checker   onchain.Checker
	telemetry *telemetry.Registry
	metrics   *metrics.Metrics
}

// NewService builds the hire service.
func NewService(store storage.Store, checker onchain.Checker, tel *telemetry.Registry, m *metrics.Metrics) *Service {
	return &Service{store: store, checker: checker, telemetry: tel, metrics: m}
}

// CreateInput is the hire creation request body.
type CreateInput struct {
	AgentID        string          `json:"agent_id"`
	OperatorWallet string          `json:"operator_wallet"`
	PolicySnapshot json.RawMessage `json:"policy_snapshot,omitempty"`
	BillingMode    string          `json:"billing_mode,omitempty"`
}

// Create opens a hire against an active agent profile. The policy
// snapshot is stored verbatim and never rewritten afterwards.
func (s *Service) Create(ctx context.Context, callerWallet string, input CreateInput) (storage.AgentHire, error) {
	caller := strings.ToLower(strings.TrimSpace(callerWallet))
	operator := strings.ToLower(strings.TrimSpace(input.OperatorWallet))

	if input.AgentID == "" {
		return storage.AgentHire{}, errors.New(errors.ErrCodeValidation, "agent_id is required")
	}
	if operator == "" || caller != operator {
		return storage.AgentHire{}, errors.New(errors.ErrCodeOperatorMismatch, "operator_wallet must match the authenticated wallet")
	}
	if len(input.PolicySnapshot) > 0 && !json.Valid(input.PolicySnapshot) {
		return storage.AgentHire{}, errors.New(errors.ErrCodeValidation, "policy_snapshot must be valid JSON")
	}

	profile, err := s.store.GetProfile(ctx, input.AgentID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return storage.AgentHire{}, errors.Newf(errors.ErrCodeAgentNotFound, "agent %q not found", input.AgentID)
	}
	if err != nil {
		return storage.AgentHire{}, errors.Wrap(errors.ErrCodeStorage, "load profile", err)
	}
	if profile.Status != storage.ProfileActive {
		return storage.AgentHire{}, errors.Newf(errors.ErrCodeAgentUnavailable, "agent %q is %s", profile.AgentID, profile.Status).
			WithDetail("agent_id", profile.AgentID).
			WithDetail("status", string(profile.Status))
	}

	identity := s.checker.Check(ctx, profile.AgentID, profile.OperatorWallet)
	if identity.Enforced && identity.Status == onchain.StatusMismatch {
		return storage.AgentHire{}, errors.New(errors.ErrCodeOnchainMismatch, "on-chain registry owner does not match operator wallet").
			WithDetail("agent_id", profile.AgentID).
			WithDetail("onchain_owner", identity.Owner)
	}

	now := time.Now().UTC()
	hire := storage.AgentHire{
		ID:             "hire_" + uuid.NewString(),
		AgentID:        profile.AgentID,
		OperatorWallet: operator,
		PolicySnapshot: input.PolicySnapshot,
		BillingMode:    input.BillingMode,
		Status:         storage.HireActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateHire(ctx, hire); err != nil {
		return storage.AgentHire{}, errors.Wrap(errors.ErrCodeStorage, "store hire", err)
	}

	s.metrics.ObserveHireCreated()
	s.telemetry.EmitFunnel(ctx, telemetry.FunnelEvent{
		Event:     telemetry.EventHireCreated,
		Level:     "info",
		Actor:     operator,
		Timestamp: now,
		Metadata: map[string]any{
			"hire_id":  hire.ID,
			"agent_id": hire.AgentID,
		},
	})
	log := logger.FromContext(ctx)
	log.Info().
		Str("hire_id", hire.ID).
		Str("agent_id", hire.AgentID).
		Msg("hires.created")

	return hire, nil
}

// Get loads one hire, enforcing wallet ownership.
func (s *Service) Get(ctx context.Context, callerWallet, hireID string) (storage.AgentHire, error) {
	hire, err := s.store.GetHire(ctx, hireID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return storage.AgentHire{}, errors.Newf(errors.ErrCodeHireNotFound, "hire %q not found", hireID)
	}
	if err != nil {
		return storage.AgentHire{}, errors.Wrap(errors.ErrCodeStorage, "load hire", err)
	}
	if hire.OperatorWallet != strings.ToLower(strings.TrimSpace(callerWallet)) {
		// Hide other wallets' hires entirely.
		return storage.AgentHire{}, errors.Newf(errors.ErrCodeHireNotFound, "hire %q not found", hireID)
	}
	return hire, nil
}

// List returns the caller's hires, newest first.
func (s *Service) List(ctx context.Context, callerWallet, agentID string, limit, offset int) ([]storage.AgentHire, error) {
	hires, err := s.store.ListHires(ctx, storage.HireFilter{
		OperatorWallet: strings.ToLower(strings.TrimSpace(callerWallet)),
		AgentID:        agentID,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "list hires", err)
	}
	return hires, nil
}

// UpdateStatus transitions a hire through the contract lifecycle:
// active and paused flip freely, revoked is terminal.
func (s *Service) UpdateStatus(ctx context.Context, callerWallet, hireID string, next storage.HireStatus) (storage.AgentHire, error) {
	if !next.Valid() {
		return storage.AgentHire{}, errors.Newf(errors.ErrCodeValidation, "unknown hire status %q", next)
	}

	hire, err := s.Get(ctx, callerWallet, hireID)
	if err != nil {
		return storage.AgentHire{}, err
	}
	if !hire.Status.CanTransitionTo(next) {
		return storage.AgentHire{}, errors.Newf(errors.ErrCodeInvalidTransition, "cannot transition hire from %s to %s", hire.Status, next).
			WithDetail("hire_id", hireID).
			WithDetail("current_status", string(hire.Status))
	}

	if err := s.store.UpdateHireStatus(ctx, hireID, next); err != nil {
		return storage.AgentHire{}, errors.Wrap(errors.ErrCodeStorage, "update hire status", err)
	}
	hire.Status = next
	hire.UpdatedAt = time.Now().UTC()

	log := logger.FromContext(ctx)

	log.Info().
		Str("hire_id", hireID).
		Str("status", string(next)).
		Msg("hires.status_updated")
	return hire, nil
}
