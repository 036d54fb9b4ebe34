// Package runs drives the execution pipeline for hired agents: hire and
// profile checks, the payment gate, spend-authorization consumption, and
// the run state machine through a per-type executor.
package runs

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
	"github.com/CloakMarket/server/internal/paywall"
	"github.com/CloakMarket/server/internal/spendauth"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
	"github.com/CloakMarket/server/pkg/x402"
)

// CreateInput is the parsed body of a run request. Billable and Execute
// default to true when absent.
type CreateInput struct {
	HireID    string             `json:"hire_id"`
	AgentID   string             `json:"agent_id,omitempty"`
	Action    string             `json:"action"`
	Params    json.RawMessage    `json:"params,omitempty"`
	Billable  *bool              `json:"billable,omitempty"`
	Execute   *bool              `json:"execute,omitempty"`
	SpendAuth *spendauth.Request `json:"spend_auth,omitempty"`
}

// CreateOutcome is what a run request produced. Exactly one of the
// shapes applies: Challenge set means payment is required, Pending means
// settlement is still in flight and the run is parked, otherwise Run is
// the created record.
type CreateOutcome struct {
	Run       storage.AgentRun
	Challenge *x402.Challenge
	Pending   bool
}

// Service owns the run pipeline.
type Service struct {
	store     storage.Store
	checker   onchain.Checker
	paywall   *paywall.Service
	spendAuth *spendauth.Registry
	executors *ExecutorRegistry
	telemetry *telemetry.Registry
	metrics   *metrics.Metrics

	// spendAuthRequired forces every run to carry a spend
	// authorization.
	spendAuthRequired bool

	now func() time.Time
}

// NewService wires the run pipeline.
func NewService(store storage.Store, checker onchain.Checker, pay *paywall.Service, spendAuth *spendauth.Registry, executors *ExecutorRegistry, tel *telemetry.Registry, m *metrics.Metrics, spendAuthRequired bool) *Service {
	return &Service{
		store:             store,
		checker:           checker,
		paywall:           pay,
		spendAuth:         spendAuth,
		executors:         executors,
		telemetry:         tel,
		metrics:           m,
		spendAuthRequired: spendAuthRequired,
		now:               time.Now,
	}
}

// Create runs the full pipeline for one run request. paymentHeader is
// the raw x-x402-payment header, empty when the caller has not paid yet.
func (s *Service) Create(ctx context.Context, callerWallet string, input CreateInput, paymentHeader string) (CreateOutcome, error) {
	if strings.TrimSpace(input.HireID) == "" {
		return CreateOutcome{}, errors.New(errors.ErrCodeValidation, "hire_id is required")
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return CreateOutcome{}, errors.New(errors.ErrCodeValidation, "action is required")
	}
	if len(input.Params) > 0 && !json.Valid(input.Params) {
		return CreateOutcome{}, errors.New(errors.ErrCodeValidation, "params must be valid JSON")
	}

	hire, err := s.store.GetHire(ctx, input.HireID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return CreateOutcome{}, errors.Newf(errors.ErrCodeHireNotFound, "hire %s not found", input.HireID)
		}
		return CreateOutcome{}, errors.Wrap(errors.ErrCodeStorage, "load hire", err)
	}
	if !strings.EqualFold(hire.OperatorWallet, callerWallet) {
		// Foreign hires are indistinguishable from missing ones.
		return CreateOutcome{}, errors.Newf(errors.ErrCodeHireNotFound, "hire %s not found", input.HireID)
	}
	if hire.Status != storage.HireActive {
		return CreateOutcome{}, errors.Newf(errors.ErrCodeAgentUnavailable, "hire %s is %s", hire.ID, hire.Status).
			WithDetail("hire_status", string(hire.Status))
	}
	if input.AgentID != "" && input.AgentID != hire.AgentID {
		return CreateOutcome{}, errors.New(errors.ErrCodeAgentMismatch, "agent_id does not match hire")
	}

	profile, err := s.store.GetProfile(ctx, hire.AgentID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			// Under on-chain enforcement a hire pointing at a vanished
			// profile is a malformed request, not a lookup miss.
			if s.checker.Check(ctx, hire.AgentID, hire.OperatorWallet).Enforced {
				return CreateOutcome{}, errors.Newf(errors.ErrCodeValidation, "agent %s has no registered profile", hire.AgentID)
			}
			return CreateOutcome{}, errors.Newf(errors.ErrCodeAgentNotFound, "agent %s not found", hire.AgentID)
		}
		return CreateOutcome{}, errors.Wrap(errors.ErrCodeStorage, "load profile", err)
	}
	if profile.Status != storage.ProfileActive {
		return CreateOutcome{}, errors.Newf(errors.ErrCodeAgentUnavailable, "agent %s is %s", profile.AgentID, profile.Status).
			WithDetail("agent_status", string(profile.Status))
	}

	identity := s.checker.Check(ctx, profile.AgentID, profile.OperatorWallet)
	if identity.Status == onchain.StatusMismatch {
		return CreateOutcome{}, errors.Newf(errors.ErrCodeOnchainMismatch, "on-chain owner does not match operator wallet for agent %s", profile.AgentID).
			WithDetail("onchain_owner", identity.Owner)
	}

	execute := input.Execute == nil || *input.Execute
	if execute && !s.executors.Supports(profile.AgentType, action) {
		return CreateOutcome{}, errors.Newf(errors.ErrCodeUnsupportedAct, "action %q is not supported by agent type %s", action, profile.AgentType)
	}

	s.telemetry.EmitFunnel(ctx, telemetry.FunnelEvent{
		Event: telemetry.EventRunRequested,
		Actor: callerWallet,
		Metadata: map[string]any{
			"hire_id":  hire.ID,
			"agent_id": profile.AgentID,
			"action":   action,
		},
	})

	billable := input.Billable == nil || *input.Billable
	var evidence *storage.PaymentEvidence
	if billable {
		outcome, payErr := s.paywall.Process(ctx, paywall.RequestContext{
			Method:         "POST",
			Path:           "/marketplace/runs",
			HireID:         hire.ID,
			AgentID:        profile.AgentID,
			Action:         action,
			OperatorWallet: hire.OperatorWallet,
			ServiceWallet:  profile.ServiceWallet,
			OnchainStatus:  identity.Status,
			Amount:         profile.Pricing.Amount,
			Token:          profile.Pricing.Token,
			TongoRecipient: profile.Pricing.TongoRecipient,
			Actor:          callerWallet,
		}, paymentHeader)
		if payErr != nil {
			return CreateOutcome{}, payErr
		}
		switch outcome.State {
		case paywall.StateChallengeIssued:
			challenge := outcome.Challenge
			return CreateOutcome{Challenge: &challenge}, nil
		case paywall.StatePending:
			run, pendErr := s.createPendingRun(ctx, callerWallet, hire, profile, action, input.Params, identity, outcome.PaymentRef)
			if pendErr != nil {
				return CreateOutcome{}, pendErr
			}
			return CreateOutcome{Run: run, Pending: true}, nil
		}
		evidence = &storage.PaymentEvidence{
			Scheme:           x402.SchemeShielded,
			PaymentRef:       outcome.PaymentRef,
			SettlementTxHash: outcome.SettlementTxHash,
			State:            storage.PaymentStateSettled,
			IdentityContext:  identityContext(identity),
		}
	}

	var delegation *storage.DelegationEvidence
	if input.SpendAuth != nil {
		consumed, authErr := s.spendAuth.Consume(ctx, *input.SpendAuth, action)
		if authErr != nil {
			return s.blockRun(ctx, callerWallet, hire, profile, action, input.Params, identity, evidence, authErr)
		}
		delegation = &consumed
	} else if s.spendAuthRequired {
		return CreateOutcome{}, errors.New(errors.ErrCodeSpendAuthNeeded, "a spend authorization is required")
	}

	now := s.now().UTC()
	run := storage.AgentRun{
		ID:                 "run_" + uuid.NewString(),
		HireID:             hire.ID,
		AgentID:            profile.AgentID,
		HireOperatorWallet: hire.OperatorWallet,
		Action:             action,
		Params:             input.Params,
		Billable:           billable,
		Status:             storage.RunQueued,
		PaymentEvidence:    evidence,
		AgentTrustSnapshot: trustSnapshot(profile, identity, now),
		DelegationEvidence: delegation,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if evidence != nil {
		run.PaymentRef = evidence.PaymentRef
		run.SettlementTxHash = evidence.SettlementTxHash
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return CreateOutcome{}, errors.Wrap(errors.ErrCodeStorage, "create run", err)
	}
	s.metrics.ObserveRunCreated(billable)

	if !execute {
		return CreateOutcome{Run: run}, nil
	}
	run, err = s.executeRun(ctx, callerWallet, run, profile)
	if err != nil {
		return CreateOutcome{}, err
	}
	return CreateOutcome{Run: run}, nil
}

// executeRun drives a queued run through running to a terminal status.
// Executor failures finalize the run as failed; only persistence errors
// surface to the caller.
func (s *Service) executeRun(ctx context.Context, callerWallet string, run storage.AgentRun, profile storage.AgentProfile) (storage.AgentRun, error) {
	started := s.now().UTC()
	run.Status = storage.RunRunning
	run.UpdatedAt = started
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return storage.AgentRun{}, errors.Wrap(errors.ErrCodeStorage, "update run", err)
	}
	s.telemetry.EmitFunnel(ctx, telemetry.FunnelEvent{
		Event:    telemetry.EventRunExecuting,
		Actor:    callerWallet,
		Metadata: map[string]any{"run_id": run.ID, "action": run.Action},
	})

	executor, ok := s.executors.Lookup(profile.AgentType)
	if !ok {
		// Support was checked before the run was accepted.
		return storage.AgentRun{}, errors.Newf(errors.ErrCodeInternal, "no executor for agent type %s", profile.AgentType)
	}

	result, execErr := executor.Execute(ctx, ExecutionInput{
		AgentType:          profile.AgentType,
		Action:             run.Action,
		Params:             run.Params,
		OperatorWallet:     run.HireOperatorWallet,
		ServiceWallet:      profile.ServiceWallet,
		DelegationEvidence: run.DelegationEvidence,
	})
	finished := s.now().UTC()

	if execErr != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(execErr).
			Str("run_id", run.ID).
			Str("agent_type", string(profile.AgentType)).
			Msg("runs.executor_failed")
		run.Status = storage.RunFailed
		run.Result, _ = json.Marshal(map[string]string{"error": execErr.Error()})
	} else {
		run.Status = result.Status
		if run.Status != storage.RunCompleted && run.Status != storage.RunFailed {
			run.Status = storage.RunFailed
		}
		run.ExecutionTxHashes = result.ExecutionTxHashes
		run.Result = result.Result
		if result.DelegationEvidence != nil {
			run.DelegationEvidence = result.DelegationEvidence
		}
	}
	run.UpdatedAt = finished
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return storage.AgentRun{}, errors.Wrap(errors.ErrCodeStorage, "finalize run", err)
	}

	event := telemetry.EventRunCompleted
	level := "info"
	if run.Status == storage.RunFailed {
		event = telemetry.EventRunFailed
		level = "error"
	}
	s.telemetry.EmitFunnel(ctx, telemetry.FunnelEvent{
		Event: event,
		Level: level,
		Actor: callerWallet,
		Metadata: map[string]any{
			"run_id":   run.ID,
			"agent_id": run.AgentID,
			"action":   run.Action,
			"status":   string(run.Status),
		},
	})
	s.metrics.ObserveRunFinished(string(run.Status), string(profile.AgentType), finished.Sub(started))
	return run, nil
}

// createPendingRun parks a run awaiting asynchronous settlement. The
// payment reference lets a later reconciliation pass resume it.
func (s *Service) createPendingRun(ctx context.Context, callerWallet string, hire storage.AgentHire, profile storage.AgentProfile, action string, params json.RawMessage, identity onchain.Result, paymentRef string) (storage.AgentRun, error) {
	now := s.now().UTC()
	run := storage.AgentRun{
		ID:                 "run_" + uuid.NewString(),
		HireID:             hire.ID,
		AgentID:            profile.AgentID,
		HireOperatorWallet: hire.OperatorWallet,
		Action:             action,
		Params:             params,
		Billable:           true,
		Status:             storage.RunPendingPayment,
		PaymentRef:         paymentRef,
		PaymentEvidence: &storage.PaymentEvidence{
			Scheme:          x402.SchemeShielded,
			PaymentRef:      paymentRef,
			State:           storage.PaymentStatePendingPayment,
			IdentityContext: identityContext(identity),
		},
		AgentTrustSnapshot: trustSnapshot(profile, identity, now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return storage.AgentRun{}, errors.Wrap(errors.ErrCodeStorage, "create run", err)
	}
	s.metrics.ObserveRunCreated(true)
	s.telemetry.EmitFunnel(ctx, telemetry.FunnelEvent{
		Event: telemetry.EventRunPendingPayment,
		Level: "warn",
		Actor: callerWallet,
		Metadata: map[string]any{
			"run_id":      run.ID,
			"payment_ref": paymentRef,
		},
	})
	return run, nil
}

// blockRun records a terminal blocked_policy run when spend
// authorization is denied after the payment gate already passed, then
// returns the denial to the caller with the run id attached.
func (s *Service) blockRun(ctx context.Context, callerWallet string, hire storage.AgentHire, profile storage.AgentProfile, action string, params json.RawMessage, identity onchain.Result, evidence *storage.PaymentEvidence, cause error) (CreateOutcome, error) {
	now := s.now().UTC()
	run := storage.AgentRun{
		ID:                 "run_" + uuid.NewString(),
		HireID:             hire.ID,
		AgentID:            profile.AgentID,
		HireOperatorWallet: hire.OperatorWallet,
		Action:             action,
		Params:             params,
		Billable:           evidence != nil,
		Status:             storage.RunBlockedPolicy,
		PaymentEvidence:    evidence,
		AgentTrustSnapshot: trustSnapshot(profile, identity, now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if evidence != nil {
		run.PaymentRef = evidence.PaymentRef
		run.SettlementTxHash = evidence.SettlementTxHash
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return CreateOutcome{}, errors.Wrap(errors.ErrCodeStorage, "create run", err)
	}
	s.metrics.ObserveRunCreated(run.Billable)
	s.telemetry.EmitFunnel(ctx, telemetry.FunnelEvent{
		Event: telemetry.EventRunFailed,
		Level: "error",
		Actor: callerWallet,
		Metadata: map[string]any{
			"run_id": run.ID,
			"reason": "spend_authorization_denied",
		},
	})

	if appErr, ok := errors.AsAppError(cause); ok {
		return CreateOutcome{}, appErr.WithDetail("run_id", run.ID)
	}
	return CreateOutcome{}, cause
}

// Get returns a run owned by the caller. Foreign runs read as missing.
func (s *Service) Get(ctx context.Context, callerWallet, runID string) (storage.AgentRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.AgentRun{}, errors.Newf(errors.ErrCodeRunNotFound, "run %s not found", runID)
		}
		return storage.AgentRun{}, errors.Wrap(errors.ErrCodeStorage, "load run", err)
	}
	if !strings.EqualFold(run.HireOperatorWallet, callerWallet) {
		return storage.AgentRun{}, errors.Newf(errors.ErrCodeRunNotFound, "run %s not found", runID)
	}
	return run, nil
}

// ListQuery narrows List.
type ListQuery struct {
	HireID  string
	AgentID string
	Status  string
	Limit   int
	Offset  int
}

// List returns the caller's runs, newest first.
func (s *Service) List(ctx context.Context, callerWallet string, query ListQuery) ([]storage.AgentRun, error) {
	if query.Status != "" {
		switch storage.RunStatus(query.Status) {
		case storage.RunPendingPayment, storage.RunQueued, storage.RunRunning,
			storage.RunCompleted, storage.RunFailed, storage.RunBlockedPolicy:
		default:
			return nil, errors.Newf(errors.ErrCodeValidation, "unknown run status %q", query.Status)
		}
	}
	runs, err := s.store.ListRuns(ctx, storage.RunFilter{
		HireOperatorWallet: callerWallet,
		HireID:             query.HireID,
		AgentID:            query.AgentID,
		Status:             storage.RunStatus(query.Status),
		Limit:              query.Limit,
		Offset:             query.Offset,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "list runs", err)
	}
	return runs, nil
}

func identityContext(result onchain.Result) *storage.IdentityContext {
	return &storage.IdentityContext{
		Enforced:  result.Enforced,
		Status:    result.Status,
		Owner:     result.Owner,
		CheckedAt: result.CheckedAt,
	}
}

func trustSnapshot(profile storage.AgentProfile, identity onchain.Result, now time.Time) *storage.TrustSnapshot {
	return &storage.TrustSnapshot{
		TrustScore:    profile.TrustScore,
		Verified:      profile.Verified,
		OnchainStatus: identity.Status,
		CapturedAt:    now,
	}
}
