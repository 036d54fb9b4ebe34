// Package spendauth validates and consumes on-chain spend delegations.
// The marketplace holds a local mirror of each delegation's allowance
// state; the actual escrow settlement happens out of process and is
// reported back through the tx hash fields.
package spendauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/money"
	"github.com/CloakMarket/server/internal/storage"
)

// Delegation statuses.
const (
	DelegationActive  = "active"
	DelegationRevoked = "revoked"
	DelegationExpired = "expired"
)

// Delegation is one operator-granted spend authorization.
type Delegation struct {
	ID                 string    `json:"id"`
	OperatorWallet     string    `json:"operator_wallet"`
	Token              string    `json:"token"`
	MaxPerRun          string    `json:"max_per_run"`
	RemainingAllowance string    `json:"remaining_allowance"`
	ConsumedAmount     string    `json:"consumed_amount"`
	AllowedActions     []string  `json:"allowed_actions"`
	ValidFrom          time.Time `json:"valid_from"`
	ValidUntil         time.Time `json:"valid_until"`
	Status             string    `json:"status"`
	Nonce              uint64    `json:"nonce"`
}

// Request references a delegation from a run request.
type Request struct {
	DelegationID string `json:"delegation_id"`
	Amount       string `json:"amount"`
	Token        string `json:"token"`
}

// Registry is the in-memory delegation ledger.
type Registry struct {
	mu          sync.Mutex
	delegations map[string]*Delegation
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewRegistry builds an empty delegation registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		delegations: make(map[string]*Delegation),
		metrics:     m,
		now:         time.Now,
	}
}

// Put registers or replaces a delegation.
func (r *Registry) Put(delegation Delegation) error {
	if delegation.ID == "" {
		return errors.New(errors.ErrCodeValidation, "delegation id is required")
	}
	if !money.Valid(delegation.MaxPerRun) || !money.Valid(delegation.RemainingAllowance) {
		return errors.New(errors.ErrCodeValidation, "delegation amounts must be non-negative integer strings")
	}
	if delegation.ConsumedAmount == "" {
		delegation.ConsumedAmount = "0"
	}
	if delegation.Status == "" {
		delegation.Status = DelegationActive
	}
	delegation.OperatorWallet = strings.ToLower(delegation.OperatorWallet)
	delegation.Token = strings.ToUpper(strings.TrimSpace(delegation.Token))
	for i, action := range delegation.AllowedActions {
		delegation.AllowedActions[i] = strings.ToLower(strings.TrimSpace(action))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	copied := delegation
	r.delegations[delegation.ID] = &copied
	return nil
}

// Get returns a snapshot of one delegation.
func (r *Registry) Get(delegationID string) (Delegation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.delegations[delegationID]
	if !ok {
		return Delegation{}, false
	}
	return *d, true
}

// Validate checks a spend request against its delegation without
// consuming anything.
func (r *Registry) Validate(req Request, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.validateLocked(req, action)
	return err
}

// Consume atomically validates the request, decrements the remaining
// allowance, and returns the delegation evidence for the run record.
func (r *Registry) Consume(ctx context.Context, req Request, action string) (storage.DelegationEvidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delegation, err := r.validateLocked(req, action)
	if err != nil {
		r.observe("rejected")
		return storage.DelegationEvidence{}, err
	}

	amount := money.MustParse(req.Amount)
	remaining := money.MustParse(delegation.RemainingAllowance)
	consumed := money.MustParse(delegation.ConsumedAmount)

	newRemaining, err := remaining.Sub(amount)
	if err != nil {
		r.observe("rejected")
		return storage.DelegationEvidence{}, errors.New(errors.ErrCodePolicyDenied, "delegation allowance exhausted")
	}
	delegation.RemainingAllowance = newRemaining.String()
	delegation.ConsumedAmount = consumed.Add(amount).String()
	delegation.Nonce++

	evidence := storage.DelegationEvidence{
		DelegationID:               delegation.ID,
		AuthorizedAmount:           req.Amount,
		ConsumedAmount:             delegation.ConsumedAmount,
		RemainingAllowanceSnapshot: delegation.RemainingAllowance,
		DelegationConsumeTxHash:    fmt.Sprintf("0xconsume_%s_%d", delegation.ID, delegation.Nonce),
		EscrowTransferTxHash:       fmt.Sprintf("0xescrow_%s_%d", delegation.ID, delegation.Nonce),
	}

	r.observe("consumed")
	log := logger.FromContext(ctx)
	log.Info().
		Str("delegation_id", delegation.ID).
		Str("amount", req.Amount).
		Str("remaining", delegation.RemainingAllowance).
		Msg("spendauth.consumed")

	return evidence, nil
}

// validateLocked enforces every delegation constraint. Caller holds the
// registry mutex.
func (r *Registry) validateLocked(req Request, action string) (*Delegation, error) {
	if req.DelegationID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "delegation_id is required")
	}
	if !money.Valid(req.Amount) {
		return nil, errors.Newf(errors.ErrCodeValidation, "spend amount %q must be a non-negative integer string", req.Amount)
	}

	delegation, ok := r.delegations[req.DelegationID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodePolicyDenied, "delegation %q not found", req.DelegationID)
	}
	if delegation.Status != DelegationActive {
		return nil, errors.Newf(errors.ErrCodePolicyDenied, "delegation %q is %s", delegation.ID, delegation.Status)
	}

	now := r.now().UTC()
	if now.Before(delegation.ValidFrom) || now.After(delegation.ValidUntil) {
		return nil, errors.Newf(errors.ErrCodePolicyDenied, "delegation %q is outside its validity window", delegation.ID)
	}

	action = strings.ToLower(strings.TrimSpace(action))
	allowed := false
	for _, a := range delegation.AllowedActions {
		if a == action {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errors.Newf(errors.ErrCodePolicyDenied, "action %q is not authorized by delegation %q", action, delegation.ID)
	}

	if token := strings.ToUpper(strings.TrimSpace(req.Token)); token != "" && token != delegation.Token {
		return nil, errors.Newf(errors.ErrCodePolicyDenied, "token %q does not match delegation token %q", token, delegation.Token)
	}

	amount := money.MustParse(req.Amount)
	if amount.Cmp(money.MustParse(delegation.MaxPerRun)) > 0 {
		return nil, errors.Newf(errors.ErrCodePolicyDenied, "amount exceeds max_per_run %s", delegation.MaxPerRun)
	}
	if amount.Cmp(money.MustParse(delegation.RemainingAllowance)) > 0 {
		return nil, errors.Newf(errors.ErrCodePolicyDenied, "amount exceeds remaining allowance %s", delegation.RemainingAllowance)
	}

	return delegation, nil
}

func (r *Registry) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveSpendAuthConsume(outcome)
	}
}
