package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/CloakMarket/server/internal/endpointproof"
	"github.com/CloakMarket/server/pkg/x402"
)

// AgentType classifies the runtime an agent profile dispatches to.
type AgentType string

const (
	AgentTypeStakingSteward     AgentType = "staking_steward"
	AgentTypeTreasuryDispatcher AgentType = "treasury_dispatcher"
	AgentTypeSwapRunner         AgentType = "swap_runner"
)

// Valid reports whether the agent type is one of the known runtimes.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeStakingSteward, AgentTypeTreasuryDispatcher, AgentTypeSwapRunner:
		return true
	default:
		return false
	}
}

// ProfileStatus is the lifecycle state of an agent profile.
type ProfileStatus string

const (
	ProfileActive  ProfileStatus = "active"
	ProfilePaused  ProfileStatus = "paused"
	ProfileRetired ProfileStatus = "retired"
)

// Valid reports whether the status is a known profile state.
func (s ProfileStatus) Valid() bool {
	switch s {
	case ProfileActive, ProfilePaused, ProfileRetired:
		return true
	default:
		return false
	}
}

// PricingMode selects how a profile bills its runs.
type PricingMode string

const (
	PricingPerRun       PricingMode = "per_run"
	PricingSubscription PricingMode = "subscription"
	PricingSuccessFee   PricingMode = "success_fee"
)

// Valid reports whether the pricing mode is known.
func (m PricingMode) Valid() bool {
	switch m {
	case PricingPerRun, PricingSubscription, PricingSuccessFee:
		return true
	default:
		return false
	}
}

// Pricing describes how a profile charges for runs. Amount is a
// non-negative integer string in the token's smallest unit.
type Pricing struct {
	Mode           PricingMode `json:"mode"`
	Amount         string      `json:"amount"`
	Token          string      `json:"token"`
	Cadence        string      `json:"cadence,omitempty"`
	TongoRecipient string      `json:"tongo_recipient,omitempty"`
}

// On-chain reconciliation statuses for profiles.
const (
	OnchainStatusSkipped  = "skipped"
	OnchainStatusVerified = "verified"
	OnchainStatusMismatch = "mismatch"
	OnchainStatusUnknown  = "unknown"

	OnchainWritePending   = "pending"
	OnchainWriteConfirmed = "confirmed"
	OnchainWriteFailed    = "failed"
)

// AgentProfile is a published agent service profile. AgentID is the
// externally chosen unique identity; OperatorWallet is the only wallet
// allowed to mutate the profile.
type AgentProfile struct {
	AgentID      string    `json:"agent_id"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	AgentType    AgentType `json:"agent_type"`
	Capabilities []string  `json:"capabilities"`
	Endpoints    []string  `json:"endpoints"`

	// EndpointProofs carries exactly one ownership proof per endpoint.
	EndpointProofs []endpointproof.Proof `json:"endpoint_proofs"`

	Pricing        Pricing       `json:"pricing"`
	OperatorWallet string        `json:"operator_wallet"`
	ServiceWallet  string        `json:"service_wallet"`
	Verified       bool          `json:"verified"`
	TrustScore     int           `json:"trust_score"`
	Status         ProfileStatus `json:"status"`
	MetadataURI    string        `json:"metadata_uri,omitempty"`

	// On-chain identity reconciliation state.
	OnchainStatus      string     `json:"onchain_status,omitempty"`
	OnchainOwner       string     `json:"onchain_owner,omitempty"`
	OnchainCheckedAt   *time.Time `json:"onchain_checked_at,omitempty"`
	OnchainWriteStatus string     `json:"onchain_write_status,omitempty"`
	OnchainWriteTxHash string     `json:"onchain_write_tx_hash,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastIndexedAt time.Time `json:"last_indexed_at"`
}

// HasCapability reports case-insensitive capability membership.
func (p AgentProfile) HasCapability(capability string) bool {
	needle := strings.ToLower(strings.TrimSpace(capability))
	for _, c := range p.Capabilities {
		if c == needle {
			return true
		}
	}
	return false
}

// HireStatus is the lifecycle state of a hire.
type HireStatus string

const (
	HireActive  HireStatus = "active"
	HirePaused  HireStatus = "paused"
	HireRevoked HireStatus = "revoked"
)

// Valid reports whether the status is a known hire state.
func (s HireStatus) Valid() bool {
	switch s {
	case HireActive, HirePaused, HireRevoked:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the hire status DAG: active and paused flip
// freely, revoked is terminal.
func (s HireStatus) CanTransitionTo(next HireStatus) bool {
	if s == HireRevoked {
		return false
	}
	return next.Valid() && next != s
}

// AgentHire is a contract between an operator wallet and an agent
// profile. PolicySnapshot is captured verbatim at hire time and is
// immutable thereafter.
type AgentHire struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	OperatorWallet string          `json:"operator_wallet"`
	PolicySnapshot json.RawMessage `json:"policy_snapshot,omitempty"`
	BillingMode    string          `json:"billing_mode,omitempty"`
	Status         HireStatus      `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RunStatus is the run state machine's current state.
type RunStatus string

const (
	RunPendingPayment RunStatus = "pending_payment"
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunBlockedPolicy  RunStatus = "blocked_policy"
)

// Payment evidence states carried on a run.
const (
	PaymentStateRequired       = "required"
	PaymentStatePendingPayment = "pending_payment"
	PaymentStateSettled        = "settled"
	PaymentStateFailed         = "failed"
)

// IdentityContext snapshots the on-chain identity check done for a run.
type IdentityContext struct {
	Enforced  bool      `json:"enforced"`
	Status    string    `json:"status"`
	Owner     string    `json:"owner,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// PaymentEvidence records the paywall outcome attached to a run.
type PaymentEvidence struct {
	Scheme           string           `json:"scheme"`
	PaymentRef       string           `json:"payment_ref,omitempty"`
	SettlementTxHash string           `json:"settlement_tx_hash,omitempty"`
	State            string           `json:"state"`
	IdentityContext  *IdentityContext `json:"identity_context,omitempty"`
}

// TrustSnapshot captures the agent's trust standing at run creation.
type TrustSnapshot struct {
	TrustScore    int       `json:"trust_score"`
	Verified      bool      `json:"verified"`
	OnchainStatus string    `json:"onchain_status,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// DelegationEvidence is produced by a spend-authorization consume.
type DelegationEvidence struct {
	DelegationID               string `json:"delegation_id"`
	AuthorizedAmount           string `json:"authorized_amount"`
	ConsumedAmount             string `json:"consumed_amount"`
	RemainingAllowanceSnapshot string `json:"remaining_allowance_snapshot"`
	DelegationConsumeTxHash    string `json:"delegation_consume_tx_hash,omitempty"`
	EscrowTransferTxHash       string `json:"escrow_transfer_tx_hash,omitempty"`
}

// AgentRun is one billable (or free) execution of a hired agent.
type AgentRun struct {
	ID                 string          `json:"id"`
	HireID             string          `json:"hire_id"`
	AgentID            string          `json:"agent_id"`
	HireOperatorWallet string          `json:"hire_operator_wallet"`
	Action             string          `json:"action"`
	Params             json.RawMessage `json:"params,omitempty"`
	Billable           bool            `json:"billable"`
	Status             RunStatus       `json:"status"`

	PaymentRef       string           `json:"payment_ref,omitempty"`
	SettlementTxHash string           `json:"settlement_tx_hash,omitempty"`
	PaymentEvidence  *PaymentEvidence `json:"payment_evidence,omitempty"`

	AgentTrustSnapshot *TrustSnapshot      `json:"agent_trust_snapshot,omitempty"`
	DelegationEvidence *DelegationEvidence `json:"delegation_evidence,omitempty"`
	ExecutionTxHashes  []string            `json:"execution_tx_hashes,omitempty"`
	Result             json.RawMessage     `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Challenge registry statuses.
const (
	ChallengeOpen     = "open"
	ChallengeRedeemed = "redeemed"
)

// ChallengeRecord tracks one issued x402 challenge server-side, keyed
// by challenge id. Challenges are single-use: redeemed on settlement,
// swept after expiry.
type ChallengeRecord struct {
	Challenge x402.Challenge `json:"challenge"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReplayStatus is the settlement state recorded for a replay key.
type ReplayStatus string

const (
	ReplaySettling ReplayStatus = "settling"
	ReplaySettled  ReplayStatus = "settled"
	ReplayFailed   ReplayStatus = "failed"
)

// ReplayRecord reserves a replay key for one settlement attempt. A key
// in settling or settled state can never be reserved again; a failed
// key may be retried under a fresh challenge.
type ReplayRecord struct {
	ReplayKey        string       `json:"replay_key"`
	ChallengeID      string       `json:"challenge_id"`
	PaymentRef       string       `json:"payment_ref"`
	Status           ReplayStatus `json:"status"`
	SettlementTxHash string       `json:"settlement_tx_hash,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ProfileFilter narrows ListProfiles. Zero values mean "any".
type ProfileFilter struct {
	AgentType    AgentType
	Capability   string
	VerifiedOnly bool
	Status       ProfileStatus
	Limit        int
	Offset       int
}

// HireFilter narrows ListHires. OperatorWallet is always set by the
// service layer; hires are never listed across wallets.
type HireFilter struct {
	OperatorWallet string
	AgentID        string
	Limit          int
	Offset         int
}

// RunFilter narrows ListRuns, scoped to the calling wallet.
type RunFilter struct {
	HireOperatorWallet string
	HireID             string
	AgentID            string
	Status             RunStatus
	Limit              int
	Offset             int
}
