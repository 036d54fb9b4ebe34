package paywall

import (
	"time"

	"github.com/CloakMarket/server/pkg/x402"
)

// State is the outcome bucket of one paywall pass.
type State string

const (
	// StateChallengeIssued means no payment was presented; the caller
	// gets a 402 with the challenge.
	StateChallengeIssued State = "challenge_issued"

	// StatePending means the payment verified and was submitted for
	// settlement, but the facilitator has not confirmed it yet.
	StatePending State = "pending"

	// StateSettled means the payment verified and settled.
	StateSettled State = "settled"
)

// RequestContext is the canonical context of the billable request the
// paywall is guarding. The challenge's contextHash commits to every
// field except the pricing block.
type RequestContext struct {
	Method         string
	Path           string
	HireID         string
	AgentID        string
	Action         string
	OperatorWallet string
	ServiceWallet  string
	OnchainStatus  string

	// Pricing for the guarded operation.
	Amount         string
	Token          string
	TongoRecipient string

	// Actor for telemetry, usually the operator wallet.
	Actor string
}

// Outcome is the result of a successful paywall pass.
type Outcome struct {
	State            State
	Challenge        x402.Challenge
	PaymentRef       string
	SettlementTxHash string
}

// Config tunes challenge issuance and the settlement waiter.
type Config struct {
	Network            string
	Token              string
	ChallengeTTL       time.Duration
	SettlementPoll     time.Duration
	SettlementTimeout  time.Duration
	SettlementAttempts int
	TongoRecipient     string
	FacilitatorURL     string
}

// withDefaults fills unset settlement knobs.
func (c Config) withDefaults() Config {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = x402.DefaultChallengeTTL
	}
	if c.SettlementPoll <= 0 {
		c.SettlementPoll = x402.SettlementPollInterval
	}
	if c.SettlementTimeout <= 0 {
		c.SettlementTimeout = x402.DefaultSettlementTimeout
	}
	if c.SettlementAttempts <= 0 {
		c.SettlementAttempts = x402.DefaultSettlementAttempts
	}
	return c
}
