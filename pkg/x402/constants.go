package x402

import "time"

// Protocol identifiers for the shielded x402 scheme.
const (
	// Version is the wire version carried by challenges and payment payloads.
	Version = 1

	// SchemeShielded is the only payment scheme the marketplace accepts.
	SchemeShielded = "cloak-shielded-x402"

	// TongoAttestationVersion marks a proof blob as a decodable attestation
	// envelope rather than an opaque proof awaiting on-chain settlement.
	TongoAttestationVersion = "tongo_attestation_v1"
)

// Settlement timing defaults
const (
	// DefaultChallengeTTL is how long an issued challenge stays redeemable.
	DefaultChallengeTTL = 5 * time.Minute

	// SettlementPollInterval is how frequently the settlement waiter polls
	// the facilitator for a pending payment.
	SettlementPollInterval = 2 * time.Second

	// DefaultSettlementTimeout is the maximum time to wait for a payment
	// to reach a terminal settlement status.
	DefaultSettlementTimeout = 30 * time.Second

	// DefaultSettlementAttempts bounds the number of facilitator polls per
	// settlement wait, independent of the timeout.
	DefaultSettlementAttempts = 15
)

// Settlement statuses reported by the facilitator.
const (
	SettlementSettled  = "settled"
	SettlementPending  = "pending"
	SettlementFailed   = "failed"
	SettlementRejected = "rejected"
)
