package x402

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// ContextInput is the canonical request context a challenge binds to.
// Any change to these fields between challenge issuance and the retry
// invalidates the retry.
type ContextInput struct {
	Method         string `json:"method"`
	Path           string `json:"path"`
	HireID         string `json:"hire_id"`
	AgentID        string `json:"agent_id"`
	Action         string `json:"action"`
	OperatorWallet string `json:"operator_wallet"`
	ServiceWallet  string `json:"service_wallet"`
	OnchainStatus  string `json:"onchain_status"`
}

// IntentInput is the canonical payment tuple a tongo attestation's
// intentHash commits to.
type IntentInput struct {
	ChallengeID  string    `json:"challengeId"`
	ContextHash  string    `json:"contextHash"`
	Recipient    string    `json:"recipient"`
	Token        string    `json:"token"`
	TongoAddress string    `json:"tongoAddress"`
	Amount       string    `json:"amount"`
	ReplayKey    string    `json:"replayKey"`
	Nonce        string    `json:"nonce"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ContextHash derives the deterministic 64-hex digest of a request
// context. The hash is a function only of the canonical inputs and is
// stable across field orderings.
func ContextHash(in ContextInput) (string, error) {
	return canonicalHash(in)
}

// IntentHash derives the deterministic 64-hex digest of a payment's
// canonical tuple. Both sides of the protocol must compute it with the
// same RFC 8785 serialization; ExpiresAt is hashed in RFC 3339 form.
func IntentHash(in IntentInput) (string, error) {
	return canonicalHash(in)
}

// canonicalHash marshals v, canonicalizes the JSON per RFC 8785, and
// returns the hex SHA-256 of the canonical bytes.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: marshal canonical input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("x402: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
