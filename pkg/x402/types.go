package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Challenge is the shielded x402 challenge returned with HTTP 402. It is
// bound to a single request context via ContextHash and is single-use,
// tracked server-side by ChallengeID.
type Challenge struct {
	Version        int       `json:"version"`
	Scheme         string    `json:"scheme"`
	ChallengeID    string    `json:"challengeId"`
	Network        string    `json:"network"`
	Token          string    `json:"token"`
	MinAmount      string    `json:"minAmount"` // integer string, token smallest unit
	Recipient      string    `json:"recipient"`
	TongoRecipient string    `json:"tongoRecipient,omitempty"`
	ContextHash    string    `json:"contextHash"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Facilitator    string    `json:"facilitator,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// PaymentPayload is the body of the x-x402-payment header presented when
// retrying a billable request against an open challenge.
type PaymentPayload struct {
	Version      int             `json:"version"`
	Scheme       string          `json:"scheme"`
	ChallengeID  string          `json:"challengeId"`
	TongoAddress string          `json:"tongoAddress"`
	Token        string          `json:"token"`
	Amount       string          `json:"amount"` // integer string, token smallest unit
	Proof        json.RawMessage `json:"proof,omitempty"`
	ReplayKey    string          `json:"replayKey"`
	ContextHash  string          `json:"contextHash"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Nonce        string          `json:"nonce"`
	CreatedAt    time.Time       `json:"createdAt,omitempty"`
}

// TongoAttestation is the decoded tongo_attestation_v1 proof envelope.
// Payments carrying one settle synchronously; opaque proofs settle through
// the facilitator.
type TongoAttestation struct {
	Version          string `json:"version"`
	IntentHash       string `json:"intentHash"`
	SettlementTxHash string `json:"settlementTxHash,omitempty"`
	Attestor         string `json:"attestor,omitempty"`
}

// SettlementResult is the facilitator's view of one payment.
type SettlementResult struct {
	Status           string `json:"status"` // settled | pending | failed | rejected
	PaymentRef       string `json:"paymentRef,omitempty"`
	SettlementTxHash string `json:"settlementTxHash,omitempty"`
	Network          string `json:"network,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Terminal reports whether the settlement reached a final status.
func (r SettlementResult) Terminal() bool {
	switch r.Status {
	case SettlementSettled, SettlementFailed, SettlementRejected:
		return true
	default:
		return false
	}
}

// Facilitator settles shielded payments on behalf of the paywall.
type Facilitator interface {
	// Settle submits a payment for settlement against its challenge.
	Settle(ctx context.Context, payment PaymentPayload, challenge Challenge) (SettlementResult, error)

	// Status reports the current settlement state of a submitted payment.
	Status(ctx context.Context, paymentRef string) (SettlementResult, error)
}

// DecodeAttestation decodes the proof blob as a tongo attestation
// envelope. Opaque proofs (not an envelope, or a different version)
// return ok=false and are left to asynchronous settlement.
func (p PaymentPayload) DecodeAttestation() (TongoAttestation, bool) {
	if len(p.Proof) == 0 {
		return TongoAttestation{}, false
	}
	var att TongoAttestation
	if err := json.Unmarshal(p.Proof, &att); err != nil {
		return TongoAttestation{}, false
	}
	if att.Version != TongoAttestationVersion {
		return TongoAttestation{}, false
	}
	return att, true
}

// Encode serializes the challenge for the x-x402-challenge header.
func (c Challenge) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("x402: encode challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseChallenge decodes an x-x402-challenge header value.
func ParseChallenge(header string) (Challenge, error) {
	data, err := decodeHeader(header)
	if err != nil {
		return Challenge{}, err
	}

	var challenge Challenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return Challenge{}, fmt.Errorf("x402: parse challenge: %w", err)
	}
	if challenge.Scheme != SchemeShielded {
		return challenge, fmt.Errorf("x402: unsupported scheme %q (supported: %s)", challenge.Scheme, SchemeShielded)
	}
	return challenge, nil
}

// ParsePayment decodes the x-x402-payment header into a PaymentPayload.
// Field-level validation beyond the scheme and the identifying keys is
// the paywall verifier's job, so every failure carries one reason code.
func ParsePayment(header string) (PaymentPayload, error) {
	data, err := decodeHeader(header)
	if err != nil {
		return PaymentPayload{}, err
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("x402: parse payment payload: %w", err)
	}

	if payload.Scheme != SchemeShielded {
		return payload, fmt.Errorf("x402: unsupported scheme %q (supported: %s)", payload.Scheme, SchemeShielded)
	}
	if payload.ChallengeID == "" {
		return payload, errors.New("x402: payment payload missing challengeId")
	}
	if payload.ReplayKey == "" {
		return payload, errors.New("x402: payment payload missing replayKey")
	}

	return payload, nil
}

// decodeHeader accepts base64-encoded JSON (or raw JSON for testing).
func decodeHeader(header string) ([]byte, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return nil, errors.New("x402: empty header")
	}

	if strings.HasPrefix(raw, "{") {
		return []byte(raw), nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("x402: decode base64: %w", err)
		}
	}
	return decoded, nil
}
