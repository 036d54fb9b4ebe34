package endpointproof

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/CloakMarket/server/internal/errors"
)

// Proof binds one endpoint to its operator wallet through a nonce'd digest.
// The digest commits to the normalized endpoint, the lowercased operator
// address, and the nonce, so a profile cannot claim an endpoint it does
// not control without knowing the nonce used at registration time.
type Proof struct {
	Endpoint string `json:"endpoint"`
	Nonce    string `json:"nonce"`
	Digest   string `json:"digest"`
}

// VerifyError reports why a proof set failed verification.
type VerifyError struct {
	Code     errors.ErrorCode
	Endpoint string
}

func (e VerifyError) Error() string {
	switch e.Code {
	case errors.ErrCodeMissingProof:
		return fmt.Sprintf("Missing ownership proof for endpoint %s", e.Endpoint)
	case errors.ErrCodeExtraProof:
		return fmt.Sprintf("Proof references endpoint %s which is not in the profile", e.Endpoint)
	case errors.ErrCodeInvalidDigest:
		return "Invalid endpoint digest"
	default:
		return string(e.Code)
	}
}

// Normalize canonicalizes an endpoint URL for digest computation:
// lowercased, surrounding whitespace removed, trailing slash stripped.
func Normalize(endpoint string) string {
	e := strings.ToLower(strings.TrimSpace(endpoint))
	return strings.TrimSuffix(e, "/")
}

// Digest derives the expected 64-hex digest for one endpoint ownership
// claim. The digest is the SHA-256 of
// normalize(endpoint) || "|" || lowercase(operator) || "|" || nonce.
func Digest(endpoint, operator, nonce string) string {
	payload := Normalize(endpoint) + "|" + strings.ToLower(operator) + "|" + nonce
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyProofSet checks that every endpoint has exactly one matching
// proof and that each proof's digest recomputes correctly for the
// operator. It is pure: no I/O, no clock, no mutation.
func VerifyProofSet(operator string, endpoints []string, proofs []Proof) error {
	// Index proofs by normalized endpoint, rejecting duplicates.
	byEndpoint := make(map[string]Proof, len(proofs))
	for _, proof := range proofs {
		key := Normalize(proof.Endpoint)
		if _, dup := byEndpoint[key]; dup {
			return VerifyError{Code: errors.ErrCodeExtraProof, Endpoint: proof.Endpoint}
		}
		byEndpoint[key] = proof
	}

	// Every endpoint needs a proof.
	wanted := make(map[string]bool, len(endpoints))
	for _, endpoint := range endpoints {
		key := Normalize(endpoint)
		wanted[key] = true
		if _, ok := byEndpoint[key]; !ok {
			return VerifyError{Code: errors.ErrCodeMissingProof, Endpoint: endpoint}
		}
	}

	// No proof may reference an endpoint outside the profile.
	for key, proof := range byEndpoint {
		if !wanted[key] {
			return VerifyError{Code: errors.ErrCodeExtraProof, Endpoint: proof.Endpoint}
		}
	}

	// Recompute each digest in declared endpoint order.
	for _, endpoint := range endpoints {
		proof := byEndpoint[Normalize(endpoint)]
		expected := Digest(proof.Endpoint, operator, proof.Nonce)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(proof.Digest))) != 1 {
			return VerifyError{Code: errors.ErrCodeInvalidDigest, Endpoint: endpoint}
		}
	}

	return nil
}
