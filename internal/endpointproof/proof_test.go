package endpointproof

import (
	"errors"
	"strings"
	"testing"

	apierrors "github.com/CloakMarket/server/internal/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.example.com/run", "https://api.example.com/run"},
		{"https://API.Example.com/Run/", "https://api.example.com/run"},
		{"  https://api.example.com ", "https://api.example.com"},
		{"https://api.example.com/", "https://api.example.com"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDigestDeterministic(t *testing.T) {
	first := Digest("https://api.example.com/run", "0xOperator", "nonce-1")
	second := Digest("https://API.example.com/run/", "0xoperator", "nonce-1")

	if first != second {
		t.Errorf("normalization should make digests equal: %q vs %q", first, second)
	}
	if len(first) != 64 {
		t.Errorf("digest length = %d, want 64", len(first))
	}

	other := Digest("https://api.example.com/run", "0xoperator", "nonce-2")
	if other == first {
		t.Error("different nonce should produce a different digest")
	}
}

func TestVerifyProofSet(t *testing.T) {
	const operator = "0xoperator"
	endpoint := "https://agent.example.com/invoke"
	good := Proof{
		Endpoint: endpoint,
		Nonce:    "n1",
		Digest:   Digest(endpoint, operator, "n1"),
	}

	tests := []struct {
		name      string
		endpoints []string
		proofs    []Proof
		wantCode  apierrors.ErrorCode
	}{
		{
			name:      "valid single endpoint",
			endpoints: []string{endpoint},
			proofs:    []Proof{good},
		},
		{
			name:      "valid with endpoint case and slash variance",
			endpoints: []string{"https://Agent.Example.com/invoke/"},
			proofs:    []Proof{good},
		},
		{
			name:      "uppercase operator at call site",
			endpoints: []string{endpoint},
			proofs: []Proof{{
				Endpoint: endpoint,
				Nonce:    "n1",
				Digest:   Digest(endpoint, "0xOPERATOR", "n1"),
			}},
		},
		{
			name:      "missing proof",
			endpoints: []string{endpoint, "https://agent.example.com/other"},
			proofs:    []Proof{good},
			wantCode:  apierrors.ErrCodeMissingProof,
		},
		{
			name:      "extra proof for unknown endpoint",
			endpoints: []string{endpoint},
			proofs: []Proof{good, {
				Endpoint: "https://rogue.example.com",
				Nonce:    "n2",
				Digest:   Digest("https://rogue.example.com", operator, "n2"),
			}},
			wantCode: apierrors.ErrCodeExtraProof,
		},
		{
			name:      "duplicate proofs for one endpoint",
			endpoints: []string{endpoint},
			proofs:    []Proof{good, good},
			wantCode:  apierrors.ErrCodeExtraProof,
		},
		{
			name:      "all-zero digest",
			endpoints: []string{endpoint},
			proofs: []Proof{{
				Endpoint: endpoint,
				Nonce:    "n1",
				Digest:   strings.Repeat("0", 64),
			}},
			wantCode: apierrors.ErrCodeInvalidDigest,
		},
		{
			name:      "digest for the wrong operator",
			endpoints: []string{endpoint},
			proofs: []Proof{{
				Endpoint: endpoint,
				Nonce:    "n1",
				Digest:   Digest(endpoint, "0xsomeoneelse", "n1"),
			}},
			wantCode: apierrors.ErrCodeInvalidDigest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyProofSet(operator, tt.endpoints, tt.proofs)

			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var vErr VerifyError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected VerifyError, got %T: %v", err, err)
			}
			if vErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", vErr.Code, tt.wantCode)
			}
		})
	}
}

func TestVerifyErrorMessage(t *testing.T) {
	err := VerifyError{Code: apierrors.ErrCodeInvalidDigest, Endpoint: "https://x"}
	if err.Error() != "Invalid endpoint digest" {
		t.Errorf("digest error message = %q", err.Error())
	}

	missing := VerifyError{Code: apierrors.ErrCodeMissingProof, Endpoint: "https://x"}
	if !strings.Contains(missing.Error(), "https://x") {
		t.Errorf("missing proof message should name the endpoint, got %q", missing.Error())
	}
}
