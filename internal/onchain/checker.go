// Package onchain resolves agent identities against the on-chain
// registry. The marketplace treats the registry as advisory: a lookup
// that cannot complete yields status "unknown", and only an explicit
// owner mismatch is ever used to reject a request.
package onchain

import (
	"context"
	"strings"
	"time"
)

// Identity statuses reported by a check.
const (
	StatusSkipped  = "skipped"
	StatusVerified = "verified"
	StatusMismatch = "mismatch"
	StatusUnknown  = "unknown"
)

// Result is the outcome of one identity check.
type Result struct {
	Enforced  bool      `json:"enforced"`
	Status    string    `json:"status"`
	Owner     string    `json:"owner,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker verifies that an agent's registered on-chain owner matches
// the operator wallet claiming it. Implementations never surface
// transient failures as errors; those degrade to StatusUnknown.
type Checker interface {
	Check(ctx context.Context, agentID, operatorWallet string) Result
}

// NoopChecker is used when no registry RPC endpoint is configured.
// Every check reports skipped.
type NoopChecker struct{}

func (NoopChecker) Check(_ context.Context, _, _ string) Result {
	return Result{Enforced: false, Status: StatusSkipped, CheckedAt: time.Now().UTC()}
}

// StaticChecker returns canned results keyed by agent id. Test seam.
type StaticChecker struct {
	Enforced bool
	Results  map[string]Result
}

func (s StaticChecker) Check(_ context.Context, agentID, operatorWallet string) Result {
	if r, ok := s.Results[agentID]; ok {
		r.Enforced = s.Enforced
		if r.CheckedAt.IsZero() {
			r.CheckedAt = time.Now().UTC()
		}
		return r
	}
	return classifyOwner(s.Enforced, "", operatorWallet, "agent not registered")
}

// classifyOwner maps a registry owner to an identity status. Missing
// owners degrade to unknown rather than mismatch: an unregistered agent
// is not evidence against the operator.
func classifyOwner(enforced bool, owner, operatorWallet, missingReason string) Result {
	result := Result{Enforced: enforced, CheckedAt: time.Now().UTC()}
	if owner == "" {
		result.Status = StatusUnknown
		result.Reason = missingReason
		return result
	}
	result.Owner = strings.ToLower(owner)
	if result.Owner == strings.ToLower(strings.TrimSpace(operatorWallet)) {
		result.Status = StatusVerified
	} else {
		result.Status = StatusMismatch
		result.Reason = "registry owner does not match operator wallet"
	}
	return result
}
