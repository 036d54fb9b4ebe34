package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CloakMarket/server/internal/endpointproof"
)

// MemoryStore is the in-process Store. All maps are guarded by one
// RWMutex; no lock is ever held across I/O because there is none.
// State does not survive a restart, so the replay-key registry loses
// its history. Development use only.
type MemoryStore struct {
	mu         sync.RWMutex
	profiles   map[string]AgentProfile
	hires      map[string]AgentHire
	runs       map[string]AgentRun
	challenges map[string]ChallengeRecord
	replays    map[string]ReplayRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:   make(map[string]AgentProfile),
		hires:      make(map[string]AgentHire),
		runs:       make(map[string]AgentRun),
		challenges: make(map[string]ChallengeRecord),
		replays:    make(map[string]ReplayRecord),
	}
}

// cloneProfile copies the slices so callers never alias stored state.
func cloneProfile(p AgentProfile) AgentProfile {
	out := p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	out.Endpoints = append([]string(nil), p.Endpoints...)
	out.EndpointProofs = append([]endpointproof.Proof(nil), p.EndpointProofs...)
	if p.OnchainCheckedAt != nil {
		t := *p.OnchainCheckedAt
		out.OnchainCheckedAt = &t
	}
	return out
}

func cloneHire(h AgentHire) AgentHire {
	out := h
	out.PolicySnapshot = append([]byte(nil), h.PolicySnapshot...)
	return out
}

func cloneRun(r AgentRun) AgentRun {
	out := r
	out.Params = append([]byte(nil), r.Params...)
	out.Result = append([]byte(nil), r.Result...)
	out.ExecutionTxHashes = append([]string(nil), r.ExecutionTxHashes...)
	if r.PaymentEvidence != nil {
		pe := *r.PaymentEvidence
		if r.PaymentEvidence.IdentityContext != nil {
			ic := *r.PaymentEvidence.IdentityContext
			pe.IdentityContext = &ic
		}
		out.PaymentEvidence = &pe
	}
	if r.AgentTrustSnapshot != nil {
		ts := *r.AgentTrustSnapshot
		out.AgentTrustSnapshot = &ts
	}
	if r.DelegationEvidence != nil {
		de := *r.DelegationEvidence
		out.DelegationEvidence = &de
	}
	return out
}

// UpsertProfile implements Store.
func (m *MemoryStore) UpsertProfile(_ context.Context, profile AgentProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.AgentID] = cloneProfile(profile)
	return nil
}

// GetProfile implements Store.
func (m *MemoryStore) GetProfile(_ context.Context, agentID string) (AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[agentID]
	if !ok {
		return AgentProfile{}, ErrNotFound
	}
	return cloneProfile(profile), nil
}

// ListProfiles implements Store. Results are ordered by agent id for
// deterministic pagination.
func (m *MemoryStore) ListProfiles(_ context.Context, filter ProfileFilter) ([]AgentProfile, error) {
	m.mu.RLock()
	matched := make([]AgentProfile, 0, len(m.profiles))
	for _, profile := range m.profiles {
		if matchesProfileFilter(profile, filter) {
			matched = append(matched, cloneProfile(profile))
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].AgentID < matched[j].AgentID })
	return paginate(matched, filter.Limit, filter.Offset), nil
}

// matchesProfileFilter applies ProfileFilter semantics shared by all backends.
func matchesProfileFilter(p AgentProfile, f ProfileFilter) bool {
	if f.AgentType != "" && p.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.VerifiedOnly && !p.Verified {
		return false
	}
	if f.Capability != "" && !p.HasCapability(f.Capability) {
		return false
	}
	return true
}

// CreateHire implements Store.
func (m *MemoryStore) CreateHire(_ context.Context, hire AgentHire) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.hires[hire.ID]; exists {
		return ErrAlreadyExists
	}
	m.hires[hire.ID] = cloneHire(hire)
	return nil
}

// GetHire implements Store.
func (m *MemoryStore) GetHire(_ context.Context, id string) (AgentHire, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hire, ok := m.hires[id]
	if !ok {
		return AgentHire{}, ErrNotFound
	}
	return cloneHire(hire), nil
}

// ListHires implements Store, newest first.
func (m *MemoryStore) ListHires(_ context.Context, filter HireFilter) ([]AgentHire, error) {
	m.mu.RLock()
	matched := make([]AgentHire, 0)
	for _, hire := range m.hires {
		if filter.OperatorWallet != "" && hire.OperatorWallet != filter.OperatorWallet {
			continue
		}
		if filter.AgentID != "" && hire.AgentID != filter.AgentID {
			continue
		}
		matched = append(matched, cloneHire(hire))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), nil
}

// UpdateHireStatus implements Store. Transition legality is the hire
// ledger's concern; the store records the decided state.
func (m *MemoryStore) UpdateHireStatus(_ context.Context, id string, status HireStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hire, ok := m.hires[id]
	if !ok {
		return ErrNotFound
	}
	hire.Status = status
	hire.UpdatedAt = time.Now().UTC()
	m.hires[id] = hire
	return nil
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(_ context.Context, run AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(_ context.Context, id string) (AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return AgentRun{}, ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns implements Store, newest first.
func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]AgentRun, error) {
	m.mu.RLock()
	matched := make([]AgentRun, 0)
	for _, run := range m.runs {
		if filter.HireOperatorWallet != "" && run.HireOperatorWallet != filter.HireOperatorWallet {
			continue
		}
		if filter.HireID != "" && run.HireID != filter.HireID {
			continue
		}
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneRun(run))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), nil
}

// UpdateRun implements Store with a full-row replace keyed by run id.
func (m *MemoryStore) UpdateRun(_ context.Context, run AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// PutChallenge implements Store.
func (m *MemoryStore) PutChallenge(_ context.Context, record ChallengeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[record.Challenge.ChallengeID] = record
	return nil
}

// GetChallenge implements Store.
func (m *MemoryStore) GetChallenge(_ context.Context, challengeID string) (ChallengeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.challenges[challengeID]
	if !ok {
		return ChallengeRecord{}, ErrNotFound
	}
	return record, nil
}

// RedeemChallenge implements Store, marking the challenge single-use.
func (m *MemoryStore) RedeemChallenge(_ context.Context, challengeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.challenges[challengeID]
	if !ok {
		return ErrNotFound
	}
	record.Status = ChallengeRedeemed
	m.challenges[challengeID] = record
	return nil
}

// SweepExpiredChallenges implements Store.
func (m *MemoryStore) SweepExpiredChallenges(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept int64
	for id, record := range m.challenges {
		if now.After(record.Challenge.ExpiresAt) {
			delete(m.challenges, id)
			swept++
		}
	}
	return swept, nil
}

// ReserveReplayKey implements Store. The single map mutex makes the
// reservation atomic: the first caller wins, concurrent retries see
// ErrReplayConflict.
func (m *MemoryStore) ReserveReplayKey(_ context.Context, record ReplayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.replays[record.ReplayKey]
	if ok && existing.Status != ReplayFailed {
		return ErrReplayConflict
	}

	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = ReplaySettling
	}
	m.replays[record.ReplayKey] = record
	return nil
}

// GetReplay implements Store.
func (m *MemoryStore) GetReplay(_ context.Context, replayKey string) (ReplayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.replays[replayKey]
	if !ok {
		return ReplayRecord{}, ErrNotFound
	}
	return record, nil
}

// UpdateReplayStatus implements Store.
func (m *MemoryStore) UpdateReplayStatus(_ context.Context, replayKey string, status ReplayStatus, settlementTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.replays[replayKey]
	if !ok {
		return ErrNotFound
	}
	record.Status = status
	if settlementTxHash != "" {
		record.SettlementTxHash = settlementTxHash
	}
	record.UpdatedAt = time.Now().UTC()
	m.replays[replayKey] = record
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

// paginate applies {limit, offset} windowing to a sorted slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
