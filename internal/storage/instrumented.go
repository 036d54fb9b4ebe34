package storage

import (
	"context"
	"time"

	"github.com/CloakMarket/server/internal/metrics"
)

// instrumentedStore decorates a Store with per-operation latency
// metrics, labeled by backend.
type instrumentedStore struct {
	inner   Store
	metrics *metrics.Metrics
	backend string
}

// WithMetrics wraps a store so every operation reports its duration.
// A nil collector returns the store unwrapped.
func WithMetrics(inner Store, m *metrics.Metrics, backend string) Store {
	if m == nil {
		return inner
	}
	if backend == "" {
		backend = "memory"
	}
	return &instrumentedStore{inner: inner, metrics: m, backend: backend}
}

func (s *instrumentedStore) UpsertProfile(ctx context.Context, profile AgentProfile) error {
	defer metrics.MeasureDBQuery(s.metrics, "upsert_profile", s.backend)()
	return s.inner.UpsertProfile(ctx, profile)
}

func (s *instrumentedStore) GetProfile(ctx context.Context, agentID string) (AgentProfile, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_profile", s.backend)()
	return s.inner.GetProfile(ctx, agentID)
}

func (s *instrumentedStore) ListProfiles(ctx context.Context, filter ProfileFilter) ([]AgentProfile, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_profiles", s.backend)()
	return s.inner.ListProfiles(ctx, filter)
}

func (s *instrumentedStore) CreateHire(ctx context.Context, hire AgentHire) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_hire", s.backend)()
	return s.inner.CreateHire(ctx, hire)
}

func (s *instrumentedStore) GetHire(ctx context.Context, id string) (AgentHire, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_hire", s.backend)()
	return s.inner.GetHire(ctx, id)
}

func (s *instrumentedStore) ListHires(ctx context.Context, filter HireFilter) ([]AgentHire, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_hires", s.backend)()
	return s.inner.ListHires(ctx, filter)
}

func (s *instrumentedStore) UpdateHireStatus(ctx context.Context, id string, status HireStatus) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_hire_status", s.backend)()
	return s.inner.UpdateHireStatus(ctx, id, status)
}

func (s *instrumentedStore) CreateRun(ctx context.Context, run AgentRun) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_run", s.backend)()
	return s.inner.CreateRun(ctx, run)
}

func (s *instrumentedStore) GetRun(ctx context.Context, id string) (AgentRun, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_run", s.backend)()
	return s.inner.GetRun(ctx, id)
}

func (s *instrumentedStore) ListRuns(ctx context.Context, filter RunFilter) ([]AgentRun, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_runs", s.backend)()
	return s.inner.ListRuns(ctx, filter)
}

func (s *instrumentedStore) UpdateRun(ctx context.Context, run AgentRun) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_run", s.backend)()
	return s.inner.UpdateRun(ctx, run)
}

func (s *instrumentedStore) PutChallenge(ctx context.Context, record ChallengeRecord) error {
	defer metrics.MeasureDBQuery(s.metrics, "put_challenge", s.backend)()
	return s.inner.PutChallenge(ctx, record)
}

func (s *instrumentedStore) GetChallenge(ctx context.Context, challengeID string) (ChallengeRecord, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_challenge", s.backend)()
	return s.inner.GetChallenge(ctx, challengeID)
}

func (s *instrumentedStore) RedeemChallenge(ctx context.Context, challengeID string) error {
	defer metrics.MeasureDBQuery(s.metrics, "redeem_challenge", s.backend)()
	return s.inner.RedeemChallenge(ctx, challengeID)
}

func (s *instrumentedStore) SweepExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "sweep_challenges", s.backend)()
	return s.inner.SweepExpiredChallenges(ctx, now)
}

func (s *instrumentedStore) ReserveReplayKey(ctx context.Context, record ReplayRecord) error {
	defer metrics.MeasureDBQuery(s.metrics, "reserve_replay_key", s.backend)()
	return s.inner.ReserveReplayKey(ctx, record)
}

func (s *instrumentedStore) GetReplay(ctx context.Context, replayKey string) (ReplayRecord, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_replay", s.backend)()
	return s.inner.GetReplay(ctx, replayKey)
}

func (s *instrumentedStore) UpdateReplayStatus(ctx context.Context, replayKey string, status ReplayStatus, settlementTxHash string) error {
	defer metrics.MeasureDBQuery(s.metrics, "update_replay_status", s.backend)()
	return s.inner.UpdateReplayStatus(ctx, replayKey, status, settlementTxHash)
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
