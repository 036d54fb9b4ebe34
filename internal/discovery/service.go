// Package discovery ranks active agent profiles for marketplace search.
package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/CloakMarket/server/internal/errors"
	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
)

// RankingVersion tags results so clients can detect scoring changes.
const RankingVersion = "v1"

// Ranking weights. trust dominates, then verification, capability fit,
// and index freshness.
const (
	weightTrust      = 0.45
	weightVerified   = 0.20
	weightCapability = 0.20
	weightFreshness  = 0.15

	freshnessHorizonDays = 30.0
)

// Query is one discovery request.
type Query struct {
	Capability   string
	AgentType    storage.AgentType
	VerifiedOnly bool
	Limit        int
	Offset       int
}

// RankedProfile is a profile plus its computed discovery score.
type RankedProfile struct {
	storage.AgentProfile
	DiscoveryScore float64 `json:"discovery_score"`
	RankingVersion string  `json:"ranking_version"`
}

// Service computes ranked discovery results.
type Service struct {
	store     storage.Store
	telemetry *telemetry.Registry
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService builds the discovery service.
func NewService(store storage.Store, tel *telemetry.Registry, m *metrics.Metrics) *Service {
	return &Service{store: store, telemetry: tel, metrics: m, now: time.Now}
}

// Discover returns ranked profiles matching the query. Only active
// profiles are candidates, regardless of filters.
func (s *Service) Discover(ctx context.Context, actor string, query Query) ([]RankedProfile, error) {
	s.metrics.ObserveDiscoveryQuery()

	// Pagination is applied after ranking, so the store query fetches
	// the full candidate set.
	filter := storage.ProfileFilter{
		AgentType:    query.AgentType,
		VerifiedOnly: query.VerifiedOnly,
		Status:       storage.ProfileActive,
	}
	candidates, err := s.store.ListProfiles(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "list candidate profiles", err)
	}

	now := s.now().UTC()
	ranked := make([]RankedProfile, 0, len(candidates))
	for _, profile := range candidates {
		ranked = append(ranked, RankedProfile{
			AgentProfile:   profile,
			DiscoveryScore: Score(profile, query.Capability, now),
			RankingVersion: RankingVersion,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].DiscoveryScore != ranked[j].DiscoveryScore {
			return ranked[i].DiscoveryScore > ranked[j].DiscoveryScore
		}
		if ranked[i].TrustScore != ranked[j].TrustScore {
			return ranked[i].TrustScore > ranked[j].TrustScore
		}
		return ranked[i].AgentID < ranked[j].AgentID
	})

	ranked = page(ranked, query.Limit, query.Offset)

	s.telemetry.EmitFunnel(ctx, telemetry.FunnelEvent{
		Event:     telemetry.EventDiscoverLoaded,
		Level:     "info",
		Actor:     actor,
		Timestamp: now,
		Metadata: map[string]any{
			"capability": query.Capability,
			"agent_type": string(query.AgentType),
			"results":    len(ranked),
		},
	})

	return ranked, nil
}

// Score computes the v1 discovery score for one profile.
func Score(profile storage.AgentProfile, capability string, now time.Time) float64 {
	score := weightTrust * float64(profile.TrustScore) / 100.0
	if profile.Verified {
		score += weightVerified
	}
	if capability != "" && profile.HasCapability(capability) {
		score += weightCapability
	}
	score += weightFreshness * freshnessDecay(profile.LastIndexedAt, now)
	return score
}

// freshnessDecay falls linearly from 1 to 0 over the freshness horizon.
func freshnessDecay(lastIndexedAt, now time.Time) float64 {
	if lastIndexedAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(lastIndexedAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	decay := 1.0 - ageDays/freshnessHorizonDays
	if decay < 0 {
		return 0
	}
	return decay
}

func page(items []RankedProfile, limit, offset int) []RankedProfile {
	if offset > 0 {
		if offset >= len(items) {
			return []RankedProfile{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
