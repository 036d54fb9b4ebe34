package discovery

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CloakMarket/server/internal/metrics"
	"github.com/CloakMarket/server/internal/storage"
	"github.com/CloakMarket/server/internal/telemetry"
)

func newTestService(t *testing.T, now time.Time) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	service := NewService(store, telemetry.NewRegistry(zerolog.Nop()), metrics.New(prometheus.NewRegistry()))
	service.now = func() time.Time { return now }
	return service, store
}

func TestScoreComponents(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	full := storage.AgentProfile{
		TrustScore:    100,
		Verified:      true,
		Capabilities:  []string{"swap"},
		LastIndexedAt: now,
	}
	if got := Score(full, "swap", now); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("full score = %f, want 1.0", got)
	}

	bare := storage.AgentProfile{TrustScore: 0, LastIndexedAt: now.Add(-60 * 24 * time.Hour)}
	if got := Score(bare, "swap", now); got != 0 {
		t.Fatalf("bare score = %f, want 0", got)
	}

	// Freshness decays linearly: 15 days old on a 30 day horizon.
	half := storage.AgentProfile{LastIndexedAt: now.Add(-15 * 24 * time.Hour)}
	if got := Score(half, "", now); math.Abs(got-0.075) > 1e-9 {
		t.Fatalf("half-fresh score = %f, want 0.075", got)
	}
}

func TestDiscoverRanksAndFilters(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	ctx := context.Background()

	seed := func(agentID string, trust int, verified bool, capabilities []string, status storage.ProfileStatus) {
		t.Helper()
		err := store.UpsertProfile(ctx, storage.AgentProfile{
			AgentID:       agentID,
			DisplayName:   agentID,
			AgentType:     storage.AgentTypeSwapRunner,
			Capabilities:  capabilities,
			TrustScore:    trust,
			Verified:      verified,
			Status:        status,
			LastIndexedAt: now,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", agentID, err)
		}
	}

	seed("swapper-low", 40, false, []string{"swap"}, storage.ProfileActive)
	seed("swapper-high", 90, true, []string{"swap"}, storage.ProfileActive)
	seed("stale-misfit", 95, true, []string{"stake"}, storage.ProfileActive)
	seed("paused", 100, true, []string{"swap"}, storage.ProfilePaused)
	seed("retired", 100, true, []string{"swap"}, storage.ProfileRetired)

	results, err := service.Discover(ctx, "0xcaller", Query{Capability: "swap"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 active results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != storage.ProfileActive {
			t.Fatalf("inactive profile leaked: %s", r.AgentID)
		}
		if r.RankingVersion != RankingVersion {
			t.Fatalf("missing ranking version on %s", r.AgentID)
		}
	}

	// swapper-high: .45*.9 + .2 + .2 + .15 = .955
	// stale-misfit: .45*.95 + .2 + 0 + .15 = .7775
	// swapper-low:  .45*.4 + 0 + .2 + .15 = .53
	if results[0].AgentID != "swapper-high" || results[1].AgentID != "stale-misfit" || results[2].AgentID != "swapper-low" {
		t.Fatalf("unexpected ranking: %s, %s, %s", results[0].AgentID, results[1].AgentID, results[2].AgentID)
	}
	if math.Abs(results[0].DiscoveryScore-0.955) > 1e-9 {
		t.Fatalf("top score = %f", results[0].DiscoveryScore)
	}
}

func TestDiscoverTieBreaks(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	ctx := context.Background()

	// Identical scores force the agent_id ascending tie break.
	for _, agentID := range []string{"twin-b", "twin-a"} {
		err := store.UpsertProfile(ctx, storage.AgentProfile{
			AgentID:       agentID,
			DisplayName:   agentID,
			AgentType:     storage.AgentTypeSwapRunner,
			Capabilities:  []string{"swap"},
			TrustScore:    70,
			Status:        storage.ProfileActive,
			LastIndexedAt: now,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	results, err := service.Discover(ctx, "0xcaller", Query{Capability: "swap"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if results[0].AgentID != "twin-a" || results[1].AgentID != "twin-b" {
		t.Fatalf("tie break wrong: %s before %s", results[0].AgentID, results[1].AgentID)
	}
}

func TestDiscoverPagination(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	service, store := newTestService(t, now)
	ctx := context.Background()

	for i, trust := range []int{90, 70, 50} {
		err := store.UpsertProfile(ctx, storage.AgentProfile{
			AgentID:       string(rune('a' + i)),
			AgentType:     storage.AgentTypeSwapRunner,
			TrustScore:    trust,
			Status:        storage.ProfileActive,
			LastIndexedAt: now,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	page, err := service.Discover(ctx, "0xcaller", Query{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(page) != 1 || page[0].TrustScore != 70 {
		t.Fatalf("unexpected page: %+v", page)
	}
}
