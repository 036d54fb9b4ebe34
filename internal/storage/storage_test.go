package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CloakMarket/server/pkg/x402"
)

func testProfile(agentID string) AgentProfile {
	now := time.Now().UTC()
	return AgentProfile{
		AgentID:        agentID,
		DisplayName:    "Steward " + agentID,
		AgentType:      AgentTypeStakingSteward,
		Capabilities:   []string{"stake", "unstake"},
		Endpoints:      []string{"https://agents.example.com/" + agentID},
		Pricing:        Pricing{Mode: PricingPerRun, Amount: "1000", Token: "USDC"},
		OperatorWallet: "0xoperator",
		ServiceWallet:  "0xservice",
		TrustScore:     50,
		Status:         ProfileActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastIndexedAt:  now,
	}
}

func TestMemoryStoreProfileRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetProfile(ctx, "agent-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	profile := testProfile("agent-1")
	if err := store.UpsertProfile(ctx, profile); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetProfile(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != profile.DisplayName || got.TrustScore != 50 {
		t.Fatalf("unexpected profile: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Capabilities[0] = "mutated"
	again, _ := store.GetProfile(ctx, "agent-1")
	if again.Capabilities[0] != "stake" {
		t.Fatal("store returned a shared slice")
	}

	// Upsert replaces in place.
	profile.TrustScore = 80
	if err := store.UpsertProfile(ctx, profile); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	updated, _ := store.GetProfile(ctx, "agent-1")
	if updated.TrustScore != 80 {
		t.Fatalf("trust score not updated: %d", updated.TrustScore)
	}
}

func TestMemoryStoreListProfilesFilters(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	steward := testProfile("agent-a")
	steward.Verified = true

	dispatcher := testProfile("agent-b")
	dispatcher.AgentType = AgentTypeTreasuryDispatcher
	dispatcher.Capabilities = []string{"disburse"}

	paused := testProfile("agent-c")
	paused.Status = ProfilePaused

	for _, p := range []AgentProfile{steward, dispatcher, paused} {
		if err := store.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("upsert %s: %v", p.AgentID, err)
		}
	}

	byType, err := store.ListProfiles(ctx, ProfileFilter{AgentType: AgentTypeTreasuryDispatcher})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 1 || byType[0].AgentID != "agent-b" {
		t.Fatalf("unexpected type filter result: %+v", byType)
	}

	verified, err := store.ListProfiles(ctx, ProfileFilter{VerifiedOnly: true})
	if err != nil {
		t.Fatalf("list verified: %v", err)
	}
	if len(verified) != 1 || verified[0].AgentID != "agent-a" {
		t.Fatalf("unexpected verified filter result: %+v", verified)
	}

	byCap, err := store.ListProfiles(ctx, ProfileFilter{Capability: "disburse"})
	if err != nil {
		t.Fatalf("list by capability: %v", err)
	}
	if len(byCap) != 1 || byCap[0].AgentID != "agent-b" {
		t.Fatalf("unexpected capability filter result: %+v", byCap)
	}

	active, err := store.ListProfiles(ctx, ProfileFilter{Status: ProfileActive})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active profiles, got %d", len(active))
	}
	if active[0].AgentID != "agent-a" || active[1].AgentID != "agent-b" {
		t.Fatalf("profiles not sorted by agent_id: %+v", active)
	}
}

func TestMemoryStoreListProfilesPagination(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.UpsertProfile(ctx, testProfile(fmt.Sprintf("agent-%d", i))); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	page, err := store.ListProfiles(ctx, ProfileFilter{Limit: 2, Offset: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].AgentID != "agent-3" || page[1].AgentID != "agent-4" {
		t.Fatalf("unexpected page: %+v", page)
	}

	beyond, err := store.ListProfiles(ctx, ProfileFilter{Limit: 10, Offset: 100})
	if err != nil {
		t.Fatalf("list beyond: %v", err)
	}
	if len(beyond) != 0 {
		t.Fatalf("expected empty page, got %d items", len(beyond))
	}
}

func TestMemoryStoreHireLifecycle(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	hire := AgentHire{
		ID:             "hire_1",
		AgentID:        "agent-1",
		OperatorWallet: "0xalice",
		Status:         HireActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateHire(ctx, hire); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateHire(ctx, hire); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := store.UpdateHireStatus(ctx, "hire_1", HirePaused); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.GetHire(ctx, "hire_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != HirePaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}

	if err := store.UpdateHireStatus(ctx, "hire_missing", HireRevoked); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListHiresScoped(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC()
	hires := []AgentHire{
		{ID: "hire_a", AgentID: "agent-1", OperatorWallet: "0xalice", Status: HireActive, CreatedAt: base},
		{ID: "hire_b", AgentID: "agent-2", OperatorWallet: "0xalice", Status: HireActive, CreatedAt: base.Add(time.Minute)},
		{ID: "hire_c", AgentID: "agent-1", OperatorWallet: "0xbob", Status: HireActive, CreatedAt: base},
	}
	for _, h := range hires {
		if err := store.CreateHire(ctx, h); err != nil {
			t.Fatalf("create %s: %v", h.ID, err)
		}
	}

	alice, err := store.ListHires(ctx, HireFilter{OperatorWallet: "0xalice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alice) != 2 {
		t.Fatalf("expected 2 hires for alice, got %d", len(alice))
	}
	// Newest first.
	if alice[0].ID != "hire_b" || alice[1].ID != "hire_a" {
		t.Fatalf("unexpected order: %s, %s", alice[0].ID, alice[1].ID)
	}

	byAgent, err := store.ListHires(ctx, HireFilter{OperatorWallet: "0xalice", AgentID: "agent-2"})
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].ID != "hire_b" {
		t.Fatalf("unexpected agent filter result: %+v", byAgent)
	}
}

func TestMemoryStoreRunUpdateAndList(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC()
	runs := []AgentRun{
		{ID: "run_1", HireID: "hire_1", AgentID: "agent-1", HireOperatorWallet: "0xalice", Status: RunQueued, CreatedAt: base},
		{ID: "run_2", HireID: "hire_1", AgentID: "agent-1", HireOperatorWallet: "0xalice", Status: RunCompleted, CreatedAt: base.Add(time.Second)},
		{ID: "run_3", HireID: "hire_2", AgentID: "agent-2", HireOperatorWallet: "0xbob", Status: RunQueued, CreatedAt: base},
	}
	for _, r := range runs {
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	run, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	run.Status = RunRunning
	run.ExecutionTxHashes = []string{"0xtx1"}
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.GetRun(ctx, "run_1")
	if got.Status != RunRunning || len(got.ExecutionTxHashes) != 1 {
		t.Fatalf("update not applied: %+v", got)
	}

	alice, err := store.ListRuns(ctx, RunFilter{HireOperatorWallet: "0xalice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alice) != 2 || alice[0].ID != "run_2" {
		t.Fatalf("unexpected list: %+v", alice)
	}

	queued, err := store.ListRuns(ctx, RunFilter{HireOperatorWallet: "0xalice", Status: RunQueued})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != "run_1" {
		t.Fatalf("unexpected status filter result: %+v", queued)
	}
}

func TestMemoryStoreChallengeSweep(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(id string, expires time.Time) {
		t.Helper()
		err := store.PutChallenge(ctx, ChallengeRecord{
			Challenge: x402.Challenge{ChallengeID: id, ExpiresAt: expires},
			Status:    ChallengeOpen,
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("ch-expired-1", now.Add(-time.Minute))
	put("ch-expired-2", now.Add(-time.Second))
	put("ch-live", now.Add(time.Minute))

	if err := store.RedeemChallenge(ctx, "ch-live"); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	rec, err := store.GetChallenge(ctx, "ch-live")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != ChallengeRedeemed {
		t.Fatalf("expected redeemed, got %s", rec.Status)
	}

	swept, err := store.SweepExpiredChallenges(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 2 {
		t.Fatalf("expected 2 swept, got %d", swept)
	}
	if _, err := store.GetChallenge(ctx, "ch-expired-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected swept challenge gone, got %v", err)
	}
	if _, err := store.GetChallenge(ctx, "ch-live"); err != nil {
		t.Fatalf("live challenge should survive sweep: %v", err)
	}
}

func TestMemoryStoreReplayReservation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	record := ReplayRecord{ReplayKey: "rk-1", ChallengeID: "ch-1", PaymentRef: "pay_rk-1", Status: ReplaySettling}
	if err := store.ReserveReplayKey(ctx, record); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := store.ReserveReplayKey(ctx, record); !errors.Is(err, ErrReplayConflict) {
		t.Fatalf("expected ErrReplayConflict while settling, got %v", err)
	}

	if err := store.UpdateReplayStatus(ctx, "rk-1", ReplaySettled, "0xsettle"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.GetReplay(ctx, "rk-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ReplaySettled || got.SettlementTxHash != "0xsettle" {
		t.Fatalf("unexpected replay record: %+v", got)
	}
	if err := store.ReserveReplayKey(ctx, record); !errors.Is(err, ErrReplayConflict) {
		t.Fatalf("expected ErrReplayConflict once settled, got %v", err)
	}

	// A failed settlement frees the key for one more attempt.
	if err := store.UpdateReplayStatus(ctx, "rk-1", ReplayFailed, ""); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.ReserveReplayKey(ctx, record); err != nil {
		t.Fatalf("re-reserve after failure: %v", err)
	}
}

func TestMemoryStoreReplayReservationConcurrent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.ReserveReplayKey(ctx, ReplayRecord{ReplayKey: "rk-race", Status: ReplaySettling})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrReplayConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}
