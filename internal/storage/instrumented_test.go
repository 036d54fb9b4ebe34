package storage

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CloakMarket/server/internal/metrics"
)

func TestWithMetricsRecordsQueryDurations(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	store := WithMetrics(NewMemoryStore(), m, "memory")
	defer store.Close()

	ctx := context.Background()
	profile := AgentProfile{
		AgentID:        "instrumented_1",
		AgentType:      AgentTypeSwapRunner,
		OperatorWallet: "0xalice",
		Status:         ProfileActive,
	}
	if err := store.UpsertProfile(ctx, profile); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	if _, err := store.GetProfile(ctx, "instrumented_1"); err != nil {
		t.Fatalf("get profile: %v", err)
	}

	if got := promtest.CollectAndCount(m.DBQueryDuration); got == 0 {
		t.Error("expected db query samples after store operations")
	}
}

func TestWithMetricsNilCollectorPassthrough(t *testing.T) {
	inner := NewMemoryStore()
	if got := WithMetrics(inner, nil, "memory"); got != Store(inner) {
		t.Error("nil collector should return the store unwrapped")
	}
}
