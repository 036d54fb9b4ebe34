package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CloakMarket/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned when a create collides with an existing id.
var ErrAlreadyExists = errors.New("storage: already exists")

// ErrReplayConflict is returned when a replay key is already reserved in
// settling or settled state. This is the authoritative double-spend guard.
var ErrReplayConflict = errors.New("storage: replay key already reserved")

// Store captures the persistence requirements of the marketplace core:
// agent profiles, hires, runs, the challenge registry, and the replay-key
// registry. Implementations must make CreateHire/CreateRun/ReserveReplayKey
// atomic with respect to concurrent retries.
type Store interface {
	// Profile repository
	UpsertProfile(ctx context.Context, profile AgentProfile) error
	GetProfile(ctx context.Context, agentID string) (AgentProfile, error)
	ListProfiles(ctx context.Context, filter ProfileFilter) ([]AgentProfile, error)

	// Hire ledger
	CreateHire(ctx context.Context, hire AgentHire) error
	GetHire(ctx context.Context, id string) (AgentHire, error)
	ListHires(ctx context.Context, filter HireFilter) ([]AgentHire, error)
	UpdateHireStatus(ctx context.Context, id string, status HireStatus) error

	// Run repository
	CreateRun(ctx context.Context, run AgentRun) error
	GetRun(ctx context.Context, id string) (AgentRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]AgentRun, error)
	UpdateRun(ctx context.Context, run AgentRun) error

	// Challenge registry (single-use, swept after expiry)
	PutChallenge(ctx context.Context, record ChallengeRecord) error
	GetChallenge(ctx context.Context, challengeID string) (ChallengeRecord, error)
	RedeemChallenge(ctx context.Context, challengeID string) error
	SweepExpiredChallenges(ctx context.Context, now time.Time) (int64, error)

	// Replay-key registry. ReserveReplayKey returns ErrReplayConflict
	// when the key exists in settling or settled state; a failed key is
	// re-reserved in place (first successful reservation wins).
	ReserveReplayKey(ctx context.Context, record ReplayRecord) error
	GetReplay(ctx context.Context, replayKey string) (ReplayRecord, error)
	UpdateReplayStatus(ctx context.Context, replayKey string, status ReplayStatus, settlementTxHash string) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	CleanupInterval time.Duration // memory backend's expired-challenge sweep cadence
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	case "mongodb":
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q (memory, postgres, mongodb)", cfg.Backend)
	}
}
