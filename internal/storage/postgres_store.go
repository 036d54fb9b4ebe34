package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/CloakMarket/server/internal/config"
)

// PostgresStore implements Store using PostgreSQL. Indexed columns carry
// the fields the list filters need; the full entity lives in a JSONB
// document so schema churn stays out of migrations.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error during initialization cleanup is not actionable;
		// the connection failure is the error the caller needs.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool so multiple
// stores can share one pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// createTables bootstraps the schema.
func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_profiles (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			operator_wallet TEXT NOT NULL,
			status TEXT NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			capabilities JSONB NOT NULL DEFAULT '[]',
			document JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_profiles_type ON agent_profiles (agent_type);
		CREATE INDEX IF NOT EXISTS idx_agent_profiles_status ON agent_profiles (status);
		CREATE INDEX IF NOT EXISTS idx_agent_profiles_operator ON agent_profiles (operator_wallet);

		CREATE TABLE IF NOT EXISTS agent_hires (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			operator_wallet TEXT NOT NULL,
			status TEXT NOT NULL,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_hires_operator ON agent_hires (operator_wallet);
		CREATE INDEX IF NOT EXISTS idx_agent_hires_agent ON agent_hires (agent_id);

		CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			hire_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			hire_operator_wallet TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_ref TEXT,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_runs_hire ON agent_runs (hire_id);
		CREATE INDEX IF NOT EXISTS idx_agent_runs_operator ON agent_runs (hire_operator_wallet);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_runs_payment_ref
			ON agent_runs (payment_ref) WHERE payment_ref IS NOT NULL AND payment_ref != '';

		CREATE TABLE IF NOT EXISTS x402_challenges (
			challenge_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_x402_challenges_expires ON x402_challenges (expires_at);

		CREATE TABLE IF NOT EXISTS x402_replays (
			replay_key TEXT PRIMARY KEY,
			challenge_id TEXT NOT NULL,
			payment_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			settlement_tx_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create marketplace tables: %w", err)
	}
	return nil
}

// UpsertProfile implements Store.
func (s *PostgresStore) UpsertProfile(ctx context.Context, profile AgentProfile) error {
	document, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	capabilities, err := json.Marshal(profile.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (agent_id, agent_type, operator_wallet, status, verified, capabilities, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id) DO UPDATE SET
			agent_type = EXCLUDED.agent_type,
			operator_wallet = EXCLUDED.operator_wallet,
			status = EXCLUDED.status,
			verified = EXCLUDED.verified,
			capabilities = EXCLUDED.capabilities,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		profile.AgentID, string(profile.AgentType), profile.OperatorWallet, string(profile.Status),
		profile.Verified, capabilities, document, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile implements Store.
func (s *PostgresStore) GetProfile(ctx context.Context, agentID string) (AgentProfile, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM agent_profiles WHERE agent_id = $1`, agentID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentProfile{}, ErrNotFound
	}
	if err != nil {
		return AgentProfile{}, fmt.Errorf("get profile: %w", err)
	}

	var profile AgentProfile
	if err := json.Unmarshal(document, &profile); err != nil {
		return AgentProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

// ListProfiles implements Store.
func (s *PostgresStore) ListProfiles(ctx context.Context, filter ProfileFilter) ([]AgentProfile, error) {
	query := `SELECT document FROM agent_profiles WHERE 1=1`
	args := []any{}
	arg := 1

	if filter.AgentType != "" {
		query += fmt.Sprintf(" AND agent_type = $%d", arg)
		args = append(args, string(filter.AgentType))
		arg++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", arg)
		args = append(args, string(filter.Status))
		arg++
	}
	if filter.VerifiedOnly {
		query += " AND verified = TRUE"
	}
	if filter.Capability != "" {
		query += fmt.Sprintf(" AND capabilities @> $%d", arg)
		capJSON, _ := json.Marshal([]string{filter.Capability})
		args = append(args, capJSON)
		arg++
	}

	query += " ORDER BY agent_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", arg)
		args = append(args, filter.Limit)
		arg++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", arg)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []AgentProfile{}
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		var profile AgentProfile
		if err := json.Unmarshal(document, &profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// CreateHire implements Store.
func (s *PostgresStore) CreateHire(ctx context.Context, hire AgentHire) error {
	document, err := json.Marshal(hire)
	if err != nil {
		return fmt.Errorf("marshal hire: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_hires (id, agent_id, operator_wallet, status, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		hire.ID, hire.AgentID, hire.OperatorWallet, string(hire.Status), document, hire.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create hire: %w", err)
	}
	return nil
}

// GetHire implements Store.
func (s *PostgresStore) GetHire(ctx context.Context, id string) (AgentHire, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM agent_hires WHERE id = $1`, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentHire{}, ErrNotFound
	}
	if err != nil {
		return AgentHire{}, fmt.Errorf("get hire: %w", err)
	}

	var hire AgentHire
	if err := json.Unmarshal(document, &hire); err != nil {
		return AgentHire{}, fmt.Errorf("decode hire: %w", err)
	}
	return hire, nil
}

// ListHires implements Store.
func (s *PostgresStore) ListHires(ctx context.Context, filter HireFilter) ([]AgentHire, error) {
	query := `SELECT document FROM agent_hires WHERE 1=1`
	args := []any{}
	arg := 1

	if filter.OperatorWallet != "" {
		query += fmt.Sprintf(" AND operator_wallet = $%d", arg)
		args = append(args, filter.OperatorWallet)
		arg++
	}
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", arg)
		args = append(args, filter.AgentID)
		arg++
	}

	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", arg)
		args = append(args, filter.Limit)
		arg++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", arg)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hires: %w", err)
	}
	defer rows.Close()

	hires := []AgentHire{}
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan hire: %w", err)
		}
		var hire AgentHire
		if err := json.Unmarshal(document, &hire); err != nil {
			return nil, fmt.Errorf("decode hire: %w", err)
		}
		hires = append(hires, hire)
	}
	return hires, rows.Err()
}

// UpdateHireStatus implements Store.
func (s *PostgresStore) UpdateHireStatus(ctx context.Context, id string, status HireStatus) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_hires SET
			status = $1,
			document = jsonb_set(jsonb_set(document, '{status}', to_jsonb($1::text)), '{updated_at}', to_jsonb($2::timestamptz))
		WHERE id = $3`,
		string(status), now, id)
	if err != nil {
		return fmt.Errorf("update hire status: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun implements Store.
func (s *PostgresStore) CreateRun(ctx context.Context, run AgentRun) error {
	document, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, hire_id, agent_id, hire_operator_wallet, status, payment_ref, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.HireID, run.AgentID, run.HireOperatorWallet, string(run.Status),
		run.PaymentRef, document, run.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (AgentRun, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM agent_runs WHERE id = $1`, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRun{}, ErrNotFound
	}
	if err != nil {
		return AgentRun{}, fmt.Errorf("get run: %w", err)
	}

	var run AgentRun
	if err := json.Unmarshal(document, &run); err != nil {
		return AgentRun{}, fmt.Errorf("decode run: %w", err)
	}
	return run, nil
}

// ListRuns implements Store.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]AgentRun, error) {
	query := `SELECT document FROM agent_runs WHERE 1=1`
	args := []any{}
	arg := 1

	if filter.HireOperatorWallet != "" {
		query += fmt.Sprintf(" AND hire_operator_wallet = $%d", arg)
		args = append(args, filter.HireOperatorWallet)
		arg++
	}
	if filter.HireID != "" {
		query += fmt.Sprintf(" AND hire_id = $%d", arg)
		args = append(args, filter.HireID)
		arg++
	}
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", arg)
		args = append(args, filter.AgentID)
		arg++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", arg)
		args = append(args, string(filter.Status))
		arg++
	}

	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", arg)
		args = append(args, filter.Limit)
		arg++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", arg)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []AgentRun{}
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run AgentRun
		if err := json.Unmarshal(document, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun implements Store.
func (s *PostgresStore) UpdateRun(ctx context.Context, run AgentRun) error {
	document, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = $1, payment_ref = $2, document = $3 WHERE id = $4`,
		string(run.Status), run.PaymentRef, document, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PutChallenge implements Store.
func (s *PostgresStore) PutChallenge(ctx context.Context, record ChallengeRecord) error {
	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO x402_challenges (challenge_id, status, expires_at, document, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (challenge_id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document`,
		record.Challenge.ChallengeID, record.Status, record.Challenge.ExpiresAt, document, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// GetChallenge implements Store.
func (s *PostgresStore) GetChallenge(ctx context.Context, challengeID string) (ChallengeRecord, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM x402_challenges WHERE challenge_id = $1`, challengeID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return ChallengeRecord{}, ErrNotFound
	}
	if err != nil {
		return ChallengeRecord{}, fmt.Errorf("get challenge: %w", err)
	}

	var record ChallengeRecord
	if err := json.Unmarshal(document, &record); err != nil {
		return ChallengeRecord{}, fmt.Errorf("decode challenge: %w", err)
	}
	return record, nil
}

// RedeemChallenge implements Store.
func (s *PostgresStore) RedeemChallenge(ctx context.Context, challengeID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE x402_challenges SET
			status = $1,
			document = jsonb_set(document, '{status}', to_jsonb($1::text))
		WHERE challenge_id = $2`,
		ChallengeRedeemed, challengeID)
	if err != nil {
		return fmt.Errorf("redeem challenge: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpiredChallenges implements Store.
func (s *PostgresStore) SweepExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM x402_challenges WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep challenges: %w", err)
	}
	return result.RowsAffected()
}

// ReserveReplayKey implements Store. The conditional upsert makes the
// reservation atomic: only an absent key or a failed prior attempt can
// be (re)reserved, so concurrent retries lose cleanly.
func (s *PostgresStore) ReserveReplayKey(ctx context.Context, record ReplayRecord) error {
	if record.Status == "" {
		record.Status = ReplaySettling
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO x402_replays (replay_key, challenge_id, payment_ref, status, settlement_tx_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (replay_key) DO UPDATE SET
			challenge_id = EXCLUDED.challenge_id,
			payment_ref = EXCLUDED.payment_ref,
			status = EXCLUDED.status,
			settlement_tx_hash = EXCLUDED.settlement_tx_hash,
			updated_at = EXCLUDED.updated_at
		WHERE x402_replays.status = $7`,
		record.ReplayKey, record.ChallengeID, record.PaymentRef, string(record.Status),
		record.SettlementTxHash, now, string(ReplayFailed))
	if err != nil {
		return fmt.Errorf("reserve replay key: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrReplayConflict
	}
	return nil
}

// GetReplay implements Store.
func (s *PostgresStore) GetReplay(ctx context.Context, replayKey string) (ReplayRecord, error) {
	var record ReplayRecord
	var status string
	var txHash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT replay_key, challenge_id, payment_ref, status, settlement_tx_hash, created_at, updated_at
		FROM x402_replays WHERE replay_key = $1`, replayKey).
		Scan(&record.ReplayKey, &record.ChallengeID, &record.PaymentRef, &status, &txHash, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReplayRecord{}, ErrNotFound
	}
	if err != nil {
		return ReplayRecord{}, fmt.Errorf("get replay: %w", err)
	}
	record.Status = ReplayStatus(status)
	record.SettlementTxHash = txHash.String
	return record, nil
}

// UpdateReplayStatus implements Store.
func (s *PostgresStore) UpdateReplayStatus(ctx context.Context, replayKey string, status ReplayStatus, settlementTxHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE x402_replays SET
			status = $1,
			settlement_tx_hash = COALESCE(NULLIF($2, ''), settlement_tx_hash),
			updated_at = $3
		WHERE replay_key = $4`,
		string(status), settlementTxHash, time.Now().UTC(), replayKey)
	if err != nil {
		return fmt.Errorf("update replay status: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// isUniqueViolation reports a Postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
