package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB. Documents mirror the
// postgres layout: indexed fields for filtering plus the JSON-encoded
// entity, so both backends decode through the same structs.
type MongoDBStore struct {
	client     *mongo.Client
	profiles   *mongo.Collection
	hires      *mongo.Collection
	runs       *mongo.Collection
	challenges *mongo.Collection
	replays    *mongo.Collection
}

// NewMongoDBStore creates a MongoDB-backed store.
func NewMongoDBStore(uri, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if database == "" {
		database = "cloak_marketplace"
	}
	db := client.Database(database)

	store := &MongoDBStore{
		client:     client,
		profiles:   db.Collection("agent_profiles"),
		hires:      db.Collection("agent_hires"),
		runs:       db.Collection("agent_runs"),
		challenges: db.Collection("x402_challenges"),
		replays:    db.Collection("x402_replays"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

// createIndexes builds the filter and uniqueness indexes.
func (m *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := m.profiles.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "agent_type", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "operator_wallet", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create profile indexes: %w", err)
	}

	_, err = m.hires.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "operator_wallet", Value: 1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create hire indexes: %w", err)
	}

	_, err = m.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "hire_id", Value: 1}}},
		{Keys: bson.D{{Key: "hire_operator_wallet", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create run indexes: %w", err)
	}

	_, err = m.challenges.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create challenge indexes: %w", err)
	}
	return nil
}

// encodeDoc wraps an entity with its indexed fields.
func encodeDoc(id string, entity any, fields map[string]string) (bson.M, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	doc := bson.M{"_id": id, "document": string(raw)}
	for k, v := range fields {
		doc[k] = v
	}
	return doc, nil
}

// decodeDoc unmarshals the stored JSON entity.
func decodeDoc(raw bson.Raw, out any) error {
	document, err := raw.LookupErr("document")
	if err != nil {
		return fmt.Errorf("lookup document: %w", err)
	}
	str, ok := document.StringValueOK()
	if !ok {
		return errors.New("storage: malformed mongo document")
	}
	return json.Unmarshal([]byte(str), out)
}

// UpsertProfile implements Store.
func (m *MongoDBStore) UpsertProfile(ctx context.Context, profile AgentProfile) error {
	doc, err := encodeDoc(profile.AgentID, profile, map[string]string{
		"agent_type":      string(profile.AgentType),
		"status":          string(profile.Status),
		"operator_wallet": profile.OperatorWallet,
	})
	if err != nil {
		return err
	}
	doc["verified"] = profile.Verified
	doc["capabilities"] = profile.Capabilities

	_, err = m.profiles.ReplaceOne(ctx, bson.M{"_id": profile.AgentID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile implements Store.
func (m *MongoDBStore) GetProfile(ctx context.Context, agentID string) (AgentProfile, error) {
	var raw bson.Raw
	err := m.profiles.FindOne(ctx, bson.M{"_id": agentID}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return AgentProfile{}, ErrNotFound
	}
	if err != nil {
		return AgentProfile{}, fmt.Errorf("get profile: %w", err)
	}

	var profile AgentProfile
	if err := decodeDoc(raw, &profile); err != nil {
		return AgentProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

// ListProfiles implements Store.
func (m *MongoDBStore) ListProfiles(ctx context.Context, filter ProfileFilter) ([]AgentProfile, error) {
	query := bson.M{}
	if filter.AgentType != "" {
		query["agent_type"] = string(filter.AgentType)
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.VerifiedOnly {
		query["verified"] = true
	}
	if filter.Capability != "" {
		query["capabilities"] = filter.Capability
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := m.profiles.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer cursor.Close(ctx)

	profiles := []AgentProfile{}
	for cursor.Next(ctx) {
		var profile AgentProfile
		if err := decodeDoc(cursor.Current, &profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, cursor.Err()
}

// CreateHire implements Store.
func (m *MongoDBStore) CreateHire(ctx context.Context, hire AgentHire) error {
	doc, err := encodeDoc(hire.ID, hire, map[string]string{
		"agent_id":        hire.AgentID,
		"operator_wallet": hire.OperatorWallet,
		"status":          string(hire.Status),
	})
	if err != nil {
		return err
	}
	doc["created_at"] = hire.CreatedAt

	_, err = m.hires.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create hire: %w", err)
	}
	return nil
}

// GetHire implements Store.
func (m *MongoDBStore) GetHire(ctx context.Context, id string) (AgentHire, error) {
	var raw bson.Raw
	err := m.hires.FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return AgentHire{}, ErrNotFound
	}
	if err != nil {
		return AgentHire{}, fmt.Errorf("get hire: %w", err)
	}

	var hire AgentHire
	if err := decodeDoc(raw, &hire); err != nil {
		return AgentHire{}, fmt.Errorf("decode hire: %w", err)
	}
	return hire, nil
}

// ListHires implements Store.
func (m *MongoDBStore) ListHires(ctx context.Context, filter HireFilter) ([]AgentHire, error) {
	query := bson.M{}
	if filter.OperatorWallet != "" {
		query["operator_wallet"] = filter.OperatorWallet
	}
	if filter.AgentID != "" {
		query["agent_id"] = filter.AgentID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := m.hires.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list hires: %w", err)
	}
	defer cursor.Close(ctx)

	hires := []AgentHire{}
	for cursor.Next(ctx) {
		var hire AgentHire
		if err := decodeDoc(cursor.Current, &hire); err != nil {
			return nil, fmt.Errorf("decode hire: %w", err)
		}
		hires = append(hires, hire)
	}
	return hires, cursor.Err()
}

// UpdateHireStatus implements Store.
func (m *MongoDBStore) UpdateHireStatus(ctx context.Context, id string, status HireStatus) error {
	hire, err := m.GetHire(ctx, id)
	if err != nil {
		return err
	}
	hire.Status = status
	hire.UpdatedAt = time.Now().UTC()

	doc, err := encodeDoc(hire.ID, hire, map[string]string{
		"agent_id":        hire.AgentID,
		"operator_wallet": hire.OperatorWallet,
		"status":          string(hire.Status),
	})
	if err != nil {
		return err
	}
	doc["created_at"] = hire.CreatedAt

	result, err := m.hires.ReplaceOne(ctx, bson.M{"_id": id}, doc)
	if err != nil {
		return fmt.Errorf("update hire status: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// runDoc builds the run collection document.
func runDoc(run AgentRun) (bson.M, error) {
	doc, err := encodeDoc(run.ID, run, map[string]string{
		"hire_id":              run.HireID,
		"agent_id":             run.AgentID,
		"hire_operator_wallet": run.HireOperatorWallet,
		"status":               string(run.Status),
		"payment_ref":          run.PaymentRef,
	})
	if err != nil {
		return nil, err
	}
	doc["created_at"] = run.CreatedAt
	return doc, nil
}

// CreateRun implements Store.
func (m *MongoDBStore) CreateRun(ctx context.Context, run AgentRun) error {
	doc, err := runDoc(run)
	if err != nil {
		return err
	}

	_, err = m.runs.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (m *MongoDBStore) GetRun(ctx context.Context, id string) (AgentRun, error) {
	var raw bson.Raw
	err := m.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return AgentRun{}, ErrNotFound
	}
	if err != nil {
		return AgentRun{}, fmt.Errorf("get run: %w", err)
	}

	var run AgentRun
	if err := decodeDoc(raw, &run); err != nil {
		return AgentRun{}, fmt.Errorf("decode run: %w", err)
	}
	return run, nil
}

// ListRuns implements Store.
func (m *MongoDBStore) ListRuns(ctx context.Context, filter RunFilter) ([]AgentRun, error) {
	query := bson.M{}
	if filter.HireOperatorWallet != "" {
		query["hire_operator_wallet"] = filter.HireOperatorWallet
	}
	if filter.HireID != "" {
		query["hire_id"] = filter.HireID
	}
	if filter.AgentID != "" {
		query["agent_id"] = filter.AgentID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := m.runs.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer cursor.Close(ctx)

	runs := []AgentRun{}
	for cursor.Next(ctx) {
		var run AgentRun
		if err := decodeDoc(cursor.Current, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, cursor.Err()
}

// UpdateRun implements Store.
func (m *MongoDBStore) UpdateRun(ctx context.Context, run AgentRun) error {
	doc, err := runDoc(run)
	if err != nil {
		return err
	}

	result, err := m.runs.ReplaceOne(ctx, bson.M{"_id": run.ID}, doc)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// PutChallenge implements Store.
func (m *MongoDBStore) PutChallenge(ctx context.Context, record ChallengeRecord) error {
	doc, err := encodeDoc(record.Challenge.ChallengeID, record, map[string]string{
		"status": record.Status,
	})
	if err != nil {
		return err
	}
	doc["expires_at"] = record.Challenge.ExpiresAt
	doc["created_at"] = record.CreatedAt

	_, err = m.challenges.ReplaceOne(ctx,
		bson.M{"_id": record.Challenge.ChallengeID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// GetChallenge implements Store.
func (m *MongoDBStore) GetChallenge(ctx context.Context, challengeID string) (ChallengeRecord, error) {
	var raw bson.Raw
	err := m.challenges.FindOne(ctx, bson.M{"_id": challengeID}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ChallengeRecord{}, ErrNotFound
	}
	if err != nil {
		return ChallengeRecord{}, fmt.Errorf("get challenge: %w", err)
	}

	var record ChallengeRecord
	if err := decodeDoc(raw, &record); err != nil {
		return ChallengeRecord{}, fmt.Errorf("decode challenge: %w", err)
	}
	return record, nil
}

// RedeemChallenge implements Store.
func (m *MongoDBStore) RedeemChallenge(ctx context.Context, challengeID string) error {
	record, err := m.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	record.Status = ChallengeRedeemed
	return m.PutChallenge(ctx, record)
}

// SweepExpiredChallenges implements Store.
func (m *MongoDBStore) SweepExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := m.challenges.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, fmt.Errorf("sweep challenges: %w", err)
	}
	return result.DeletedCount, nil
}

// ReserveReplayKey implements Store. The filtered upsert only matches a
// failed prior record; inserting over a settling/settled key raises a
// duplicate-key error, which is the concurrent-retry loss signal.
func (m *MongoDBStore) ReserveReplayKey(ctx context.Context, record ReplayRecord) error {
	if record.Status == "" {
		record.Status = ReplaySettling
	}
	now := time.Now().UTC()

	filter := bson.M{"_id": record.ReplayKey, "status": string(ReplayFailed)}
	update := bson.M{"$set": bson.M{
		"challenge_id":       record.ChallengeID,
		"payment_ref":        record.PaymentRef,
		"status":             string(record.Status),
		"settlement_tx_hash": record.SettlementTxHash,
		"updated_at":         now,
	}, "$setOnInsert": bson.M{"created_at": now}}

	_, err := m.replays.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrReplayConflict
	}
	if err != nil {
		return fmt.Errorf("reserve replay key: %w", err)
	}
	return nil
}

// GetReplay implements Store.
func (m *MongoDBStore) GetReplay(ctx context.Context, replayKey string) (ReplayRecord, error) {
	var doc struct {
		ReplayKey        string    `bson:"_id"`
		ChallengeID      string    `bson:"challenge_id"`
		PaymentRef       string    `bson:"payment_ref"`
		Status           string    `bson:"status"`
		SettlementTxHash string    `bson:"settlement_tx_hash"`
		CreatedAt        time.Time `bson:"created_at"`
		UpdatedAt        time.Time `bson:"updated_at"`
	}
	err := m.replays.FindOne(ctx, bson.M{"_id": replayKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ReplayRecord{}, ErrNotFound
	}
	if err != nil {
		return ReplayRecord{}, fmt.Errorf("get replay: %w", err)
	}

	return ReplayRecord{
		ReplayKey:        doc.ReplayKey,
		ChallengeID:      doc.ChallengeID,
		PaymentRef:       doc.PaymentRef,
		Status:           ReplayStatus(doc.Status),
		SettlementTxHash: doc.SettlementTxHash,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}

// UpdateReplayStatus implements Store.
func (m *MongoDBStore) UpdateReplayStatus(ctx context.Context, replayKey string, status ReplayStatus, settlementTxHash string) error {
	update := bson.M{"status": string(status), "updated_at": time.Now().UTC()}
	if settlementTxHash != "" {
		update["settlement_tx_hash"] = settlementTxHash
	}

	result, err := m.replays.UpdateOne(ctx, bson.M{"_id": replayKey}, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("update replay status: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (m *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
