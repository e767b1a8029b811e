package resultstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig configures the MongoDB result store.
type MongoConfig struct {
	// URI is the mongodb:// connection string.
	URI string

	// Database and Collection name the target namespace. Empty values fall
	// back to "surveyforge" / "results".
	Database   string
	Collection string

	// ConnectTimeout bounds the initial connect and ping. Zero means 10s.
	ConnectTimeout time.Duration
}

const (
	defaultMongoDatabase   = "surveyforge"
	defaultMongoCollection = "results"
	defaultMongoTimeout    = 10 * time.Second
)

// MongoStore is the MongoDB Store backend. One document per task id, upserted
// on save, with a unique index on task_id.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings, and ensures indexes.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.Database == "" {
		cfg.Database = defaultMongoDatabase
	}

	if cfg.Collection == "" {
		cfg.Collection = defaultMongoCollection
	}

	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultMongoTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	err = client.Ping(ctx, nil)
	if err != nil {
		_ = client.Disconnect(ctx)

		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	store := &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}

	err = store.ensureIndexes(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)

		return nil, err
	}

	return store, nil
}

// ensureIndexes creates the unique task_id index and the created_at listing
// index. Index creation is idempotent.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "task_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("ensure result indexes: %w", err)
	}

	return nil
}

// Save implements Store.
func (s *MongoStore) Save(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if rec.Status == "" {
		rec.Status = StatusCompleted
	}

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"task_id": rec.TaskID},
		bson.M{"$set": rec},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save result %s: %w", rec.TaskID, err)
	}

	return nil
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, taskID string) (*Record, error) {
	var rec Record

	err := s.coll.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", taskID, err)
	}

	rec.CreatedAt = rec.CreatedAt.UTC()

	return &rec, nil
}

// List implements Store.
func (s *MongoStore) List(ctx context.Context, status string, limit int) ([]*Record, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	defer func() { _ = cursor.Close(ctx) }()

	var records []*Record

	err = cursor.All(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}

	for _, rec := range records {
		rec.CreatedAt = rec.CreatedAt.UTC()
	}

	return records, nil
}

// UpdateStatus implements Store.
func (s *MongoStore) UpdateStatus(ctx context.Context, taskID, status string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("update result status %s: %w", taskID, err)
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete implements Store.
func (s *MongoStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"task_id": taskID})
	if err != nil {
		return fmt.Errorf("delete result %s: %w", taskID, err)
	}

	return nil
}

// Stats implements Store.
func (s *MongoStore) Stats(ctx context.Context) (*Stats, error) {
	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("result stats: %w", err)
	}

	defer func() { _ = cursor.Close(ctx) }()

	var rows []struct {
		ID    string `bson:"_id"`
		Count int64  `bson:"count"`
	}

	err = cursor.All(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("decode result stats: %w", err)
	}

	stats := &Stats{ByStatus: make(map[string]int64, len(rows))}

	for _, row := range rows {
		stats.ByStatus[row.ID] = row.Count
		stats.Total += row.Count
	}

	return stats, nil
}

// HealthCheck implements Store.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	err := s.client.Ping(ctx, nil)
	if err != nil {
		return fmt.Errorf("mongo health: %w", err)
	}

	return nil
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
