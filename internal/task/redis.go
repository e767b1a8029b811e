package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hash field names of the per-task redis hash.
const (
	hfID                = "id"
	hfStatus            = "status"
	hfParams            = "params"
	hfOriginalTopic     = "original_topic"
	hfExpectedResultKey = "expected_result_key"
	hfUserID            = "user_id"
	hfError             = "error"
	hfCreatedAt         = "created_at"
	hfUpdatedAt         = "updated_at"
	hfStartTime         = "start_time"
	hfEndTime           = "end_time"
	hfExecutionSeconds  = "execution_seconds"
	hfExpireAt          = "expire_at"
)

// defaultRedisPrefix namespaces surveyforge keys in a shared redis.
const defaultRedisPrefix = "surveyforge"

// txRetries bounds optimistic WATCH transaction retries on contention.
const txRetries = 5

// guardCleanupTimeout bounds the guard release after a failed create.
const guardCleanupTimeout = 2 * time.Second

// RedisConfig configures the redis-backed registry.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Expire is the per-task TTL (also the record's ExpireAt window).
	// Zero means DefaultExpireWindow.
	Expire time.Duration

	// Prefix namespaces all keys. Empty means "surveyforge".
	Prefix string
}

// RedisRegistry is the key-value Registry backend: one hash per task under a
// prefixed key with a TTL equal to the task expire window, plus a sorted set
// indexing task ids by creation time for newest-first listing.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	expire time.Duration
}

// NewRedisRegistry connects to redis and verifies the connection.
func NewRedisRegistry(ctx context.Context, cfg RedisConfig) (*RedisRegistry, error) {
	if cfg.Expire == 0 {
		cfg.Expire = DefaultExpireWindow
	}

	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	return &RedisRegistry{client: client, prefix: cfg.Prefix, expire: cfg.Expire}, nil
}

// key returns the hash key of one task.
func (r *RedisRegistry) key(id string) string {
	return r.prefix + ":task:" + id
}

// indexKey returns the creation-time index key.
func (r *RedisRegistry) indexKey() string {
	return r.prefix + ":tasks"
}

// Create implements Registry. Single-flight comes from HSetNX on the id
// field: exactly one concurrent creator wins.
func (r *RedisRegistry) Create(ctx context.Context, id string, params map[string]any) error {
	now := time.Now().UTC()

	rec := &Record{
		ID:        id,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
		ExpireAt:  now.Add(r.expire),
	}

	return retryTransport(ctx, func() error {
		won, err := r.client.HSetNX(ctx, r.key(id), hfID, id).Result()
		if err != nil {
			return fmt.Errorf("redis create %s: %w", id, err)
		}

		if !won {
			return backoffPermanent(ErrTaskExists)
		}

		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.key(id), recordToFields(rec))
		pipe.Expire(ctx, r.key(id), r.expire)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: id})

		_, err = pipe.Exec(ctx)
		if err != nil {
			r.releaseCreateGuard(id)

			return fmt.Errorf("redis create %s: %w", id, err)
		}

		return nil
	})
}

// releaseCreateGuard deletes the single-flight guard left behind when the
// create transaction fails after HSetNX won. Without the release, the
// one-field hash carries no TTL and every retry of the same id is refused
// with ErrTaskExists.
func (r *RedisRegistry) releaseCreateGuard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), guardCleanupTimeout)
	defer cancel()

	r.client.Del(ctx, r.key(id))
}

// UpdateStatus implements Registry with an optimistic WATCH transaction so
// concurrent transitions on the same id serialise and terminal states are
// never left.
func (r *RedisRegistry) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, r.key(id)).Result()
		if err != nil {
			return err
		}

		if len(fields) == 0 {
			return ErrTaskNotFound
		}

		rec, decErr := fieldsToRecord(fields)
		if decErr != nil {
			return decErr
		}

		if !rec.applyStatus(status, errMsg, time.Now()) {
			// Terminal monotonicity: the update is ignored.
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key(id), recordToFields(rec))

			return nil
		})

		return err
	}

	for range txRetries {
		err := r.client.Watch(ctx, txn, r.key(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		if err != nil {
			return fmt.Errorf("redis update status %s: %w", id, err)
		}

		return nil
	}

	return fmt.Errorf("redis update status %s: transaction contention", id)
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record

	err := retryTransport(ctx, func() error {
		fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
		if err != nil {
			return fmt.Errorf("redis get %s: %w", id, err)
		}

		if len(fields) == 0 {
			return backoffPermanent(ErrTaskNotFound)
		}

		var decErr error

		rec, decErr = fieldsToRecord(fields)

		return backoffPermanent(decErr)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// UpdateField implements Registry.
func (r *RedisRegistry) UpdateField(ctx context.Context, id, name string, value any) error {
	if !updatableFields[name] {
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}

	encoded, err := encodeFieldValue(name, value)
	if err != nil {
		return err
	}

	exists, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis update field %s: %w", id, err)
	}

	if exists == 0 {
		return ErrTaskNotFound
	}

	err = r.client.HSet(ctx, r.key(id),
		name, encoded,
		hfUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("redis update field %s: %w", id, err)
	}

	return nil
}

// List implements Registry: newest-first via the creation-time index.
func (r *RedisRegistry) List(ctx context.Context, status *Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	records := make([]*Record, 0, min(limit, len(ids)))

	for _, id := range ids {
		if len(records) == limit {
			break
		}

		rec, getErr := r.Get(ctx, id)
		if errors.Is(getErr, ErrTaskNotFound) {
			// The hash expired; drop the stale index entry.
			r.client.ZRem(ctx, r.indexKey(), id)

			continue
		}

		if getErr != nil {
			return nil, getErr
		}

		if status != nil && rec.Status != *status {
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// Delete implements Registry.
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(id))
	pipe.ZRem(ctx, r.indexKey(), id)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}

	return nil
}

// ActiveCount implements Registry.
func (r *RedisRegistry) ActiveCount(ctx context.Context) (int, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis active count: %w", err)
	}

	count := 0

	for _, id := range ids {
		st, getErr := r.client.HGet(ctx, r.key(id), hfStatus).Result()
		if errors.Is(getErr, redis.Nil) {
			continue
		}

		if getErr != nil {
			return 0, fmt.Errorf("redis active count: %w", getErr)
		}

		if Status(st).Active() {
			count++
		}
	}

	return count, nil
}

// CleanupExpired implements Registry. Redis TTLs delete the hashes; the sweep
// prunes index entries whose hash is gone and reports how many it removed.
func (r *RedisRegistry) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis cleanup: %w", err)
	}

	removed := 0

	for _, id := range ids {
		exists, exErr := r.client.Exists(ctx, r.key(id)).Result()
		if exErr != nil {
			return removed, fmt.Errorf("redis cleanup: %w", exErr)
		}

		if exists == 0 {
			r.client.ZRem(ctx, r.indexKey(), id)

			removed++
		}
	}

	return removed, nil
}

// HealthCheck implements Registry.
func (r *RedisRegistry) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("redis health: %w", err)
	}

	return nil
}

// Close implements Registry.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// recordToFields flattens a record into redis hash fields.
func recordToFields(rec *Record) map[string]any {
	params, _ := json.Marshal(rec.Params)

	fields := map[string]any{
		hfID:                rec.ID,
		hfStatus:            string(rec.Status),
		hfParams:            string(params),
		hfOriginalTopic:     rec.OriginalTopic,
		hfExpectedResultKey: rec.ExpectedResultKey,
		hfUserID:            rec.UserID,
		hfError:             rec.Error,
		hfCreatedAt:         rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		hfUpdatedAt:         rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		hfExecutionSeconds:  strconv.FormatFloat(rec.ExecutionSeconds, 'f', -1, 64),
		hfExpireAt:          rec.ExpireAt.UTC().Format(time.RFC3339Nano),
	}

	if rec.StartTime != nil {
		fields[hfStartTime] = rec.StartTime.UTC().Format(time.RFC3339Nano)
	}

	if rec.EndTime != nil {
		fields[hfEndTime] = rec.EndTime.UTC().Format(time.RFC3339Nano)
	}

	return fields
}

// fieldsToRecord rebuilds a record from redis hash fields, normalising all
// timestamps to UTC.
func fieldsToRecord(fields map[string]string) (*Record, error) {
	rec := &Record{
		ID:                fields[hfID],
		Status:            Status(fields[hfStatus]),
		OriginalTopic:     fields[hfOriginalTopic],
		ExpectedResultKey: fields[hfExpectedResultKey],
		UserID:            fields[hfUserID],
		Error:             fields[hfError],
	}

	if raw := fields[hfParams]; raw != "" && raw != "null" {
		err := json.Unmarshal([]byte(raw), &rec.Params)
		if err != nil {
			return nil, fmt.Errorf("decode params for %s: %w", rec.ID, err)
		}
	}

	var err error

	rec.CreatedAt, err = parseTime(fields[hfCreatedAt])
	if err != nil {
		return nil, err
	}

	rec.UpdatedAt, err = parseTime(fields[hfUpdatedAt])
	if err != nil {
		return nil, err
	}

	rec.ExpireAt, err = parseTime(fields[hfExpireAt])
	if err != nil {
		return nil, err
	}

	rec.StartTime, err = parseTimePtr(fields[hfStartTime])
	if err != nil {
		return nil, err
	}

	rec.EndTime, err = parseTimePtr(fields[hfEndTime])
	if err != nil {
		return nil, err
	}

	if raw := fields[hfExecutionSeconds]; raw != "" {
		rec.ExecutionSeconds, _ = strconv.ParseFloat(raw, 64)
	}

	rec.normalize()

	return rec, nil
}

// parseTime decodes a stored RFC3339Nano timestamp; empty means zero.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", s, err)
	}

	return t.UTC(), nil
}

// parseTimePtr decodes an optional stored timestamp.
func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}

	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// encodeFieldValue encodes one UpdateField value for hash storage.
func encodeFieldValue(name string, value any) (string, error) {
	if name == FieldParams {
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", name, err)
		}

		return string(data), nil
	}

	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s expects a string", ErrUnknownField, name)
	}

	return s, nil
}
