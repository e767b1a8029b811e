package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// sqliteSchema creates the tasks table and its listing indexes.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	status              TEXT NOT NULL,
	params              TEXT NOT NULL DEFAULT '{}',
	original_topic      TEXT NOT NULL DEFAULT '',
	expected_result_key TEXT NOT NULL DEFAULT '',
	user_id             TEXT NOT NULL DEFAULT '',
	error               TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	start_time          TEXT,
	end_time            TEXT,
	execution_seconds   REAL NOT NULL DEFAULT 0,
	expire_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at);
`

// SQLiteConfig configures the relational registry backend.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string

	// Expire is the record retention window. Zero means DefaultExpireWindow.
	Expire time.Duration
}

// SQLiteRegistry is the relational Registry backend. A single shared
// connection is the per-operation scope guard: sqlite allows one writer, so
// the pool is capped at one connection and a mutex serialises writes, making
// every call safe from any worker goroutine.
type SQLiteRegistry struct {
	db     *sqlx.DB
	expire time.Duration

	// writeMu serialises mutating statements.
	writeMu sync.Mutex
}

// taskRow mirrors the tasks table. Timestamps are stored as RFC3339Nano TEXT
// so no driver-level timezone conversion can sneak in.
type taskRow struct {
	ID                string         `db:"id"`
	Status            string         `db:"status"`
	Params            string         `db:"params"`
	OriginalTopic     string         `db:"original_topic"`
	ExpectedResultKey string         `db:"expected_result_key"`
	UserID            string         `db:"user_id"`
	Error             string         `db:"error"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
	StartTime         sql.NullString `db:"start_time"`
	EndTime           sql.NullString `db:"end_time"`
	ExecutionSeconds  float64        `db:"execution_seconds"`
	ExpireAt          string         `db:"expire_at"`
}

// NewSQLiteRegistry opens (and creates, if needed) the registry database.
func NewSQLiteRegistry(cfg SQLiteConfig) (*SQLiteRegistry, error) {
	if cfg.Expire == 0 {
		cfg.Expire = DefaultExpireWindow
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}

	// One connection: sqlite has a single writer, and an in-memory database
	// exists per connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(sqliteSchema)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create tasks schema: %w", err)
	}

	return &SQLiteRegistry{db: db, expire: cfg.Expire}, nil
}

// Create implements Registry. Single-flight comes from the primary key:
// INSERT OR IGNORE succeeds for exactly one concurrent creator.
func (r *SQLiteRegistry) Create(ctx context.Context, id string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	expire := time.Now().UTC().Add(r.expire).Format(time.RFC3339Nano)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, params, created_at, updated_at, expire_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, string(StatusPending), string(paramsJSON), now, now, expire)
	if err != nil {
		return fmt.Errorf("sqlite create %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite create %s: %w", id, err)
	}

	if affected == 0 {
		return ErrTaskExists
	}

	return nil
}

// UpdateStatus implements Registry inside one write-serialised transaction.
func (r *SQLiteRegistry) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite update status %s: %w", id, err)
	}

	defer func() { _ = tx.Rollback() }()

	var row taskRow

	err = tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}

	if err != nil {
		return fmt.Errorf("sqlite update status %s: %w", id, err)
	}

	rec, err := rowToRecord(row)
	if err != nil {
		return err
	}

	if !rec.applyStatus(status, errMsg, time.Now()) {
		// Terminal monotonicity: the update is ignored.
		return nil
	}

	var start, end sql.NullString

	if rec.StartTime != nil {
		start = sql.NullString{String: rec.StartTime.Format(time.RFC3339Nano), Valid: true}
	}

	if rec.EndTime != nil {
		end = sql.NullString{String: rec.EndTime.Format(time.RFC3339Nano), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, error = ?, updated_at = ?, start_time = ?, end_time = ?, execution_seconds = ?
		 WHERE id = ?`,
		string(rec.Status), rec.Error, rec.UpdatedAt.Format(time.RFC3339Nano),
		start, end, rec.ExecutionSeconds, id)
	if err != nil {
		return fmt.Errorf("sqlite update status %s: %w", id, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("sqlite update status %s: %w", id, err)
	}

	return nil
}

// Get implements Registry.
func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*Record, error) {
	var row taskRow

	err := r.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", id, err)
	}

	return rowToRecord(row)
}

// UpdateField implements Registry. The field name is interpolated from the
// whitelist, never from caller input.
func (r *SQLiteRegistry) UpdateField(ctx context.Context, id, name string, value any) error {
	if !updatableFields[name] {
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}

	encoded, err := encodeFieldValue(name, value)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s = ?, updated_at = ? WHERE id = ?`, name),
		encoded, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite update field %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite update field %s: %w", id, err)
	}

	if affected == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// List implements Registry.
func (r *SQLiteRegistry) List(ctx context.Context, status *Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows []taskRow

	var err error

	if status != nil {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT * FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(*status), limit)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT * FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	}

	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}

	records := make([]*Record, 0, len(rows))

	for _, row := range rows {
		rec, decErr := rowToRecord(row)
		if decErr != nil {
			return nil, decErr
		}

		records = append(records, rec)
	}

	return records, nil
}

// Delete implements Registry.
func (r *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite delete %s: %w", id, err)
	}

	return nil
}

// ActiveCount implements Registry.
func (r *SQLiteRegistry) ActiveCount(ctx context.Context) (int, error) {
	var count int

	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM tasks WHERE status NOT IN (?, ?, ?)`,
		string(StatusCompleted), string(StatusFailed), string(StatusTimeout))
	if err != nil {
		return 0, fmt.Errorf("sqlite active count: %w", err)
	}

	return count, nil
}

// CleanupExpired implements Registry.
func (r *SQLiteRegistry) CleanupExpired(ctx context.Context) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE expire_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sqlite cleanup: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite cleanup: %w", err)
	}

	return int(affected), nil
}

// HealthCheck implements Registry.
func (r *SQLiteRegistry) HealthCheck(ctx context.Context) error {
	err := r.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("sqlite health: %w", err)
	}

	return nil
}

// Close implements Registry.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// rowToRecord decodes a table row, normalising timestamps to UTC.
func rowToRecord(row taskRow) (*Record, error) {
	rec := &Record{
		ID:                row.ID,
		Status:            Status(row.Status),
		OriginalTopic:     row.OriginalTopic,
		ExpectedResultKey: row.ExpectedResultKey,
		UserID:            row.UserID,
		Error:             row.Error,
		ExecutionSeconds:  row.ExecutionSeconds,
	}

	if row.Params != "" && row.Params != "null" {
		err := json.Unmarshal([]byte(row.Params), &rec.Params)
		if err != nil {
			return nil, fmt.Errorf("decode params for %s: %w", row.ID, err)
		}
	}

	var err error

	rec.CreatedAt, err = parseTime(row.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.UpdatedAt, err = parseTime(row.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.ExpireAt, err = parseTime(row.ExpireAt)
	if err != nil {
		return nil, err
	}

	rec.StartTime, err = parseTimePtr(row.StartTime.String)
	if err != nil {
		return nil, err
	}

	rec.EndTime, err = parseTimePtr(row.EndTime.String)
	if err != nil {
		return nil, err
	}

	rec.normalize()

	return rec, nil
}
