package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for cursors, subscriptions, and
// archived effect outcomes.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  source_id   TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  hash        TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscriptions (
  strategy_id  TEXT NOT NULL,
  address      TEXT NOT NULL,
  topic        TEXT NOT NULL,
  created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(strategy_id, address, topic)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_target
  ON subscriptions(address, topic);

CREATE TABLE IF NOT EXISTS effects (
  action_id    TEXT PRIMARY KEY,
  strategy_id  TEXT NOT NULL,
  action_type  TEXT NOT NULL,
  target       TEXT,
  status       TEXT NOT NULL,
  tx_hash      TEXT,
  error_class  TEXT,
  attempts     INTEGER NOT NULL DEFAULT 0,
  created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_effects_strategy
  ON effects(strategy_id, created_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertCursor records the latest processed height/hash for a source.
func (s *Store) UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error {
	if sourceID == "" {
		return errors.New("sourceID required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (source_id, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(source_id) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP;
`, sourceID, height, hash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a source.
func (s *Store) GetCursor(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height, hash FROM cursors WHERE source_id = ?;
`, sourceID)
	switch err = row.Scan(&height, &hash); err {
	case nil:
		return height, hash, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get cursor: %w", err)
	}
}

// Subscription is one durable (strategy, address, topic) binding.
type Subscription struct {
	StrategyID string
	Address    string
	Topic      string
	CreatedAt  time.Time
}

// PutSubscription records a binding. Repeats are no-ops; the created flag
// reports whether a new row was written.
func (s *Store) PutSubscription(ctx context.Context, strategyID, address, topic string) (bool, error) {
	if strategyID == "" || address == "" || topic == "" {
		return false, errors.New("strategy_id, address, and topic required")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO subscriptions (strategy_id, address, topic)
VALUES (?, ?, ?)
ON CONFLICT(strategy_id, address, topic) DO NOTHING;
`, strategyID, address, topic)
	if err != nil {
		return false, fmt.Errorf("put subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put subscription rows: %w", err)
	}
	return n > 0, nil
}

// DeleteSubscription removes a binding. Deleting a missing row is a no-op;
// the removed flag reports whether a row existed.
func (s *Store) DeleteSubscription(ctx context.Context, strategyID, address, topic string) (bool, error) {
	if strategyID == "" || address == "" || topic == "" {
		return false, errors.New("strategy_id, address, and topic required")
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM subscriptions WHERE strategy_id = ? AND address = ? AND topic = ?;
`, strategyID, address, topic)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscription rows: %w", err)
	}
	return n > 0, nil
}

// SubscribersByTarget returns the strategy ids bound to (address, topic),
// ordered for deterministic fan-out.
func (s *Store) SubscribersByTarget(ctx context.Context, address, topic string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT strategy_id FROM subscriptions
WHERE address = ? AND topic = ?
ORDER BY strategy_id;
`, address, topic)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return out, nil
}

// Subscriptions returns every stored binding, typically to warm an
// in-memory index at boot.
func (s *Store) Subscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT strategy_id, address, topic, created_at FROM subscriptions
ORDER BY strategy_id, address, topic;
`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.StrategyID, &sub.Address, &sub.Topic, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// EffectRecord is the archived outcome of one requested action.
type EffectRecord struct {
	ActionID   string
	StrategyID string
	ActionType string
	Target     string
	Status     string
	TxHash     string
	ErrorClass string
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertEffect stores or advances an effect record keyed by action id.
func (s *Store) UpsertEffect(ctx context.Context, rec EffectRecord) error {
	if rec.ActionID == "" || rec.StrategyID == "" || rec.Status == "" {
		return errors.New("action_id, strategy_id, and status required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO effects (action_id, strategy_id, action_type, target, status, tx_hash, error_class, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
ON CONFLICT(action_id) DO UPDATE SET
  status=excluded.status,
  tx_hash=excluded.tx_hash,
  error_class=excluded.error_class,
  attempts=excluded.attempts,
  updated_at=CURRENT_TIMESTAMP;
`, rec.ActionID, rec.StrategyID, rec.ActionType, rec.Target, rec.Status, rec.TxHash, rec.ErrorClass, rec.Attempts, nullTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert effect: %w", err)
	}
	return nil
}

// GetEffect retrieves one archived effect by action id.
func (s *Store) GetEffect(ctx context.Context, actionID string) (EffectRecord, bool, error) {
	var rec EffectRecord
	var target, txHash, errClass sql.NullString
	row := s.db.QueryRowContext(ctx, `
SELECT action_id, strategy_id, action_type, target, status, tx_hash, error_class, attempts, created_at, updated_at
FROM effects WHERE action_id = ?;
`, actionID)
	err := row.Scan(&rec.ActionID, &rec.StrategyID, &rec.ActionType, &target, &rec.Status, &txHash, &errClass, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	switch err {
	case nil:
		rec.Target = target.String
		rec.TxHash = txHash.String
		rec.ErrorClass = errClass.String
		return rec, true, nil
	case sql.ErrNoRows:
		return EffectRecord{}, false, nil
	default:
		return EffectRecord{}, false, fmt.Errorf("get effect: %w", err)
	}
}

// ListEffects returns archived effects, newest first. A strategy filter
// of "" means all strategies; limit <= 0 means no cap.
func (s *Store) ListEffects(ctx context.Context, strategyID string, limit int) ([]EffectRecord, error) {
	query := `
SELECT action_id, strategy_id, action_type, target, status, tx_hash, error_class, attempts, created_at, updated_at
FROM effects`
	var args []any
	if strategyID != "" {
		query += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY created_at DESC, action_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query effects: %w", err)
	}
	defer rows.Close()

	var out []EffectRecord
	for rows.Next() {
		var rec EffectRecord
		var target, txHash, errClass sql.NullString
		if err := rows.Scan(&rec.ActionID, &rec.StrategyID, &rec.ActionType, &target, &rec.Status, &txHash, &errClass, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		rec.Target = target.String
		rec.TxHash = txHash.String
		rec.ErrorClass = errClass.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate effects: %w", err)
	}
	return out, nil
}

// CountSubscriptions reports the number of stored bindings.
func (s *Store) CountSubscriptions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// CountEffectsByStatus reports archived effect counts grouped by status.
func (s *Store) CountEffectsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM effects GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count effects: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan effect count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate effect counts: %w", err)
	}
	return out, nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
