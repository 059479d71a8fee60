// Package outbox is the device agent's durable queue and sync state. A
// write made offline lands here first and survives restarts; the sync
// loop drains it in the order the writes happened.
package outbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/database"
	"github.com/dokanhq/dokansync/internal/migrations"
)

// Well-known sync_state keys.
const (
	StateCursor     = "cursor"
	StateDeviceID   = "device_id"
	StateBusinessID = "business_id"
	StateShopID     = "shop_id"
	StateAPIKey     = "api_key"
	StateToken      = "token"
	StateReceiptSeq = "receipt_seq"
)

// Store is the agent's local database: outbox, pull dedup ledger, sync
// state and the mirrored entity tables.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the agent database at path and ensures the
// schema. Agent stores are always sqlite.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := database.Connect("sqlite", path)
	if err != nil {
		return nil, err
	}
	migrations.RunAgent(db)
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for local entity reads and writes.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Enqueue appends an op to the outbox. Insertion order is replay order.
func (s *Store) Enqueue(op *domain.Op) error {
	_, err := s.db.Exec(`INSERT INTO outbox (op_id, entity, entity_id, action, payload, hlc, vclock, queued_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		op.OpID, op.Entity, op.EntityID, op.Action, string(op.Payload), op.HLC, op.VClock,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue op %s: %w", op.OpID, err)
	}
	return nil
}

type outboxRow struct {
	Seq      int64  `db:"seq"`
	OpID     string `db:"op_id"`
	Entity   string `db:"entity"`
	EntityID string `db:"entity_id"`
	Action   string `db:"action"`
	Payload  string `db:"payload"`
	HLC      string `db:"hlc"`
	VClock   string `db:"vclock"`
}

// Pending returns up to limit queued ops, oldest first.
func (s *Store) Pending(limit int) ([]domain.Op, error) {
	var rows []outboxRow
	err := s.db.Select(&rows, `SELECT seq, op_id, entity, entity_id, action, payload, hlc, vclock
        FROM outbox ORDER BY seq LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending ops: %w", err)
	}
	ops := make([]domain.Op, len(rows))
	for i, r := range rows {
		ops[i] = domain.Op{
			OpID:     r.OpID,
			Entity:   r.Entity,
			EntityID: r.EntityID,
			Action:   r.Action,
			Payload:  json.RawMessage(r.Payload),
			HLC:      r.HLC,
			VClock:   r.VClock,
		}
	}
	return ops, nil
}

// PendingCount reports the queue depth.
func (s *Store) PendingCount() (int64, error) {
	var n int64
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM outbox`); err != nil {
		return 0, fmt.Errorf("count pending ops: %w", err)
	}
	return n, nil
}

// MarkSent removes acknowledged ops from the queue.
func (s *Store) MarkSent(opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM outbox WHERE op_id IN (?)`, opIDs)
	if err != nil {
		return fmt.Errorf("prepare mark sent: %w", err)
	}
	if _, err := s.db.Exec(s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// RecordFailure bumps the attempt counter on every queued op after a
// failed push, keeping the queue intact for the next retry.
func (s *Store) RecordFailure(opIDs []string, cause string) error {
	if len(opIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE op_id IN (?)`,
		cause, opIDs)
	if err != nil {
		return fmt.Errorf("prepare record failure: %w", err)
	}
	if _, err := s.db.Exec(s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// MarkApplied remembers a pulled op so replays are recognized.
func (s *Store) MarkApplied(opID string) error {
	_, err := s.db.Exec(`INSERT INTO applied_ops (op_id, applied_ms) VALUES ($1, $2)
        ON CONFLICT (op_id) DO NOTHING`, opID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return nil
}

// SeenApplied reports whether a pulled op was already applied locally.
func (s *Store) SeenApplied(opID string) (bool, error) {
	var seen bool
	err := s.db.Get(&seen, `SELECT EXISTS(SELECT 1 FROM applied_ops WHERE op_id = $1)`, opID)
	if err != nil {
		return false, fmt.Errorf("check applied: %w", err)
	}
	return seen, nil
}

// State reads a sync_state value, empty string when unset.
func (s *Store) State(key string) (string, error) {
	var v string
	err := s.db.Get(&v, `SELECT value FROM sync_state WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state %s: %w", key, err)
	}
	return v, nil
}

// SetState writes a sync_state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO sync_state (key, value) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

// Cursor returns how far this device has applied the server log.
func (s *Store) Cursor() (int64, error) {
	v, err := s.State(StateCursor)
	if err != nil || v == "" {
		return 0, err
	}
	var seq int64
	if _, err := fmt.Sscanf(v, "%d", &seq); err != nil {
		return 0, fmt.Errorf("malformed cursor %q: %w", v, err)
	}
	return seq, nil
}

// SetCursor advances the pull cursor. It never moves backward.
func (s *Store) SetCursor(seq int64) error {
	cur, err := s.Cursor()
	if err != nil {
		return err
	}
	if seq <= cur {
		return nil
	}
	return s.SetState(StateCursor, fmt.Sprintf("%d", seq))
}

// NextReceiptSeq allocates the next device-local receipt number suffix.
func (s *Store) NextReceiptSeq() (int64, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin receipt seq: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.Get(&seq, `INSERT INTO sync_state (key, value) VALUES ($1, '1')
        ON CONFLICT (key) DO UPDATE SET value = CAST(CAST(sync_state.value AS INTEGER) + 1 AS TEXT)
        RETURNING CAST(value AS INTEGER)`, StateReceiptSeq)
	if err != nil {
		return 0, fmt.Errorf("allocate receipt seq: %w", err)
	}
	return seq, tx.Commit()
}
