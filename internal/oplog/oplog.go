// Package oplog stores the per-tenant transaction log. Every replicated
// mutation lands here with a server sequence number that is strictly
// monotonic within its tenant; devices pull the log in sequence order.
package oplog

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dokanhq/dokansync/domain"
)

// NextSeq allocates the next sequence number for a tenant. Must run
// inside the transaction that appends the op, so a rolled back apply
// never leaves a gap.
func NextSeq(tx *sqlx.Tx, businessID string) (int64, error) {
	var seq int64
	err := tx.Get(&seq, `INSERT INTO sync_sequences (business_id, seq) VALUES ($1, 1)
        ON CONFLICT (business_id) DO UPDATE SET seq = sync_sequences.seq + 1
        RETURNING seq`, businessID)
	if err != nil {
		return 0, fmt.Errorf("allocate seq: %w", err)
	}
	return seq, nil
}

// LatestSeq returns the highest sequence allocated for a tenant, 0 when
// the log is empty.
func LatestSeq(q sqlx.Queryer, businessID string) (int64, error) {
	var seq int64
	err := sqlx.Get(q, &seq,
		`SELECT COALESCE((SELECT seq FROM sync_sequences WHERE business_id = $1), 0)`, businessID)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}

// Seen reports whether an op id is already in the log.
func Seen(q sqlx.Queryer, opID string) (bool, error) {
	var seen bool
	err := sqlx.Get(q, &seen, `SELECT EXISTS(SELECT 1 FROM oplog WHERE op_id = $1)`, opID)
	if err != nil {
		return false, fmt.Errorf("check op: %w", err)
	}
	return seen, nil
}

// SeqOf returns the sequence previously assigned to an op id, for
// acking duplicate pushes.
func SeqOf(q sqlx.Queryer, opID string) (int64, error) {
	var seq int64
	err := sqlx.Get(q, &seq, `SELECT server_seq FROM oplog WHERE op_id = $1`, opID)
	if err != nil {
		return 0, fmt.Errorf("op seq: %w", err)
	}
	return seq, nil
}

// Append writes an op to the log. ServerSeq, Status and AppliedMs must
// be set by the caller.
func Append(tx *sqlx.Tx, op *domain.Op) error {
	_, err := tx.Exec(`INSERT INTO oplog
        (business_id, server_seq, op_id, device_id, entity, entity_id, action, payload, hlc, vclock, status, applied_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		op.BusinessID, op.ServerSeq, op.OpID, op.DeviceID, op.Entity, op.EntityID,
		op.Action, string(op.Payload), op.HLC, op.VClock, op.Status, op.AppliedMs)
	if err != nil {
		return fmt.Errorf("append op %s: %w", op.OpID, err)
	}
	return nil
}

type opRow struct {
	domain.Op
	RawPayload string `db:"payload"`
}

// ListAfter returns up to limit ops of a tenant with sequence greater
// than afterSeq, oldest first. Ops written by excludeDevice are skipped
// so a device never receives its own writes back, except ops the engine
// resolved against it: those carry the conflict marker a device that
// crashed before reading its push response would otherwise miss.
func ListAfter(q sqlx.Queryer, businessID string, afterSeq int64, limit int, excludeDevice string) ([]domain.Op, error) {
	var rows []opRow
	err := sqlx.Select(q, &rows, `SELECT business_id, server_seq, op_id, device_id, entity, entity_id,
            action, payload, hlc, vclock, status, applied_ms
        FROM oplog
        WHERE business_id = $1 AND server_seq > $2 AND (device_id <> $3 OR status = 'resolved')
        ORDER BY server_seq
        LIMIT $4`, businessID, afterSeq, excludeDevice, limit)
	if err != nil {
		return nil, fmt.Errorf("list ops: %w", err)
	}
	ops := make([]domain.Op, len(rows))
	for i, r := range rows {
		ops[i] = r.Op
		ops[i].Payload = json.RawMessage(r.RawPayload)
	}
	return ops, nil
}
