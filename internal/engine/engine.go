// Package engine is the single write path for replicated state. Every
// mutation, whether a batch pushed by a device or a write originating
// on the server's own API, becomes an op that the engine applies inside
// one database transaction: dedup, conflict resolution, the row write
// and its stock side effects, the oplog append and the audit row all
// commit together, then waiters are notified.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/audit"
	"github.com/dokanhq/dokansync/internal/clock"
	"github.com/dokanhq/dokansync/internal/oplog"
	"github.com/dokanhq/dokansync/internal/version"
)

// Deduper is the optional idempotency fast path in front of the oplog's
// unique index.
type Deduper interface {
	Claim(ctx context.Context, opID string) bool
	Release(ctx context.Context, opID string)
}

// Notifier wakes long-poll waiters after a commit advances a tenant's
// log.
type Notifier interface {
	Publish(businessID string, seq int64)
}

// Engine applies ops against the server database.
type Engine struct {
	db    *sqlx.DB
	clock *clock.Clock
	dedup Deduper  // nil disables the fast path
	hub   Notifier // nil disables notifications
}

// New wires an engine. dedup and hub may be nil.
func New(db *sqlx.DB, clk *clock.Clock, dedup Deduper, hub Notifier) *Engine {
	return &Engine{db: db, clock: clk, dedup: dedup, hub: hub}
}

// ApplyBatch applies a device's pushed ops in order, one transaction
// per op so a bad op never poisons the rest of the batch. BusinessID
// and DeviceID are forced from the authenticated device, never trusted
// from the wire.
func (e *Engine) ApplyBatch(ctx context.Context, businessID, deviceID string, ops []domain.Op) (domain.PushResponse, error) {
	resp := domain.PushResponse{Results: make([]domain.PushResult, 0, len(ops))}
	for i := range ops {
		op := ops[i]
		op.BusinessID = businessID
		op.DeviceID = deviceID
		resp.Results = append(resp.Results, e.applyOne(ctx, &op, ""))
	}
	seq, err := oplog.LatestSeq(e.db, businessID)
	if err != nil {
		return resp, err
	}
	resp.ServerSeq = seq
	return resp, nil
}

// Submit applies a single server-originated write: the op is stamped
// with the server's clock and a version vector derived from the current
// row, so it always fast-forwards. userID lands in the audit trail.
func (e *Engine) Submit(ctx context.Context, businessID, userID, entity, entityID, action string, payload any) (domain.PushResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.PushResult{}, fmt.Errorf("encode op payload: %w", err)
	}
	op := domain.Op{
		OpID:       uuid.NewString(),
		BusinessID: businessID,
		DeviceID:   domain.ServerNodeID,
		Entity:     entity,
		EntityID:   entityID,
		Action:     action,
		Payload:    raw,
	}
	res := e.applyOne(ctx, &op, userID)
	if res.Status == domain.PushStatusRejected {
		return res, fmt.Errorf("apply %s %s: %s", action, entity, res.Error)
	}
	return res, nil
}

func rejected(op *domain.Op, msg string) domain.PushResult {
	return domain.PushResult{OpID: op.OpID, Status: domain.PushStatusRejected, Error: msg}
}

// applyOne runs the full pipeline for a single op. It never returns an
// error: failures surface as a rejected result so a push response stays
// per-op.
func (e *Engine) applyOne(ctx context.Context, op *domain.Op, auditUser string) domain.PushResult {
	if op.OpID == "" {
		return rejected(op, "missing op_id")
	}
	if !domain.ValidOpEntity(op.Entity) {
		return rejected(op, fmt.Sprintf("unknown entity %q", op.Entity))
	}
	if !domain.ValidOpAction(op.Action) {
		return rejected(op, fmt.Sprintf("unknown action %q", op.Action))
	}
	if op.EntityID == "" {
		return rejected(op, "missing entity_id")
	}
	if (op.Action == domain.ActionAdjust) != (op.Entity == domain.EntityStock) {
		return rejected(op, "adjust ops target the stock entity and vice versa")
	}
	if op.Entity == domain.EntitySale && op.Action == domain.ActionDelete {
		return rejected(op, "sales are immutable, push a voided sale instead")
	}

	// Fast path: a claimed id that is already in the log is a duplicate
	// push. A claim that lost its backing row (crashed apply) falls
	// through to the transaction, where the unique index decides.
	if e.dedup != nil && !e.dedup.Claim(ctx, op.OpID) {
		if seq, err := oplog.SeqOf(e.db, op.OpID); err == nil {
			return domain.PushResult{OpID: op.OpID, Status: domain.PushStatusDuplicate, ServerSeq: seq}
		}
	}

	res, err := e.applyTx(ctx, op, auditUser)
	if err != nil {
		if e.dedup != nil {
			e.dedup.Release(ctx, op.OpID)
		}
		log.Printf("engine: apply op %s failed: %v", op.OpID, err)
		return rejected(op, "apply failed")
	}
	return res
}

func (e *Engine) applyTx(ctx context.Context, op *domain.Op, auditUser string) (domain.PushResult, error) {
	tx, err := e.db.Beginx()
	if err != nil {
		return domain.PushResult{}, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	seen, err := oplog.Seen(tx, op.OpID)
	if err != nil {
		return domain.PushResult{}, err
	}
	if seen {
		seq, err := oplog.SeqOf(tx, op.OpID)
		if err != nil {
			return domain.PushResult{}, err
		}
		return domain.PushResult{OpID: op.OpID, Status: domain.PushStatusDuplicate, ServerSeq: seq}, nil
	}

	row, err := LoadRow(tx, op.Entity, op.BusinessID, op.EntityID)
	if err != nil {
		return domain.PushResult{}, err
	}

	// Server-originated ops are stamped here, after the row is known,
	// so they always causally dominate the current state.
	if op.HLC == "" {
		op.HLC = e.clock.Now().Encode()
	}
	if op.VClock == "" && op.DeviceID == domain.ServerNodeID {
		vec, err := version.Parse(row.VClock)
		if err != nil {
			return domain.PushResult{}, err
		}
		op.VClock = vec.Increment(domain.ServerNodeID).Encode()
	}

	res := domain.PushResult{OpID: op.OpID, Status: domain.PushStatusApplied}
	op.Status = domain.OpStatusApplied

	var conflict *domain.Conflict
	switch op.Action {
	case domain.ActionAdjust:
		if err := ApplyAdjust(tx, op); err != nil {
			return domain.PushResult{}, err
		}
	default:
		conflict, err = e.resolve(tx, op, row, &res)
		if err != nil {
			return domain.PushResult{}, err
		}
	}

	seq, err := oplog.NextSeq(tx, op.BusinessID)
	if err != nil {
		return domain.PushResult{}, err
	}
	op.ServerSeq = seq
	op.AppliedMs = time.Now().UnixMilli()
	if err := oplog.Append(tx, op); err != nil {
		return domain.PushResult{}, err
	}
	res.ServerSeq = seq

	if conflict != nil {
		conflict.BusinessID = op.BusinessID
		conflict.OpID = op.OpID
		conflict.ResolvedMs = op.AppliedMs
		if err := insertConflict(tx, conflict); err != nil {
			return domain.PushResult{}, err
		}
	}

	newValue := ""
	if op.Status == domain.OpStatusApplied {
		newValue = string(op.Payload)
	}
	if err := audit.Write(tx, &domain.AuditLog{
		BusinessID: op.BusinessID,
		UserID:     auditUser,
		DeviceID:   op.DeviceID,
		Entity:     op.Entity,
		EntityID:   op.EntityID,
		Action:     op.Action,
		OldValue:   row.JSON,
		NewValue:   newValue,
		CreatedMs:  op.AppliedMs,
	}); err != nil {
		return domain.PushResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.PushResult{}, fmt.Errorf("commit apply: %w", err)
	}

	// Keep the server clock ahead of everything it has witnessed.
	if ts, err := clock.Parse(op.HLC); err == nil {
		e.clock.Observe(ts)
	}
	if e.hub != nil {
		e.hub.Publish(op.BusinessID, seq)
	}
	return res, nil
}

// resolve runs the version-vector comparison for upsert and delete ops
// and applies the winner. It fills res and returns a conflict record
// when the writes were concurrent.
func (e *Engine) resolve(tx *sqlx.Tx, op *domain.Op, row RowState, res *domain.PushResult) (*domain.Conflict, error) {
	incoming, err := version.Parse(op.VClock)
	if err != nil {
		return nil, err
	}

	if !row.Exists {
		op.VClock = incoming.Encode()
		return nil, ApplyWrite(tx, op, row)
	}

	current, err := version.Parse(row.VClock)
	if err != nil {
		return nil, err
	}
	merged := version.Merge(incoming, current)

	switch incoming.Compare(current) {
	case version.After:
		op.VClock = merged.Encode()
		return nil, ApplyWrite(tx, op, row)

	case version.Before, version.Equal:
		// Stale replay: the row already causally includes this write.
		op.Status = domain.OpStatusSuperseded
		res.Status = domain.PushStatusSuperseded
		return nil, nil

	case version.Concurrent:
		win, err := IncomingWinsLWW(op.HLC, row.HLC)
		if err != nil {
			return nil, err
		}
		res.Status = domain.PushStatusConflict
		if win {
			op.VClock = merged.Encode()
			res.Winner = domain.ConflictWinnerRemote
			return &domain.Conflict{
				ID:         uuid.NewString(),
				Entity:     op.Entity,
				EntityID:   op.EntityID,
				Winner:     domain.ConflictWinnerRemote,
				Policy:     domain.ConflictPolicyLWW,
				LoserValue: row.JSON,
			}, ApplyWrite(tx, op, row)
		}
		// The row wins: keep its state, but advance its vector to the
		// merge so the loser's write is causally absorbed, and hand the
		// winning state back to the pusher.
		op.Status = domain.OpStatusResolved
		res.Winner = domain.ConflictWinnerLocal
		res.Resolution = json.RawMessage(row.JSON)
		if err := BumpRowVClock(tx, op.Entity, op.BusinessID, op.EntityID, merged.Encode()); err != nil {
			return nil, err
		}
		return &domain.Conflict{
			ID:         uuid.NewString(),
			Entity:     op.Entity,
			EntityID:   op.EntityID,
			Winner:     domain.ConflictWinnerLocal,
			Policy:     domain.ConflictPolicyLWW,
			LoserValue: string(op.Payload),
		}, nil
	}
	return nil, nil
}

// IncomingWinsLWW breaks a concurrent pair by hybrid logical clock,
// falling back to the node id inside the timestamp. The comparison is
// total, so every replica picks the same winner.
func IncomingWinsLWW(incomingHLC, currentHLC string) (bool, error) {
	a, err := clock.Parse(incomingHLC)
	if err != nil {
		return false, fmt.Errorf("conflict lww: %w", err)
	}
	if currentHLC == "" {
		return true, nil
	}
	b, err := clock.Parse(currentHLC)
	if err != nil {
		return false, fmt.Errorf("conflict lww: %w", err)
	}
	return clock.Compare(a, b) > 0, nil
}

func insertConflict(tx *sqlx.Tx, c *domain.Conflict) error {
	_, err := tx.Exec(`INSERT INTO sync_conflicts
        (id, business_id, op_id, entity, entity_id, winner, policy, loser_value, resolved_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.BusinessID, c.OpID, c.Entity, c.EntityID, c.Winner, c.Policy, c.LoserValue, c.ResolvedMs)
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

// Conflicts lists a tenant's resolved conflicts, newest first.
func Conflicts(db *sqlx.DB, businessID string, limit int) ([]domain.Conflict, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []domain.Conflict
	err := db.Select(&rows, `SELECT id, business_id, op_id, entity, entity_id, winner, policy, loser_value, resolved_ms
        FROM sync_conflicts WHERE business_id = $1 ORDER BY resolved_ms DESC LIMIT $2`, businessID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return rows, nil
}

// CountConflicts returns the number of conflicts recorded for a tenant.
func CountConflicts(db *sqlx.DB, businessID string) (int64, error) {
	var n int64
	if err := db.Get(&n, `SELECT COUNT(*) FROM sync_conflicts WHERE business_id = $1`, businessID); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}
