// Package audit records who changed what. Rows for replicated writes
// are inserted inside the same transaction as the write itself, so the
// trail never disagrees with the data.
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dokanhq/dokansync/domain"
)

// Write inserts an audit row. ID and CreatedMs are filled when unset.
func Write(tx sqlx.Execer, row *domain.AuditLog) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedMs == 0 {
		row.CreatedMs = time.Now().UnixMilli()
	}
	_, err := tx.Exec(`INSERT INTO audit_log
        (id, business_id, user_id, device_id, entity, entity_id, action, old_value, new_value, created_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		row.ID, row.BusinessID, row.UserID, row.DeviceID, row.Entity, row.EntityID,
		row.Action, row.OldValue, row.NewValue, row.CreatedMs)
	if err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	return nil
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Entity   string
	EntityID string
	Action   string
	SinceMs  int64
	UntilMs  int64
	Limit    int
}

// List returns a tenant's audit rows, newest first.
func List(db *sqlx.DB, businessID string, f Filter) ([]domain.AuditLog, error) {
	clauses := []string{"business_id = $1"}
	args := []any{businessID}

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Entity != "" {
		add("entity = $%d", f.Entity)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.SinceMs > 0 {
		add("created_ms >= $%d", f.SinceMs)
	}
	if f.UntilMs > 0 {
		add("created_ms <= $%d", f.UntilMs)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT id, business_id, user_id, device_id, entity, entity_id, action,
            old_value, new_value, archived, created_ms
        FROM audit_log WHERE %s ORDER BY created_ms DESC LIMIT $%d`,
		strings.Join(clauses, " AND "), len(args))

	var rows []domain.AuditLog
	if err := db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	return rows, nil
}
