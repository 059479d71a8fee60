package domain

type AuditLog struct {
	ID         string `db:"id" json:"id"`
	BusinessID string `db:"business_id" json:"business_id"`
	UserID     string `db:"user_id" json:"user_id,omitempty"`
	DeviceID   string `db:"device_id" json:"device_id,omitempty"`
	Entity     string `db:"entity" json:"entity"`
	EntityID   string `db:"entity_id" json:"entity_id"`
	Action     string `db:"action" json:"action"`
	OldValue   string `db:"old_value" json:"old_value,omitempty"`
	NewValue   string `db:"new_value" json:"new_value,omitempty"`
	Archived   bool   `db:"archived" json:"-"`
	CreatedMs  int64  `db:"created_ms" json:"created_ms"`
}
