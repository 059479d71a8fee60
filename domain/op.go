package domain

import "encoding/json"

// Entities that replicate through the transaction log.
const (
	EntityProduct  = "product"
	EntityCustomer = "customer"
	EntitySupplier = "supplier"
	EntitySale     = "sale"
	EntityStock    = "stock"
)

// Op actions. Upsert and delete carry full row state and resolve by
// version vector; adjust carries a stock delta and never conflicts.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
	ActionAdjust = "adjust"
)

// Statuses recorded on stored ops.
const (
	OpStatusApplied    = "applied"
	OpStatusSuperseded = "superseded"
	OpStatusResolved   = "resolved"
)

// Op is one entry of the per-tenant transaction log: a single replicated
// mutation stamped with the writer's hybrid logical clock and version
// vector. ServerSeq is assigned when the server applies the op.
type Op struct {
	ServerSeq  int64           `db:"server_seq" json:"server_seq,omitempty"`
	OpID       string          `db:"op_id" json:"op_id"`
	BusinessID string          `db:"business_id" json:"-"`
	DeviceID   string          `db:"device_id" json:"device_id"`
	Entity     string          `db:"entity" json:"entity"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Action     string          `db:"action" json:"action"`
	Payload    json.RawMessage `db:"-" json:"payload"`
	HLC        string          `db:"hlc" json:"hlc"`
	VClock     string          `db:"vclock" json:"vclock"`
	Status     string          `db:"status" json:"-"`
	AppliedMs  int64           `db:"applied_ms" json:"-"`
}

// ValidOpAction reports whether action is a known op action.
func ValidOpAction(action string) bool {
	return action == ActionUpsert || action == ActionDelete || action == ActionAdjust
}

// ValidOpEntity reports whether entity replicates through the log.
func ValidOpEntity(entity string) bool {
	switch entity {
	case EntityProduct, EntityCustomer, EntitySupplier, EntitySale, EntityStock:
		return true
	}
	return false
}

// Conflict winner / policy values.
const (
	ConflictWinnerLocal  = "local"
	ConflictWinnerRemote = "remote"
	ConflictPolicyLWW    = "lww"
)

// Conflict records a concurrent write that the engine resolved. The row
// keeps the winner's state; the loser's state is preserved here.
type Conflict struct {
	ID         string `db:"id" json:"id"`
	BusinessID string `db:"business_id" json:"business_id"`
	OpID       string `db:"op_id" json:"op_id"`
	Entity     string `db:"entity" json:"entity"`
	EntityID   string `db:"entity_id" json:"entity_id"`
	Winner     string `db:"winner" json:"winner"`
	Policy     string `db:"policy" json:"policy"`
	LoserValue string `db:"loser_value" json:"loser_value"`
	ResolvedMs int64  `db:"resolved_ms" json:"resolved_ms"`
}
