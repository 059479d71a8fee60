package domain

// Stock movement reasons.
const (
	StockReasonSale    = "sale"
	StockReasonVoid    = "void"
	StockReasonReceive = "receive"
	StockReasonRecount = "recount"
	StockReasonAdjust  = "adjust"
)

// StockMovement is an append-only stock delta. Movements are the only
// writers of Product.StockQty, which makes concurrent adjustments from
// different devices commute instead of conflicting.
type StockMovement struct {
	ID           string `db:"id" json:"id"`
	BusinessID   string `db:"business_id" json:"business_id"`
	ProductID    string `db:"product_id" json:"product_id"`
	ShopID       string `db:"shop_id" json:"shop_id,omitempty"`
	DeviceID     string `db:"device_id" json:"device_id"`
	Delta        int64  `db:"delta" json:"delta"`
	Reason       string `db:"reason" json:"reason"`
	RefType      string `db:"ref_type" json:"ref_type,omitempty"`
	RefID        string `db:"ref_id" json:"ref_id,omitempty"`
	Note         string `db:"note" json:"note,omitempty"`
	QtyAfter     int64  `db:"qty_after" json:"qty_after"`
	OccurredAtMs int64  `db:"occurred_at_ms" json:"occurred_at_ms"`
}

// StockAdjustment is the payload of an adjust op: a manual stock delta
// against one product. Sale and void movements are derived from sale
// ops instead and never travel as adjustments.
type StockAdjustment struct {
	MovementID   string `json:"movement_id"`
	ShopID       string `json:"shop_id,omitempty"`
	Delta        int64  `json:"delta"`
	Reason       string `json:"reason"`
	Note         string `json:"note,omitempty"`
	OccurredAtMs int64  `json:"occurred_at_ms"`
}

// ValidStockReason reports whether reason is a known movement reason.
func ValidStockReason(reason string) bool {
	switch reason {
	case StockReasonSale, StockReasonVoid, StockReasonReceive, StockReasonRecount, StockReasonAdjust:
		return true
	}
	return false
}
