package domain

import "github.com/shopspring/decimal"

// Product is a catalog row. StockQty is a cache maintained exclusively by
// stock movements; catalog upserts never touch it.
type Product struct {
	ID          string          `db:"id" json:"id"`
	BusinessID  string          `db:"business_id" json:"business_id"`
	SKU         string          `db:"sku" json:"sku"`
	Barcode     string          `db:"barcode" json:"barcode,omitempty"`
	Category    string          `db:"category" json:"category,omitempty"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description,omitempty"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	CostPrice   decimal.Decimal `db:"cost_price" json:"cost_price"`
	TaxRate     decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	TrackStock  bool            `db:"track_stock" json:"track_stock"`
	StockQty    int64           `db:"stock_qty" json:"stock_qty"`
	ExpiryDate  string          `db:"expiry_date" json:"expiry_date,omitempty"`
	Active      bool            `db:"active" json:"active"`
	SyncMeta
}

// SyncMeta carries the per-row replication state shared by all synced
// entities: an encoded hybrid logical clock, an encoded version vector,
// the writing node and a tombstone flag.
type SyncMeta struct {
	Deleted   bool   `db:"deleted" json:"deleted,omitempty"`
	HLC       string `db:"hlc" json:"hlc"`
	VClock    string `db:"vclock" json:"vclock"`
	UpdatedBy string `db:"updated_by" json:"updated_by"`
}
