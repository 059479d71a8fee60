package domain

type Customer struct {
	ID            string `db:"id" json:"id"`
	BusinessID    string `db:"business_id" json:"business_id"`
	Name          string `db:"name" json:"name"`
	Phone         string `db:"phone" json:"phone,omitempty"`
	Email         string `db:"email" json:"email,omitempty"`
	TaxID         string `db:"tax_id" json:"tax_id,omitempty"`
	LoyaltyPoints int64  `db:"loyalty_points" json:"loyalty_points"`
	SyncMeta
}

type Supplier struct {
	ID         string `db:"id" json:"id"`
	BusinessID string `db:"business_id" json:"business_id"`
	Name       string `db:"name" json:"name"`
	Phone      string `db:"phone" json:"phone,omitempty"`
	Email      string `db:"email" json:"email,omitempty"`
	Address    string `db:"address" json:"address,omitempty"`
	SyncMeta
}
