package domain

// Business types known to the rule registry.
const (
	BusinessTypeGeneral    = "general"
	BusinessTypeGrocery    = "grocery"
	BusinessTypePharmacy   = "pharmacy"
	BusinessTypeRestaurant = "restaurant"
)

// Business is the tenant. Every other row hangs off a business id.
type Business struct {
	ID           string `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	BusinessType string `db:"business_type" json:"business_type"`
	Currency     string `db:"currency" json:"currency"`
	CreatedAt    string `db:"created_at" json:"created_at"`
	UpdatedAt    string `db:"updated_at" json:"updated_at"`
}

type Shop struct {
	ID         string `db:"id" json:"id"`
	BusinessID string `db:"business_id" json:"business_id"`
	Name       string `db:"name" json:"name"`
	Address    string `db:"address" json:"address"`
	CreatedAt  string `db:"created_at" json:"created_at"`
	UpdatedAt  string `db:"updated_at" json:"updated_at"`
}
