package domain

import "github.com/shopspring/decimal"

const (
	SaleStatusCompleted = "completed"
	SaleStatusVoided    = "voided"
)

type Sale struct {
	ID            string          `db:"id" json:"id"`
	BusinessID    string          `db:"business_id" json:"business_id"`
	ShopID        string          `db:"shop_id" json:"shop_id"`
	DeviceID      string          `db:"device_id" json:"device_id"`
	UserID        string          `db:"user_id" json:"user_id,omitempty"`
	CustomerID    string          `db:"customer_id" json:"customer_id,omitempty"`
	ReceiptNo     string          `db:"receipt_no" json:"receipt_no"`
	Status        string          `db:"status" json:"status"`
	Subtotal      decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount      decimal.Decimal `db:"discount" json:"discount"`
	Tax           decimal.Decimal `db:"tax" json:"tax"`
	Total         decimal.Decimal `db:"total" json:"total"`
	Paid          decimal.Decimal `db:"paid" json:"paid"`
	Due           decimal.Decimal `db:"due" json:"due"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	SoldAtMs      int64           `db:"sold_at_ms" json:"sold_at_ms"`
	Items         []SaleItem      `db:"-" json:"items,omitempty"`
	SyncMeta
}

type SaleItem struct {
	ID          string          `db:"id" json:"id"`
	SaleID      string          `db:"sale_id" json:"sale_id"`
	ProductID   string          `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	Quantity    int64           `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Subtotal    decimal.Decimal `db:"subtotal" json:"subtotal"`
}

// SaleTotals is the money breakdown of a sale before persistence.
type SaleTotals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	Due      decimal.Decimal
}

// ComputeSaleTotals derives the money fields of a sale from its items.
// Tax is accumulated per item from the product tax rate (percent). The
// discounted total and the due amount are clamped at zero, the paid
// amount is not (change stays with the cashier).
func ComputeSaleTotals(items []SaleItem, taxRates []decimal.Decimal, discount, paid decimal.Decimal) SaleTotals {
	var t SaleTotals
	hundred := decimal.NewFromInt(100)
	for i, item := range items {
		line := item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity))
		t.Subtotal = t.Subtotal.Add(line)
		if i < len(taxRates) && !taxRates[i].IsZero() {
			t.Tax = t.Tax.Add(line.Mul(taxRates[i]).Div(hundred))
		}
	}
	t.Total = t.Subtotal.Sub(discount).Add(t.Tax)
	if t.Total.IsNegative() {
		t.Total = decimal.Zero
	}
	t.Due = t.Total.Sub(paid)
	if t.Due.IsNegative() {
		t.Due = decimal.Zero
	}
	return t
}
