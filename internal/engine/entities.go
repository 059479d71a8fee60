package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dokanhq/dokansync/domain"
)

// RowState is the replication-relevant snapshot of the row an op
// targets: its sync metadata for the version comparison and its full
// JSON for the audit trail and conflict records.
type RowState struct {
	Exists bool
	HLC    string
	VClock string
	JSON   string
}

// LoadRow reads the current state of the row an op targets. Exported
// together with ApplyWrite, ApplyAdjust and BumpRowVClock because the
// device agent keeps the same core schema locally and must apply
// pulled ops exactly the way the server does.
func LoadRow(tx *sqlx.Tx, entity, businessID, id string) (RowState, error) {
	switch entity {
	case domain.EntityProduct, domain.EntityStock:
		var p domain.Product
		err := tx.Get(&p, `SELECT id, business_id, sku, barcode, category, name, description,
                unit_price, cost_price, tax_rate, track_stock, stock_qty, expiry_date, active,
                deleted, hlc, vclock, updated_by
            FROM products WHERE id = $1 AND business_id = $2`, id, businessID)
		return snapshot(&p, p.HLC, p.VClock, err)
	case domain.EntityCustomer:
		var c domain.Customer
		err := tx.Get(&c, `SELECT id, business_id, name, phone, email, tax_id, loyalty_points,
                deleted, hlc, vclock, updated_by
            FROM customers WHERE id = $1 AND business_id = $2`, id, businessID)
		return snapshot(&c, c.HLC, c.VClock, err)
	case domain.EntitySupplier:
		var s domain.Supplier
		err := tx.Get(&s, `SELECT id, business_id, name, phone, email, address,
                deleted, hlc, vclock, updated_by
            FROM suppliers WHERE id = $1 AND business_id = $2`, id, businessID)
		return snapshot(&s, s.HLC, s.VClock, err)
	case domain.EntitySale:
		sale, err := loadSale(tx, businessID, id)
		if err != nil {
			return RowState{}, err
		}
		if sale == nil {
			return RowState{}, nil
		}
		return snapshot(sale, sale.HLC, sale.VClock, nil)
	}
	return RowState{}, fmt.Errorf("load row: unknown entity %q", entity)
}

func snapshot(row any, hlc, vclock string, err error) (RowState, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return RowState{}, nil
	}
	if err != nil {
		return RowState{}, fmt.Errorf("load row: %w", err)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return RowState{}, fmt.Errorf("snapshot row: %w", err)
	}
	return RowState{Exists: true, HLC: hlc, VClock: vclock, JSON: string(raw)}, nil
}

func loadSale(tx *sqlx.Tx, businessID, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := tx.Get(&sale, `SELECT id, business_id, shop_id, device_id, user_id, customer_id,
            receipt_no, status, subtotal, discount, tax, total, paid, due, payment_method,
            sold_at_ms, deleted, hlc, vclock, updated_by
        FROM sales WHERE id = $1 AND business_id = $2`, id, businessID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sale: %w", err)
	}
	if err := tx.Select(&sale.Items, `SELECT id, sale_id, product_id, product_name, quantity, unit_price, subtotal
        FROM sale_items WHERE sale_id = $1 ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("load sale items: %w", err)
	}
	return &sale, nil
}

var tableByEntity = map[string]string{
	domain.EntityProduct:  "products",
	domain.EntityCustomer: "customers",
	domain.EntitySupplier: "suppliers",
	domain.EntitySale:     "sales",
}

// BumpRowVClock advances only the version vector of a row, used when
// the existing state won a conflict and must absorb the loser's vector.
func BumpRowVClock(tx *sqlx.Tx, entity, businessID, id, vclock string) error {
	table, ok := tableByEntity[entity]
	if !ok {
		return fmt.Errorf("bump vclock: unknown entity %q", entity)
	}
	_, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET vclock = $1 WHERE id = $2 AND business_id = $3`, table),
		vclock, id, businessID)
	if err != nil {
		return fmt.Errorf("bump vclock: %w", err)
	}
	return nil
}

// ApplyWrite performs the winning upsert or delete. op.VClock already
// holds the merged vector to store on the row.
func ApplyWrite(tx *sqlx.Tx, op *domain.Op, row RowState) error {
	switch op.Entity {
	case domain.EntityProduct:
		return applyProduct(tx, op)
	case domain.EntityCustomer:
		return applyCustomer(tx, op)
	case domain.EntitySupplier:
		return applySupplier(tx, op)
	case domain.EntitySale:
		return applySale(tx, op, row)
	}
	return fmt.Errorf("apply write: unknown entity %q", op.Entity)
}

func applyProduct(tx *sqlx.Tx, op *domain.Op) error {
	if op.Action == domain.ActionDelete {
		return applyTombstone(tx, op, "products")
	}
	var p domain.Product
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return fmt.Errorf("decode product payload: %w", err)
	}
	p.ID = op.EntityID
	p.BusinessID = op.BusinessID

	// Catalog upserts never touch the stock cache: stock_qty stays what
	// the movement stream made it, so concurrent adjustments and
	// catalog edits cannot clobber each other.
	_, err := tx.Exec(`INSERT INTO products
        (id, business_id, sku, barcode, category, name, description, unit_price, cost_price,
         tax_rate, track_stock, stock_qty, expiry_date, active, deleted, hlc, vclock, updated_by)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$13,FALSE,$14,$15,$16)
        ON CONFLICT (id) DO UPDATE SET
            sku = excluded.sku, barcode = excluded.barcode, category = excluded.category,
            name = excluded.name, description = excluded.description,
            unit_price = excluded.unit_price, cost_price = excluded.cost_price,
            tax_rate = excluded.tax_rate, track_stock = excluded.track_stock,
            expiry_date = excluded.expiry_date, active = excluded.active,
            deleted = FALSE, hlc = excluded.hlc, vclock = excluded.vclock,
            updated_by = excluded.updated_by
        WHERE products.business_id = excluded.business_id`,
		p.ID, p.BusinessID, p.SKU, p.Barcode, p.Category, p.Name, p.Description,
		p.UnitPrice.String(), p.CostPrice.String(), p.TaxRate.String(), p.TrackStock,
		p.ExpiryDate, p.Active, op.HLC, op.VClock, op.DeviceID)
	if err != nil {
		return fmt.Errorf("apply product: %w", err)
	}
	return nil
}

func applyCustomer(tx *sqlx.Tx, op *domain.Op) error {
	if op.Action == domain.ActionDelete {
		return applyTombstone(tx, op, "customers")
	}
	var c domain.Customer
	if err := json.Unmarshal(op.Payload, &c); err != nil {
		return fmt.Errorf("decode customer payload: %w", err)
	}
	_, err := tx.Exec(`INSERT INTO customers
        (id, business_id, name, phone, email, tax_id, loyalty_points, deleted, hlc, vclock, updated_by)
        VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,$8,$9,$10)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name, phone = excluded.phone, email = excluded.email,
            tax_id = excluded.tax_id, loyalty_points = excluded.loyalty_points,
            deleted = FALSE, hlc = excluded.hlc, vclock = excluded.vclock,
            updated_by = excluded.updated_by
        WHERE customers.business_id = excluded.business_id`,
		op.EntityID, op.BusinessID, c.Name, c.Phone, c.Email, c.TaxID, c.LoyaltyPoints,
		op.HLC, op.VClock, op.DeviceID)
	if err != nil {
		return fmt.Errorf("apply customer: %w", err)
	}
	return nil
}

func applySupplier(tx *sqlx.Tx, op *domain.Op) error {
	if op.Action == domain.ActionDelete {
		return applyTombstone(tx, op, "suppliers")
	}
	var s domain.Supplier
	if err := json.Unmarshal(op.Payload, &s); err != nil {
		return fmt.Errorf("decode supplier payload: %w", err)
	}
	_, err := tx.Exec(`INSERT INTO suppliers
        (id, business_id, name, phone, email, address, deleted, hlc, vclock, updated_by)
        VALUES ($1,$2,$3,$4,$5,$6,FALSE,$7,$8,$9)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name, phone = excluded.phone, email = excluded.email,
            address = excluded.address, deleted = FALSE, hlc = excluded.hlc,
            vclock = excluded.vclock, updated_by = excluded.updated_by
        WHERE suppliers.business_id = excluded.business_id`,
		op.EntityID, op.BusinessID, s.Name, s.Phone, s.Email, s.Address,
		op.HLC, op.VClock, op.DeviceID)
	if err != nil {
		return fmt.Errorf("apply supplier: %w", err)
	}
	return nil
}

// applyTombstone marks a row deleted, creating a bare tombstone when
// the delete arrives before any upsert for the id. A later concurrent
// upsert that wins last-writer-wins revives the row.
func applyTombstone(tx *sqlx.Tx, op *domain.Op, table string) error {
	res, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET deleted = TRUE, hlc = $1, vclock = $2, updated_by = $3
        WHERE id = $4 AND business_id = $5`, table),
		op.HLC, op.VClock, op.DeviceID, op.EntityID, op.BusinessID)
	if err != nil {
		return fmt.Errorf("apply tombstone: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf(`INSERT INTO %s (id, business_id, name, deleted, hlc, vclock, updated_by)
        VALUES ($1,$2,'',TRUE,$3,$4,$5)`, table),
		op.EntityID, op.BusinessID, op.HLC, op.VClock, op.DeviceID)
	if err != nil {
		return fmt.Errorf("insert tombstone: %w", err)
	}
	return nil
}

func applySale(tx *sqlx.Tx, op *domain.Op, row RowState) error {
	var sale domain.Sale
	if err := json.Unmarshal(op.Payload, &sale); err != nil {
		return fmt.Errorf("decode sale payload: %w", err)
	}
	sale.ID = op.EntityID
	sale.BusinessID = op.BusinessID

	if !row.Exists {
		return insertSale(tx, op, &sale)
	}

	var prev domain.Sale
	if err := json.Unmarshal([]byte(row.JSON), &prev); err != nil {
		return fmt.Errorf("decode previous sale: %w", err)
	}
	_, err := tx.Exec(`UPDATE sales SET status = $1, discount = $2, total = $3, paid = $4, due = $5,
            payment_method = $6, customer_id = $7, hlc = $8, vclock = $9, updated_by = $10
        WHERE id = $11 AND business_id = $12`,
		sale.Status, sale.Discount.String(), sale.Total.String(), sale.Paid.String(),
		sale.Due.String(), sale.PaymentMethod, sale.CustomerID,
		op.HLC, op.VClock, op.DeviceID, sale.ID, sale.BusinessID)
	if err != nil {
		return fmt.Errorf("update sale: %w", err)
	}

	// Status transitions move stock: voiding a completed sale returns
	// the items, reviving a voided sale takes them again.
	switch {
	case prev.Status == domain.SaleStatusCompleted && sale.Status == domain.SaleStatusVoided:
		return moveSaleStock(tx, op, &prev, +1, domain.StockReasonVoid)
	case prev.Status == domain.SaleStatusVoided && sale.Status == domain.SaleStatusCompleted:
		return moveSaleStock(tx, op, &prev, -1, domain.StockReasonSale)
	}
	return nil
}

func insertSale(tx *sqlx.Tx, op *domain.Op, sale *domain.Sale) error {
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	_, err := tx.Exec(`INSERT INTO sales
        (id, business_id, shop_id, device_id, user_id, customer_id, receipt_no, status,
         subtotal, discount, tax, total, paid, due, payment_method, sold_at_ms,
         deleted, hlc, vclock, updated_by)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,FALSE,$17,$18,$19)`,
		sale.ID, sale.BusinessID, sale.ShopID, sale.DeviceID, sale.UserID, sale.CustomerID,
		sale.ReceiptNo, sale.Status, sale.Subtotal.String(), sale.Discount.String(),
		sale.Tax.String(), sale.Total.String(), sale.Paid.String(), sale.Due.String(),
		sale.PaymentMethod, sale.SoldAtMs, op.HLC, op.VClock, op.DeviceID)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.SaleID = sale.ID
		_, err := tx.Exec(`INSERT INTO sale_items (id, sale_id, product_id, product_name, quantity, unit_price, subtotal)
            VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			item.ID, item.SaleID, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPrice.String(), item.Subtotal.String())
		if err != nil {
			return fmt.Errorf("insert sale item: %w", err)
		}
	}
	if sale.Status == domain.SaleStatusCompleted {
		return moveSaleStock(tx, op, sale, -1, domain.StockReasonSale)
	}
	return nil
}

// moveSaleStock writes the stock movements a sale implies. Movements
// are derived on every replica from the sale itself rather than synced,
// so a sale op is the single source of its stock effect. Offline sales
// may drive a quantity negative; reality wins and the count records it.
func moveSaleStock(tx *sqlx.Tx, op *domain.Op, sale *domain.Sale, sign int64, reason string) error {
	for _, item := range sale.Items {
		var p struct {
			TrackStock bool  `db:"track_stock"`
			StockQty   int64 `db:"stock_qty"`
		}
		err := tx.Get(&p, `SELECT track_stock, stock_qty FROM products WHERE id = $1 AND business_id = $2`,
			item.ProductID, op.BusinessID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sale stock lookup: %w", err)
		}
		if !p.TrackStock {
			continue
		}
		delta := sign * item.Quantity
		after := p.StockQty + delta
		if _, err := tx.Exec(`UPDATE products SET stock_qty = $1 WHERE id = $2 AND business_id = $3`,
			after, item.ProductID, op.BusinessID); err != nil {
			return fmt.Errorf("sale stock update: %w", err)
		}
		if err := insertMovement(tx, &domain.StockMovement{
			ID:           uuid.NewString(),
			BusinessID:   op.BusinessID,
			ProductID:    item.ProductID,
			ShopID:       sale.ShopID,
			DeviceID:     op.DeviceID,
			Delta:        delta,
			Reason:       reason,
			RefType:      domain.EntitySale,
			RefID:        sale.ID,
			QtyAfter:     after,
			OccurredAtMs: time.Now().UnixMilli(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAdjust applies a manual stock delta. Deltas commute, so adjust
// ops are never in conflict: every one of them is applied, in any
// arrival order, and the movement row pins the quantity it produced.
func ApplyAdjust(tx *sqlx.Tx, op *domain.Op) error {
	var adj domain.StockAdjustment
	if err := json.Unmarshal(op.Payload, &adj); err != nil {
		return fmt.Errorf("decode adjustment payload: %w", err)
	}
	if !domain.ValidStockReason(adj.Reason) {
		return fmt.Errorf("unknown stock reason %q", adj.Reason)
	}
	if adj.Delta == 0 {
		return errors.New("adjustment delta must be non-zero")
	}

	var stock int64
	err := tx.Get(&stock, `SELECT stock_qty FROM products WHERE id = $1 AND business_id = $2`,
		op.EntityID, op.BusinessID)
	if errors.Is(err, sql.ErrNoRows) {
		// The adjustment raced ahead of the product's own upsert. Park
		// the delta on a skeleton row so it is not lost; the catalog
		// fields arrive with the later op.
		if _, err := tx.Exec(`INSERT INTO products (id, business_id, name, stock_qty, hlc, vclock, updated_by)
            VALUES ($1,$2,'',0,'','{}',$3)`, op.EntityID, op.BusinessID, op.DeviceID); err != nil {
			return fmt.Errorf("adjust skeleton product: %w", err)
		}
		stock = 0
	} else if err != nil {
		return fmt.Errorf("adjust stock lookup: %w", err)
	}

	after := stock + adj.Delta
	if _, err := tx.Exec(`UPDATE products SET stock_qty = $1 WHERE id = $2 AND business_id = $3`,
		after, op.EntityID, op.BusinessID); err != nil {
		return fmt.Errorf("adjust stock update: %w", err)
	}

	if adj.MovementID == "" {
		adj.MovementID = uuid.NewString()
	}
	if adj.OccurredAtMs == 0 {
		adj.OccurredAtMs = time.Now().UnixMilli()
	}
	return insertMovement(tx, &domain.StockMovement{
		ID:           adj.MovementID,
		BusinessID:   op.BusinessID,
		ProductID:    op.EntityID,
		ShopID:       adj.ShopID,
		DeviceID:     op.DeviceID,
		Delta:        adj.Delta,
		Reason:       adj.Reason,
		Note:         adj.Note,
		QtyAfter:     after,
		OccurredAtMs: adj.OccurredAtMs,
	})
}

func insertMovement(tx *sqlx.Tx, m *domain.StockMovement) error {
	_, err := tx.Exec(`INSERT INTO stock_movements
        (id, business_id, product_id, shop_id, device_id, delta, reason, ref_type, ref_id, note, qty_after, occurred_at_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.ID, m.BusinessID, m.ProductID, m.ShopID, m.DeviceID, m.Delta, m.Reason,
		m.RefType, m.RefID, m.Note, m.QtyAfter, m.OccurredAtMs)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}
