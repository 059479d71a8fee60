package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dokanhq/dokansync/domain"
)

type saleItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type saleRequest struct {
	ShopID        string            `json:"shop_id"`
	CustomerID    string            `json:"customer_id"`
	Items         []saleItemRequest `json:"items"`
	Discount      decimal.Decimal   `json:"discount"`
	Paid          decimal.Decimal   `json:"paid"`
	PaymentMethod string            `json:"payment_method"`
}

// createSale is the server-side counter sale. Unlike an offline sale
// replayed through sync, it validates stock up front: a cashier at a
// connected terminal gets told "insufficient stock" instead of selling
// into the negative.
func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Items) == 0 {
		respondError(w, http.StatusBadRequest, "at least one item is required")
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}

	rules, err := h.businessRules(r)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load business rules")
		return
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	taxRates := make([]decimal.Decimal, 0, len(req.Items))
	for _, ir := range req.Items {
		if ir.ProductID == "" || ir.Quantity <= 0 {
			respondError(w, http.StatusBadRequest, "product_id and a positive quantity are required for each item")
			return
		}
		p, err := h.getProductRow(businessID(r), ir.ProductID)
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusBadRequest, "product not found: "+ir.ProductID)
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "unable to load product")
			return
		}
		if p.TrackStock && p.StockQty < ir.Quantity {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("insufficient stock for %s", p.Name))
			return
		}
		item := domain.SaleItem{
			ID:          uuid.NewString(),
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    ir.Quantity,
			UnitPrice:   p.UnitPrice,
			Subtotal:    p.UnitPrice.Mul(decimal.NewFromInt(ir.Quantity)),
		}
		if err := rules.ValidateSaleItem(&p, &item); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		items = append(items, item)
		taxRates = append(taxRates, p.TaxRate)
	}

	totals := domain.ComputeSaleTotals(items, taxRates, req.Discount, req.Paid)
	sale := domain.Sale{
		ID:            uuid.NewString(),
		BusinessID:    businessID(r),
		ShopID:        req.ShopID,
		DeviceID:      domain.ServerNodeID,
		UserID:        userID(r),
		CustomerID:    req.CustomerID,
		ReceiptNo:     serverReceiptNo(),
		Status:        domain.SaleStatusCompleted,
		Subtotal:      totals.Subtotal,
		Discount:      req.Discount,
		Tax:           totals.Tax,
		Total:         totals.Total,
		Paid:          req.Paid,
		Due:           totals.Due,
		PaymentMethod: req.PaymentMethod,
		SoldAtMs:      time.Now().UnixMilli(),
		Items:         items,
	}

	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntitySale, sale.ID, domain.ActionUpsert, sale)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create sale")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"sale": sale, "server_seq": res.ServerSeq})
}

// serverReceiptNo mirrors the device-local scheme: a node prefix plus a
// time-ordered suffix, unique without coordination.
func serverReceiptNo() string {
	return fmt.Sprintf("SRV-%d", time.Now().UnixNano())
}

func (h *Handler) voidSale(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	sale, err := h.loadSale(businessID(r), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "sale not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load sale")
		return
	}
	if sale.Status == domain.SaleStatusVoided {
		respondError(w, http.StatusConflict, "sale already voided")
		return
	}

	sale.Status = domain.SaleStatusVoided
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntitySale, id, domain.ActionUpsert, sale)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to void sale")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "voided", "server_seq": res.ServerSeq})
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.loadSale(businessID(r), chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "sale not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load sale")
		return
	}
	respondJSON(w, http.StatusOK, sale)
}

func (h *Handler) loadSale(businessID, id string) (domain.Sale, error) {
	var sale domain.Sale
	err := h.db.Get(&sale, `SELECT id, business_id, shop_id, device_id, user_id, customer_id,
            receipt_no, status, subtotal, discount, tax, total, paid, due, payment_method,
            sold_at_ms, deleted, hlc, vclock, updated_by
        FROM sales WHERE id = $1 AND business_id = $2`, id, businessID)
	if err != nil {
		return sale, err
	}
	err = h.db.Select(&sale.Items, `SELECT id, sale_id, product_id, product_name, quantity, unit_price, subtotal
        FROM sale_items WHERE sale_id = $1 ORDER BY id`, id)
	return sale, err
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	var (
		args    []any
		clauses []string
	)
	args = append(args, businessID(r))
	clauses = append(clauses, "business_id = $1")

	if shopID := strings.TrimSpace(r.URL.Query().Get("shop_id")); shopID != "" {
		args = append(args, shopID)
		clauses = append(clauses, fmt.Sprintf("shop_id = $%d", len(args)))
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		args = append(args, status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if ms, clause, err := dateBound(r, "start_date", "sold_at_ms >= $%d", false); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	} else if clause != "" {
		args = append(args, ms)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if ms, clause, err := dateBound(r, "end_date", "sold_at_ms < $%d", true); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	} else if clause != "" {
		args = append(args, ms)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	limit := queryInt(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}
	args = append(args, limit)

	query := `SELECT id, business_id, shop_id, device_id, user_id, customer_id, receipt_no,
            status, subtotal, discount, tax, total, paid, due, payment_method, sold_at_ms,
            deleted, hlc, vclock, updated_by
        FROM sales WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY sold_at_ms DESC LIMIT $` + strconv.Itoa(len(args))

	var sales []domain.Sale
	if err := h.db.Select(&sales, query, args...); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list sales")
		return
	}
	respondJSON(w, http.StatusOK, sales)
}

// dateBound parses a YYYY-MM-DD query parameter into a unix-millis
// bound; exclusive end bounds shift to the following midnight.
func dateBound(r *http.Request, key, clause string, endOfDay bool) (int64, string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, "", nil
	}
	day, err := time.Parse("2006-01-02", v)
	if err != nil {
		return 0, "", fmt.Errorf("%s must be in YYYY-MM-DD format", key)
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1)
	}
	return day.UnixMilli(), clause, nil
}
