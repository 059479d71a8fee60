package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/businesstype"
)

func (h *Handler) businessRules(r *http.Request) (businesstype.Rules, error) {
	var kind string
	if err := h.db.Get(&kind, `SELECT business_type FROM businesses WHERE id = $1`, businessID(r)); err != nil {
		return nil, err
	}
	return businesstype.Get(kind)
}

type productRequest struct {
	SKU         string          `json:"sku"`
	Barcode     string          `json:"barcode"`
	Category    string          `json:"category"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	TrackStock  *bool           `json:"track_stock"`
	ExpiryDate  string          `json:"expiry_date"`
	Active      *bool           `json:"active"`
}

func (req *productRequest) toProduct() domain.Product {
	p := domain.Product{
		SKU:         req.SKU,
		Barcode:     req.Barcode,
		Category:    req.Category,
		Name:        req.Name,
		Description: req.Description,
		UnitPrice:   req.UnitPrice,
		CostPrice:   req.CostPrice,
		TaxRate:     req.TaxRate,
		TrackStock:  true,
		ExpiryDate:  req.ExpiryDate,
		Active:      true,
	}
	if req.TrackStock != nil {
		p.TrackStock = *req.TrackStock
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	return p
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	var req productRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	p := req.toProduct()

	rules, err := h.businessRules(r)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load business rules")
		return
	}
	if req.TrackStock == nil {
		rules.ApplyProductDefaults(&p)
	}
	if err := rules.ValidateProduct(&p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	p.ID = uuid.NewString()
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntityProduct, p.ID, domain.ActionUpsert, p)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create product")
		return
	}
	p.BusinessID = businessID(r)
	respondJSON(w, http.StatusCreated, map[string]any{"product": p, "server_seq": res.ServerSeq})
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	existing, err := h.getProductRow(businessID(r), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load product")
		return
	}
	var req productRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	p := req.toProduct()
	if req.TrackStock == nil {
		p.TrackStock = existing.TrackStock
	}

	rules, err := h.businessRules(r)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load business rules")
		return
	}
	if err := rules.ValidateProduct(&p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntityProduct, id, domain.ActionUpsert, p)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update product")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "server_seq": res.ServerSeq})
}

// deleteProduct writes a tombstone. The row stays for sale history and
// may be revived by a later concurrent upsert that wins.
func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.getProductRow(businessID(r), id); err != nil {
		respondError(w, http.StatusNotFound, "product not found")
		return
	}
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntityProduct, id, domain.ActionDelete, map[string]string{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to delete product")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "server_seq": res.ServerSeq})
}

type stockAdjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
	ShopID string `json:"shop_id"`
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	var req stockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Delta == 0 {
		respondError(w, http.StatusBadRequest, "delta must be non-zero")
		return
	}
	if req.Reason == "" {
		req.Reason = domain.StockReasonAdjust
	}
	if !domain.ValidStockReason(req.Reason) {
		respondError(w, http.StatusBadRequest, "unknown stock reason")
		return
	}
	if _, err := h.getProductRow(businessID(r), id); err != nil {
		respondError(w, http.StatusNotFound, "product not found")
		return
	}

	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntityStock, id, domain.ActionAdjust, domain.StockAdjustment{
			MovementID: uuid.NewString(),
			ShopID:     req.ShopID,
			Delta:      req.Delta,
			Reason:     req.Reason,
			Note:       req.Note,
		})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to adjust stock")
		return
	}

	p, err := h.getProductRow(businessID(r), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load product")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"stock_qty": p.StockQty, "server_seq": res.ServerSeq})
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := int(queryInt64(r, "offset", 0))

	args := []any{businessID(r)}
	query := `SELECT id, business_id, sku, barcode, category, name, description, unit_price,
            cost_price, tax_rate, track_stock, stock_qty, expiry_date, active,
            deleted, hlc, vclock, updated_by
        FROM products WHERE business_id = $1 AND deleted = FALSE`

	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		args = append(args, like)
		query += ` AND (LOWER(name) LIKE $2 OR LOWER(sku) LIKE $2 OR barcode = $2 OR LOWER(category) LIKE $2)`
	}
	args = append(args, limit, offset)
	query += ` ORDER BY name LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	var products []domain.Product
	if err := h.db.Select(&products, query, args...); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list products")
		return
	}
	respondJSON(w, http.StatusOK, products)
}

func (h *Handler) getProductRow(businessID, id string) (domain.Product, error) {
	var p domain.Product
	err := h.db.Get(&p, `SELECT id, business_id, sku, barcode, category, name, description,
            unit_price, cost_price, tax_rate, track_stock, stock_qty, expiry_date, active,
            deleted, hlc, vclock, updated_by
        FROM products WHERE id = $1 AND business_id = $2 AND deleted = FALSE`, id, businessID)
	return p, err
}
