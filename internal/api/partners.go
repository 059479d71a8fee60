package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dokanhq/dokansync/domain"
)

// Customers

type customerRequest struct {
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	TaxID         string `json:"tax_id"`
	LoyaltyPoints int64  `json:"loyalty_points"`
}

func (h *Handler) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	c := domain.Customer{
		ID:            uuid.NewString(),
		BusinessID:    businessID(r),
		Name:          req.Name,
		Phone:         req.Phone,
		Email:         req.Email,
		TaxID:         req.TaxID,
		LoyaltyPoints: req.LoyaltyPoints,
	}
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntityCustomer, c.ID, domain.ActionUpsert, c)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create customer")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"customer": c, "server_seq": res.ServerSeq})
}

func (h *Handler) updateCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.rowExists(w, "customers", businessID(r), id, "customer not found") {
		return
	}
	var req customerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	c := domain.Customer{
		Name:          req.Name,
		Phone:         req.Phone,
		Email:         req.Email,
		TaxID:         req.TaxID,
		LoyaltyPoints: req.LoyaltyPoints,
	}
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntityCustomer, id, domain.ActionUpsert, c)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update customer")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "server_seq": res.ServerSeq})
}

func (h *Handler) deleteCustomer(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	if !h.rowExists(w, "customers", businessID(r), id, "customer not found") {
		return
	}
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntityCustomer, id, domain.ActionDelete, map[string]string{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to delete customer")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "server_seq": res.ServerSeq})
}

func (h *Handler) listCustomers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	args := []any{businessID(r)}
	query := `SELECT id, business_id, name, phone, email, tax_id, loyalty_points,
            deleted, hlc, vclock, updated_by
        FROM customers WHERE business_id = $1 AND deleted = FALSE`
	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		args = append(args, like)
		query += ` AND (LOWER(name) LIKE $2 OR phone LIKE $2)`
	}
	args = append(args, limit)
	query += ` ORDER BY name LIMIT $` + strconv.Itoa(len(args))

	var customers []domain.Customer
	if err := h.db.Select(&customers, query, args...); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list customers")
		return
	}
	respondJSON(w, http.StatusOK, customers)
}

// Suppliers

type supplierRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

func (h *Handler) createSupplier(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	var req supplierRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	s := domain.Supplier{
		ID:         uuid.NewString(),
		BusinessID: businessID(r),
		Name:       req.Name,
		Phone:      req.Phone,
		Email:      req.Email,
		Address:    req.Address,
	}
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntitySupplier, s.ID, domain.ActionUpsert, s)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create supplier")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"supplier": s, "server_seq": res.ServerSeq})
}

func (h *Handler) updateSupplier(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	if !h.rowExists(w, "suppliers", businessID(r), id, "supplier not found") {
		return
	}
	var req supplierRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	s := domain.Supplier{Name: req.Name, Phone: req.Phone, Email: req.Email, Address: req.Address}
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntitySupplier, id, domain.ActionUpsert, s)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update supplier")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "server_seq": res.ServerSeq})
}

func (h *Handler) deleteSupplier(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	if !h.rowExists(w, "suppliers", businessID(r), id, "supplier not found") {
		return
	}
	res, err := h.engine.Submit(r.Context(), businessID(r), userID(r),
		domain.EntitySupplier, id, domain.ActionDelete, map[string]string{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to delete supplier")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "server_seq": res.ServerSeq})
}

func (h *Handler) listSuppliers(w http.ResponseWriter, r *http.Request) {
	var suppliers []domain.Supplier
	err := h.db.Select(&suppliers, `SELECT id, business_id, name, phone, email, address,
            deleted, hlc, vclock, updated_by
        FROM suppliers WHERE business_id = $1 AND deleted = FALSE ORDER BY name`, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list suppliers")
		return
	}
	respondJSON(w, http.StatusOK, suppliers)
}

// rowExists answers a 404 when a live row is missing. Table names are
// compile-time constants, never user input.
func (h *Handler) rowExists(w http.ResponseWriter, table, businessID, id, notFound string) bool {
	var exists bool
	err := h.db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1 AND business_id = $2 AND deleted = FALSE)`,
		id, businessID)
	if err != nil || !exists {
		respondError(w, http.StatusNotFound, notFound)
		return false
	}
	return true
}
