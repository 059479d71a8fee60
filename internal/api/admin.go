package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/audit"
	"github.com/dokanhq/dokansync/internal/businesstype"
	"github.com/dokanhq/dokansync/internal/engine"
)

// Business

func (h *Handler) getBusiness(w http.ResponseWriter, r *http.Request) {
	var b domain.Business
	err := h.db.Get(&b, `SELECT id, name, business_type, currency, created_at, updated_at
        FROM businesses WHERE id = $1`, businessID(r))
	if err != nil {
		respondError(w, http.StatusNotFound, "business not found")
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handler) updateBusiness(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner) {
		return
	}
	var req struct {
		Name         string `json:"name"`
		BusinessType string `json:"business_type"`
		Currency     string `json:"currency"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.BusinessType != "" && !businesstype.Known(req.BusinessType) {
		respondError(w, http.StatusBadRequest, "unknown business_type")
		return
	}
	if _, err := h.db.Exec(`UPDATE businesses SET name = $1,
            business_type = COALESCE(NULLIF($2, ''), business_type),
            currency = COALESCE(NULLIF($3, ''), currency),
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $4`, req.Name, req.BusinessType, req.Currency, businessID(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update business")
		return
	}
	_ = audit.Write(h.db, &domain.AuditLog{
		BusinessID: businessID(r),
		UserID:     userID(r),
		Entity:     "business",
		EntityID:   businessID(r),
		Action:     "update",
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Shops

type shopRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (h *Handler) createShop(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	var req shopRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	id := uuid.NewString()
	if _, err := h.db.Exec(`INSERT INTO shops (id, business_id, name, address) VALUES ($1, $2, $3, $4)`,
		id, businessID(r), req.Name, req.Address); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create shop")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "name": req.Name})
}

func (h *Handler) updateShop(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	var req shopRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	res, err := h.db.Exec(`UPDATE shops SET name = $1, address = $2, updated_at = CURRENT_TIMESTAMP
        WHERE id = $3 AND business_id = $4`, req.Name, req.Address, chi.URLParam(r, "id"), businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update shop")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondError(w, http.StatusNotFound, "shop not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) listShops(w http.ResponseWriter, r *http.Request) {
	var shops []domain.Shop
	err := h.db.Select(&shops, `SELECT id, business_id, name, address, created_at, updated_at
        FROM shops WHERE business_id = $1 ORDER BY name`, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list shops")
		return
	}
	respondJSON(w, http.StatusOK, shops)
}

// Users

type userRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Active   *bool  `json:"active"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner) {
		return
	}
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username, email and password are required")
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleCashier
	}
	if !domain.ValidRole(req.Role) {
		respondError(w, http.StatusBadRequest, "role must be owner, manager or cashier")
		return
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to secure password")
		return
	}
	id := uuid.NewString()
	if _, err := h.db.Exec(`INSERT INTO users (id, business_id, username, email, password, role, active)
        VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
		id, businessID(r), req.Username, strings.ToLower(req.Email), hashed, req.Role); err != nil {
		respondError(w, http.StatusConflict, "email already exists")
		return
	}
	_ = audit.Write(h.db, &domain.AuditLog{
		BusinessID: businessID(r),
		UserID:     userID(r),
		Entity:     "user",
		EntityID:   id,
		Action:     "create",
	})
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "username": req.Username, "role": req.Role})
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner) {
		return
	}
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role != "" && !domain.ValidRole(req.Role) {
		respondError(w, http.StatusBadRequest, "role must be owner, manager or cashier")
		return
	}
	// A nil Active binds as NULL so an omitted field keeps the stored
	// value instead of reactivating the user.
	res, err := h.db.Exec(`UPDATE users SET role = COALESCE(NULLIF($1, ''), role),
            active = COALESCE($2, active),
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $3 AND business_id = $4`, req.Role, req.Active, chi.URLParam(r, "id"), businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update user")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	var users []domain.User
	err := h.db.Select(&users, `SELECT id, business_id, username, email, role, active, created_at, updated_at
        FROM users WHERE business_id = $1 ORDER BY username`, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list users")
		return
	}
	respondJSON(w, http.StatusOK, users)
}

// Audit and conflicts

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner) {
		return
	}
	rows, err := audit.List(h.db, businessID(r), audit.Filter{
		Entity:   r.URL.Query().Get("entity"),
		EntityID: r.URL.Query().Get("entity_id"),
		Action:   r.URL.Query().Get("action"),
		SinceMs:  queryInt64(r, "since_ms", 0),
		UntilMs:  queryInt64(r, "until_ms", 0),
		Limit:    queryInt(r, "limit", 100),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list audit log")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	rows, err := engine.Conflicts(h.db, businessID(r), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list conflicts")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}
