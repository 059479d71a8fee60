package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/businesstype"
)

type ctxKey string

const (
	ctxUserID     ctxKey = "userID"
	ctxRole       ctxKey = "role"
	ctxBusinessID ctxKey = "businessID"
	ctxDeviceID   ctxKey = "deviceID"
	ctxShopID     ctxKey = "shopID"
)

// Token kinds keep staff and device tokens from crossing into each
// other's endpoints.
const (
	tokenKindUser   = "user"
	tokenKindDevice = "device"
)

type userClaims struct {
	Kind       string `json:"kind"`
	UserID     string `json:"user_id"`
	BusinessID string `json:"business_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

type deviceClaims struct {
	Kind       string `json:"kind"`
	DeviceID   string `json:"device_id"`
	BusinessID string `json:"business_id"`
	ShopID     string `json:"shop_id"`
	jwt.RegisteredClaims
}

func (h *Handler) generateUserToken(userID, businessID, role string) (string, error) {
	claims := userClaims{
		Kind:       tokenKindUser,
		UserID:     userID,
		BusinessID: businessID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(h.cfg.UserTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.cfg.Secret))
}

func (h *Handler) generateDeviceToken(d *domain.Device) (string, time.Time, error) {
	expires := time.Now().Add(h.cfg.DeviceTokenTTL)
	claims := deviceClaims{
		Kind:       tokenKindDevice,
		DeviceID:   d.ID,
		BusinessID: d.BusinessID,
		ShopID:     d.ShopID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.Secret))
	return signed, expires, err
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[len("Bearer "):]), true
}

func (h *Handler) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.ParseWithClaims(tokenString, &userClaims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(h.cfg.Secret), nil
		})
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := token.Claims.(*userClaims)
		if !ok || claims.Kind != tokenKindUser {
			respondError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		ctx = context.WithValue(ctx, ctxBusinessID, claims.BusinessID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) deviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.ParseWithClaims(tokenString, &deviceClaims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(h.cfg.Secret), nil
		})
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := token.Claims.(*deviceClaims)
		if !ok || claims.Kind != tokenKindDevice {
			respondError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		// Revocation takes effect mid-token, not at the next refresh.
		var revoked bool
		if err := h.db.Get(&revoked, `SELECT revoked FROM devices WHERE id = $1 AND business_id = $2`,
			claims.DeviceID, claims.BusinessID); err != nil || revoked {
			respondError(w, http.StatusUnauthorized, "device revoked")
			return
		}
		ctx := context.WithValue(r.Context(), ctxDeviceID, claims.DeviceID)
		ctx = context.WithValue(ctx, ctxBusinessID, claims.BusinessID)
		ctx = context.WithValue(ctx, ctxShopID, claims.ShopID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	role := r.Context().Value(ctxRole)
	if role == nil {
		respondError(w, http.StatusUnauthorized, "missing role")
		return false
	}
	current := role.(string)
	for _, allowedRole := range allowed {
		if current == allowedRole {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "insufficient permissions")
	return false
}

func businessID(r *http.Request) string {
	if v := r.Context().Value(ctxBusinessID); v != nil {
		return v.(string)
	}
	return ""
}

func userID(r *http.Request) string {
	if v := r.Context().Value(ctxUserID); v != nil {
		return v.(string)
	}
	return ""
}

func deviceID(r *http.Request) string {
	if v := r.Context().Value(ctxDeviceID); v != nil {
		return v.(string)
	}
	return ""
}

// Auth handlers

type registerRequest struct {
	BusinessName string `json:"business_name"`
	BusinessType string `json:"business_type"`
	Currency     string `json:"currency"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Password     string `json:"password"`
}

type authResponse struct {
	Token    string           `json:"token"`
	User     domain.User      `json:"user"`
	Business *domain.Business `json:"business,omitempty"`
}

// register bootstraps a tenant: the business plus its owner account.
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BusinessName == "" || req.Username == "" || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "business_name, username, email and password are required")
		return
	}
	if req.BusinessType == "" {
		req.BusinessType = domain.BusinessTypeGeneral
	}
	if !businesstype.Known(req.BusinessType) {
		respondError(w, http.StatusBadRequest, "unknown business_type")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to secure password")
		return
	}

	tx, err := h.db.Beginx()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to start registration")
		return
	}
	defer tx.Rollback()

	business := domain.Business{
		ID:           uuid.NewString(),
		Name:         req.BusinessName,
		BusinessType: req.BusinessType,
		Currency:     req.Currency,
	}
	if _, err := tx.Exec(`INSERT INTO businesses (id, name, business_type, currency) VALUES ($1, $2, $3, $4)`,
		business.ID, business.Name, business.BusinessType, business.Currency); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create business")
		return
	}

	owner := domain.User{
		ID:         uuid.NewString(),
		BusinessID: business.ID,
		Username:   req.Username,
		Email:      strings.ToLower(req.Email),
		Role:       domain.RoleOwner,
		Active:     true,
	}
	if _, err := tx.Exec(`INSERT INTO users (id, business_id, username, email, password, role, active)
        VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
		owner.ID, owner.BusinessID, owner.Username, owner.Email, hashed, owner.Role); err != nil {
		respondError(w, http.StatusConflict, "email already exists")
		return
	}

	if err := tx.Commit(); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to complete registration")
		return
	}

	token, err := h.generateUserToken(owner.ID, business.ID, owner.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate token")
		return
	}
	respondJSON(w, http.StatusCreated, authResponse{Token: token, User: owner, Business: &business})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var user domain.User
	err := h.db.Get(&user, `SELECT id, business_id, username, email, password, role, active
        FROM users WHERE email = $1`, strings.ToLower(req.Email))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !user.Active {
		respondError(w, http.StatusUnauthorized, "account disabled")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.generateUserToken(user.ID, user.BusinessID, user.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate token")
		return
	}
	user.Password = ""
	respondJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.NewPassword == "" {
		respondError(w, http.StatusBadRequest, "new_password is required")
		return
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(payload.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to secure password")
		return
	}
	if _, err := h.db.Exec(`UPDATE users SET password = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND business_id = $3`,
		hashed, userID(r), businessID(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update password")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}
