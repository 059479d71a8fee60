package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/audit"
	"github.com/dokanhq/dokansync/internal/oplog"
)

// registerDevice enrolls a client installation and returns its API key.
// The key is shown exactly once; only its hash is stored.
func (h *Handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	var req domain.RegisterDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Platform == "" {
		req.Platform = domain.PlatformDesktop
	}
	if !domain.ValidPlatform(req.Platform) {
		respondError(w, http.StatusBadRequest, "platform must be desktop, mobile or web")
		return
	}

	apiKey, err := newAPIKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate api key")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to secure api key")
		return
	}

	device := domain.Device{
		ID:         uuid.NewString(),
		BusinessID: businessID(r),
		ShopID:     req.ShopID,
		Name:       req.Name,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
		APIKeyHash: string(hash),
	}
	if _, err := h.db.Exec(`INSERT INTO devices (id, business_id, shop_id, name, platform, app_version, api_key_hash)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		device.ID, device.BusinessID, device.ShopID, device.Name, device.Platform,
		device.AppVersion, device.APIKeyHash); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to register device")
		return
	}

	_ = audit.Write(h.db, &domain.AuditLog{
		BusinessID: device.BusinessID,
		UserID:     userID(r),
		Entity:     "device",
		EntityID:   device.ID,
		Action:     "register",
	})

	device.APIKeyHash = ""
	respondJSON(w, http.StatusCreated, domain.RegisterDeviceResponse{Device: device, APIKey: apiKey})
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dsk_" + hex.EncodeToString(buf), nil
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	var devices []domain.Device
	err := h.db.Select(&devices, `SELECT id, business_id, shop_id, name, platform, app_version,
            last_seen_ms, last_acked_seq, revoked, created_at, updated_at
        FROM devices WHERE business_id = $1 ORDER BY created_at`, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to list devices")
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}
	id := chi.URLParam(r, "id")
	res, err := h.db.Exec(`UPDATE devices SET revoked = TRUE, updated_at = CURRENT_TIMESTAMP
        WHERE id = $1 AND business_id = $2`, id, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to revoke device")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondError(w, http.StatusNotFound, "device not found")
		return
	}
	_ = audit.Write(h.db, &domain.AuditLog{
		BusinessID: businessID(r),
		UserID:     userID(r),
		Entity:     "device",
		EntityID:   id,
		Action:     "revoke",
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// deviceToken is the handshake: API key in, short-lived device JWT out.
// Clients older than the configured minimum version get 426 and must
// upgrade before they may sync again.
func (h *Handler) deviceToken(w http.ResponseWriter, r *http.Request) {
	var req domain.DeviceTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID == "" || req.APIKey == "" {
		respondError(w, http.StatusBadRequest, "device_id and api_key are required")
		return
	}

	if h.cfg.MinAppVersion != "" {
		minVer, err := semver.NewVersion(h.cfg.MinAppVersion)
		if err == nil {
			ver, err := semver.NewVersion(req.AppVersion)
			if err != nil || ver.LessThan(minVer) {
				respondError(w, http.StatusUpgradeRequired, "app version "+h.cfg.MinAppVersion+" or newer required")
				return
			}
		}
	}

	var device domain.Device
	err := h.db.Get(&device, `SELECT id, business_id, shop_id, name, platform, app_version,
            api_key_hash, last_seen_ms, last_acked_seq, revoked, created_at, updated_at
        FROM devices WHERE id = $1`, req.DeviceID)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid device credentials")
		return
	}
	if device.Revoked {
		respondError(w, http.StatusUnauthorized, "device revoked")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(device.APIKeyHash), []byte(req.APIKey)) != nil {
		respondError(w, http.StatusUnauthorized, "invalid device credentials")
		return
	}

	token, expires, err := h.generateDeviceToken(&device)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate token")
		return
	}

	if _, err := h.db.Exec(`UPDATE devices SET app_version = $1, last_seen_ms = $2, updated_at = CURRENT_TIMESTAMP
        WHERE id = $3`, req.AppVersion, time.Now().UnixMilli(), device.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to record handshake")
		return
	}

	seq, err := oplog.LatestSeq(h.db, device.BusinessID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to read log position")
		return
	}
	respondJSON(w, http.StatusOK, domain.DeviceTokenResponse{
		Token:     token,
		ExpiresMs: expires.UnixMilli(),
		ServerSeq: seq,
	})
}

func (h *Handler) deviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	if _, err := h.db.Exec(`UPDATE devices SET last_seen_ms = $1 WHERE id = $2 AND business_id = $3`,
		time.Now().UnixMilli(), deviceID(r), businessID(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to record heartbeat")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
