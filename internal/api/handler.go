package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"

	"github.com/dokanhq/dokansync/internal/config"
	"github.com/dokanhq/dokansync/internal/engine"
	"github.com/dokanhq/dokansync/internal/notify"
)

// Handler bundles dependencies for HTTP handlers. All writes to
// replicated entities go through the engine so the API and the sync
// path share one write pipeline.
type Handler struct {
	db     *sqlx.DB
	engine *engine.Engine
	hub    *notify.Hub
	cfg    config.Server
}

// New constructs a Handler.
func New(db *sqlx.DB, eng *engine.Engine, hub *notify.Hub, cfg config.Server) *Handler {
	return &Handler{db: db, engine: eng, hub: hub, cfg: cfg}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.register)
			r.Post("/login", h.login)
			r.Group(func(protected chi.Router) {
				protected.Use(h.userAuth)
				protected.Post("/reset-password", h.resetPassword)
			})
		})

		// Device credential exchange authenticates by API key, not JWT.
		r.Post("/devices/token", h.deviceToken)

		r.Group(func(staff chi.Router) {
			staff.Use(h.userAuth)

			staff.Route("/business", func(r chi.Router) {
				r.Get("/", h.getBusiness)
				r.Put("/", h.updateBusiness)
			})

			staff.Route("/shops", func(r chi.Router) {
				r.Get("/", h.listShops)
				r.Post("/", h.createShop)
				r.Put("/{id}", h.updateShop)
			})

			staff.Route("/users", func(r chi.Router) {
				r.Get("/", h.listUsers)
				r.Post("/", h.createUser)
				r.Put("/{id}", h.updateUser)
			})

			staff.Route("/devices", func(r chi.Router) {
				r.Get("/", h.listDevices)
				r.Post("/", h.registerDevice)
				r.Post("/{id}/revoke", h.revokeDevice)
			})

			staff.Route("/products", func(r chi.Router) {
				r.Get("/", h.listProducts)
				r.Post("/", h.createProduct)
				r.Put("/{id}", h.updateProduct)
				r.Delete("/{id}", h.deleteProduct)
				r.Post("/{id}/stock", h.adjustStock)
			})

			staff.Route("/customers", func(r chi.Router) {
				r.Get("/", h.listCustomers)
				r.Post("/", h.createCustomer)
				r.Put("/{id}", h.updateCustomer)
				r.Delete("/{id}", h.deleteCustomer)
			})

			staff.Route("/suppliers", func(r chi.Router) {
				r.Get("/", h.listSuppliers)
				r.Post("/", h.createSupplier)
				r.Put("/{id}", h.updateSupplier)
				r.Delete("/{id}", h.deleteSupplier)
			})

			staff.Route("/sales", func(r chi.Router) {
				r.Post("/", h.createSale)
				r.Get("/", h.listSales)
				r.Get("/{id}", h.getSale)
				r.Post("/{id}/void", h.voidSale)
			})

			staff.Route("/reports", func(r chi.Router) {
				r.Get("/sales/daily", h.dailySales)
				r.Get("/sales/monthly", h.monthlySales)
				r.Get("/sales", h.salesReport)
			})

			staff.Get("/audit", h.listAudit)
			staff.Get("/conflicts", h.listConflicts)
		})

		r.Group(func(device chi.Router) {
			device.Use(h.deviceAuth)
			device.Post("/devices/heartbeat", h.deviceHeartbeat)
			device.Route("/sync", func(r chi.Router) {
				r.Post("/push", h.syncPush)
				r.Get("/pull", h.syncPull)
				r.Post("/checkpoint", h.syncCheckpoint)
				r.Get("/status", h.syncStatus)
				r.Get("/wait", h.syncWait)
			})
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers

func decodeJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// queryInt parses a positive integer query parameter, falling back to
// def when absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
