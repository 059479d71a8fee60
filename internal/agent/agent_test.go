package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/api"
	"github.com/dokanhq/dokansync/internal/clock"
	"github.com/dokanhq/dokansync/internal/config"
	"github.com/dokanhq/dokansync/internal/database"
	"github.com/dokanhq/dokansync/internal/engine"
	"github.com/dokanhq/dokansync/internal/migrations"
	"github.com/dokanhq/dokansync/internal/notify"
	"github.com/dokanhq/dokansync/internal/outbox"
)

var testSyncCfg = config.Sync{
	PushBatchSize: 50,
	PullBatchSize: 50,
	PollInterval:  time.Second,
	BackoffBase:   10 * time.Millisecond,
	BackoffMax:    50 * time.Millisecond,
	BackoffFactor: 2,
}

// newSyncServer boots a full server over sqlite and registers a tenant,
// returning the base URL and the owner credentials.
func newSyncServer(t *testing.T) (*httptest.Server, *sqlx.DB, string, string) {
	t.Helper()
	db, err := database.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	migrations.RunServer(db)

	hub := notify.NewHub()
	eng := engine.New(db, clock.New(domain.ServerNodeID), nil, hub)
	handler := api.New(db, eng, hub, config.Server{
		Secret:         "test_secret",
		UserTokenTTL:   time.Hour,
		DeviceTokenTTL: time.Hour,
	})
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)

	email, password := "owner@corner.shop", "hunter2secret"
	body, _ := json.Marshal(map[string]string{
		"business_name": "Corner Shop",
		"business_type": domain.BusinessTypeGrocery,
		"username":      "owner",
		"email":         email,
		"password":      password,
	})
	resp, err := http.Post(srv.URL+"/api/v1/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	return srv, db, email, password
}

func newTestAgent(t *testing.T, srv *httptest.Server, email, password, name string) *Agent {
	t.Helper()
	store, err := outbox.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := NewClient(srv.URL, "1.0.0")
	a, err := Enroll(context.Background(), store, client, testSyncCfg, email, password,
		domain.RegisterDeviceRequest{Name: name, Platform: domain.PlatformDesktop, AppVersion: "1.0.0"})
	require.NoError(t, err)
	return a
}

func localProduct(t *testing.T, a *Agent, id string) domain.Product {
	t.Helper()
	var p domain.Product
	err := a.store.DB().Get(&p, `SELECT id, business_id, sku, name, unit_price, cost_price, tax_rate,
            track_stock, stock_qty, active, deleted, hlc, vclock, updated_by
        FROM products WHERE id = $1 AND business_id = $2`, id, a.businessID)
	require.NoError(t, err)
	return p
}

func TestWritesQueueOfflineAndDrainOnSync(t *testing.T) {
	srv, _, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	ctx := context.Background()

	p := domain.Product{SKU: "RICE-5", Name: "Rice 5kg", UnitPrice: decimal.NewFromInt(12), TrackStock: true, Active: true}
	require.NoError(t, a.UpsertProduct(&p))
	require.NoError(t, a.AdjustStock(p.ID, 20, domain.StockReasonReceive, "opening stock"))

	// Both writes are visible locally before any network traffic.
	local := localProduct(t, a, p.ID)
	assert.Equal(t, "Rice 5kg", local.Name)
	assert.Equal(t, int64(20), local.StockQty)
	pending, err := a.store.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	require.NoError(t, a.SyncOnce(ctx))

	pending, err = a.store.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, pending)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.ServerDown)
	assert.Equal(t, st.ServerSeq, st.Cursor)
}

func TestTwoDevicesConverge(t *testing.T) {
	srv, _, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	b := newTestAgent(t, srv, email, password, "till-2")
	ctx := context.Background()

	p := domain.Product{SKU: "MILK-1", Name: "Milk 1L", UnitPrice: decimal.NewFromInt(3), TrackStock: true, Active: true}
	require.NoError(t, a.UpsertProduct(&p))
	require.NoError(t, a.SyncOnce(ctx))
	require.NoError(t, b.SyncOnce(ctx))

	got := localProduct(t, b, p.ID)
	assert.Equal(t, "Milk 1L", got.Name)

	// Stock received on B propagates back to A.
	require.NoError(t, b.AdjustStock(p.ID, 12, domain.StockReasonReceive, ""))
	require.NoError(t, b.SyncOnce(ctx))
	require.NoError(t, a.SyncOnce(ctx))

	assert.Equal(t, int64(12), localProduct(t, a, p.ID).StockQty)
	assert.Equal(t, int64(12), localProduct(t, b, p.ID).StockQty)
}

func TestConcurrentEditsResolveToSameWinnerEverywhere(t *testing.T) {
	srv, db, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	b := newTestAgent(t, srv, email, password, "till-2")
	ctx := context.Background()

	p := domain.Product{SKU: "TEA-100", Name: "Tea", UnitPrice: decimal.NewFromInt(5), Active: true}
	require.NoError(t, a.UpsertProduct(&p))
	require.NoError(t, a.SyncOnce(ctx))
	require.NoError(t, b.SyncOnce(ctx))

	// Both devices edit the same row while offline. B writes last, so
	// its clock is later and last-writer-wins picks it on every replica.
	edited := localProduct(t, a, p.ID)
	edited.Name = "Tea (loose)"
	require.NoError(t, a.UpsertProduct(&edited))
	time.Sleep(5 * time.Millisecond)
	edited = localProduct(t, b, p.ID)
	edited.Name = "Tea (bags)"
	require.NoError(t, b.UpsertProduct(&edited))

	require.NoError(t, a.SyncOnce(ctx))
	require.NoError(t, b.SyncOnce(ctx))
	require.NoError(t, a.SyncOnce(ctx))

	var serverName string
	require.NoError(t, db.Get(&serverName, `SELECT name FROM products WHERE id = $1`, p.ID))
	assert.Equal(t, "Tea (bags)", serverName)
	assert.Equal(t, "Tea (bags)", localProduct(t, a, p.ID).Name)
	assert.Equal(t, "Tea (bags)", localProduct(t, b, p.ID).Name)

	// The losing device was told about the conflict.
	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Conflicts)
}

func TestOfflineSaleMovesStockOnEveryReplica(t *testing.T) {
	srv, db, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	b := newTestAgent(t, srv, email, password, "till-2")
	ctx := context.Background()

	p := domain.Product{SKU: "EGG-12", Name: "Eggs dozen", UnitPrice: decimal.NewFromInt(4), TrackStock: true, Active: true}
	require.NoError(t, a.UpsertProduct(&p))
	require.NoError(t, a.AdjustStock(p.ID, 10, domain.StockReasonReceive, ""))
	require.NoError(t, a.SyncOnce(ctx))
	require.NoError(t, b.SyncOnce(ctx))

	sale := &domain.Sale{
		Items: []domain.SaleItem{{ProductID: p.ID, Quantity: 3}},
		Paid:  decimal.NewFromInt(12),
	}
	require.NoError(t, b.RecordSale(sale))
	assert.NotEmpty(t, sale.ReceiptNo)
	assert.Equal(t, "12", sale.Total.String())
	assert.Equal(t, int64(7), localProduct(t, b, p.ID).StockQty)

	require.NoError(t, b.SyncOnce(ctx))
	require.NoError(t, a.SyncOnce(ctx))

	// The sale travelled as one op; movements were derived per replica.
	assert.Equal(t, int64(7), localProduct(t, a, p.ID).StockQty)
	var serverQty int64
	require.NoError(t, db.Get(&serverQty, `SELECT stock_qty FROM products WHERE id = $1`, p.ID))
	assert.Equal(t, int64(7), serverQty)

	var movements int64
	require.NoError(t, db.Get(&movements, `SELECT COUNT(*) FROM stock_movements WHERE ref_id = $1`, sale.ID))
	assert.Equal(t, int64(1), movements)

	// Voiding on A restores the stock everywhere.
	require.NoError(t, a.VoidSale(sale.ID))
	assert.Equal(t, int64(10), localProduct(t, a, p.ID).StockQty)
	require.NoError(t, a.SyncOnce(ctx))
	require.NoError(t, b.SyncOnce(ctx))
	assert.Equal(t, int64(10), localProduct(t, b, p.ID).StockQty)
	require.NoError(t, db.Get(&serverQty, `SELECT stock_qty FROM products WHERE id = $1`, p.ID))
	assert.Equal(t, int64(10), serverQty)
}

func TestSyncIsIdempotentAcrossRepeats(t *testing.T) {
	srv, db, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	ctx := context.Background()

	p := domain.Product{SKU: "OIL-1", Name: "Oil 1L", UnitPrice: decimal.NewFromInt(8), TrackStock: true, Active: true}
	require.NoError(t, a.UpsertProduct(&p))
	require.NoError(t, a.AdjustStock(p.ID, 5, domain.StockReasonReceive, ""))

	for i := 0; i < 3; i++ {
		require.NoError(t, a.SyncOnce(ctx))
	}

	var qty int64
	require.NoError(t, db.Get(&qty, `SELECT stock_qty FROM products WHERE id = $1`, p.ID))
	assert.Equal(t, int64(5), qty)
	var ops int64
	require.NoError(t, db.Get(&ops, `SELECT COUNT(*) FROM oplog WHERE entity_id = $1`, p.ID))
	assert.Equal(t, int64(2), ops)
}

func TestDeleteTombstonePropagates(t *testing.T) {
	srv, _, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	b := newTestAgent(t, srv, email, password, "till-2")
	ctx := context.Background()

	c := domain.Customer{Name: "Walk-in"}
	require.NoError(t, a.UpsertCustomer(&c))
	require.NoError(t, a.SyncOnce(ctx))
	require.NoError(t, b.SyncOnce(ctx))

	require.NoError(t, b.Delete(domain.EntityCustomer, c.ID))
	require.NoError(t, b.SyncOnce(ctx))
	require.NoError(t, a.SyncOnce(ctx))

	var deleted bool
	err := a.store.DB().Get(&deleted, `SELECT deleted FROM customers WHERE id = $1`, c.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestHandshakeFailsClosedForRevokedDevice(t *testing.T) {
	srv, db, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	ctx := context.Background()
	require.NoError(t, a.SyncOnce(ctx))

	_, err := db.Exec(`UPDATE devices SET revoked = TRUE WHERE id = $1`, a.DeviceID())
	require.NoError(t, err)

	require.NoError(t, a.UpsertProduct(&domain.Product{SKU: "X", Name: "X", Active: true}))
	// Old token is rejected and the re-handshake is refused too.
	err = a.SyncOnce(ctx)
	require.Error(t, err)

	pending, perr := a.store.PendingCount()
	require.NoError(t, perr)
	assert.Equal(t, int64(1), pending, "queued write must survive the refused sync")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv, _, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := a.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// A lost supplier conflict must adopt the winning snapshot even when
// optional fields like address are absent from it: the entity comes
// from the op we pushed, not from the snapshot's shape.
func TestSupplierConflictResolutionAdoptsWinner(t *testing.T) {
	srv, db, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")
	b := newTestAgent(t, srv, email, password, "till-2")
	ctx := context.Background()

	s := domain.Supplier{Name: "Acme", Phone: "01711"}
	require.NoError(t, a.UpsertSupplier(&s))
	require.NoError(t, a.SyncOnce(ctx))
	require.NoError(t, b.SyncOnce(ctx))

	// Both devices rename the supplier while offline. B writes last,
	// so its clock is later and last-writer-wins picks it.
	lost := s
	lost.Name = "Acme Traders"
	require.NoError(t, a.UpsertSupplier(&lost))
	time.Sleep(5 * time.Millisecond)
	won := s
	won.Name = "Acme Wholesale"
	require.NoError(t, b.UpsertSupplier(&won))

	require.NoError(t, b.SyncOnce(ctx))
	// A pushes the losing edit and adopts the returned resolution.
	require.NoError(t, a.SyncOnce(ctx))

	var serverName string
	require.NoError(t, db.Get(&serverName, `SELECT name FROM suppliers WHERE id = $1`, s.ID))
	assert.Equal(t, "Acme Wholesale", serverName)
	var localName string
	require.NoError(t, a.store.DB().Get(&localName, `SELECT name FROM suppliers WHERE id = $1`, s.ID))
	assert.Equal(t, "Acme Wholesale", localName)
}

func TestConflictResultForUnknownOpFails(t *testing.T) {
	srv, _, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")

	err := a.handlePushResults(nil, []domain.PushResult{{
		OpID:       "never-pushed",
		Status:     domain.PushStatusConflict,
		Resolution: json.RawMessage(`{"id":"s1","name":"Acme"}`),
	}})
	assert.Error(t, err)
}

func TestItemPricingFollowsLocalCatalog(t *testing.T) {
	srv, _, email, password := newSyncServer(t)
	a := newTestAgent(t, srv, email, password, "till-1")

	p := domain.Product{SKU: "JAM-1", Name: "Jam", UnitPrice: decimal.RequireFromString("2.50"),
		TaxRate: decimal.NewFromInt(10), Active: true}
	require.NoError(t, a.UpsertProduct(&p))

	sale := &domain.Sale{
		Items: []domain.SaleItem{{ProductID: p.ID, Quantity: 2}},
		Paid:  decimal.NewFromInt(10),
	}
	require.NoError(t, a.RecordSale(sale))
	assert.Equal(t, "Jam", sale.Items[0].ProductName)
	assert.Equal(t, "5", sale.Subtotal.String())
	assert.Equal(t, "0.5", sale.Tax.String())
	assert.Equal(t, "5.5", sale.Total.String())
	assert.Equal(t, fmt.Sprintf("%s-1", a.DeviceID()[:8]), sale.ReceiptNo)
}
