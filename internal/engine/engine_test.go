package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/clock"
	"github.com/dokanhq/dokansync/internal/database"
	"github.com/dokanhq/dokansync/internal/migrations"
	"github.com/dokanhq/dokansync/internal/oplog"
	"github.com/dokanhq/dokansync/internal/version"
)

func newTestEngine(t *testing.T) (*Engine, *sqlx.DB) {
	t.Helper()
	db, err := database.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	migrations.RunServer(db)
	return New(db, clock.New(domain.ServerNodeID), nil, nil), db
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func deviceOp(t *testing.T, entity, entityID, action string, payload any, wallMs int64, node string, vec version.Vector) domain.Op {
	t.Helper()
	return domain.Op{
		OpID:     uuid.NewString(),
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Payload:  mustJSON(t, payload),
		HLC:      clock.Timestamp{WallMs: wallMs, Node: node}.Encode(),
		VClock:   vec.Encode(),
	}
}

func testProduct(name string, track bool) domain.Product {
	return domain.Product{
		SKU:        "SKU-" + name,
		Name:       name,
		UnitPrice:  decimal.NewFromInt(10),
		CostPrice:  decimal.NewFromInt(6),
		TaxRate:    decimal.NewFromInt(5),
		TrackStock: track,
		Active:     true,
	}
}

func getProduct(t *testing.T, db *sqlx.DB, businessID, id string) domain.Product {
	t.Helper()
	var p domain.Product
	err := db.Get(&p, `SELECT id, business_id, sku, name, unit_price, cost_price, tax_rate,
            track_stock, stock_qty, expiry_date, active, deleted, hlc, vclock, updated_by
        FROM products WHERE id = $1 AND business_id = $2`, id, businessID)
	require.NoError(t, err)
	return p
}

func TestUpsertNewProductApplies(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()

	op := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("Rice 5kg", true), 100, "dev-a", version.Vector{"dev-a": 1})
	resp, err := e.ApplyBatch(context.Background(), "biz-1", "dev-a", []domain.Op{op})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.PushStatusApplied, resp.Results[0].Status)
	assert.Equal(t, int64(1), resp.Results[0].ServerSeq)
	assert.Equal(t, int64(1), resp.ServerSeq)

	p := getProduct(t, db, "biz-1", pid)
	assert.Equal(t, "Rice 5kg", p.Name)
	assert.Equal(t, "dev-a", p.UpdatedBy)
	assert.False(t, p.Deleted)

	// Audit row written in the same transaction.
	var audits int64
	require.NoError(t, db.Get(&audits, `SELECT COUNT(*) FROM audit_log WHERE business_id = 'biz-1'`))
	assert.Equal(t, int64(1), audits)
}

func TestDuplicatePushIsIdempotent(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()

	batch := []domain.Op{
		deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
			testProduct("Milk 1L", true), 100, "dev-a", version.Vector{"dev-a": 1}),
	}
	first, err := e.ApplyBatch(context.Background(), "biz-1", "dev-a", batch)
	require.NoError(t, err)
	require.Equal(t, domain.PushStatusApplied, first.Results[0].Status)

	second, err := e.ApplyBatch(context.Background(), "biz-1", "dev-a", batch)
	require.NoError(t, err)
	require.Equal(t, domain.PushStatusDuplicate, second.Results[0].Status)
	assert.Equal(t, first.Results[0].ServerSeq, second.Results[0].ServerSeq)

	var n int64
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM oplog WHERE business_id = 'biz-1'`))
	assert.Equal(t, int64(1), n, "replayed batch must not grow the log")
}

func TestStaleReplayIsSuperseded(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()
	ctx := context.Background()

	v1 := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("Old name", true), 100, "dev-a", version.Vector{"dev-a": 1})
	v2 := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("New name", true), 200, "dev-a", version.Vector{"dev-a": 2})
	_, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{v1, v2})
	require.NoError(t, err)

	// The same v1 state replayed under a fresh op id is causally older
	// than the row and must not roll it back.
	replay := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("Old name", true), 100, "dev-a", version.Vector{"dev-a": 1})
	resp, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{replay})
	require.NoError(t, err)
	assert.Equal(t, domain.PushStatusSuperseded, resp.Results[0].Status)
	assert.Equal(t, "New name", getProduct(t, db, "biz-1", pid).Name)
}

func TestConcurrentUpsertsConvergeBothOrders(t *testing.T) {
	pid := uuid.NewString()
	mkOps := func(t *testing.T) (domain.Op, domain.Op) {
		a := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
			testProduct("From A", true), 100, "dev-a", version.Vector{"dev-a": 1})
		b := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
			testProduct("From B", true), 200, "dev-b", version.Vector{"dev-b": 1})
		return a, b
	}
	ctx := context.Background()

	// Order 1: A then B. B arrives concurrent and wins on HLC.
	e1, db1 := newTestEngine(t)
	a, b := mkOps(t)
	_, err := e1.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{a})
	require.NoError(t, err)
	resp, err := e1.ApplyBatch(ctx, "biz-1", "dev-b", []domain.Op{b})
	require.NoError(t, err)
	assert.Equal(t, domain.PushStatusConflict, resp.Results[0].Status)
	assert.Equal(t, domain.ConflictWinnerRemote, resp.Results[0].Winner)

	// Order 2: B then A. A arrives concurrent and loses on HLC; the
	// pusher gets the winning row back to adopt.
	e2, db2 := newTestEngine(t)
	a, b = mkOps(t)
	_, err = e2.ApplyBatch(ctx, "biz-1", "dev-b", []domain.Op{b})
	require.NoError(t, err)
	resp, err = e2.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{a})
	require.NoError(t, err)
	assert.Equal(t, domain.PushStatusConflict, resp.Results[0].Status)
	assert.Equal(t, domain.ConflictWinnerLocal, resp.Results[0].Winner)
	assert.NotEmpty(t, resp.Results[0].Resolution)

	p1 := getProduct(t, db1, "biz-1", pid)
	p2 := getProduct(t, db2, "biz-1", pid)
	assert.Equal(t, "From B", p1.Name)
	assert.Equal(t, p1.Name, p2.Name, "both arrival orders converge on the same winner")

	for _, db := range []*sqlx.DB{db1, db2} {
		var n int64
		require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM sync_conflicts WHERE business_id = 'biz-1'`))
		assert.Equal(t, int64(1), n)
	}

	// The merged vector dominates both writers, so either original
	// vector replayed later is stale.
	vec, err := version.Parse(p1.VClock)
	require.NoError(t, err)
	assert.Equal(t, version.After, vec.Compare(version.Vector{"dev-a": 1}))
	assert.Equal(t, version.After, vec.Compare(version.Vector{"dev-b": 1}))
}

func TestConcurrentDeleteVsUpsertConverges(t *testing.T) {
	pid := uuid.NewString()
	ctx := context.Background()

	run := func(t *testing.T, firstDelete bool) bool {
		e, db := newTestEngine(t)
		del := deviceOp(t, domain.EntityProduct, pid, domain.ActionDelete,
			map[string]string{}, 300, "dev-a", version.Vector{"dev-a": 1})
		ups := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
			testProduct("Kept", true), 200, "dev-b", version.Vector{"dev-b": 1})
		var ops []struct {
			dev string
			op  domain.Op
		}
		if firstDelete {
			ops = append(ops, struct {
				dev string
				op  domain.Op
			}{"dev-a", del}, struct {
				dev string
				op  domain.Op
			}{"dev-b", ups})
		} else {
			ops = append(ops, struct {
				dev string
				op  domain.Op
			}{"dev-b", ups}, struct {
				dev string
				op  domain.Op
			}{"dev-a", del})
		}
		for _, o := range ops {
			_, err := e.ApplyBatch(ctx, "biz-1", o.dev, []domain.Op{o.op})
			require.NoError(t, err)
		}
		return getProduct(t, db, "biz-1", pid).Deleted
	}

	// The delete carries the later clock, so it wins in both orders:
	// the tombstone participates in last-writer-wins like any write.
	assert.True(t, run(t, true))
	assert.True(t, run(t, false))
}

func TestAdjustmentsCommuteAndAllowNegative(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()
	ctx := context.Background()

	create := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("Flour", true), 100, "dev-a", version.Vector{"dev-a": 1})
	_, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{create})
	require.NoError(t, err)

	adjust := func(dev string, delta int64, reason string) domain.Op {
		return deviceOp(t, domain.EntityStock, pid, domain.ActionAdjust,
			domain.StockAdjustment{Delta: delta, Reason: reason}, 100, dev, nil)
	}
	_, err = e.ApplyBatch(ctx, "biz-1", "dev-b", []domain.Op{adjust("dev-b", 5, domain.StockReasonReceive)})
	require.NoError(t, err)
	_, err = e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{adjust("dev-a", -3, domain.StockReasonAdjust)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), getProduct(t, db, "biz-1", pid).StockQty)

	// An offline device can sell below zero; the count records reality.
	_, err = e.ApplyBatch(ctx, "biz-1", "dev-b", []domain.Op{adjust("dev-b", -10, domain.StockReasonAdjust)})
	require.NoError(t, err)
	assert.Equal(t, int64(-8), getProduct(t, db, "biz-1", pid).StockQty)

	var sum int64
	require.NoError(t, db.Get(&sum, `SELECT COALESCE(SUM(delta),0) FROM stock_movements WHERE product_id = $1`, pid))
	assert.Equal(t, int64(-8), sum, "stock equals the sum of movement deltas")
}

func TestSaleMovesStockAndVoidRestores(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()
	sid := uuid.NewString()
	ctx := context.Background()

	setup := []domain.Op{
		deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
			testProduct("Soap", true), 100, "dev-a", version.Vector{"dev-a": 1}),
		deviceOp(t, domain.EntityStock, pid, domain.ActionAdjust,
			domain.StockAdjustment{Delta: 10, Reason: domain.StockReasonReceive}, 110, "dev-a", nil),
	}
	_, err := e.ApplyBatch(ctx, "biz-1", "dev-a", setup)
	require.NoError(t, err)

	sale := domain.Sale{
		Status:        domain.SaleStatusCompleted,
		ReceiptNo:     "DEV-A-1",
		Subtotal:      decimal.NewFromInt(30),
		Total:         decimal.NewFromInt(30),
		Paid:          decimal.NewFromInt(30),
		PaymentMethod: "cash",
		Items: []domain.SaleItem{{
			ProductID: pid, ProductName: "Soap", Quantity: 3,
			UnitPrice: decimal.NewFromInt(10), Subtotal: decimal.NewFromInt(30),
		}},
	}
	saleOp := deviceOp(t, domain.EntitySale, sid, domain.ActionUpsert, sale, 120, "dev-a", version.Vector{"dev-a": 2})
	resp, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{saleOp})
	require.NoError(t, err)
	require.Equal(t, domain.PushStatusApplied, resp.Results[0].Status)
	assert.Equal(t, int64(7), getProduct(t, db, "biz-1", pid).StockQty)

	// Replaying the sale op must not sell the soap twice.
	resp, err = e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{saleOp})
	require.NoError(t, err)
	require.Equal(t, domain.PushStatusDuplicate, resp.Results[0].Status)
	assert.Equal(t, int64(7), getProduct(t, db, "biz-1", pid).StockQty)

	voided := sale
	voided.Status = domain.SaleStatusVoided
	voidOp := deviceOp(t, domain.EntitySale, sid, domain.ActionUpsert, voided, 130, "dev-a", version.Vector{"dev-a": 3})
	resp, err = e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{voidOp})
	require.NoError(t, err)
	require.Equal(t, domain.PushStatusApplied, resp.Results[0].Status)
	assert.Equal(t, int64(10), getProduct(t, db, "biz-1", pid).StockQty)

	var reasons []string
	require.NoError(t, db.Select(&reasons, `SELECT reason FROM stock_movements WHERE product_id = $1 ORDER BY occurred_at_ms`, pid))
	assert.Contains(t, reasons, domain.StockReasonSale)
	assert.Contains(t, reasons, domain.StockReasonVoid)
}

func TestForgedCrossTenantOpIsInert(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()
	ctx := context.Background()

	mine := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("Victim", true), 100, "dev-a", version.Vector{"dev-a": 1})
	_, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{mine})
	require.NoError(t, err)

	// A device of another tenant pushes an op naming the same entity
	// id. The engine resolves it within its own tenant, so the victim
	// row is untouched.
	forged := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("Attacker", true), 999, "dev-x", version.Vector{"dev-x": 1})
	_, err = e.ApplyBatch(ctx, "biz-2", "dev-x", []domain.Op{forged})
	require.NoError(t, err)

	assert.Equal(t, "Victim", getProduct(t, db, "biz-1", pid).Name)
	var n int64
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM products WHERE business_id = 'biz-2'`))
	assert.Equal(t, int64(0), n)
}

func TestSequencesAreMonotonicPerTenant(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		for _, biz := range []string{"biz-1", "biz-2"} {
			op := deviceOp(t, domain.EntityCustomer, uuid.NewString(), domain.ActionUpsert,
				domain.Customer{Name: "c"}, int64(100+i), "dev-a", version.Vector{"dev-a": int64(i + 1)})
			resp, err := e.ApplyBatch(ctx, biz, "dev-a", []domain.Op{op})
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), resp.Results[0].ServerSeq)
		}
	}
	for _, biz := range []string{"biz-1", "biz-2"} {
		var seqs []int64
		require.NoError(t, db.Select(&seqs, `SELECT server_seq FROM oplog WHERE business_id = $1 ORDER BY server_seq`, biz))
		assert.Equal(t, []int64{1, 2, 3}, seqs)
	}
}

func TestServerSubmitFastForwards(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()
	ctx := context.Background()

	dev := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("Device name", true), 100, "dev-a", version.Vector{"dev-a": 1})
	_, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{dev})
	require.NoError(t, err)

	res, err := e.Submit(ctx, "biz-1", "user-1", domain.EntityProduct, pid,
		domain.ActionUpsert, testProduct("Server name", true))
	require.NoError(t, err)
	assert.Equal(t, domain.PushStatusApplied, res.Status, "server writes derive from the row and never conflict")

	p := getProduct(t, db, "biz-1", pid)
	assert.Equal(t, "Server name", p.Name)
	assert.Equal(t, domain.ServerNodeID, p.UpdatedBy)

	vec, err := version.Parse(p.VClock)
	require.NoError(t, err)
	assert.Equal(t, int64(1), vec["dev-a"])
	assert.Equal(t, int64(1), vec[domain.ServerNodeID])
}

func TestPullExcludesOwnOpsExceptResolved(t *testing.T) {
	e, db := newTestEngine(t)
	pid := uuid.NewString()
	ctx := context.Background()

	// dev-a writes, then dev-b wins a concurrent conflict against a
	// second dev-a write.
	first := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("v1", true), 100, "dev-a", version.Vector{"dev-a": 1})
	_, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{first})
	require.NoError(t, err)

	winner := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("winner", true), 300, "dev-b", version.Vector{"dev-a": 1, "dev-b": 1})
	_, err = e.ApplyBatch(ctx, "biz-1", "dev-b", []domain.Op{winner})
	require.NoError(t, err)

	loser := deviceOp(t, domain.EntityProduct, pid, domain.ActionUpsert,
		testProduct("loser", true), 200, "dev-a", version.Vector{"dev-a": 2})
	resp, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{loser})
	require.NoError(t, err)
	require.Equal(t, domain.ConflictWinnerLocal, resp.Results[0].Winner)

	ops, err := oplog.ListAfter(db, "biz-1", 0, 100, "dev-a")
	require.NoError(t, err)
	var ids []string
	for _, op := range ops {
		ids = append(ids, op.OpID)
	}
	assert.NotContains(t, ids, first.OpID, "a device never gets its own applied writes back")
	assert.Contains(t, ids, winner.OpID)
	assert.Contains(t, ids, loser.OpID, "resolved ops echo back so the loser learns the resolution")
}

func TestRejectedOps(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   domain.Op
	}{
		{"unknown entity", domain.Op{OpID: uuid.NewString(), Entity: "invoice", EntityID: "x", Action: domain.ActionUpsert}},
		{"unknown action", domain.Op{OpID: uuid.NewString(), Entity: domain.EntityProduct, EntityID: "x", Action: "merge"}},
		{"missing entity id", domain.Op{OpID: uuid.NewString(), Entity: domain.EntityProduct, Action: domain.ActionUpsert}},
		{"missing op id", domain.Op{Entity: domain.EntityProduct, EntityID: "x", Action: domain.ActionUpsert}},
		{"sale delete", domain.Op{OpID: uuid.NewString(), Entity: domain.EntitySale, EntityID: "x", Action: domain.ActionDelete}},
		{"adjust on catalog entity", domain.Op{OpID: uuid.NewString(), Entity: domain.EntityProduct, EntityID: "x", Action: domain.ActionAdjust}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.ApplyBatch(ctx, "biz-1", "dev-a", []domain.Op{tt.op})
			require.NoError(t, err)
			assert.Equal(t, domain.PushStatusRejected, resp.Results[0].Status)
			assert.NotEmpty(t, resp.Results[0].Error)
		})
	}
}
