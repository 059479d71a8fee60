// Package agent is the device-side replica: it applies writes to its
// local database immediately, queues them in a durable outbox, and
// drains the outbox against the server whenever connectivity allows.
// Pulled ops go through the same apply primitives the server uses, so
// every replica resolves concurrent writes to the same winner.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/clock"
	"github.com/dokanhq/dokansync/internal/config"
	"github.com/dokanhq/dokansync/internal/engine"
	"github.com/dokanhq/dokansync/internal/outbox"
	"github.com/dokanhq/dokansync/internal/version"
)

// ErrNotEnrolled means the local store has no device credentials yet.
var ErrNotEnrolled = errors.New("device not enrolled; run register first")

// Agent owns one device's local replica and its sync loop.
type Agent struct {
	store  *outbox.Store
	client *Client
	clock  *clock.Clock
	cfg    config.Sync

	deviceID   string
	businessID string
	shopID     string
	apiKey     string
}

// New loads a previously enrolled agent from the store. Use Enroll for
// first-time setup.
func New(store *outbox.Store, client *Client, cfg config.Sync) (*Agent, error) {
	a := &Agent{store: store, client: client, cfg: cfg}
	var err error
	if a.deviceID, err = store.State(outbox.StateDeviceID); err != nil {
		return nil, err
	}
	if a.deviceID == "" {
		return nil, ErrNotEnrolled
	}
	if a.businessID, err = store.State(outbox.StateBusinessID); err != nil {
		return nil, err
	}
	if a.shopID, err = store.State(outbox.StateShopID); err != nil {
		return nil, err
	}
	if a.apiKey, err = store.State(outbox.StateAPIKey); err != nil {
		return nil, err
	}
	if token, err := store.State(outbox.StateToken); err == nil && token != "" {
		client.SetToken(token)
	}
	a.clock = clock.New(a.deviceID)
	return a, nil
}

// Enroll registers this installation as a new device using a staff
// login and persists the credentials. The plaintext API key is only
// ever held here.
func Enroll(ctx context.Context, store *outbox.Store, client *Client, cfg config.Sync, email, password string, req domain.RegisterDeviceRequest) (*Agent, error) {
	resp, err := client.RegisterDevice(ctx, email, password, req)
	if err != nil {
		return nil, err
	}
	pairs := map[string]string{
		outbox.StateDeviceID:   resp.Device.ID,
		outbox.StateBusinessID: resp.Device.BusinessID,
		outbox.StateShopID:     resp.Device.ShopID,
		outbox.StateAPIKey:     resp.APIKey,
	}
	for k, v := range pairs {
		if err := store.SetState(k, v); err != nil {
			return nil, err
		}
	}
	return New(store, client, cfg)
}

func (a *Agent) DeviceID() string   { return a.deviceID }
func (a *Agent) BusinessID() string { return a.businessID }

// Local writes
//
// Each write applies to the local replica and lands in the outbox in
// one transaction, so a crash can never ship an op whose effect is
// missing locally, or lose a write that already happened.

// UpsertProduct writes a catalog row locally and queues it for sync.
func (a *Agent) UpsertProduct(p *domain.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.BusinessID = a.businessID
	return a.localWrite(domain.EntityProduct, p.ID, domain.ActionUpsert, p)
}

// UpsertCustomer writes a customer locally and queues it for sync.
func (a *Agent) UpsertCustomer(c *domain.Customer) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.BusinessID = a.businessID
	return a.localWrite(domain.EntityCustomer, c.ID, domain.ActionUpsert, c)
}

// UpsertSupplier writes a supplier locally and queues it for sync.
func (a *Agent) UpsertSupplier(s *domain.Supplier) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.BusinessID = a.businessID
	return a.localWrite(domain.EntitySupplier, s.ID, domain.ActionUpsert, s)
}

// Delete tombstones a product, customer or supplier.
func (a *Agent) Delete(entity, id string) error {
	if entity == domain.EntitySale || !domain.ValidOpEntity(entity) {
		return fmt.Errorf("cannot delete entity %q", entity)
	}
	return a.localWrite(entity, id, domain.ActionDelete, struct{}{})
}

// AdjustStock records a manual stock delta. Deltas commute across
// devices, so offline adjustments never conflict.
func (a *Agent) AdjustStock(productID string, delta int64, reason, note string) error {
	if !domain.ValidStockReason(reason) {
		return fmt.Errorf("unknown stock reason %q", reason)
	}
	adj := domain.StockAdjustment{
		MovementID:   uuid.NewString(),
		ShopID:       a.shopID,
		Delta:        delta,
		Reason:       reason,
		Note:         note,
		OccurredAtMs: time.Now().UnixMilli(),
	}
	return a.localWrite(domain.EntityStock, productID, domain.ActionAdjust, adj)
}

// RecordSale rings up a sale offline: totals are computed from the
// local catalog, the sale and its stock movements apply locally, and
// one sale op is queued. Stock movements are never queued separately;
// every replica derives them from the sale op itself.
func (a *Agent) RecordSale(sale *domain.Sale) error {
	if len(sale.Items) == 0 {
		return errors.New("sale has no items")
	}
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	sale.BusinessID = a.businessID
	sale.DeviceID = a.deviceID
	if sale.ShopID == "" {
		sale.ShopID = a.shopID
	}
	sale.Status = domain.SaleStatusCompleted
	if sale.SoldAtMs == 0 {
		sale.SoldAtMs = time.Now().UnixMilli()
	}

	taxRates := make([]decimal.Decimal, 0, len(sale.Items))
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.SaleID = sale.ID
		var p domain.Product
		err := a.store.DB().Get(&p, `SELECT name, unit_price, tax_rate FROM products
            WHERE id = $1 AND business_id = $2 AND deleted = FALSE`, item.ProductID, a.businessID)
		if err != nil {
			return fmt.Errorf("sale item product %s: %w", item.ProductID, err)
		}
		if item.ProductName == "" {
			item.ProductName = p.Name
		}
		if item.UnitPrice.IsZero() {
			item.UnitPrice = p.UnitPrice
		}
		item.Subtotal = item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity))
		taxRates = append(taxRates, p.TaxRate)
	}
	totals := domain.ComputeSaleTotals(sale.Items, taxRates, sale.Discount, sale.Paid)
	sale.Subtotal, sale.Tax, sale.Total, sale.Due = totals.Subtotal, totals.Tax, totals.Total, totals.Due

	if sale.ReceiptNo == "" {
		seq, err := a.store.NextReceiptSeq()
		if err != nil {
			return err
		}
		sale.ReceiptNo = fmt.Sprintf("%s-%d", shortID(a.deviceID), seq)
	}
	return a.localWrite(domain.EntitySale, sale.ID, domain.ActionUpsert, sale)
}

// VoidSale marks a local sale voided and queues the change; applying
// it restores the items' stock on every replica.
func (a *Agent) VoidSale(saleID string) error {
	tx, err := a.store.DB().Beginx()
	if err != nil {
		return fmt.Errorf("begin void: %w", err)
	}
	sale, err := loadLocalSale(tx, a.businessID, saleID)
	tx.Rollback()
	if err != nil {
		return err
	}
	if sale == nil {
		return fmt.Errorf("sale %s not found", saleID)
	}
	if sale.Status == domain.SaleStatusVoided {
		return fmt.Errorf("sale %s already voided", saleID)
	}
	sale.Status = domain.SaleStatusVoided
	return a.localWrite(domain.EntitySale, sale.ID, domain.ActionUpsert, sale)
}

// localWrite stamps an op with this device's clocks, applies it to the
// local replica and enqueues it, all in one transaction.
func (a *Agent) localWrite(entity, entityID, action string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	op := &domain.Op{
		OpID:       uuid.NewString(),
		BusinessID: a.businessID,
		DeviceID:   a.deviceID,
		Entity:     entity,
		EntityID:   entityID,
		Action:     action,
		Payload:    raw,
	}

	tx, err := a.store.DB().Beginx()
	if err != nil {
		return fmt.Errorf("begin local write: %w", err)
	}
	defer tx.Rollback()

	row, err := engine.LoadRow(tx, entity, a.businessID, entityID)
	if err != nil {
		return err
	}
	current, err := version.Parse(row.VClock)
	if err != nil {
		return fmt.Errorf("row vclock: %w", err)
	}
	op.HLC = a.clock.Now().Encode()
	op.VClock = current.Increment(a.deviceID).Encode()

	if action == domain.ActionAdjust {
		err = engine.ApplyAdjust(tx, op)
	} else {
		err = engine.ApplyWrite(tx, op, row)
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO outbox (op_id, entity, entity_id, action, payload, hlc, vclock, queued_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		op.OpID, op.Entity, op.EntityID, op.Action, string(op.Payload), op.HLC, op.VClock,
		time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("enqueue op: %w", err)
	}
	return tx.Commit()
}

// Sync loop

// SyncOnce runs one full cycle: drain the outbox, pull the log to its
// head, checkpoint. Safe to call repeatedly; every step is idempotent.
func (a *Agent) SyncOnce(ctx context.Context) error {
	if err := a.ensureToken(ctx); err != nil {
		return err
	}
	if err := a.pushPending(ctx); err != nil {
		return err
	}
	cursor, err := a.pullAll(ctx)
	if err != nil {
		return err
	}
	if err := a.client.Checkpoint(ctx, cursor); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func (a *Agent) pushPending(ctx context.Context) error {
	for {
		ops, err := a.store.Pending(a.cfg.PushBatchSize)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		resp, err := a.push(ctx, ops)
		if err != nil {
			ids := make([]string, len(ops))
			for i := range ops {
				ids[i] = ops[i].OpID
			}
			if ferr := a.store.RecordFailure(ids, err.Error()); ferr != nil {
				return ferr
			}
			return fmt.Errorf("push: %w", err)
		}
		if err := a.handlePushResults(ops, resp.Results); err != nil {
			return err
		}
		if len(ops) < a.cfg.PushBatchSize {
			return nil
		}
	}
}

// handlePushResults settles each pushed op: acked ops leave the queue,
// lost conflicts adopt the server's winning state, rejected ops are
// dropped rather than left to wedge the queue.
func (a *Agent) handlePushResults(pushed []domain.Op, results []domain.PushResult) error {
	entities := make(map[string]string, len(pushed))
	for _, op := range pushed {
		entities[op.OpID] = op.Entity
	}
	done := make([]string, 0, len(results))
	for _, res := range results {
		switch res.Status {
		case domain.PushStatusApplied, domain.PushStatusDuplicate, domain.PushStatusSuperseded:
			done = append(done, res.OpID)
		case domain.PushStatusConflict:
			done = append(done, res.OpID)
			if len(res.Resolution) > 0 {
				if err := a.adoptResolution(entities[res.OpID], res.Resolution); err != nil {
					return err
				}
			}
		case domain.PushStatusRejected:
			log.Printf("op %s rejected by server: %s", res.OpID, res.Error)
			done = append(done, res.OpID)
		default:
			return fmt.Errorf("push result %s: unknown status %q", res.OpID, res.Status)
		}
	}
	return a.store.MarkSent(done)
}

// adoptResolution overwrites the local row with the winning state a
// lost conflict returned. The entity comes from the losing op we
// pushed; the snapshot itself is a bare row and does not carry one.
// The winner's own op also arrives in the pull stream; taking the
// resolution now just closes the window where a receipt could print
// stale data.
func (a *Agent) adoptResolution(entity string, winning json.RawMessage) error {
	if entity == "" {
		return errors.New("conflict result for an op this batch never pushed")
	}
	var meta struct {
		ID     string `json:"id"`
		HLC    string `json:"hlc"`
		VClock string `json:"vclock"`
	}
	if err := json.Unmarshal(winning, &meta); err != nil {
		return fmt.Errorf("decode resolution: %w", err)
	}
	op := &domain.Op{
		OpID:       uuid.NewString(),
		BusinessID: a.businessID,
		DeviceID:   a.deviceID,
		Entity:     entity,
		EntityID:   meta.ID,
		Action:     domain.ActionUpsert,
		Payload:    winning,
		HLC:        meta.HLC,
		VClock:     meta.VClock,
	}
	tx, err := a.store.DB().Beginx()
	if err != nil {
		return fmt.Errorf("begin adopt: %w", err)
	}
	defer tx.Rollback()
	row, err := engine.LoadRow(tx, entity, a.businessID, meta.ID)
	if err != nil {
		return err
	}
	if err := engine.ApplyWrite(tx, op, row); err != nil {
		return err
	}
	return tx.Commit()
}

// pullAll drains the server log from the local cursor to its head and
// returns the final cursor.
func (a *Agent) pullAll(ctx context.Context) (int64, error) {
	cursor, err := a.store.Cursor()
	if err != nil {
		return 0, err
	}
	for {
		resp, err := a.pull(ctx, cursor)
		if err != nil {
			return 0, fmt.Errorf("pull: %w", err)
		}
		for i := range resp.Ops {
			op := &resp.Ops[i]
			if err := a.applyRemote(op); err != nil {
				return 0, fmt.Errorf("apply op %s: %w", op.OpID, err)
			}
			cursor = op.ServerSeq
		}
		if resp.Next > cursor {
			cursor = resp.Next
		}
		if err := a.store.SetCursor(cursor); err != nil {
			return 0, err
		}
		if !resp.More {
			return cursor, nil
		}
	}
}

// applyRemote applies one pulled op to the local replica with the same
// resolution the server ran: fast-forward applies, stale skips, and
// concurrent pairs break by the total clock order.
func (a *Agent) applyRemote(op *domain.Op) error {
	if ts, err := clock.Parse(op.HLC); err == nil {
		a.clock.Observe(ts)
	}
	seen, err := a.store.SeenApplied(op.OpID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}
	op.BusinessID = a.businessID

	tx, err := a.store.DB().Beginx()
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	switch op.Action {
	case domain.ActionAdjust:
		// Deltas always apply; order does not matter.
		if err := engine.ApplyAdjust(tx, op); err != nil {
			return err
		}
	default:
		if err := a.resolveRemote(tx, op); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO applied_ops (op_id, applied_ms) VALUES ($1, $2)
        ON CONFLICT (op_id) DO NOTHING`, op.OpID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return tx.Commit()
}

func (a *Agent) resolveRemote(tx *sqlx.Tx, op *domain.Op) error {
	row, err := engine.LoadRow(tx, op.Entity, op.BusinessID, op.EntityID)
	if err != nil {
		return err
	}
	if !row.Exists {
		return engine.ApplyWrite(tx, op, row)
	}
	current, err := version.Parse(row.VClock)
	if err != nil {
		return fmt.Errorf("row vclock: %w", err)
	}
	incoming, err := version.Parse(op.VClock)
	if err != nil {
		return fmt.Errorf("op vclock: %w", err)
	}
	merged := version.Merge(current, incoming)

	switch incoming.Compare(current) {
	case version.After:
		op.VClock = merged.Encode()
		return engine.ApplyWrite(tx, op, row)
	case version.Before, version.Equal:
		// Our replica already reflects this write or a later one.
		return nil
	}
	win, err := engine.IncomingWinsLWW(op.HLC, row.HLC)
	if err != nil {
		return err
	}
	if win {
		op.VClock = merged.Encode()
		return engine.ApplyWrite(tx, op, row)
	}
	return engine.BumpRowVClock(tx, op.Entity, op.BusinessID, op.EntityID, merged.Encode())
}

// Run keeps the replica in sync until the context ends: a cycle on
// every wakeup, long-polling the server for changes between cycles and
// backing off while it is unreachable.
func (a *Agent) Run(ctx context.Context) error {
	retry := newBackoff(a.cfg)
	for {
		err := a.SyncOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, ErrUpgradeRequired) {
				return err
			}
			delay := retry.Delay()
			log.Printf("sync failed, retrying in %s: %v", delay.Round(time.Millisecond), err)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		retry.Reset()

		cursor, cerr := a.store.Cursor()
		if cerr != nil {
			return cerr
		}
		pending, perr := a.store.PendingCount()
		if perr != nil {
			return perr
		}
		if pending > 0 {
			continue
		}
		if _, err := a.client.Wait(ctx, cursor, a.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sleep(ctx, retry.Delay()) {
				return ctx.Err()
			}
		}
	}
}

// Status summarizes local and server sync state for the CLI.
type Status struct {
	DeviceID   string `json:"device_id"`
	Cursor     int64  `json:"cursor"`
	Pending    int64  `json:"pending"`
	ServerSeq  int64  `json:"server_seq,omitempty"`
	Conflicts  int64  `json:"conflicts,omitempty"`
	ServerDown bool   `json:"server_down,omitempty"`
}

// Status reports queue depth and cursor, plus the server's view when it
// is reachable.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	cursor, err := a.store.Cursor()
	if err != nil {
		return nil, err
	}
	pending, err := a.store.PendingCount()
	if err != nil {
		return nil, err
	}
	st := &Status{DeviceID: a.deviceID, Cursor: cursor, Pending: pending}
	if err := a.ensureToken(ctx); err != nil {
		st.ServerDown = true
		return st, nil
	}
	remote, err := a.client.Status(ctx)
	if err != nil {
		st.ServerDown = true
		return st, nil
	}
	st.ServerSeq = remote.ServerSeq
	st.Conflicts = remote.OpenConflict
	return st, nil
}

// Token management

func (a *Agent) ensureToken(ctx context.Context) error {
	if a.client.Token() != "" {
		return nil
	}
	return a.handshake(ctx)
}

func (a *Agent) handshake(ctx context.Context) error {
	if a.apiKey == "" {
		return ErrNotEnrolled
	}
	if _, err := a.client.Handshake(ctx, a.deviceID, a.apiKey); err != nil {
		return fmt.Errorf("device handshake: %w", err)
	}
	return a.store.SetState(outbox.StateToken, a.client.Token())
}

// push and pull retry once through a fresh handshake when the token
// has expired mid-cycle.
func (a *Agent) push(ctx context.Context, ops []domain.Op) (*domain.PushResponse, error) {
	resp, err := a.client.Push(ctx, ops)
	if errors.Is(err, ErrUnauthorized) {
		if err := a.handshake(ctx); err != nil {
			return nil, err
		}
		resp, err = a.client.Push(ctx, ops)
	}
	return resp, err
}

func (a *Agent) pull(ctx context.Context, after int64) (*domain.PullResponse, error) {
	resp, err := a.client.Pull(ctx, after, a.cfg.PullBatchSize)
	if errors.Is(err, ErrUnauthorized) {
		if err := a.handshake(ctx); err != nil {
			return nil, err
		}
		resp, err = a.client.Pull(ctx, after, a.cfg.PullBatchSize)
	}
	return resp, err
}

func loadLocalSale(tx *sqlx.Tx, businessID, id string) (*domain.Sale, error) {
	row, err := engine.LoadRow(tx, domain.EntitySale, businessID, id)
	if err != nil {
		return nil, err
	}
	if !row.Exists {
		return nil, nil
	}
	var sale domain.Sale
	if err := json.Unmarshal([]byte(row.JSON), &sale); err != nil {
		return nil, fmt.Errorf("decode sale: %w", err)
	}
	return &sale, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
