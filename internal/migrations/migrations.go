package migrations

import (
	"log"

	"github.com/jmoiron/sqlx"
)

// core is the replicated schema: tables present on both the server and
// every device agent. Synced tables use client-generated TEXT uuid keys,
// money as decimal strings and unix-millis BIGINT timestamps, and carry
// no foreign keys because ops can arrive out of order across devices.
var core = []string{
	`CREATE TABLE IF NOT EXISTS products (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        sku TEXT NOT NULL DEFAULT '',
        barcode TEXT NOT NULL DEFAULT '',
        category TEXT NOT NULL DEFAULT '',
        name TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        unit_price TEXT NOT NULL DEFAULT '0',
        cost_price TEXT NOT NULL DEFAULT '0',
        tax_rate TEXT NOT NULL DEFAULT '0',
        track_stock BOOLEAN NOT NULL DEFAULT TRUE,
        stock_qty BIGINT NOT NULL DEFAULT 0,
        expiry_date TEXT NOT NULL DEFAULT '',
        active BOOLEAN NOT NULL DEFAULT TRUE,
        deleted BOOLEAN NOT NULL DEFAULT FALSE,
        hlc TEXT NOT NULL DEFAULT '',
        vclock TEXT NOT NULL DEFAULT '{}',
        updated_by TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS customers (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        name TEXT NOT NULL,
        phone TEXT NOT NULL DEFAULT '',
        email TEXT NOT NULL DEFAULT '',
        tax_id TEXT NOT NULL DEFAULT '',
        loyalty_points BIGINT NOT NULL DEFAULT 0,
        deleted BOOLEAN NOT NULL DEFAULT FALSE,
        hlc TEXT NOT NULL DEFAULT '',
        vclock TEXT NOT NULL DEFAULT '{}',
        updated_by TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS suppliers (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        name TEXT NOT NULL,
        phone TEXT NOT NULL DEFAULT '',
        email TEXT NOT NULL DEFAULT '',
        address TEXT NOT NULL DEFAULT '',
        deleted BOOLEAN NOT NULL DEFAULT FALSE,
        hlc TEXT NOT NULL DEFAULT '',
        vclock TEXT NOT NULL DEFAULT '{}',
        updated_by TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS sales (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        shop_id TEXT NOT NULL DEFAULT '',
        device_id TEXT NOT NULL DEFAULT '',
        user_id TEXT NOT NULL DEFAULT '',
        customer_id TEXT NOT NULL DEFAULT '',
        receipt_no TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL DEFAULT 'completed',
        subtotal TEXT NOT NULL DEFAULT '0',
        discount TEXT NOT NULL DEFAULT '0',
        tax TEXT NOT NULL DEFAULT '0',
        total TEXT NOT NULL DEFAULT '0',
        paid TEXT NOT NULL DEFAULT '0',
        due TEXT NOT NULL DEFAULT '0',
        payment_method TEXT NOT NULL DEFAULT 'cash',
        sold_at_ms BIGINT NOT NULL DEFAULT 0,
        deleted BOOLEAN NOT NULL DEFAULT FALSE,
        hlc TEXT NOT NULL DEFAULT '',
        vclock TEXT NOT NULL DEFAULT '{}',
        updated_by TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS sale_items (
        id TEXT PRIMARY KEY,
        sale_id TEXT NOT NULL,
        product_id TEXT NOT NULL,
        product_name TEXT NOT NULL DEFAULT '',
        quantity BIGINT NOT NULL,
        unit_price TEXT NOT NULL DEFAULT '0',
        subtotal TEXT NOT NULL DEFAULT '0'
    );`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        product_id TEXT NOT NULL,
        shop_id TEXT NOT NULL DEFAULT '',
        device_id TEXT NOT NULL DEFAULT '',
        delta BIGINT NOT NULL,
        reason TEXT NOT NULL,
        ref_type TEXT NOT NULL DEFAULT '',
        ref_id TEXT NOT NULL DEFAULT '',
        note TEXT NOT NULL DEFAULT '',
        qty_after BIGINT NOT NULL DEFAULT 0,
        occurred_at_ms BIGINT NOT NULL DEFAULT 0
    );`,
	`CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items(sale_id);`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements(business_id, product_id);`,
}

// server is the server-only schema: tenancy, auth and the transaction
// log. The oplog sequence is per tenant, allocated from sync_sequences.
var server = []string{
	`CREATE TABLE IF NOT EXISTS businesses (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        business_type TEXT NOT NULL DEFAULT 'general',
        currency TEXT NOT NULL DEFAULT 'USD',
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS shops (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        name TEXT NOT NULL,
        address TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY(business_id) REFERENCES businesses(id)
    );`,
	`CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        username TEXT NOT NULL,
        email TEXT NOT NULL UNIQUE,
        password TEXT NOT NULL,
        role TEXT NOT NULL,
        active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY(business_id) REFERENCES businesses(id)
    );`,
	`CREATE TABLE IF NOT EXISTS devices (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        shop_id TEXT NOT NULL DEFAULT '',
        name TEXT NOT NULL,
        platform TEXT NOT NULL DEFAULT 'desktop',
        app_version TEXT NOT NULL DEFAULT '',
        api_key_hash TEXT NOT NULL,
        last_seen_ms BIGINT NOT NULL DEFAULT 0,
        last_acked_seq BIGINT NOT NULL DEFAULT 0,
        revoked BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY(business_id) REFERENCES businesses(id)
    );`,
	`CREATE TABLE IF NOT EXISTS oplog (
        business_id TEXT NOT NULL,
        server_seq BIGINT NOT NULL,
        op_id TEXT NOT NULL UNIQUE,
        device_id TEXT NOT NULL,
        entity TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        action TEXT NOT NULL,
        payload TEXT NOT NULL DEFAULT '',
        hlc TEXT NOT NULL DEFAULT '',
        vclock TEXT NOT NULL DEFAULT '{}',
        status TEXT NOT NULL DEFAULT 'applied',
        applied_ms BIGINT NOT NULL DEFAULT 0,
        PRIMARY KEY(business_id, server_seq)
    );`,
	`CREATE TABLE IF NOT EXISTS sync_sequences (
        business_id TEXT PRIMARY KEY,
        seq BIGINT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS archive_cursors (
        business_id TEXT PRIMARY KEY,
        seq BIGINT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS sync_conflicts (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        op_id TEXT NOT NULL,
        entity TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        winner TEXT NOT NULL,
        policy TEXT NOT NULL DEFAULT 'lww',
        loser_value TEXT NOT NULL DEFAULT '',
        resolved_ms BIGINT NOT NULL DEFAULT 0
    );`,
	`CREATE TABLE IF NOT EXISTS audit_log (
        id TEXT PRIMARY KEY,
        business_id TEXT NOT NULL,
        user_id TEXT NOT NULL DEFAULT '',
        device_id TEXT NOT NULL DEFAULT '',
        entity TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        action TEXT NOT NULL,
        old_value TEXT NOT NULL DEFAULT '',
        new_value TEXT NOT NULL DEFAULT '',
        archived BOOLEAN NOT NULL DEFAULT FALSE,
        created_ms BIGINT NOT NULL DEFAULT 0,
        FOREIGN KEY(business_id) REFERENCES businesses(id)
    );`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(business_id, created_ms);`,
}

// agent is the device-local schema on top of core: the durable outbox,
// the dedup ledger for pulled ops and a small key/value sync state.
// Agent databases are always sqlite.
var agent = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        op_id TEXT NOT NULL UNIQUE,
        entity TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        action TEXT NOT NULL,
        payload TEXT NOT NULL DEFAULT '',
        hlc TEXT NOT NULL DEFAULT '',
        vclock TEXT NOT NULL DEFAULT '{}',
        queued_ms BIGINT NOT NULL DEFAULT 0,
        attempts BIGINT NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS applied_ops (
        op_id TEXT PRIMARY KEY,
        applied_ms BIGINT NOT NULL DEFAULT 0
    );`,
	`CREATE TABLE IF NOT EXISTS sync_state (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL DEFAULT ''
    );`,
}

// RunServer creates the server schema.
func RunServer(db *sqlx.DB) {
	run(db, core)
	run(db, server)
}

// RunAgent creates the device-local schema.
func RunAgent(db *sqlx.DB) {
	run(db, core)
	run(db, agent)
}

func run(db *sqlx.DB, schema []string) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}
}
