// Command agent is the point-of-sale device client: an offline-first
// replica that records sales and stock changes locally and syncs them
// with the central server in the background.
//
// Usage:
//
//	agent register -email ... -password ... -name ... [-shop ...]
//	agent run
//	agent sync
//	agent status
//	agent sell -item product:qty [-item ...] [-paid N] [-discount N]
//	agent void -sale SALE_ID
//	agent stock -product ID -delta N -reason receive|recount|adjust
//	agent products [-q term]
//	agent product -sku ... -name ... -price N [...]
//	agent customer -name ... [-phone ...]
//	agent supplier -name ... [-phone ...]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/agent"
	"github.com/dokanhq/dokansync/internal/config"
	"github.com/dokanhq/dokansync/internal/outbox"
)

const appVersion = "1.4.0"

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg := config.LoadAgent()
	store, err := outbox.Open(filepath.Join(cfg.DataDir, "agent.db"))
	if err != nil {
		log.Fatalf("open local store: %v", err)
	}
	defer store.Close()
	client := agent.NewClient(cfg.ServerURL, appVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd == "register" {
		register(ctx, store, client, cfg.Sync, args)
		return
	}

	a, err := agent.New(store, client, cfg.Sync)
	if err != nil {
		log.Fatalf("%v", err)
	}

	switch cmd {
	case "run":
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("sync loop: %v", err)
		}
	case "sync":
		if err := a.SyncOnce(ctx); err != nil {
			log.Fatalf("sync: %v", err)
		}
		st, err := a.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		fmt.Printf("synced to seq %d, %d ops pending\n", st.Cursor, st.Pending)
	case "status":
		st, err := a.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		printJSON(st)
	case "sell":
		sell(a, args)
	case "void":
		voidSale(a, args)
	case "stock":
		stock(a, args)
	case "products":
		products(a, store, args)
	case "product":
		product(a, args)
	case "customer":
		customer(a, args)
	case "supplier":
		supplier(a, args)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agent <register|run|sync|status|sell|void|stock|products|product|customer|supplier> [flags]")
	os.Exit(2)
}

func register(ctx context.Context, store *outbox.Store, client *agent.Client, cfg config.Sync, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "staff email")
	password := fs.String("password", "", "staff password")
	name := fs.String("name", "", "device name")
	shop := fs.String("shop", "", "shop id")
	fs.Parse(args)
	if *email == "" || *password == "" || *name == "" {
		log.Fatal("register requires -email, -password and -name")
	}

	a, err := agent.Enroll(ctx, store, client, cfg, *email, *password, domain.RegisterDeviceRequest{
		Name:       *name,
		ShopID:     *shop,
		Platform:   platform(),
		AppVersion: appVersion,
	})
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	fmt.Printf("registered device %s\n", a.DeviceID())
	if err := a.SyncOnce(ctx); err != nil {
		log.Fatalf("initial sync: %v", err)
	}
	fmt.Println("initial sync complete")
}

func sell(a *agent.Agent, args []string) {
	fs := flag.NewFlagSet("sell", flag.ExitOnError)
	var items itemFlags
	fs.Var(&items, "item", "product:qty, repeatable")
	paid := fs.String("paid", "0", "amount paid")
	discount := fs.String("discount", "0", "discount amount")
	customerID := fs.String("customer", "", "customer id")
	method := fs.String("method", "cash", "payment method")
	fs.Parse(args)
	if len(items) == 0 {
		log.Fatal("sell requires at least one -item product:qty")
	}

	sale := &domain.Sale{
		CustomerID:    *customerID,
		PaymentMethod: *method,
		Discount:      mustDecimal(*discount),
		Paid:          mustDecimal(*paid),
		Items:         items,
	}
	if err := a.RecordSale(sale); err != nil {
		log.Fatalf("sell: %v", err)
	}
	fmt.Printf("sale %s receipt %s total %s due %s\n",
		sale.ID, sale.ReceiptNo, sale.Total.StringFixed(2), sale.Due.StringFixed(2))
}

func voidSale(a *agent.Agent, args []string) {
	fs := flag.NewFlagSet("void", flag.ExitOnError)
	saleID := fs.String("sale", "", "sale id")
	fs.Parse(args)
	if *saleID == "" {
		log.Fatal("void requires -sale")
	}
	if err := a.VoidSale(*saleID); err != nil {
		log.Fatalf("void: %v", err)
	}
	fmt.Printf("sale %s voided\n", *saleID)
}

func stock(a *agent.Agent, args []string) {
	fs := flag.NewFlagSet("stock", flag.ExitOnError)
	productID := fs.String("product", "", "product id")
	delta := fs.Int64("delta", 0, "stock delta, negative to remove")
	reason := fs.String("reason", domain.StockReasonReceive, "movement reason")
	note := fs.String("note", "", "note")
	fs.Parse(args)
	if *productID == "" || *delta == 0 {
		log.Fatal("stock requires -product and a non-zero -delta")
	}
	if err := a.AdjustStock(*productID, *delta, *reason, *note); err != nil {
		log.Fatalf("stock: %v", err)
	}
	fmt.Printf("recorded %+d for %s\n", *delta, *productID)
}

func products(a *agent.Agent, store *outbox.Store, args []string) {
	fs := flag.NewFlagSet("products", flag.ExitOnError)
	q := fs.String("q", "", "search term")
	fs.Parse(args)

	query := `SELECT id, sku, name, unit_price, stock_qty, track_stock FROM products
        WHERE business_id = $1 AND deleted = FALSE`
	params := []interface{}{a.BusinessID()}
	if *q != "" {
		query += ` AND (LOWER(name) LIKE $2 OR LOWER(sku) LIKE $2)`
		params = append(params, "%"+strings.ToLower(*q)+"%")
	}
	query += ` ORDER BY name LIMIT 100`

	var rows []struct {
		ID         string          `db:"id"`
		SKU        string          `db:"sku"`
		Name       string          `db:"name"`
		UnitPrice  decimal.Decimal `db:"unit_price"`
		StockQty   int64           `db:"stock_qty"`
		TrackStock bool            `db:"track_stock"`
	}
	if err := store.DB().Select(&rows, query, params...); err != nil {
		log.Fatalf("products: %v", err)
	}
	for _, r := range rows {
		qty := "-"
		if r.TrackStock {
			qty = strconv.FormatInt(r.StockQty, 10)
		}
		fmt.Printf("%s  %-12s %-32s %8s  stock=%s\n", r.ID, r.SKU, r.Name, r.UnitPrice.StringFixed(2), qty)
	}
}

func product(a *agent.Agent, args []string) {
	fs := flag.NewFlagSet("product", flag.ExitOnError)
	id := fs.String("id", "", "product id, set to update an existing row")
	sku := fs.String("sku", "", "sku")
	name := fs.String("name", "", "name")
	price := fs.String("price", "0", "unit price")
	cost := fs.String("cost", "0", "cost price")
	tax := fs.String("tax", "0", "tax rate percent")
	category := fs.String("category", "", "category")
	barcode := fs.String("barcode", "", "barcode")
	track := fs.Bool("track", true, "track stock")
	del := fs.Bool("delete", false, "tombstone the product")
	fs.Parse(args)

	if *del {
		if *id == "" {
			log.Fatal("product -delete requires -id")
		}
		if err := a.Delete(domain.EntityProduct, *id); err != nil {
			log.Fatalf("product: %v", err)
		}
		fmt.Printf("product %s deleted\n", *id)
		return
	}
	if *sku == "" || *name == "" {
		log.Fatal("product requires -sku and -name")
	}
	p := &domain.Product{
		ID:         *id,
		SKU:        *sku,
		Name:       *name,
		Category:   *category,
		Barcode:    *barcode,
		UnitPrice:  mustDecimal(*price),
		CostPrice:  mustDecimal(*cost),
		TaxRate:    mustDecimal(*tax),
		TrackStock: *track,
		Active:     true,
	}
	if err := a.UpsertProduct(p); err != nil {
		log.Fatalf("product: %v", err)
	}
	fmt.Printf("product %s saved\n", p.ID)
}

func customer(a *agent.Agent, args []string) {
	fs := flag.NewFlagSet("customer", flag.ExitOnError)
	id := fs.String("id", "", "customer id, set to update")
	name := fs.String("name", "", "name")
	phone := fs.String("phone", "", "phone")
	email := fs.String("email", "", "email")
	fs.Parse(args)
	if *name == "" {
		log.Fatal("customer requires -name")
	}
	c := &domain.Customer{ID: *id, Name: *name, Phone: *phone, Email: *email}
	if err := a.UpsertCustomer(c); err != nil {
		log.Fatalf("customer: %v", err)
	}
	fmt.Printf("customer %s saved\n", c.ID)
}

func supplier(a *agent.Agent, args []string) {
	fs := flag.NewFlagSet("supplier", flag.ExitOnError)
	id := fs.String("id", "", "supplier id, set to update")
	name := fs.String("name", "", "name")
	phone := fs.String("phone", "", "phone")
	address := fs.String("address", "", "address")
	fs.Parse(args)
	if *name == "" {
		log.Fatal("supplier requires -name")
	}
	s := &domain.Supplier{ID: *id, Name: *name, Phone: *phone, Address: *address}
	if err := a.UpsertSupplier(s); err != nil {
		log.Fatalf("supplier: %v", err)
	}
	fmt.Printf("supplier %s saved\n", s.ID)
}

// itemFlags collects repeated -item product:qty flags into sale items.
type itemFlags []domain.SaleItem

func (f *itemFlags) String() string { return fmt.Sprintf("%d items", len(*f)) }

func (f *itemFlags) Set(v string) error {
	idx := strings.LastIndex(v, ":")
	if idx <= 0 {
		return fmt.Errorf("malformed item %q, want product:qty", v)
	}
	qty, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil || qty <= 0 {
		return fmt.Errorf("malformed quantity in %q", v)
	}
	*f = append(*f, domain.SaleItem{ProductID: v[:idx], Quantity: qty})
	return nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("malformed amount %q", s)
	}
	return d
}

func platform() string {
	if runtime.GOOS == "android" || runtime.GOOS == "ios" {
		return domain.PlatformMobile
	}
	return domain.PlatformDesktop
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(out))
}
