package seed

import (
	"context"
	"encoding/csv"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/engine"
)

// LoadProducts ingests a demo catalog CSV into a tenant, skipping SKUs
// that already exist. Rows go through the engine so seeded products
// replicate to devices like any other write.
//
// Expected columns: sku, name, category, barcode, unit_price,
// cost_price, tax_rate, track_stock, expiry_date.
func LoadProducts(ctx context.Context, eng *engine.Engine, db *sqlx.DB, businessID, csvPath string) {
	file, err := os.Open(csvPath)
	if err != nil {
		log.Printf("unable to load product catalog %s: %v", csvPath, err)
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Printf("unable to read catalog header: %v", err)
		return
	}

	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("unable to read catalog row: %v", err)
			continue
		}
		if len(record) < 9 {
			continue
		}
		sku := strings.TrimSpace(record[0])
		name := strings.TrimSpace(record[1])
		if name == "" {
			continue
		}

		var exists bool
		if err := db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM products WHERE business_id = $1 AND sku = $2 AND deleted = FALSE)`,
			businessID, sku); err != nil || exists {
			continue
		}

		p := domain.Product{
			ID:         uuid.NewString(),
			SKU:        sku,
			Name:       name,
			Category:   strings.TrimSpace(record[2]),
			Barcode:    strings.TrimSpace(record[3]),
			UnitPrice:  parseDecimal(record[4]),
			CostPrice:  parseDecimal(record[5]),
			TaxRate:    parseDecimal(record[6]),
			TrackStock: parseBool(record[7], true),
			ExpiryDate: strings.TrimSpace(record[8]),
			Active:     true,
		}
		if _, err := eng.Submit(ctx, businessID, "seed", domain.EntityProduct, p.ID, domain.ActionUpsert, p); err != nil {
			log.Printf("unable to seed product %s: %v", name, err)
			continue
		}
		rows++
	}
	log.Printf("seeded product catalog with %d rows", rows)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return b
}
