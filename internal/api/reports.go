package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/dokanhq/dokansync/domain"
)

// Reports aggregate in Go rather than SQL so decimal money survives
// both database drivers unchanged.

type salesSummary struct {
	Revenue    decimal.Decimal `json:"revenue"`
	Tax        decimal.Decimal `json:"tax"`
	SalesCount int64           `json:"sales_count"`
	Voided     int64           `json:"voided_count"`
}

func (h *Handler) summarize(businessID, shopID string, fromMs, toMs int64) (salesSummary, error) {
	args := []any{businessID, fromMs, toMs}
	query := `SELECT status, total, tax FROM sales
        WHERE business_id = $1 AND sold_at_ms >= $2 AND sold_at_ms < $3`
	if shopID != "" {
		args = append(args, shopID)
		query += ` AND shop_id = $4`
	}

	var rows []struct {
		Status string          `db:"status"`
		Total  decimal.Decimal `db:"total"`
		Tax    decimal.Decimal `db:"tax"`
	}
	if err := h.db.Select(&rows, query, args...); err != nil {
		return salesSummary{}, err
	}

	var s salesSummary
	for _, row := range rows {
		if row.Status == domain.SaleStatusVoided {
			s.Voided++
			continue
		}
		s.Revenue = s.Revenue.Add(row.Total)
		s.Tax = s.Tax.Add(row.Tax)
		s.SalesCount++
	}
	return s, nil
}

func (h *Handler) dailySales(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	s, err := h.summarize(businessID(r), r.URL.Query().Get("shop_id"),
		start.UnixMilli(), start.AddDate(0, 0, 1).UnixMilli())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to fetch daily sales")
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *Handler) monthlySales(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	s, err := h.summarize(businessID(r), r.URL.Query().Get("shop_id"),
		start.UnixMilli(), start.AddDate(0, 1, 0).UnixMilli())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to fetch monthly sales")
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type saleReportEntry struct {
	domain.Sale
	Items []domain.SaleItem `json:"items"`
}

// salesReport returns the raw sales of a date range with their items.
func (h *Handler) salesReport(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, domain.RoleOwner, domain.RoleManager) {
		return
	}

	args := []any{businessID(r)}
	clauses := []string{"business_id = $1"}
	if ms, clause, err := dateBound(r, "start_date", "sold_at_ms >= $%d", false); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	} else if clause != "" {
		args = append(args, ms)
		clauses = append(clauses, "sold_at_ms >= $2")
	}
	if ms, clause, err := dateBound(r, "end_date", "sold_at_ms < $%d", true); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	} else if clause != "" {
		args = append(args, ms)
		clauses = append(clauses, "sold_at_ms < $"+strconv.Itoa(len(args)))
	}

	query := `SELECT id, business_id, shop_id, device_id, user_id, customer_id, receipt_no,
            status, subtotal, discount, tax, total, paid, due, payment_method, sold_at_ms,
            deleted, hlc, vclock, updated_by
        FROM sales WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY sold_at_ms DESC`

	var sales []domain.Sale
	if err := h.db.Select(&sales, query, args...); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to fetch sales report")
		return
	}
	if len(sales) == 0 {
		respondJSON(w, http.StatusOK, []saleReportEntry{})
		return
	}

	ids := make([]string, len(sales))
	for i, sale := range sales {
		ids[i] = sale.ID
	}
	itemsQuery, itemsArgs, err := sqlx.In(`SELECT id, sale_id, product_id, product_name, quantity, unit_price, subtotal
        FROM sale_items WHERE sale_id IN (?)`, ids)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to prepare sale items query")
		return
	}
	itemsQuery = h.db.Rebind(itemsQuery)

	var rows []domain.SaleItem
	if err := h.db.Select(&rows, itemsQuery, itemsArgs...); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load sale items")
		return
	}
	itemsBySale := make(map[string][]domain.SaleItem)
	for _, row := range rows {
		itemsBySale[row.SaleID] = append(itemsBySale[row.SaleID], row)
	}

	report := make([]saleReportEntry, len(sales))
	for i, sale := range sales {
		report[i] = saleReportEntry{Sale: sale, Items: itemsBySale[sale.ID]}
	}
	respondJSON(w, http.StatusOK, report)
}
