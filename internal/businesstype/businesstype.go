// Package businesstype holds the per-vertical rule sets applied to
// catalog and sale writes. Rule sets are compiled in and looked up by
// the business_type column of the tenant; there is no dynamic loading.
package businesstype

import (
	"errors"
	"fmt"
	"time"

	"github.com/dokanhq/dokansync/domain"
)

var ErrUnknownType = errors.New("unknown business type")

// Rules is one vertical's validation and defaulting behavior.
type Rules interface {
	Name() string
	// ApplyProductDefaults fills vertical-specific defaults on a new
	// product before validation.
	ApplyProductDefaults(p *domain.Product)
	// ValidateProduct rejects catalog rows the vertical does not allow.
	ValidateProduct(p *domain.Product) error
	// ValidateSaleItem rejects a sale line against its product.
	ValidateSaleItem(p *domain.Product, item *domain.SaleItem) error
}

var registry = map[string]Rules{}

// Register installs a rule set under its name. Called from init; a
// duplicate name is a programming error.
func Register(r Rules) {
	if _, dup := registry[r.Name()]; dup {
		panic("businesstype: duplicate rule set " + r.Name())
	}
	registry[r.Name()] = r
}

// Get returns the rule set for a business type.
func Get(name string) (Rules, error) {
	r, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, name)
	}
	return r, nil
}

// Known reports whether a business type has a registered rule set.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

func init() {
	Register(general{})
	Register(grocery{})
	Register(pharmacy{})
	Register(restaurant{})
}

// general accepts everything and is the fallback vertical.
type general struct{}

func (general) Name() string { return domain.BusinessTypeGeneral }
func (general) ApplyProductDefaults(p *domain.Product) {}
func (general) ValidateProduct(p *domain.Product) error {
	return nil
}
func (general) ValidateSaleItem(p *domain.Product, item *domain.SaleItem) error {
	return nil
}

// grocery allows weight-unit SKUs (a "/kg" or "/lb" suffix) and is
// otherwise permissive.
type grocery struct{}

func (grocery) Name() string { return domain.BusinessTypeGrocery }
func (grocery) ApplyProductDefaults(p *domain.Product) {}
func (grocery) ValidateProduct(p *domain.Product) error {
	return nil
}
func (grocery) ValidateSaleItem(p *domain.Product, item *domain.SaleItem) error {
	return nil
}

// pharmacy requires an expiry date on stocked products and refuses to
// sell stock that has already expired.
type pharmacy struct{}

func (pharmacy) Name() string { return domain.BusinessTypePharmacy }
func (pharmacy) ApplyProductDefaults(p *domain.Product) {}

func (pharmacy) ValidateProduct(p *domain.Product) error {
	if !p.TrackStock {
		return nil
	}
	if p.ExpiryDate == "" {
		return errors.New("pharmacy products require an expiry_date")
	}
	if _, err := time.Parse("2006-01-02", p.ExpiryDate); err != nil {
		return fmt.Errorf("expiry_date must be YYYY-MM-DD: %w", err)
	}
	return nil
}

func (pharmacy) ValidateSaleItem(p *domain.Product, item *domain.SaleItem) error {
	if p.ExpiryDate == "" {
		return nil
	}
	expiry, err := time.Parse("2006-01-02", p.ExpiryDate)
	if err != nil {
		return nil
	}
	if time.Now().After(expiry.AddDate(0, 0, 1)) {
		return fmt.Errorf("product %s expired on %s", p.Name, p.ExpiryDate)
	}
	return nil
}

// restaurant catalogs are mostly prepared items, so stock tracking is
// off unless the caller asked for it explicitly.
type restaurant struct{}

func (restaurant) Name() string { return domain.BusinessTypeRestaurant }

func (restaurant) ApplyProductDefaults(p *domain.Product) {
	p.TrackStock = false
}

func (restaurant) ValidateProduct(p *domain.Product) error {
	return nil
}

func (restaurant) ValidateSaleItem(p *domain.Product, item *domain.SaleItem) error {
	return nil
}
