package product

import (
	"encoding/json"
	"errors"
	"math"
)

type Retailer string

const (
	HEB         Retailer = "heb"
	Walmart     Retailer = "walmart"
	Target      Retailer = "target"
	AmazonFresh Retailer = "amazonfresh"
)

// DefaultPricingContext is the context used for the top level prices of a
// normalized product.
const DefaultPricingContext = "DEFAULT"

// Location is one store of one retailer.
type Location struct {
	Retailer Retailer `json:"retailer"`
	StoreID  string   `json:"store_id"`
}

// Category is a retailer category as produced by discovery, it only lives
// for the duration of a sweep.
type Category struct {
	Retailer      Retailer `json:"retailer"`
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ParentName    string   `json:"parent_name,omitempty"`
	URL           string   `json:"url,omitempty"`
	Path          []string `json:"path,omitempty"`
	ExpectedCount int      `json:"expected_count,omitempty"`
}

// RawProduct is a retailer shaped record, the body is opaque to everything
// but the adapter that produced it.
type RawProduct struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// PriceRow is one price observation for a pricing context.
type PriceRow struct {
	ListPrice      *float64 `json:"list_price,omitempty"`
	SalePrice      *float64 `json:"sale_price,omitempty"`
	EffectivePrice float64  `json:"effective_price"`
	IsOnSale       bool     `json:"is_on_sale"`
}

// NewPriceRow derives the effective price and sale flag from a list and a
// sale price. ok is false when neither is set.
func NewPriceRow(list, sale *float64) (PriceRow, bool) {
	row := PriceRow{ListPrice: positive(list), SalePrice: positive(sale)}
	switch {
	case row.SalePrice != nil:
		row.EffectivePrice = *row.SalePrice
	case row.ListPrice != nil:
		row.EffectivePrice = *row.ListPrice
	default:
		return PriceRow{}, false
	}
	row.IsOnSale = row.SalePrice != nil && row.ListPrice != nil && *row.SalePrice < *row.ListPrice-priceEpsilon/2
	return row, true
}

const priceEpsilon = 0.01

func positive(v *float64) *float64 {
	if v == nil || *v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func priceEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Abs(*a-*b) < priceEpsilon
}

// Equal reports whether two rows carry the same prices within a cent.
func (p PriceRow) Equal(o PriceRow) bool {
	return priceEqual(p.ListPrice, o.ListPrice) &&
		priceEqual(p.SalePrice, o.SalePrice) &&
		math.Abs(p.EffectivePrice-o.EffectivePrice) < priceEpsilon
}

// Normalized is a product in the shared schema, as produced by an adapter.
type Normalized struct {
	Retailer               Retailer        `json:"retailer"`
	StoreID                string          `json:"store_id,omitempty"`
	RetailerProductID      string          `json:"retailer_product_id"`
	Name                   string          `json:"name"`
	ImageURL               string          `json:"image_url,omitempty"`
	Barcode                string          `json:"barcode,omitempty"`
	Brand                  string          `json:"brand,omitempty"`
	Size                   string          `json:"size,omitempty"`
	SizeUOM                string          `json:"size_uom,omitempty"`
	RetailerCategoryName   string          `json:"retailer_category_name"`
	RetailerParentCategory string          `json:"retailer_parent_category,omitempty"`
	Raw                    json.RawMessage `json:"raw,omitempty"`

	CostPrice       *float64            `json:"cost_price,omitempty"`
	ListPrice       *float64            `json:"list_price,omitempty"`
	SalePrice       *float64            `json:"sale_price,omitempty"`
	PricePerUnit    *float64            `json:"price_per_unit,omitempty"`
	PricePerUnitUOM string              `json:"price_per_unit_uom,omitempty"`
	StockStatus     string              `json:"stock_status,omitempty"`
	StoreAisle      string              `json:"store_aisle,omitempty"`
	Rating          *float64            `json:"rating,omitempty"`
	ReviewCount     *int                `json:"review_count,omitempty"`
	Description     string              `json:"description,omitempty"`
	ProductPageURL  string              `json:"product_page_url,omitempty"`
	OriginCountry   string              `json:"origin_country,omitempty"`
	ImageURLs       []string            `json:"image_urls,omitempty"`
	PricingContexts map[string]PriceRow `json:"pricing_contexts,omitempty"`
	SKUs            []string            `json:"skus,omitempty"`
	InAssortment    *bool               `json:"in_assortment,omitempty"`

	CategorySlug    string `json:"category_slug,omitempty"`
	SubcategorySlug string `json:"subcategory_slug,omitempty"`
}

var (
	ErrMissingID   = errors.New("missing retailer product id")
	ErrMissingName = errors.New("missing name")
)

// Validate checks the fields every persisted product needs.
func (n Normalized) Validate() error {
	if n.RetailerProductID == "" {
		return ErrMissingID
	}
	if n.Name == "" {
		return ErrMissingName
	}
	return nil
}

// HasPrice reports whether a top level shelf price is present. A unit price
// alone has no effective price to record.
func (n Normalized) HasPrice() bool {
	return n.CostPrice != nil || n.ListPrice != nil || n.SalePrice != nil
}

// PriceRows returns a row for every pricing context that has a derivable
// effective price. The top level prices become the DEFAULT context unless
// an explicit DEFAULT context is present.
func (n Normalized) PriceRows() map[string]PriceRow {
	out := map[string]PriceRow{}
	list := n.ListPrice
	if positive(list) == nil {
		list = n.CostPrice
	}
	if row, ok := NewPriceRow(list, n.SalePrice); ok {
		out[DefaultPricingContext] = row
	}
	for ctx, row := range n.PricingContexts {
		if ctx == "" {
			ctx = DefaultPricingContext
		}
		if row.EffectivePrice <= 0 {
			derived, ok := NewPriceRow(row.ListPrice, row.SalePrice)
			if !ok {
				continue
			}
			row = derived
		}
		out[ctx] = row
	}
	return out
}

// Float returns a pointer to v, adapters use it to fill optional prices.
func Float(v float64) *float64 {
	return &v
}

func Int(v int) *int {
	return &v
}

func Bool(v bool) *bool {
	return &v
}
