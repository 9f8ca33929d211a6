package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grocery-ingest/internal/product"
	"grocery-ingest/internal/store/db"
)

var ErrNotFound = errors.New("not found")

type CanonicalProduct struct {
	ID            string
	Name          string
	Brand         string
	Barcode       string
	Size          string
	SizeUOM       string
	CategoryID    *int64
	SubcategoryID *int64
	ImageURL      string
	Raw           json.RawMessage
	Handle        string
	Description   string
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type RetailerMapping struct {
	ProductID         string
	Retailer          product.Retailer
	RetailerProductID string
	RetailerName      string
	RetailerImageURL  string
	StockStatus       string
	StoreLocation     string
	IsActive          bool
	LastSeenAt        time.Time
}

type PricingRow struct {
	ProductID     string
	Retailer      product.Retailer
	Location      string
	Context       string
	Row           product.PriceRow
	EffectiveFrom time.Time
	// EffectiveTo is nil while the row is open.
	EffectiveTo *time.Time
}

type ProductImage struct {
	ID        int64
	ProductID string
	URL       string
	Rank      int
}

func optInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func optFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := v.Float64
	return &out
}

func toProduct(p db.SourceProduct) CanonicalProduct {
	out := CanonicalProduct{
		ID:            p.ID,
		Name:          p.Name,
		Brand:         p.Brand.String,
		Barcode:       p.Barcode.String,
		Size:          p.Size.String,
		SizeUOM:       p.SizeUom.String,
		CategoryID:    optInt(p.CategoryID),
		SubcategoryID: optInt(p.SubcategoryID),
		ImageURL:      p.ImageUrl.String,
		Handle:        p.Handle.String,
		Description:   p.Description.String,
		CreatedAt:     fromMicros(p.CreatedAt),
		UpdatedAt:     fromMicros(p.UpdatedAt),
	}
	if p.RawData.Valid {
		out.Raw = json.RawMessage(p.RawData.String)
	}
	if p.Metadata.Valid {
		out.Metadata = json.RawMessage(p.Metadata.String)
	}
	return out
}

func (s Store) Product(ctx context.Context, id string) (CanonicalProduct, error) {
	p, err := s.qry.GetProduct(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return CanonicalProduct{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return CanonicalProduct{}, err
	}
	return toProduct(p), nil
}

// ProductFor returns the canonical product a retailer product id maps to.
func (s Store) ProductFor(ctx context.Context, retailer product.Retailer, retailerProductID string) (CanonicalProduct, error) {
	p, err := s.qry.GetProductByMapping(ctx, db.GetProductByMappingParams{
		Retailer:          string(retailer),
		RetailerProductID: retailerProductID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return CanonicalProduct{}, fmt.Errorf("%s/%s: %w", retailer, retailerProductID, ErrNotFound)
	}
	if err != nil {
		return CanonicalProduct{}, err
	}
	return toProduct(p), nil
}

func toMappings(rows []db.GoodsRetailerMapping) []RetailerMapping {
	out := make([]RetailerMapping, len(rows))
	for i, m := range rows {
		out[i] = RetailerMapping{
			ProductID:         m.ProductID,
			Retailer:          product.Retailer(m.Retailer),
			RetailerProductID: m.RetailerProductID,
			RetailerName:      m.RetailerName,
			RetailerImageURL:  m.RetailerImageUrl.String,
			StockStatus:       m.StockStatus.String,
			StoreLocation:     m.StoreLocation.String,
			IsActive:          m.IsActive,
			LastSeenAt:        fromMicros(m.LastSeenAt),
		}
	}
	return out
}

// Mappings returns every retailer mapping of a canonical product.
func (s Store) Mappings(ctx context.Context, productID string) ([]RetailerMapping, error) {
	rows, err := s.qry.ListMappingsForProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	return toMappings(rows), nil
}

// RetailerMappings returns every mapping of a retailer product id, there
// is at most one after a successful upsert.
func (s Store) RetailerMappings(ctx context.Context, retailer product.Retailer, retailerProductID string) ([]RetailerMapping, error) {
	rows, err := s.qry.ListMappingsForRetailerProduct(ctx, db.ListMappingsForRetailerProductParams{
		Retailer:          string(retailer),
		RetailerProductID: retailerProductID,
	})
	if err != nil {
		return nil, err
	}
	return toMappings(rows), nil
}

// PriceHistory returns every price row of a product ordered by series and
// then by effective_from.
func (s Store) PriceHistory(ctx context.Context, productID string) ([]PricingRow, error) {
	rows, err := s.qry.ListPrices(ctx, productID)
	if err != nil {
		return nil, err
	}
	out := make([]PricingRow, len(rows))
	for i, r := range rows {
		out[i] = PricingRow{
			ProductID: r.ProductID,
			Retailer:  product.Retailer(r.Retailer),
			Location:  r.LocationID,
			Context:   r.PricingContext,
			Row: product.PriceRow{
				ListPrice:      optFloat(r.ListPrice),
				SalePrice:      optFloat(r.SalePrice),
				EffectivePrice: r.EffectivePrice,
				IsOnSale:       r.IsOnSale,
			},
			EffectiveFrom: fromMicros(r.EffectiveFrom),
		}
		if r.EffectiveTo.Valid {
			to := fromMicros(r.EffectiveTo.Int64)
			out[i].EffectiveTo = &to
		}
	}
	return out, nil
}

func (s Store) Images(ctx context.Context, productID string) ([]ProductImage, error) {
	rows, err := s.qry.ListImages(ctx, productID)
	if err != nil {
		return nil, err
	}
	out := make([]ProductImage, len(rows))
	for i, r := range rows {
		out[i] = ProductImage{
			ID:        r.ID,
			ProductID: r.ProductID,
			URL:       r.Url,
			Rank:      int(r.Rank),
		}
	}
	return out, nil
}

type MissingBarcode struct {
	ProductID         string
	Name              string
	RetailerProductID string
}

// ProductsMissingBarcode lists active products of a retailer that have no
// barcode yet, oldest first.
func (s Store) ProductsMissingBarcode(ctx context.Context, retailer product.Retailer, limit int) ([]MissingBarcode, error) {
	rows, err := s.qry.ListProductsMissingBarcode(ctx, db.ListProductsMissingBarcodeParams{
		Retailer: string(retailer),
		Limit:    int64(limit),
	})
	if err != nil {
		return nil, err
	}
	out := make([]MissingBarcode, len(rows))
	for i, r := range rows {
		out[i] = MissingBarcode{
			ProductID:         r.ID,
			Name:              r.Name,
			RetailerProductID: r.RetailerProductID,
		}
	}
	return out, nil
}

// SetBarcode fills the barcode of a product that has none. It reports
// false when the product already had a barcode.
func (s Store) SetBarcode(ctx context.Context, productID, barcode string) (bool, error) {
	normalized, ok := product.NormalizeBarcode(barcode)
	if !ok {
		return false, fmt.Errorf("set barcode %s: invalid barcode %q", productID, barcode)
	}
	n, err := s.qry.SetBarcode(ctx, db.SetBarcodeParams{
		ID:        productID,
		Barcode:   normalized,
		UpdatedAt: s.time.Now().UnixMicro(),
	})
	if err != nil {
		return false, fmt.Errorf("set barcode %s: %w", productID, err)
	}
	return n > 0, nil
}
