package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/store/db"
	"grocery-ingest/internal/taxonomy"

	"github.com/google/uuid"
)

const (
	report_upsert_product    = "store.upsert-product"
	report_record_price      = "store.record-price"
	report_upsert_images     = "store.upsert-images"
	report_deactivate_absent = "store.deactivate-absent"
	report_stale_mapping     = "store.stale-mapping"
)

// MaxImages is the number of images kept per product.
const MaxImages = 10

const deactivateBatchSize = 500

// Store is the datastore gateway, the only thing in the ingest pipeline that
// writes to the database. Every operation runs in its own short transaction
// and is safe for concurrent use.
type Store struct {
	db   *sql.DB
	qry  *db.Queries
	time chrono.API
	tel  telemetry.API
}

func New(database *sql.DB, clock chrono.API, tel telemetry.API) Store {
	return Store{
		db:   database,
		qry:  db.New(database),
		time: clock,
		tel:  telemetry.NewScopedAPI("store", tel),
	}
}

func (s Store) DB() *sql.DB {
	return s.db
}

func nullStr(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

var handleStrip = regexp.MustCompile(`[^a-z0-9]+`)

func handleFor(name string) string {
	return strings.Trim(handleStrip.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

type metadata struct {
	Rating          *float64 `json:"rating,omitempty"`
	ReviewCount     *int     `json:"review_count,omitempty"`
	OriginCountry   string   `json:"origin_country,omitempty"`
	StoreAisle      string   `json:"store_aisle,omitempty"`
	ProductPageURL  string   `json:"product_page_url,omitempty"`
	PricePerUnit    *float64 `json:"price_per_unit,omitempty"`
	PricePerUnitUOM string   `json:"price_per_unit_uom,omitempty"`
	SKUs            []string `json:"skus,omitempty"`
	InAssortment    *bool    `json:"in_assortment,omitempty"`
}

func metadataFor(n product.Normalized) sql.NullString {
	m := metadata{
		Rating:          n.Rating,
		ReviewCount:     n.ReviewCount,
		OriginCountry:   n.OriginCountry,
		StoreAisle:      n.StoreAisle,
		ProductPageURL:  n.ProductPageURL,
		PricePerUnit:    n.PricePerUnit,
		PricePerUnitUOM: n.PricePerUnitUOM,
		SKUs:            n.SKUs,
		InAssortment:    n.InAssortment,
	}
	buff, err := json.Marshal(m)
	if err != nil || string(buff) == "{}" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(buff), Valid: true}
}

func rawFor(n product.Normalized) sql.NullString {
	raw := strings.TrimSpace(string(n.Raw))
	if raw == "" || raw == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: raw, Valid: true}
}

// resolve finds the canonical product for n, by barcode when n carries a
// usable one and by retailer mapping otherwise or when the barcode is not
// known yet.
func (s Store) resolve(ctx context.Context, qry *db.Queries, n product.Normalized, barcode string) (db.SourceProduct, bool, error) {
	if barcode != "" {
		existing, err := qry.GetProductByBarcode(ctx, barcode)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return db.SourceProduct{}, false, fmt.Errorf("get by barcode: %w", err)
		}
	}
	existing, err := qry.GetProductByMapping(ctx, db.GetProductByMappingParams{
		Retailer:          string(n.Retailer),
		RetailerProductID: n.RetailerProductID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return db.SourceProduct{}, false, nil
	}
	if err != nil {
		return db.SourceProduct{}, false, fmt.Errorf("get by mapping: %w", err)
	}
	return existing, true, nil
}

// UpsertProduct writes a normalized product and everything hanging off of it
// (mapping, prices, images) and returns the canonical product id.
func (s Store) UpsertProduct(ctx context.Context, n product.Normalized) (string, error) {
	err := n.Validate()
	if err != nil {
		return "", err
	}
	if n.Retailer == "" {
		return "", fmt.Errorf("upsert product %s: missing retailer", n.RetailerProductID)
	}

	barcode := ""
	if n.Barcode != "" {
		normalized, ok := product.NormalizeBarcode(n.Barcode)
		if ok {
			barcode = normalized
		} else {
			s.tel.ReportDebug("ignoring invalid barcode", n.RetailerProductID, n.Barcode)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	now := s.time.Now().UnixMicro()

	categoryID, subcategoryID, err := s.resolveSlugs(ctx, txqry, n.CategorySlug, n.SubcategorySlug)
	if err != nil {
		return "", err
	}

	existing, found, err := s.resolve(ctx, txqry, n, barcode)
	if err != nil {
		s.tel.ReportBroken(report_upsert_product, err, n.Retailer, n.RetailerProductID)
		return "", err
	}

	id := existing.ID
	if found {
		err = txqry.UpdateProduct(ctx, db.UpdateProductParams{
			ID:            id,
			Name:          strings.TrimSpace(n.Name),
			Brand:         nullStr(n.Brand),
			Barcode:       nullStr(barcode),
			Size:          nullStr(n.Size),
			SizeUom:       nullStr(n.SizeUOM),
			CategoryID:    nullInt(categoryID),
			SubcategoryID: nullInt(subcategoryID),
			ImageUrl:      nullStr(n.ImageURL),
			RawData:       rawFor(n),
			Handle:        nullStr(handleFor(n.Name)),
			Description:   nullStr(n.Description),
			Metadata:      metadataFor(n),
			UpdatedAt:     now,
		})
		if err != nil {
			err = fmt.Errorf("update product %s: %w", id, err)
			s.tel.ReportBroken(report_upsert_product, err, n.Retailer, n.RetailerProductID)
			return "", err
		}
	} else {
		id = uuid.NewString()
		err = txqry.InsertProduct(ctx, db.InsertProductParams{
			ID:            id,
			Name:          strings.TrimSpace(n.Name),
			Brand:         nullStr(n.Brand),
			Barcode:       nullStr(barcode),
			Size:          nullStr(n.Size),
			SizeUom:       nullStr(n.SizeUOM),
			CategoryID:    nullInt(categoryID),
			SubcategoryID: nullInt(subcategoryID),
			ImageUrl:      nullStr(n.ImageURL),
			RawData:       rawFor(n),
			Handle:        nullStr(handleFor(n.Name)),
			Description:   nullStr(n.Description),
			Metadata:      metadataFor(n),
			Now:           now,
		})
		if err != nil {
			err = fmt.Errorf("insert product: %w", err)
			s.tel.ReportBroken(report_upsert_product, err, n.Retailer, n.RetailerProductID)
			return "", err
		}
	}

	err = txqry.UpsertMapping(ctx, db.UpsertMappingParams{
		ProductID:         id,
		Retailer:          string(n.Retailer),
		RetailerProductID: n.RetailerProductID,
		RetailerName:      strings.TrimSpace(n.Name),
		RetailerImageUrl:  nullStr(n.ImageURL),
		StockStatus:       nullStr(n.StockStatus),
		StoreLocation:     nullStr(n.StoreID),
		LastSeenAt:        now,
	})
	if err != nil {
		err = fmt.Errorf("upsert mapping: %w", err)
		s.tel.ReportBroken(report_upsert_product, err, n.Retailer, n.RetailerProductID)
		return "", err
	}
	stale, err := txqry.DeleteStaleMappings(ctx, db.DeleteStaleMappingsParams{
		Retailer:          string(n.Retailer),
		RetailerProductID: n.RetailerProductID,
		KeepProductID:     id,
	})
	if err != nil {
		return "", fmt.Errorf("delete stale mappings: %w", err)
	}
	if stale > 0 {
		s.tel.ReportWarning(report_stale_mapping, fmt.Errorf("%s/%s moved to %s", n.Retailer, n.RetailerProductID, id))
	}

	if n.HasPrice() || len(n.PricingContexts) > 0 {
		for pricingCtx, row := range n.PriceRows() {
			_, err = s.recordPrice(ctx, txqry, now, PriceKey{
				ProductID: id,
				Retailer:  n.Retailer,
				Location:  n.StoreID,
				Context:   pricingCtx,
			}, row)
			if err != nil {
				s.tel.ReportBroken(report_record_price, err, n.Retailer, n.RetailerProductID)
				return "", err
			}
		}
	}

	if len(n.ImageURLs) > 0 {
		err = s.upsertImages(ctx, txqry, id, n.ImageURLs)
		if err != nil {
			s.tel.ReportBroken(report_upsert_images, err, id)
			return "", err
		}
	}

	err = tx.Commit()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s Store) resolveSlugs(ctx context.Context, qry *db.Queries, slug, subslug string) (*int64, *int64, error) {
	if subslug != "" {
		cat, sub, err := s.resolveCategoryIDs(ctx, qry, subslug)
		if err != nil {
			return nil, nil, err
		}
		if sub != nil {
			return cat, sub, nil
		}
	}
	if slug == "" || slug == taxonomy.Uncategorized {
		return nil, nil, nil
	}
	return s.resolveCategoryIDs(ctx, qry, slug)
}

// ResolveCategoryIDs looks slug up in the category tree, a subcategory
// match returns both its parent and itself, a top level match returns only
// the category. Unknown slugs return nils, categories are never created here.
func (s Store) ResolveCategoryIDs(ctx context.Context, slug string) (categoryID *int64, subcategoryID *int64, err error) {
	return s.resolveCategoryIDs(ctx, s.qry, slug)
}

func (s Store) resolveCategoryIDs(ctx context.Context, qry *db.Queries, slug string) (*int64, *int64, error) {
	cat, err := qry.GetCategoryBySlug(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve category %s: %w", slug, err)
	}
	id := cat.ID
	if cat.ParentID.Valid {
		parent := cat.ParentID.Int64
		return &parent, &id, nil
	}
	return &id, nil, nil
}

// PriceKey identifies one price series.
type PriceKey struct {
	ProductID string
	Retailer  product.Retailer
	Location  string
	Context   string
}

func (k PriceKey) params() db.PriceKey {
	pricingCtx := k.Context
	if pricingCtx == "" {
		pricingCtx = product.DefaultPricingContext
	}
	return db.PriceKey{
		ProductID:      k.ProductID,
		Retailer:       string(k.Retailer),
		LocationID:     k.Location,
		PricingContext: pricingCtx,
	}
}

// RecordPrice appends row to the price series of key unless the open row
// already carries the same prices. It reports whether a row was written.
func (s Store) RecordPrice(ctx context.Context, key PriceKey, row product.PriceRow) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	changed, err := s.recordPrice(ctx, s.qry.WithTx(tx), s.time.Now().UnixMicro(), key, row)
	if err != nil {
		s.tel.ReportBroken(report_record_price, err, key.ProductID)
		return false, err
	}
	return changed, tx.Commit()
}

func (s Store) recordPrice(ctx context.Context, qry *db.Queries, now int64, key PriceKey, row product.PriceRow) (bool, error) {
	params := key.params()

	from := now
	open, err := qry.GetOpenPrice(ctx, params)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("get open price: %w", err)
	default:
		current := product.PriceRow{
			EffectivePrice: open.EffectivePrice,
			IsOnSale:       open.IsOnSale,
		}
		if open.ListPrice.Valid {
			current.ListPrice = &open.ListPrice.Float64
		}
		if open.SalePrice.Valid {
			current.SalePrice = &open.SalePrice.Float64
		}
		if current.Equal(row) {
			return false, nil
		}

		// effective_from stays strictly increasing even if the clock
		// does not move between two writes
		if from <= open.EffectiveFrom {
			from = open.EffectiveFrom + 1
		}
		err = qry.ClosePrice(ctx, db.ClosePriceParams{ID: open.ID, EffectiveTo: from})
		if err != nil {
			return false, fmt.Errorf("close price: %w", err)
		}
	}

	err = qry.InsertPrice(ctx, db.InsertPriceParams{
		PriceKey:       params,
		ListPrice:      nullFloat(row.ListPrice),
		SalePrice:      nullFloat(row.SalePrice),
		EffectivePrice: row.EffectivePrice,
		IsOnSale:       row.IsOnSale,
		EffectiveFrom:  from,
	})
	if err != nil {
		return false, fmt.Errorf("insert price: %w", err)
	}
	return true, nil
}

// UpsertImages appends the urls a product does not have yet after its
// existing images, keeping at most MaxImages per product.
func (s Store) UpsertImages(ctx context.Context, productID string, urls []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = s.upsertImages(ctx, s.qry.WithTx(tx), productID, urls)
	if err != nil {
		s.tel.ReportBroken(report_upsert_images, err, productID)
		return err
	}
	return tx.Commit()
}

func (s Store) upsertImages(ctx context.Context, qry *db.Queries, productID string, urls []string) error {
	existing, err := qry.ListImages(ctx, productID)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	present := make(map[string]bool, len(existing))
	var rank int64 = -1
	for _, img := range existing {
		present[img.Url] = true
		if img.Rank > rank {
			rank = img.Rank
		}
	}

	count := len(existing)
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || present[u] {
			continue
		}
		if count >= MaxImages {
			break
		}
		rank++
		err = qry.InsertImage(ctx, db.InsertImageParams{
			ProductID: productID,
			Url:       u,
			Rank:      rank,
		})
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		present[u] = true
		count++
	}
	return nil
}

// DeactivateAbsent marks every active mapping of retailer whose retailer
// product id is not in seen as inactive and returns how many were changed.
func (s Store) DeactivateAbsent(ctx context.Context, retailer product.Retailer, seen map[string]struct{}) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	active, err := txqry.ListActiveMappingIDs(ctx, string(retailer))
	if err != nil {
		s.tel.ReportBroken(report_deactivate_absent, err, retailer)
		return 0, err
	}
	var absent []int64
	for _, m := range active {
		if _, ok := seen[m.RetailerProductID]; !ok {
			absent = append(absent, m.ID)
		}
	}

	var total int64
	for start := 0; start < len(absent); start += deactivateBatchSize {
		end := min(start+deactivateBatchSize, len(absent))
		n, err := txqry.DeactivateMappings(ctx, absent[start:end])
		if err != nil {
			s.tel.ReportBroken(report_deactivate_absent, err, retailer)
			return 0, err
		}
		total += n
	}
	return total, tx.Commit()
}

// SeedCategories writes the canonical category tree into the categories
// table and returns the number of rows written.
func (s Store) SeedCategories(ctx context.Context, tree []taxonomy.Canonical) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	count := 0
	for _, top := range tree {
		parentID, err := txqry.UpsertCategory(ctx, db.UpsertCategoryParams{
			Slug: top.Slug,
			Name: top.Name,
		})
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", top.Slug, err)
		}
		count++
		for _, sub := range top.Subcategories {
			_, err = txqry.UpsertCategory(ctx, db.UpsertCategoryParams{
				Slug:     sub.Slug,
				Name:     sub.Name,
				ParentID: sql.NullInt64{Int64: parentID, Valid: true},
			})
			if err != nil {
				return 0, fmt.Errorf("seed %s: %w", sub.Slug, err)
			}
			count++
		}
	}
	return count, tx.Commit()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
