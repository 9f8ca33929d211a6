package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/store/db"
	"grocery-ingest/internal/taxonomy"
	"grocery-ingest/lib/testutil"

	"github.com/stretchr/testify/require"
)

func setup(t testing.TB) (Store, *chrono.ManualImpl) {
	t.Helper()
	res, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "store",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)

	clock := chrono.NewManualImpl(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(res.DB, clock, telemetry.NewRecorder()), clock
}

func milk() product.Normalized {
	return product.Normalized{
		Retailer:             "acme",
		StoreID:              "store-1",
		RetailerProductID:    "P1",
		Name:                 "Milk 1gal",
		Barcode:              "012345678905",
		RetailerCategoryName: "Milk",
		CostPrice:            product.Float(3.99),
		Raw:                  json.RawMessage(`{"id":"P1","price":3.99}`),
	}
}

func openRows(rows []PricingRow) []PricingRow {
	var out []PricingRow
	for _, r := range rows {
		if r.EffectiveTo == nil {
			out = append(out, r)
		}
	}
	return out
}

func TestNewProductNewRetailer(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	id, err := s.UpsertProduct(ctx, milk())
	if err != nil {
		t.Fatal(err)
	}

	p, err := s.Product(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "012345678905", p.Barcode)
	require.Equal(t, "Milk 1gal", p.Name)
	require.Equal(t, "milk-1gal", p.Handle)
	require.JSONEq(t, `{"id":"P1","price":3.99}`, string(p.Raw))

	mappings, err := s.Mappings(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, mappings, 1)
	require.Equal(t, product.Retailer("acme"), mappings[0].Retailer)
	require.Equal(t, "P1", mappings[0].RetailerProductID)
	require.True(t, mappings[0].IsActive)
	require.Equal(t, "store-1", mappings[0].StoreLocation)

	prices, err := s.PriceHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, prices, 1)
	require.Nil(t, prices[0].EffectiveTo)
	require.InDelta(t, 3.99, prices[0].Row.EffectivePrice, 0.0001)
	require.Equal(t, product.DefaultPricingContext, prices[0].Context)
	require.Equal(t, "store-1", prices[0].Location)
}

func TestSecondSweepPriceDrop(t *testing.T) {
	s, clock := setup(t)
	ctx := context.Background()

	id, err := s.UpsertProduct(ctx, milk())
	if err != nil {
		t.Fatal(err)
	}
	before, err := s.Product(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(24 * time.Hour)
	n := milk()
	n.CostPrice = product.Float(2.99)
	again, err := s.UpsertProduct(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, id, again)

	after, err := s.Product(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, before.Barcode, after.Barcode)
	require.Equal(t, before.Name, after.Name)
	require.Equal(t, before.CreatedAt, after.CreatedAt)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt))

	prices, err := s.PriceHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, prices, 2)
	require.NotNil(t, prices[0].EffectiveTo)
	require.Equal(t, clock.Now(), *prices[0].EffectiveTo)
	require.InDelta(t, 3.99, prices[0].Row.EffectivePrice, 0.0001)
	require.Nil(t, prices[1].EffectiveTo)
	require.InDelta(t, 2.99, prices[1].Row.EffectivePrice, 0.0001)
}

func TestBarcodeCollisionAcrossRetailers(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	id, err := s.UpsertProduct(ctx, milk())
	if err != nil {
		t.Fatal(err)
	}

	other, err := s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "beta",
		RetailerProductID: "X9",
		Barcode:           "012345678905",
		Name:              "Milk Gallon",
	})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, id, other)

	mappings, err := s.Mappings(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, mappings, 2)
	require.Equal(t, product.Retailer("acme"), mappings[0].Retailer)
	require.Equal(t, product.Retailer("beta"), mappings[1].Retailer)
	require.Equal(t, "X9", mappings[1].RetailerProductID)
}

func TestMissingBarcodeViaIdentifier(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	n := product.Normalized{
		Retailer:          "zed",
		RetailerProductID: "B07ABCDEF1",
		Name:              "Organic Oats",
	}
	id, err := s.UpsertProduct(ctx, n)
	if err != nil {
		t.Fatal(err)
	}

	missing, err := s.ProductsMissingBarcode(ctx, "zed", 10)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, []MissingBarcode{{
		ProductID:         id,
		Name:              "Organic Oats",
		RetailerProductID: "B07ABCDEF1",
	}}, missing)

	ok, err := s.SetBarcode(ctx, id, "041234567890")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, ok)

	// a second lookup never overwrites
	ok, err = s.SetBarcode(ctx, id, "099999999999")
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, ok)

	n.Barcode = "041234567890"
	again, err := s.UpsertProduct(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, id, again)

	missing, err = s.ProductsMissingBarcode(ctx, "zed", 10)
	if err != nil {
		t.Fatal(err)
	}
	require.Empty(t, missing)
}

func TestExactlyOneReachableProduct(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	// the retailer id first appears without a barcode, then with a
	// barcode that already belongs to another canonical product
	first, err := s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "acme",
		RetailerProductID: "P7",
		Name:              "Butter",
		Raw:               json.RawMessage(`{"v":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	owner, err := s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "beta",
		RetailerProductID: "B1",
		Name:              "Butter Salted",
		Barcode:           "070000000011",
	})
	if err != nil {
		t.Fatal(err)
	}
	require.NotEqual(t, first, owner)

	moved, err := s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "acme",
		RetailerProductID: "P7",
		Name:              "Butter",
		Barcode:           "070000000011",
		Raw:               json.RawMessage(`{"v":2}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, owner, moved)

	mappings, err := s.RetailerMappings(ctx, "acme", "P7")
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, mappings, 1)
	require.Equal(t, owner, mappings[0].ProductID)

	p, err := s.ProductFor(ctx, "acme", "P7")
	if err != nil {
		t.Fatal(err)
	}
	require.JSONEq(t, `{"v":2}`, string(p.Raw))
}

func TestUpdateKeepsStoredFields(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	_, err := s.SeedCategories(ctx, taxonomy.Default().Canonical())
	if err != nil {
		t.Fatal(err)
	}

	n := milk()
	n.Brand = "Acme Farms"
	n.CategorySlug = "dairy-eggs"
	n.SubcategorySlug = "milk"
	n.Size = "1"
	n.SizeUOM = "gal"
	id, err := s.UpsertProduct(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	before, err := s.Product(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.NotNil(t, before.CategoryID)
	require.NotNil(t, before.SubcategoryID)

	update := milk()
	update.Name = "Milk Whole 1gal"
	update.Raw = nil
	update.CategorySlug = "beverages"
	update.SubcategorySlug = "juice"
	update.ImageURL = "https://img.example/milk.png"
	_, err = s.UpsertProduct(ctx, update)
	if err != nil {
		t.Fatal(err)
	}

	after, err := s.Product(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "Milk Whole 1gal", after.Name)
	require.Equal(t, "Acme Farms", after.Brand)
	require.Equal(t, "1", after.Size)
	require.Equal(t, "gal", after.SizeUOM)
	require.Equal(t, "https://img.example/milk.png", after.ImageURL)
	require.JSONEq(t, `{"id":"P1","price":3.99}`, string(after.Raw))
	require.Equal(t, *before.CategoryID, *after.CategoryID)
	require.NotEqual(t, *before.SubcategoryID, *after.SubcategoryID)
}

func TestRecordPrice(t *testing.T) {
	s, clock := setup(t)
	ctx := context.Background()

	id, err := s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "acme",
		RetailerProductID: "P2",
		Name:              "Eggs",
	})
	if err != nil {
		t.Fatal(err)
	}
	key := PriceKey{ProductID: id, Retailer: "acme", Location: "1", Context: "CURBSIDE"}

	for _, price := range []float64{4.5, 4.5, 4.504, 3.0, 5.25, 5.25, 2.0} {
		row, ok := product.NewPriceRow(product.Float(price), nil)
		require.True(t, ok)
		_, err := s.RecordPrice(ctx, key, row)
		if err != nil {
			t.Fatal(err)
		}

		rows, err := s.PriceHistory(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		require.Len(t, openRows(rows), 1)
	}

	rows, err := s.PriceHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, rows, 4)
	for i := 1; i < len(rows); i++ {
		prev := rows[i-1]
		require.NotNil(t, prev.EffectiveTo)
		require.True(t, rows[i].EffectiveFrom.After(prev.EffectiveFrom))
		require.False(t, rows[i].EffectiveFrom.Before(*prev.EffectiveTo))
	}

	// the clock did not move, rows still never share an effective_from
	clock.Advance(time.Minute)
	row, _ := product.NewPriceRow(product.Float(1.0), nil)
	changed, err := s.RecordPrice(ctx, key, row)
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, changed)
	changed, err = s.RecordPrice(ctx, key, row)
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, changed)
}

func TestPricingContexts(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	n := product.Normalized{
		Retailer:          "acme",
		StoreID:           "9",
		RetailerProductID: "P3",
		Name:              "Bread",
		ListPrice:         product.Float(3.49),
		SalePrice:         product.Float(2.99),
		PricingContexts: map[string]product.PriceRow{
			"CURBSIDE": {ListPrice: product.Float(3.59)},
		},
	}
	id, err := s.UpsertProduct(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.UpsertProduct(ctx, n)
	if err != nil {
		t.Fatal(err)
	}

	rows, err := s.PriceHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, rows, 2)
	require.Equal(t, "CURBSIDE", rows[0].Context)
	require.InDelta(t, 3.59, rows[0].Row.EffectivePrice, 0.0001)
	require.Equal(t, product.DefaultPricingContext, rows[1].Context)
	require.InDelta(t, 2.99, rows[1].Row.EffectivePrice, 0.0001)
	require.True(t, rows[1].Row.IsOnSale)
}

func TestUpsertImages(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	id, err := s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "acme",
		RetailerProductID: "P4",
		Name:              "Apples",
		ImageURLs:         []string{"a", "b", "a", ""},
	})
	if err != nil {
		t.Fatal(err)
	}

	var urls []string
	for i := range 12 {
		urls = append(urls, fmt.Sprintf("img-%d", i))
	}
	err = s.UpsertImages(ctx, id, append([]string{"b"}, urls...))
	if err != nil {
		t.Fatal(err)
	}

	images, err := s.Images(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, images, MaxImages)
	require.Equal(t, "a", images[0].URL)
	require.Equal(t, 0, images[0].Rank)
	require.Equal(t, "b", images[1].URL)
	require.Equal(t, 1, images[1].Rank)
	require.Equal(t, "img-0", images[2].URL)
	require.Equal(t, 2, images[2].Rank)
}

func TestDeactivateAbsent(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	for _, rpid := range []string{"A", "B", "C"} {
		_, err := s.UpsertProduct(ctx, product.Normalized{
			Retailer:          "acme",
			RetailerProductID: rpid,
			Name:              "Product " + rpid,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "beta",
		RetailerProductID: "A",
		Name:              "Other retailer",
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.DeactivateAbsent(ctx, "acme", map[string]struct{}{"A": {}})
	if err != nil {
		t.Fatal(err)
	}
	require.EqualValues(t, 2, n)

	for rpid, active := range map[string]bool{"A": true, "B": false, "C": false} {
		m, err := s.RetailerMappings(ctx, "acme", rpid)
		if err != nil {
			t.Fatal(err)
		}
		require.Len(t, m, 1)
		require.Equal(t, active, m[0].IsActive, rpid)
	}
	m, err := s.RetailerMappings(ctx, "beta", "A")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, m[0].IsActive)

	// seeing it again reactivates
	_, err = s.UpsertProduct(ctx, product.Normalized{
		Retailer:          "acme",
		RetailerProductID: "B",
		Name:              "Product B",
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err = s.RetailerMappings(ctx, "acme", "B")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, m[0].IsActive)
}

func TestResolveCategoryIDs(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	cat, sub, err := s.ResolveCategoryIDs(ctx, "produce")
	if err != nil {
		t.Fatal(err)
	}
	require.Nil(t, cat)
	require.Nil(t, sub)

	count, err := s.SeedCategories(ctx, taxonomy.Default().Canonical())
	if err != nil {
		t.Fatal(err)
	}
	require.Greater(t, count, 13)

	cat, sub, err = s.ResolveCategoryIDs(ctx, "produce")
	if err != nil {
		t.Fatal(err)
	}
	require.NotNil(t, cat)
	require.Nil(t, sub)

	parent, sub, err := s.ResolveCategoryIDs(ctx, "fresh-fruit")
	if err != nil {
		t.Fatal(err)
	}
	require.NotNil(t, sub)
	require.Equal(t, *cat, *parent)

	cat, sub, err = s.ResolveCategoryIDs(ctx, "not-a-slug")
	if err != nil {
		t.Fatal(err)
	}
	require.Nil(t, cat)
	require.Nil(t, sub)

	// seeding twice is a no-op
	again, err := s.SeedCategories(ctx, taxonomy.Default().Canonical())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, count, again)
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s, _ := setup(t)
	_, err := s.UpsertProduct(context.Background(), product.Normalized{Retailer: "acme", Name: "x"})
	require.ErrorIs(t, err, product.ErrMissingID)
	_, err = s.UpsertProduct(context.Background(), product.Normalized{Retailer: "acme", RetailerProductID: "x"})
	require.ErrorIs(t, err, product.ErrMissingName)
}

func TestConcurrentUpserts(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertProduct(ctx, product.Normalized{
				Retailer:          "acme",
				RetailerProductID: fmt.Sprintf("C%d", i%5),
				Name:              "Concurrent",
				ListPrice:         product.Float(float64(1 + i%3)),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := range 5 {
		m, err := s.RetailerMappings(ctx, "acme", fmt.Sprintf("C%d", i))
		if err != nil {
			t.Fatal(err)
		}
		require.Len(t, m, 1)
		rows, err := s.PriceHistory(ctx, m[0].ProductID)
		if err != nil {
			t.Fatal(err)
		}
		require.Len(t, openRows(rows), 1)
	}
}
