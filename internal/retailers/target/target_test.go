package target

import (
	"context"
	"embed"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/retailers/retailertest"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/taxonomy"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/*.json
var fixtures embed.FS

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	buff, err := fixtures.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatal(err)
	}
	return buff
}

type api struct {
	t        *testing.T
	override func(w http.ResponseWriter, r *http.Request) bool

	mu       sync.Mutex
	requests []*http.Request
}

func (s *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()

	if r.URL.Query().Get("key") != "test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.override != nil && s.override(w, r) {
		return
	}
	w.Header().Set("content-type", "application/json")
	switch r.URL.Path {
	case DefaultSearchPath:
		if r.URL.Query().Get("category") != "u7fty" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.URL.Query().Get("offset") {
		case "0":
			w.Write(fixture(s.t, "search_0.json"))
		case "2":
			w.Write(fixture(s.t, "search_2.json"))
		default:
			w.Write([]byte(`{"data":{"search":{"products":[]}}}`))
		}
	case DefaultSummaryPath:
		w.Write(fixture(s.t, "summaries.json"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *api) queries(path string) []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]string
	for _, r := range s.requests {
		if r.URL.Path != path {
			continue
		}
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		out = append(out, q)
	}
	return out
}

func newTestAdapter(t *testing.T, cfg Config, override func(w http.ResponseWriter, r *http.Request) bool) (*Adapter, *api) {
	t.Helper()
	s := &api{t: t, override: override}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	if cfg.StoreID == "" {
		cfg.StoreID = "1375"
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 2
	}
	a, err := New(cfg, retailertest.NewClient(t, product.Target, ts.URL), telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	return a, s
}

var produce = product.Category{Retailer: product.Target, ID: "u7fty", Name: "Produce", ParentName: "Grocery"}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{StoreID: "1375"}, nil, telemetry.NewRecorder())
	require.ErrorIs(t, err, scrapeerr.Config)
	_, err = New(Config{APIKey: "k"}, nil, telemetry.NewRecorder())
	require.ErrorIs(t, err, scrapeerr.Config)

	a, err := New(Config{APIKey: "k", StoreID: "1375"}, nil, telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, a.cfg.VisitorID, 32)
	require.Equal(t, strings.ToUpper(a.cfg.VisitorID), a.cfg.VisitorID)
}

func TestDiscoverCategoriesUsesTaxonomy(t *testing.T) {
	a, s := newTestAdapter(t, Config{}, nil)
	categories, err := a.DiscoverCategories(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, taxonomy.StaticCategories(product.Target), categories)
	require.Equal(t, "u7fty", categories[0].ID)
	require.Empty(t, s.queries(DefaultSearchPath))
}

func TestScrapeCategoryPagesByOffset(t *testing.T) {
	a, s := newTestAdapter(t, Config{}, nil)

	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), produce), 10)
	require.Len(t, steps, 2)
	require.Equal(t, []string{"13276134", "54191097", "85978612"}, retailertest.IDs(steps))

	queries := s.queries(DefaultSearchPath)
	require.Len(t, queries, 2)
	require.Equal(t, "0", queries[0]["offset"])
	require.Equal(t, "2", queries[1]["offset"])
	require.Equal(t, "2", queries[0]["count"])
	require.Equal(t, "1375", queries[0]["pricing_store_id"])
	require.Equal(t, "/c/u7fty", queries[0]["page"])
	require.Equal(t, a.cfg.VisitorID, queries[1]["visitor_id"])
}

func TestBlockedOffsetIsSkipped(t *testing.T) {
	a, _ := newTestAdapter(t, Config{}, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == DefaultSearchPath && r.URL.Query().Get("offset") == "0" {
			w.WriteHeader(http.StatusForbidden)
			return true
		}
		return false
	})

	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), produce), 10)
	require.Len(t, steps, 2)
	require.ErrorIs(t, steps[0].Err, scrapeerr.Blocked)
	require.Equal(t, []string{"85978612"}, retailertest.IDs(steps))
}

func TestRejectedKeyIsFatal(t *testing.T) {
	a, _ := newTestAdapter(t, Config{}, nil)
	a.cfg.APIKey = "revoked"

	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), produce), 10)
	require.Len(t, steps, 1)
	require.ErrorIs(t, steps[0].Err, scrapeerr.Fatal)
}

func TestUnknownCategoryEndsQuietly(t *testing.T) {
	a, _ := newTestAdapter(t, Config{}, nil)
	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), product.Category{ID: "zzz"}), 10)
	require.Empty(t, steps)
}

func extractAll(t *testing.T, a *Adapter) []product.Normalized {
	t.Helper()
	var out []product.Normalized
	for _, step := range retailertest.Collect(a.ScrapeCategory(context.Background(), produce), 10) {
		require.NoError(t, step.Err)
		for _, raw := range step.Page {
			n, err := a.ExtractProduct(raw)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, n)
		}
	}
	return out
}

func TestExtractProduct(t *testing.T) {
	a, _ := newTestAdapter(t, Config{}, nil)
	products := extractAll(t, a)
	require.Len(t, products, 3)

	milk := products[0]
	milk.Raw = nil
	expected := product.Normalized{
		Retailer:          product.Target,
		RetailerProductID: "13276134",
		Name:              "Whole Milk - 1gal - Good & Gather™",
		Brand:             "Good & Gather",
		Description:       "Contains: Milk; Dietary Needs: Kosher",
		OriginCountry:     "United States",
		ImageURL:          "https://target.scene7.com/is/image/Target/GUEST_milk",
		ImageURLs: []string{
			"https://target.scene7.com/is/image/Target/GUEST_milk",
			"https://target.scene7.com/is/image/Target/GUEST_milk_2",
		},
		ProductPageURL: "https://www.target.com/p/whole-milk-1gal-good-38-gather-8482/-/A-13276134",
		ListPrice:      product.Float(3.59),
		SalePrice:      product.Float(3.19),
		Size:           "1",
		SizeUOM:        "gal",
		Rating:         product.Float(4.6),
		ReviewCount:    product.Int(1289),
	}
	if diff := cmp.Diff(expected, milk); diff != "" {
		t.Fatalf("milk (-want +got):\n%s", diff)
	}

	carrots := products[1]
	require.Equal(t, "Crunchy organic carrots.", carrots.Description)
	require.Equal(t, "https://www.target.com/p/organic-baby-carrots/-/A-54191097", carrots.ProductPageURL)
	require.Equal(t, 0.12, *carrots.PricePerUnit)
	require.Equal(t, "oz", carrots.PricePerUnitUOM)
	require.Equal(t, "16", carrots.Size)
	require.Nil(t, carrots.SalePrice)

	apples := products[2]
	require.Equal(t, "085239012345", apples.Barcode)
	require.Equal(t, "3", apples.Size)
	require.Equal(t, "lb", apples.SizeUOM)

	for _, n := range products {
		again, err := a.ExtractProduct(product.RawProduct{ID: n.RetailerProductID, Body: n.Raw})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(n, again); diff != "" {
			t.Fatalf("extraction of %s differs:\n%s", n.RetailerProductID, diff)
		}
	}
}

func TestEnrichBatch(t *testing.T) {
	a, s := newTestAdapter(t, Config{SummaryBatch: 2}, nil)
	products := extractAll(t, a)

	enriched, err := a.EnrichBatch(context.Background(), products)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, enriched, 3)

	milk := enriched[0]
	require.Equal(t, "085239109946", milk.Barcode)
	require.Equal(t, "in_stock", milk.StockStatus)
	require.True(t, *milk.InAssortment)

	carrots := enriched[1]
	require.Equal(t, "008523911234", carrots.Barcode)
	require.Equal(t, "out_of_stock", carrots.StockStatus)
	require.False(t, *carrots.InAssortment)

	// the listing barcode wins over the summary
	apples := enriched[2]
	require.Equal(t, "085239012345", apples.Barcode)
	require.Equal(t, "out_of_stock", apples.StockStatus)
	require.Nil(t, apples.InAssortment)

	queries := s.queries(DefaultSummaryPath)
	require.Len(t, queries, 2)
	var tcins []string
	for _, q := range queries {
		require.Equal(t, "1375", q["store_id"])
		tcins = append(tcins, q["tcins"])
	}
	require.ElementsMatch(t, []string{"13276134,54191097", "85978612"}, tcins)
}

func TestEnrichBatchFailures(t *testing.T) {
	a, _ := newTestAdapter(t, Config{}, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == DefaultSummaryPath {
			w.WriteHeader(http.StatusBadGateway)
			return true
		}
		return false
	})
	products := extractAll(t, a)

	_, err := a.EnrichBatch(context.Background(), products)
	require.ErrorIs(t, err, scrapeerr.Transient)

	enriched, err := a.EnrichBatch(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	require.Empty(t, enriched)
}
