package amazonfresh

import (
	"context"
	"embed"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/retailers/retailertest"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/taxonomy"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/*.html
var fixtures embed.FS

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	buff, err := fixtures.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatal(err)
	}
	return buff
}

type site struct {
	t        *testing.T
	override func(w http.ResponseWriter, r *http.Request) bool

	mu       sync.Mutex
	requests []*http.Request
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()

	if s.override != nil && s.override(w, r) {
		return
	}
	q := r.URL.Query()
	if r.URL.Path != "/s" || q.Get("i") != freshIndex {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("content-type", "text/html")
	switch {
	case q.Get("rh") != "n:6506977011":
		w.Write([]byte(`<html><body><div class="s-main-slot"></div></body></html>`))
	case q.Get("page") == "2":
		w.Write(fixture(s.t, "search_fruits_2.html"))
	default:
		w.Write(fixture(s.t, "search_fruits_1.html"))
	}
}

func (s *site) pages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		out = append(out, r.URL.Query().Get("page"))
	}
	return out
}

func newTestAdapter(t *testing.T, override func(w http.ResponseWriter, r *http.Request) bool) (*Adapter, *site) {
	t.Helper()
	s := &site{t: t, override: override}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	client, err := fetch.New(fetch.Config{
		Retailer:        product.AmazonFresh,
		BaseURL:         ts.URL,
		MaxRetries:      1,
		RetryWait:       time.Millisecond,
		RetryMaxWait:    5 * time.Millisecond,
		BlockSignatures: BlockSignatures,
	}, telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{}, client, telemetry.NewRecorder()), s
}

func fruits(t *testing.T) product.Category {
	t.Helper()
	for _, c := range taxonomy.StaticCategories(product.AmazonFresh) {
		if c.ID == "6506977011" {
			return c
		}
	}
	t.Fatal("fresh fruits missing from the taxonomy table")
	return product.Category{}
}

func TestDiscoverCategories(t *testing.T) {
	a, s := newTestAdapter(t, nil)
	categories, err := a.DiscoverCategories(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.NotEmpty(t, categories)
	require.Empty(t, s.pages())
	require.False(t, a.SupportsFullInventory())
}

func TestScrapeCategoryFollowsNextLink(t *testing.T) {
	a, s := newTestAdapter(t, nil)

	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), fruits(t)), 10)
	require.Len(t, steps, 2)
	require.Equal(t, []string{"B07ZQGZ3PV", "B08HXMR3YL", "B09BSGVWZ1"}, retailertest.IDs(steps))
	require.Equal(t, []string{"", "2"}, s.pages())
}

func TestScrapeCategoryWithoutURL(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), product.Category{ID: "6506977011"}), 10)
	require.Len(t, steps, 2)
}

func TestBlockedPageRequestsNextByNumber(t *testing.T) {
	a, s := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("page") == "" {
			w.Write(fixture(t, "captcha.html"))
			return true
		}
		return false
	})

	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), fruits(t)), 10)
	require.Len(t, steps, 2)
	require.ErrorIs(t, steps[0].Err, scrapeerr.Blocked)
	require.Equal(t, []string{"B09BSGVWZ1"}, retailertest.IDs(steps))
	require.Equal(t, []string{"", "2"}, s.pages())
}

func TestUnexpectedPageIsAParseError(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) bool {
		w.Write([]byte(`<html><body><h1>Something went wrong</h1></body></html>`))
		return true
	})
	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), fruits(t)), 10)
	require.Len(t, steps, 1)
	require.ErrorIs(t, steps[0].Err, scrapeerr.Parse)
}

func TestEmptyCategoryEndsQuietly(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), product.Category{ID: "16318031"}), 10)
	require.Empty(t, steps)
}

func TestExtractProduct(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	steps := retailertest.Collect(a.ScrapeCategory(context.Background(), fruits(t)), 10)

	var products []product.Normalized
	for _, step := range steps {
		require.NoError(t, step.Err)
		for _, raw := range step.Page {
			n, err := a.ExtractProduct(raw)
			if err != nil {
				t.Fatal(err)
			}
			products = append(products, n)
		}
	}
	require.Len(t, products, 3)

	strawberries := products[0]
	strawberries.Raw = nil
	expected := product.Normalized{
		Retailer:          product.AmazonFresh,
		RetailerProductID: "B07ZQGZ3PV",
		Name:              "Fresh Strawberries, 1 lb",
		ImageURL:          "https://m.media-amazon.com/images/I/71strawberry.jpg",
		ImageURLs:         []string{"https://m.media-amazon.com/images/I/71strawberry.jpg"},
		ProductPageURL:    "https://www.amazon.com/dp/B07ZQGZ3PV",
		ListPrice:         product.Float(4.29),
		SalePrice:         product.Float(3.49),
		PricePerUnit:      product.Float(3.49),
		PricePerUnitUOM:   "lb",
		Size:              "1",
		SizeUOM:           "lb",
		Rating:            product.Float(4.4),
		ReviewCount:       product.Int(12345),
	}
	if diff := cmp.Diff(expected, strawberries); diff != "" {
		t.Fatalf("strawberries (-want +got):\n%s", diff)
	}

	apples := products[1]
	require.Equal(t, "365 by Whole Foods Market", apples.Brand)
	require.Equal(t, "Organic Honeycrisp Apples", apples.Name)
	require.Equal(t, 5.98, *apples.ListPrice)
	require.Nil(t, apples.SalePrice)
	require.Equal(t, "3", apples.Size)
	require.Equal(t, "lb", apples.SizeUOM)
	require.Empty(t, apples.Barcode)

	grapes := products[2]
	require.Equal(t, "out_of_stock", grapes.StockStatus)
	require.Equal(t, "2", grapes.Size)

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

func TestExtractProductRejectsMalformedASIN(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	_, err := a.ExtractProduct(product.RawProduct{ID: "x", Body: []byte(`{"asin":"not-an-asin"}`)})
	require.ErrorIs(t, err, scrapeerr.Parse)
	_, err = a.ExtractProduct(product.RawProduct{ID: "x", Body: []byte(`{`)})
	require.ErrorIs(t, err, scrapeerr.Parse)
}
