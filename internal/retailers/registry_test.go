package retailers

import (
	"testing"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/retailers/retailertest"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/scraper"

	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	def, err := Lookup(" HEB ")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, product.HEB, def.Retailer)

	_, err = Lookup("kroger")
	require.ErrorIs(t, err, scrapeerr.Config)
	require.ErrorContains(t, err, "amazonfresh, heb, target, walmart")
}

func TestAllIsSorted(t *testing.T) {
	var ids []product.Retailer
	for _, def := range All() {
		ids = append(ids, def.Retailer)
	}
	require.Equal(t, []product.Retailer{product.AmazonFresh, product.HEB, product.Target, product.Walmart}, ids)
}

func TestDefinitionsAreComplete(t *testing.T) {
	for _, def := range All() {
		t.Run(string(def.Retailer), func(t *testing.T) {
			require.NotEmpty(t, def.BaseURL)
			require.NotEmpty(t, def.DefaultStoreID)
			require.NotNil(t, def.New)
			require.Positive(t, def.Delay)
			require.LessOrEqual(t, def.DelayVariance, def.Delay)
			if def.RequiresBrowser {
				require.NotEmpty(t, def.Hint)
			}

			cfg := def.SessionConfig("42")
			require.Equal(t, def.Retailer, cfg.Retailer)
			require.Equal(t, "42", cfg.StoreID)
			require.Equal(t, def.Retailer, def.FetchConfig().Retailer)
		})
	}
}

func TestBuild(t *testing.T) {
	for _, def := range All() {
		t.Run(string(def.Retailer), func(t *testing.T) {
			deps := Deps{
				Client: retailertest.NewClient(t, def.Retailer, def.BaseURL),
				Tel:    telemetry.NewRecorder(),
			}
			adapter, err := def.Build(Options{Settings: map[string]string{"api_key": "k"}}, deps)
			if err != nil {
				t.Fatal(err)
			}
			require.Equal(t, def.Retailer, adapter.Retailer())

			_, full := adapter.(scraper.FullInventoryReporter)
			require.True(t, full)
		})
	}
}

func TestBuildMissingSetting(t *testing.T) {
	def, err := Lookup("target")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "TARGET_API_KEY", def.Settings["api_key"])
	_, err = def.Build(Options{}, Deps{Tel: telemetry.NewRecorder()})
	require.ErrorIs(t, err, scrapeerr.Config)
}
