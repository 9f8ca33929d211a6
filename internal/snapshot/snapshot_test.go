package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/scraper"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var location = product.Location{Retailer: product.Walmart, StoreID: "5823"}

func item(id, name string) product.Normalized {
	return product.Normalized{
		Retailer:             product.Walmart,
		StoreID:              "5823",
		RetailerProductID:    id,
		Name:                 name,
		RetailerCategoryName: "Milk",
		CostPrice:            product.Float(3.48),
		Raw:                  json.RawMessage(`{"usItemId":"` + id + `"}`),
	}
}

func TestWriterFlushesEveryN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "walmart.json")
	clock := chrono.NewManualImpl(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	w, err := Open(path, location, 2, clock, telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	err = w.Put(ctx, item("1", "Milk"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	err = w.Put(ctx, item("2", "Cream"))
	if err != nil {
		t.Fatal(err)
	}
	file, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 2, file.Metadata.TotalProducts)
	require.Nil(t, file.Metadata.Stats)

	err = w.Put(ctx, item("3", "Butter"))
	if err != nil {
		t.Fatal(err)
	}
	err = w.Finish(ctx, scraper.Stats{Retailer: product.Walmart, Scraped: 3})
	if err != nil {
		t.Fatal(err)
	}

	file, err = Read(path)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, product.Walmart, file.Metadata.Retailer)
	require.Equal(t, "5823", file.Metadata.StoreID)
	require.Equal(t, 3, file.Metadata.TotalProducts)
	require.True(t, file.Metadata.ScrapedAt.Equal(clock.Now()))
	require.Equal(t, 3, file.Metadata.Stats.Scraped)
	want, got := item("3", "Butter"), file.Products[2]
	// raw records are re-indented with the file
	require.JSONEq(t, string(want.Raw), string(got.Raw))
	got.Raw = want.Raw
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("product mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walmart.json")
	clock := chrono.NewManualImpl(time.Now())
	ctx := context.Background()

	w, err := Open(path, location, 10, clock, telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	require.Zero(t, w.Resumed())
	for _, id := range []string{"1", "2"} {
		err = w.Put(ctx, item(id, "Product "+id))
		if err != nil {
			t.Fatal(err)
		}
	}
	err = w.Flush()
	if err != nil {
		t.Fatal(err)
	}

	w, err = Open(path, location, 10, clock, telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 2, w.Resumed())
	require.Equal(t, []string{"1", "2"}, w.SeenIDs())

	// a product written again replaces its earlier version
	err = w.Put(ctx, item("2", "Renamed"))
	if err != nil {
		t.Fatal(err)
	}
	err = w.Put(ctx, item("3", "Product 3"))
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 3, w.Len())
	err = w.Finish(ctx, scraper.Stats{})
	if err != nil {
		t.Fatal(err)
	}

	file, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, file.Products, 3)
	require.Equal(t, "Renamed", file.Products[1].Name)

	_, err = Open(path, product.Location{Retailer: product.Target, StoreID: "1375"}, 10, clock, telemetry.NewRecorder())
	require.ErrorIs(t, err, scrapeerr.Config)

	err = os.WriteFile(path, []byte("{"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Open(path, location, 10, clock, telemetry.NewRecorder())
	require.ErrorIs(t, err, scrapeerr.Config)
}

func TestEmptySnapshotHasProductsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	w, err := Open(path, location, 0, chrono.NewStandardImpl(), telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	err = w.Finish(context.Background(), scraper.Stats{})
	if err != nil {
		t.Fatal(err)
	}
	buff, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	require.Contains(t, string(buff), `"products": []`)
}
