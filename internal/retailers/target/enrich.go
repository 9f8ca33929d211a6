package target

import (
	"context"
	"errors"
	"strings"
	"sync"

	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/scraper"
)

type availability struct {
	AvailabilityStatus string `json:"availability_status"`
}

type productSummary struct {
	TCIN string `json:"tcin"`
	Item struct {
		PrimaryBarcode string `json:"primary_barcode"`
		PrimaryBrand   struct {
			Name string `json:"name"`
		} `json:"primary_brand"`
	} `json:"item"`
	Fulfillment struct {
		IsOutOfStockInAllStoreLocations bool `json:"is_out_of_stock_in_all_store_locations"`
		StoreOptions                    []struct {
			LocationID  string       `json:"location_id"`
			OrderPickup availability `json:"order_pickup"`
			InStoreOnly availability `json:"in_store_only"`
		} `json:"store_options"`
	} `json:"fulfillment"`
}

type summaryResponse struct {
	Data struct {
		ProductSummaries []productSummary `json:"product_summaries"`
	} `json:"data"`
}

const notSoldInStore = "NOT_SOLD_IN_STORE"

var availabilityStates = map[string]string{
	"IN_STOCK":      "in_stock",
	"LIMITED_STOCK": "limited",
	"OUT_OF_STOCK":  "out_of_stock",
	"UNAVAILABLE":   "out_of_stock",
	notSoldInStore:  "out_of_stock",
}

// fields turns a summary into the fields it fills on a listing product.
func (a *Adapter) fields(s productSummary) product.Normalized {
	n := product.Normalized{Brand: s.Item.PrimaryBrand.Name}
	if code, ok := product.NormalizeBarcode(s.Item.PrimaryBarcode); ok {
		n.Barcode = code
	}
	for _, option := range s.Fulfillment.StoreOptions {
		if option.LocationID != a.cfg.StoreID {
			continue
		}
		inStore := strings.ToUpper(option.InStoreOnly.AvailabilityStatus)
		pickup := strings.ToUpper(option.OrderPickup.AvailabilityStatus)
		n.InAssortment = product.Bool(inStore != notSoldInStore)
		n.StockStatus = availabilityStates[inStore]
		if n.StockStatus == "" {
			n.StockStatus = availabilityStates[pickup]
		}
		return n
	}
	if s.Fulfillment.IsOutOfStockInAllStoreLocations {
		n.StockStatus = "out_of_stock"
	}
	return n
}

func (a *Adapter) summaries(ctx context.Context, tcins []string) ([]productSummary, error) {
	var res summaryResponse
	_, err := a.getJSON(ctx, a.cfg.SummaryPath, a.params(map[string]string{
		"tcins":    strings.Join(tcins, ","),
		"store_id": a.cfg.StoreID,
	}), &res)
	if err != nil {
		return nil, err
	}
	return res.Data.ProductSummaries, nil
}

// EnrichBatch fills barcodes, brands and store availability from the
// summary endpoint. Fields already present on a product win. Requests that
// fail leave their products as they are; the error is only returned when
// every request failed.
func (a *Adapter) EnrichBatch(ctx context.Context, batch []product.Normalized) ([]product.Normalized, error) {
	var tcins []string
	for _, n := range batch {
		if n.RetailerProductID != "" {
			tcins = append(tcins, n.RetailerProductID)
		}
	}
	var chunks [][]string
	for start := 0; start < len(tcins); start += a.cfg.SummaryBatch {
		chunks = append(chunks, tcins[start:min(start+a.cfg.SummaryBatch, len(tcins))])
	}

	var (
		mu     sync.Mutex
		found  = map[string]productSummary{}
		errs   []error
		failed int
	)
	err := scraper.FanOut(ctx, a.cfg.FanOutWidth, len(chunks), func(ctx context.Context, i int) error {
		summaries, err := a.summaries(ctx, chunks[i])
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if scrapeerr.Terminal(err) {
				return err
			}
			a.tel.ReportWarning(report_summary, err, len(chunks[i]))
			errs = append(errs, err)
			failed++
			return nil
		}
		for _, s := range summaries {
			found[s.TCIN] = s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 && failed == len(chunks) {
		return nil, errors.Join(errs...)
	}

	out := make([]product.Normalized, len(batch))
	for i, n := range batch {
		out[i] = n
		if s, ok := found[n.RetailerProductID]; ok {
			out[i] = product.Merge(n, a.fields(s))
		}
	}
	return out, nil
}
