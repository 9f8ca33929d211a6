package heb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/lib/htmlutil"
)

type amount struct {
	Amount float64 `json:"amount"`
}

type unitAmount struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

type contextPrice struct {
	Context       string      `json:"context"`
	IsOnSale      bool        `json:"isOnSale"`
	ListPrice     *amount     `json:"listPrice"`
	SalePrice     *amount     `json:"salePrice"`
	UnitListPrice *unitAmount `json:"unitListPrice"`
}

type sku struct {
	ID                   string         `json:"id"`
	TwelveDigitUPC       string         `json:"twelveDigitUPC"`
	CustomerFriendlySize string         `json:"customerFriendlySize"`
	ContextPrices        []contextPrice `json:"contextPrices"`
}

type record struct {
	ProductID          string `json:"productId"`
	DisplayName        string `json:"displayName"`
	ProductDescription string `json:"productDescription"`
	ProductPageURL     string `json:"productPageURL"`
	CountryOfOrigin    string `json:"countryOfOrigin"`
	Brand              *struct {
		Name       string `json:"name"`
		IsOwnBrand bool   `json:"isOwnBrand"`
	} `json:"brand"`
	ProductImageUrls []struct {
		URL  string `json:"url"`
		Size string `json:"size"`
	} `json:"productImageUrls"`
	ProductLocation *struct {
		Location string `json:"location"`
	} `json:"productLocation"`
	Inventory *struct {
		InventoryState string `json:"inventoryState"`
	} `json:"inventory"`
	SKUs []sku `json:"SKUs"`
}

var stockStates = map[string]string{
	"IN_STOCK":     "in_stock",
	"LOW_STOCK":    "limited",
	"OUT_OF_STOCK": "out_of_stock",
}

func priceOf(a *amount) *float64 {
	if a == nil || a.Amount <= 0 {
		return nil
	}
	return product.Float(a.Amount)
}

// ExtractProduct maps one BrowseCategory record. The first sku carries the
// barcode, size and prices; every context price is kept in PricingContexts.
func (a *Adapter) ExtractProduct(raw product.RawProduct) (product.Normalized, error) {
	var r record
	err := json.Unmarshal(raw.Body, &r)
	if err != nil {
		return product.Normalized{}, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("heb record %s: %w", raw.ID, err))
	}

	n := product.Normalized{
		Retailer:          product.HEB,
		RetailerProductID: r.ProductID,
		Name:              htmlutil.CleanText(r.DisplayName),
		Description:       htmlutil.FragmentText(r.ProductDescription),
		OriginCountry:     strings.TrimSpace(r.CountryOfOrigin),
		Raw:               raw.Body,
	}
	if n.RetailerProductID == "" {
		n.RetailerProductID = raw.ID
	}
	if r.Brand != nil {
		n.Brand = htmlutil.CleanText(r.Brand.Name)
	}
	if r.ProductPageURL != "" {
		n.ProductPageURL = htmlutil.Resolve(a.cfg.SiteURL, r.ProductPageURL)
	}
	for _, img := range r.ProductImageUrls {
		if img.URL == "" {
			continue
		}
		n.ImageURLs = append(n.ImageURLs, img.URL)
	}
	if len(n.ImageURLs) > 0 {
		n.ImageURL = n.ImageURLs[0]
	}
	if r.ProductLocation != nil {
		n.StoreAisle = strings.TrimSpace(r.ProductLocation.Location)
	}
	if r.Inventory != nil {
		n.StockStatus = stockStates[strings.ToUpper(r.Inventory.InventoryState)]
	}

	for _, s := range r.SKUs {
		if s.ID != "" {
			n.SKUs = append(n.SKUs, s.ID)
		}
	}
	if len(r.SKUs) == 0 {
		return n, nil
	}
	first := r.SKUs[0]

	if code, ok := product.NormalizeBarcode(first.TwelveDigitUPC); ok {
		n.Barcode = code
	}
	if size, uom, ok := product.ParseSize(first.CustomerFriendlySize); ok {
		n.Size, n.SizeUOM = size, uom
	}

	contexts := append([]contextPrice(nil), first.ContextPrices...)
	sort.SliceStable(contexts, func(i, j int) bool {
		return contexts[i].Context < contexts[j].Context
	})
	var primary *contextPrice
	for i, cp := range contexts {
		name := strings.ToUpper(strings.TrimSpace(cp.Context))
		if name == "" {
			continue
		}
		row, ok := product.NewPriceRow(priceOf(cp.ListPrice), priceOf(cp.SalePrice))
		if !ok {
			continue
		}
		if n.PricingContexts == nil {
			n.PricingContexts = map[string]product.PriceRow{}
		}
		n.PricingContexts[name] = row
		if primary == nil || name == a.cfg.PrimaryContext {
			primary = &contexts[i]
		}
	}
	if primary != nil {
		n.ListPrice = priceOf(primary.ListPrice)
		n.SalePrice = priceOf(primary.SalePrice)
		if n.SalePrice != nil && n.ListPrice != nil && !primary.IsOnSale && *n.SalePrice >= *n.ListPrice {
			n.SalePrice = nil
		}
		if unit := primary.UnitListPrice; unit != nil && unit.Amount > 0 {
			n.PricePerUnit = product.Float(unit.Amount)
			n.PricePerUnitUOM = product.NormalizeUOM(unit.Unit)
			if n.PricePerUnitUOM == "" {
				n.PricePerUnitUOM = strings.ToLower(strings.TrimSpace(unit.Unit))
			}
		}
	}
	return n, nil
}
