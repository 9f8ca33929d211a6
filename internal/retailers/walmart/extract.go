package walmart

import (
	"encoding/json"
	"fmt"
	"strings"

	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/lib/htmlutil"
)

var stockStates = map[string]string{
	"IN_STOCK":      "in_stock",
	"LIMITED_STOCK": "limited",
	"OUT_OF_STOCK":  "out_of_stock",
}

// ExtractProduct normalizes the listing record and merges the product page
// data over it when present.
func (a *Adapter) ExtractProduct(raw product.RawProduct) (product.Normalized, error) {
	var env envelope
	err := json.Unmarshal(raw.Body, &env)
	if err != nil {
		return product.Normalized{}, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("walmart record %s: %w", raw.ID, err))
	}
	var item listingItem
	err = json.Unmarshal(env.Listing, &item)
	if err != nil {
		return product.Normalized{}, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("walmart listing %s: %w", raw.ID, err))
	}

	n := a.fromListing(item)
	n.Raw = raw.Body
	if n.RetailerProductID == "" {
		n.RetailerProductID = raw.ID
	}

	if len(env.Detail) > 0 {
		var detail detailProduct
		err = json.Unmarshal(env.Detail, &detail)
		if err != nil {
			return product.Normalized{}, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("walmart detail %s: %w", raw.ID, err))
		}
		n = product.Merge(n, fromDetail(detail))
	}
	return n, nil
}

func (a *Adapter) fromListing(item listingItem) product.Normalized {
	n := product.Normalized{
		Retailer:          product.Walmart,
		RetailerProductID: item.UsItemID,
		Name:              htmlutil.CleanText(item.Name),
		Brand:             htmlutil.CleanText(item.Brand),
		ImageURL:          item.ImageInfo.ThumbnailURL,
		StockStatus:       stockStates[strings.ToUpper(item.AvailabilityStatusV2.Value)],
		Rating:            item.AverageRating,
		ReviewCount:       item.NumberOfReviews,
	}
	if item.CanonicalURL != "" {
		n.ProductPageURL = htmlutil.Resolve(a.cfg.SiteURL, item.CanonicalURL)
	}
	if n.ImageURL != "" {
		n.ImageURLs = []string{n.ImageURL}
	}

	var current, was float64
	if p := item.PriceInfo.CurrentPrice; p != nil {
		current = p.Price
	}
	if p := item.PriceInfo.WasPrice; p != nil {
		was = p.Price
	}
	switch {
	case was > current && current > 0:
		n.ListPrice = product.Float(was)
		n.SalePrice = product.Float(current)
	case current > 0:
		n.ListPrice = product.Float(current)
	}

	unitPrice := ""
	if p := item.PriceInfo.UnitPrice; p != nil {
		unitPrice = p.PriceString
	}
	if per, uom, ok := product.ParseUnitPrice(unitPrice); ok {
		n.PricePerUnit = product.Float(per)
		n.PricePerUnitUOM = uom
	}

	if size, uom, ok := product.ParseSize(n.Name); ok {
		n.Size, n.SizeUOM = size, uom
	} else if size, uom, ok := product.SizeFromUnitPrice(current, unitPrice); ok {
		n.Size, n.SizeUOM = size, uom
	}
	return n
}

func fromDetail(detail detailProduct) product.Normalized {
	n := product.Normalized{
		RetailerProductID: detail.UsItemID,
		Brand:             htmlutil.CleanText(detail.Brand),
		Description:       htmlutil.FragmentText(detail.ShortDescription),
	}
	if code, ok := product.NormalizeBarcode(detail.UPC); ok {
		n.Barcode = code
	}
	for _, img := range detail.ImageInfo.AllImages {
		if img.URL != "" {
			n.ImageURLs = append(n.ImageURLs, img.URL)
		}
	}
	return n
}
