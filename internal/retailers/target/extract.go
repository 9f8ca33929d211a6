package target

import (
	"encoding/json"
	"fmt"
	"strings"

	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/lib/htmlutil"
)

type searchProduct struct {
	TCIN string `json:"tcin"`
	Item struct {
		PrimaryBarcode     string `json:"primary_barcode"`
		ProductDescription struct {
			Title                 string   `json:"title"`
			DownstreamDescription string   `json:"downstream_description"`
			BulletDescriptions    []string `json:"bullet_descriptions"`
		} `json:"product_description"`
		PrimaryBrand struct {
			Name string `json:"name"`
		} `json:"primary_brand"`
		Enrichment struct {
			BuyURL string `json:"buy_url"`
			Images struct {
				PrimaryImageURL    string   `json:"primary_image_url"`
				AlternateImageURLs []string `json:"alternate_image_urls"`
			} `json:"images"`
		} `json:"enrichment"`
		HandlingAndOrigin struct {
			CountryOfOrigin string `json:"country_of_origin"`
		} `json:"handling"`
	} `json:"item"`
	Price struct {
		CurrentRetail            float64 `json:"current_retail"`
		RegRetail                float64 `json:"reg_retail"`
		FormattedUnitPrice       string  `json:"formatted_unit_price"`
		FormattedUnitPriceSuffix string  `json:"formatted_unit_price_suffix"`
	} `json:"price"`
	RatingsAndReviews struct {
		Statistics struct {
			Rating struct {
				Average *float64 `json:"average"`
				Count   *int     `json:"count"`
			} `json:"rating"`
		} `json:"statistics"`
	} `json:"ratings_and_reviews"`
}

// ExtractProduct maps one search result.
func (a *Adapter) ExtractProduct(raw product.RawProduct) (product.Normalized, error) {
	var p searchProduct
	err := json.Unmarshal(raw.Body, &p)
	if err != nil {
		return product.Normalized{}, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("target record %s: %w", raw.ID, err))
	}

	desc := p.Item.ProductDescription
	n := product.Normalized{
		Retailer:          product.Target,
		RetailerProductID: p.TCIN,
		Name:              htmlutil.FragmentText(desc.Title),
		Brand:             htmlutil.FragmentText(p.Item.PrimaryBrand.Name),
		OriginCountry:     htmlutil.FragmentText(p.Item.HandlingAndOrigin.CountryOfOrigin),
		Rating:            p.RatingsAndReviews.Statistics.Rating.Average,
		ReviewCount:       p.RatingsAndReviews.Statistics.Rating.Count,
		Raw:               raw.Body,
	}
	if n.RetailerProductID == "" {
		n.RetailerProductID = raw.ID
	}
	if code, ok := product.NormalizeBarcode(p.Item.PrimaryBarcode); ok {
		n.Barcode = code
	}

	n.Description = htmlutil.FragmentText(desc.DownstreamDescription)
	if n.Description == "" && len(desc.BulletDescriptions) > 0 {
		bullets := make([]string, 0, len(desc.BulletDescriptions))
		for _, b := range desc.BulletDescriptions {
			if b = htmlutil.FragmentText(b); b != "" {
				bullets = append(bullets, b)
			}
		}
		n.Description = strings.Join(bullets, "; ")
	}

	images := p.Item.Enrichment.Images
	if images.PrimaryImageURL != "" {
		n.ImageURL = images.PrimaryImageURL
		n.ImageURLs = append(n.ImageURLs, images.PrimaryImageURL)
	}
	for _, u := range images.AlternateImageURLs {
		if u != "" {
			n.ImageURLs = append(n.ImageURLs, u)
		}
	}
	if buy := p.Item.Enrichment.BuyURL; buy != "" {
		n.ProductPageURL = htmlutil.Resolve(a.cfg.SiteURL, buy)
	}

	current, reg := p.Price.CurrentRetail, p.Price.RegRetail
	switch {
	case reg > current && current > 0:
		n.ListPrice = product.Float(reg)
		n.SalePrice = product.Float(current)
	case current > 0:
		n.ListPrice = product.Float(current)
	case reg > 0:
		n.ListPrice = product.Float(reg)
	}

	unitPrice := p.Price.FormattedUnitPrice + p.Price.FormattedUnitPriceSuffix
	if per, uom, ok := product.ParseUnitPrice(unitPrice); ok {
		n.PricePerUnit = product.Float(per)
		n.PricePerUnitUOM = uom
	}
	if size, uom, ok := product.ParseSize(n.Name); ok {
		n.Size, n.SizeUOM = size, uom
	} else if size, uom, ok := product.SizeFromUnitPrice(current, unitPrice); ok {
		n.Size, n.SizeUOM = size, uom
	}
	return n, nil
}
