package amazonfresh

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// card is what a search result card shows, it is the body of the raw
// products of this adapter.
type card struct {
	ASIN         string `json:"asin"`
	Title        string `json:"title"`
	Brand        string `json:"brand,omitempty"`
	URL          string `json:"url,omitempty"`
	Image        string `json:"image,omitempty"`
	Price        string `json:"price,omitempty"`
	ListPrice    string `json:"list_price,omitempty"`
	UnitPrice    string `json:"unit_price,omitempty"`
	Rating       string `json:"rating,omitempty"`
	Reviews      string `json:"reviews,omitempty"`
	Availability string `json:"availability,omitempty"`
}

func parseCards(doc *goquery.Document) []card {
	var out []card
	doc.Find(`div[data-component-type="s-search-result"]`).Each(func(_ int, s *goquery.Selection) {
		asin := strings.TrimSpace(s.AttrOr("data-asin", ""))
		if asin == "" {
			return
		}
		c := card{
			ASIN:      asin,
			Title:     htmlutil.SelectionText(s.Find("h2").First()),
			Brand:     htmlutil.SelectionText(s.Find("h5 span").First()),
			Image:     s.Find("img.s-image").AttrOr("src", ""),
			ListPrice: htmlutil.SelectionText(s.Find("span.a-price.a-text-price span.a-offscreen").First()),
			Rating:    htmlutil.SelectionText(s.Find("span.a-icon-alt").First()),
			Reviews:   htmlutil.SelectionText(s.Find("span.s-underline-text").First()),
		}
		c.URL, _ = s.Find("h2 a, a.s-no-outline").First().Attr("href")
		c.Price = htmlutil.SelectionText(s.Find("span.a-price").Not(".a-text-price").Find("span.a-offscreen").First())
		s.Find("span.a-color-secondary").EachWithBreak(func(_ int, span *goquery.Selection) bool {
			text := htmlutil.SelectionText(span)
			if strings.HasPrefix(text, "(") && strings.Contains(text, "/") {
				c.UnitPrice = strings.Trim(text, "()")
				return false
			}
			return true
		})
		if strings.Contains(strings.ToLower(htmlutil.SelectionText(s)), "currently unavailable") {
			c.Availability = "out_of_stock"
		}
		out = append(out, c)
	})
	return out
}

var (
	moneyPattern  = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	asinPattern   = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	ratingPattern = regexp.MustCompile(`^(\d(?:\.\d)?) out of 5`)
)

func parseMoney(s string) *float64 {
	m := moneyPattern.FindString(s)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil || v <= 0 {
		return nil
	}
	return product.Float(v)
}

// ExtractProduct normalizes a result card.
func (a *Adapter) ExtractProduct(raw product.RawProduct) (product.Normalized, error) {
	var c card
	err := json.Unmarshal(raw.Body, &c)
	if err != nil {
		return product.Normalized{}, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("amazonfresh card %s: %w", raw.ID, err))
	}
	if c.ASIN == "" {
		c.ASIN = raw.ID
	}
	if c.ASIN != "" && !asinPattern.MatchString(c.ASIN) {
		return product.Normalized{}, scrapeerr.Errorf(scrapeerr.Parse, "amazonfresh card: malformed asin %q", c.ASIN)
	}

	n := product.Normalized{
		Retailer:          product.AmazonFresh,
		RetailerProductID: c.ASIN,
		Name:              c.Title,
		Brand:             c.Brand,
		ImageURL:          c.Image,
		StockStatus:       c.Availability,
		Raw:               raw.Body,
	}
	if n.ImageURL != "" {
		n.ImageURLs = []string{n.ImageURL}
	}
	if c.ASIN != "" {
		n.ProductPageURL = htmlutil.Resolve(a.cfg.SiteURL, "/dp/"+c.ASIN)
	}

	price := parseMoney(c.Price)
	list := parseMoney(c.ListPrice)
	switch {
	case price != nil && list != nil && *list > *price:
		n.ListPrice, n.SalePrice = list, price
	case price != nil:
		n.ListPrice = price
	}

	if per, uom, ok := product.ParseUnitPrice(c.UnitPrice); ok {
		n.PricePerUnit = product.Float(per)
		n.PricePerUnitUOM = uom
	}
	if size, uom, ok := product.ParseSize(n.Name); ok {
		n.Size, n.SizeUOM = size, uom
	} else if price != nil {
		if size, uom, ok := product.SizeFromUnitPrice(*price, c.UnitPrice); ok {
			n.Size, n.SizeUOM = size, uom
		}
	}

	if m := ratingPattern.FindStringSubmatch(c.Rating); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			n.Rating = product.Float(v)
		}
	}
	if c.Reviews != "" {
		if v, err := strconv.Atoi(strings.NewReplacer(",", "", "(", "", ")", "").Replace(c.Reviews)); err == nil {
			n.ReviewCount = product.Int(v)
		}
	}
	return n, nil
}
