package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/scrapeerr"
)

// HTTPLookup is a Lookup against a json endpoint:
//
//	POST {url} {"ids": [...], "store_id": "..."}
//	200 {"items": [{"id", "barcode", "brand", "in_assortment", "store_ids"}]}
type HTTPLookup struct {
	client  *fetch.Client
	url     string
	storeID string
	headers map[string]string
}

func NewHTTPLookup(client *fetch.Client, url, storeID, token string) HTTPLookup {
	headers := map[string]string{"accept": "application/json"}
	if token != "" {
		headers["authorization"] = "Bearer " + token
	}
	return HTTPLookup{client: client, url: url, storeID: storeID, headers: headers}
}

type lookupRequest struct {
	IDs     []string `json:"ids"`
	StoreID string   `json:"store_id,omitempty"`
}

type lookupItem struct {
	ID           string   `json:"id"`
	Barcode      string   `json:"barcode"`
	Brand        string   `json:"brand"`
	InAssortment *bool    `json:"in_assortment"`
	StoreIDs     []string `json:"store_ids"`
}

type lookupResponse struct {
	Items []lookupItem `json:"items"`
}

func (l HTTPLookup) Lookup(ctx context.Context, ids []string) (map[string]Record, error) {
	res, err := l.client.Post(ctx, l.url, l.headers, lookupRequest{IDs: ids, StoreID: l.storeID})
	if err != nil {
		return nil, Unavailable(err)
	}
	if res.Status != http.StatusOK {
		return nil, Unavailable(fmt.Errorf("lookup: status %d", res.Status))
	}

	var body lookupResponse
	err = json.Unmarshal(res.Body, &body)
	if err != nil {
		return nil, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("lookup response: %w", err))
	}
	out := make(map[string]Record, len(body.Items))
	for _, item := range body.Items {
		if item.ID == "" {
			continue
		}
		out[item.ID] = Record{
			RetailerProductID: item.ID,
			Barcode:           item.Barcode,
			Brand:             item.Brand,
			InAssortment:      item.InAssortment,
			StoreIDs:          item.StoreIDs,
		}
	}
	return out, nil
}

// Conversion is the barcode an identifier converts to, Title is the
// product title the conversion service knows it by.
type Conversion struct {
	Barcode string
	Title   string
}

// BarcodeLookup converts opaque identifiers into barcodes.
type BarcodeLookup interface {
	Barcodes(ctx context.Context, ids []string) (map[string]Conversion, error)
}

// HTTPBarcodeLookup is a token authenticated conversion service:
//
//	GET {url}?ids=A,B&token=...
//	200 {"results": [{"id", "barcode", "title"}]}
type HTTPBarcodeLookup struct {
	client *fetch.Client
	url    string
	token  string
}

func NewHTTPBarcodeLookup(client *fetch.Client, url, token string) HTTPBarcodeLookup {
	return HTTPBarcodeLookup{client: client, url: url, token: token}
}

type conversionResponse struct {
	Results []struct {
		ID      string `json:"id"`
		Barcode string `json:"barcode"`
		Title   string `json:"title"`
	} `json:"results"`
}

func (l HTTPBarcodeLookup) Barcodes(ctx context.Context, ids []string) (map[string]Conversion, error) {
	params := map[string]string{
		"token": l.token,
		"ids":   strings.Join(ids, ","),
	}
	res, err := l.client.Get(ctx, l.url, map[string]string{"accept": "application/json"}, params)
	if err != nil {
		return nil, Unavailable(err)
	}
	switch res.Status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusPaymentRequired:
		return nil, scrapeerr.Errorf(scrapeerr.Fatal, "barcode lookup: status %d, check the token", res.Status)
	default:
		return nil, Unavailable(fmt.Errorf("barcode lookup: status %d", res.Status))
	}

	var body conversionResponse
	err = json.Unmarshal(res.Body, &body)
	if err != nil {
		return nil, scrapeerr.Wrap(scrapeerr.Parse, fmt.Errorf("barcode lookup response: %w", err))
	}
	out := make(map[string]Conversion, len(body.Results))
	for _, r := range body.Results {
		if r.ID == "" || r.Barcode == "" {
			continue
		}
		out[r.ID] = Conversion{Barcode: r.Barcode, Title: r.Title}
	}
	return out, nil
}
