package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"grocery-ingest/internal/product"
)

// State is what gets persisted for one retailer location.
type State struct {
	Cookies     map[string]string `json:"cookies"`
	LastRefresh time.Time         `json:"last_refresh"`
	StoreID     string            `json:"store_id"`
}

// Key returns the storage key of a retailer location.
func Key(retailer product.Retailer, storeID string) string {
	if storeID == "" {
		storeID = "default"
	}
	return fmt.Sprintf("%s_%s", retailer, storeID)
}

// ParseCookieHeader parses a Cookie header value ("a=1; b=2").
func ParseCookieHeader(header string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// FormatCookieHeader renders cookies as a Cookie header value with the
// names sorted.
func FormatCookieHeader(cookies map[string]string) string {
	parts := make([]string, 0, len(cookies))
	for _, name := range slices.Sorted(maps.Keys(cookies)) {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}

type exportedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseCookies accepts a Cookie header, a JSON object of name to value or
// a JSON array of {name, value} objects as exported by browser extensions.
func ParseCookies(text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return map[string]string{}, nil
	case strings.HasPrefix(text, "{"):
		var out map[string]string
		err := json.Unmarshal([]byte(text), &out)
		if err != nil {
			return nil, fmt.Errorf("parse cookies: %w", err)
		}
		return out, nil
	case strings.HasPrefix(text, "["):
		var list []exportedCookie
		err := json.Unmarshal([]byte(text), &list)
		if err != nil {
			return nil, fmt.Errorf("parse cookies: %w", err)
		}
		out := make(map[string]string, len(list))
		for _, c := range list {
			if c.Name != "" {
				out[c.Name] = c.Value
			}
		}
		return out, nil
	default:
		return ParseCookieHeader(text), nil
	}
}

// ReadCookiesFile reads cookies in any format ParseCookies accepts.
func ReadCookiesFile(path string) (map[string]string, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCookies(string(buff))
}
