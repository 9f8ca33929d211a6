package scraper

import (
	"fmt"
	"time"

	"grocery-ingest/internal/product"
)

// errors kept in memory, the log file has all of them
const maxStatErrors = 100

// Stats are the counters of one sweep. They are only mutated by the driver
// goroutine.
type Stats struct {
	Retailer product.Retailer `json:"retailer"`
	StoreID  string           `json:"store_id,omitempty"`

	Scraped    int `json:"scraped"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
	// Filtered counts records an enricher reported as not stocked.
	Filtered            int `json:"filtered"`
	BlockedPages        int `json:"blocked_pages"`
	Categories          int `json:"categories"`
	ExcludedCategories  int `json:"excluded_categories"`
	AbandonedCategories int `json:"abandoned_categories"`
	FailedCategories    int `json:"failed_categories"`

	Deactivated int64 `json:"deactivated"`

	Elapsed time.Duration `json:"elapsed"`

	// Cancelled is set when the sweep stopped early, Capped when that was
	// because of the item cap. Complete means every included category was
	// paginated to its end.
	Cancelled bool `json:"cancelled"`
	Capped    bool `json:"capped"`
	Complete  bool `json:"complete"`

	Errors        []string `json:"errors,omitempty"`
	DroppedErrors int      `json:"dropped_errors,omitempty"`
}

func (s *Stats) addError(format string, args ...any) {
	if len(s.Errors) >= maxStatErrors {
		s.DroppedErrors++
		return
	}
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// FirstErrors returns at most n collected errors.
func (s Stats) FirstErrors(n int) []string {
	if len(s.Errors) <= n {
		return s.Errors
	}
	return s.Errors[:n]
}

// Unsuccessful reports a sweep that failed every record it touched.
func (s Stats) Unsuccessful() bool {
	return s.Scraped == 0 && s.Failed > 0
}
