package walmart

import "encoding/json"

// nextData is the envelope every walmart.com page embeds in __NEXT_DATA__.
type nextData struct {
	Props struct {
		PageProps struct {
			InitialData json.RawMessage `json:"initialData"`
		} `json:"pageProps"`
	} `json:"props"`
}

type navigationLink struct {
	Name          string           `json:"name"`
	URL           string           `json:"url"`
	SubCategories []navigationLink `json:"subCategories"`
}

type departmentData struct {
	ContentLayout struct {
		Modules []struct {
			Type    string `json:"type"`
			Configs struct {
				Categories []navigationLink `json:"categories"`
			} `json:"configs"`
		} `json:"modules"`
	} `json:"contentLayout"`
}

type browseData struct {
	SearchResult struct {
		ItemStacks []struct {
			Items []json.RawMessage `json:"items"`
		} `json:"itemStacks"`
		PaginationV2 struct {
			MaxPage     int `json:"maxPage"`
			CurrentPage int `json:"currentPage"`
		} `json:"paginationV2"`
	} `json:"searchResult"`
}

type itemHeader struct {
	Typename string `json:"__typename"`
	UsItemID string `json:"usItemId"`
}

type price struct {
	Price       float64 `json:"price"`
	PriceString string  `json:"priceString"`
}

type listingItem struct {
	UsItemID     string `json:"usItemId"`
	Name         string `json:"name"`
	Brand        string `json:"brand"`
	CanonicalURL string `json:"canonicalUrl"`
	ImageInfo    struct {
		ThumbnailURL string `json:"thumbnailUrl"`
	} `json:"imageInfo"`
	PriceInfo struct {
		CurrentPrice *price `json:"currentPrice"`
		WasPrice     *price `json:"wasPrice"`
		UnitPrice    *price `json:"unitPrice"`
	} `json:"priceInfo"`
	AvailabilityStatusV2 struct {
		Value string `json:"value"`
	} `json:"availabilityStatusV2"`
	AverageRating   *float64 `json:"averageRating"`
	NumberOfReviews *int     `json:"numberOfReviews"`
}

type detailData struct {
	Data struct {
		Product json.RawMessage `json:"product"`
	} `json:"data"`
}

type detailProduct struct {
	UsItemID         string `json:"usItemId"`
	UPC              string `json:"upc"`
	Brand            string `json:"brand"`
	ShortDescription string `json:"shortDescription"`
	ImageInfo        struct {
		AllImages []struct {
			URL string `json:"url"`
		} `json:"allImages"`
	} `json:"imageInfo"`
}

// envelope is the body of a RawProduct, detail is absent when product
// pages were skipped or failed.
type envelope struct {
	Listing json.RawMessage `json:"listing"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}
