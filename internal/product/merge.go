package product

func firstStr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstPtr[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Merge fills the empty fields of base with the fields of other. Fields
// already set on base win, lists are unioned in order and pricing contexts
// are unioned with base winning on conflicts. Merge is associative and
// idempotent, so merging listing and detail records in any grouping gives
// the same product.
func Merge(base, other Normalized) Normalized {
	out := base
	out.Retailer = Retailer(firstStr(string(base.Retailer), string(other.Retailer)))
	out.StoreID = firstStr(base.StoreID, other.StoreID)
	out.RetailerProductID = firstStr(base.RetailerProductID, other.RetailerProductID)
	out.Name = firstStr(base.Name, other.Name)
	out.ImageURL = firstStr(base.ImageURL, other.ImageURL)
	out.Barcode = firstStr(base.Barcode, other.Barcode)
	out.Brand = firstStr(base.Brand, other.Brand)
	if base.Size == "" {
		out.Size, out.SizeUOM = other.Size, other.SizeUOM
	}
	out.RetailerCategoryName = firstStr(base.RetailerCategoryName, other.RetailerCategoryName)
	out.RetailerParentCategory = firstStr(base.RetailerParentCategory, other.RetailerParentCategory)
	if len(base.Raw) == 0 {
		out.Raw = other.Raw
	}

	out.CostPrice = firstPtr(base.CostPrice, other.CostPrice)
	out.ListPrice = firstPtr(base.ListPrice, other.ListPrice)
	out.SalePrice = firstPtr(base.SalePrice, other.SalePrice)
	if base.PricePerUnit == nil {
		out.PricePerUnit, out.PricePerUnitUOM = other.PricePerUnit, other.PricePerUnitUOM
	}
	out.StockStatus = firstStr(base.StockStatus, other.StockStatus)
	out.StoreAisle = firstStr(base.StoreAisle, other.StoreAisle)
	out.Rating = firstPtr(base.Rating, other.Rating)
	out.ReviewCount = firstPtr(base.ReviewCount, other.ReviewCount)
	out.Description = firstStr(base.Description, other.Description)
	out.ProductPageURL = firstStr(base.ProductPageURL, other.ProductPageURL)
	out.OriginCountry = firstStr(base.OriginCountry, other.OriginCountry)
	out.ImageURLs = union(base.ImageURLs, other.ImageURLs)
	out.SKUs = union(base.SKUs, other.SKUs)
	out.InAssortment = firstPtr(base.InAssortment, other.InAssortment)
	out.CategorySlug = firstStr(base.CategorySlug, other.CategorySlug)
	if base.CategorySlug == "" {
		out.SubcategorySlug = other.SubcategorySlug
	}

	if len(base.PricingContexts) > 0 || len(other.PricingContexts) > 0 {
		contexts := make(map[string]PriceRow, len(base.PricingContexts)+len(other.PricingContexts))
		for k, v := range other.PricingContexts {
			contexts[k] = v
		}
		for k, v := range base.PricingContexts {
			contexts[k] = v
		}
		out.PricingContexts = contexts
	}
	return out
}
