package product

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(fl\.?\s*oz|fluid\s+ounces?|ounces?|oz|pounds?|lbs?|kilograms?|kg|grams?|g|milligrams?|mg|millilit(?:er|re)s?|ml|lit(?:er|re)s?|l|gallons?|gal|quarts?|qt|pints?|pt|count|ct|pack|pk|dozen|doz|each|ea)\b`)

var uomAliases = map[string]string{
	"floz": "fl oz", "fluidounce": "fl oz", "fluidounces": "fl oz",
	"oz": "oz", "ounce": "oz", "ounces": "oz",
	"lb": "lb", "lbs": "lb", "pound": "lb", "pounds": "lb",
	"kg": "kg", "kilogram": "kg", "kilograms": "kg",
	"g": "g", "gram": "g", "grams": "g",
	"mg": "mg", "milligram": "mg", "milligrams": "mg",
	"ml": "ml", "milliliter": "ml", "milliliters": "ml", "millilitre": "ml", "millilitres": "ml",
	"l": "l", "liter": "l", "liters": "l", "litre": "l", "litres": "l",
	"gal": "gal", "gallon": "gal", "gallons": "gal",
	"qt": "qt", "quart": "qt", "quarts": "qt",
	"pt": "pt", "pint": "pt", "pints": "pt",
	"ct": "ct", "count": "ct", "pack": "ct", "pk": "ct",
	"dozen": "dozen", "doz": "dozen",
	"each": "each", "ea": "each",
}

// NormalizeUOM maps the many spellings of a unit to one short form. Unknown
// units come back empty.
func NormalizeUOM(uom string) string {
	key := strings.ToLower(uom)
	key = strings.NewReplacer(".", "", " ", "", "\t", "").Replace(key)
	return uomAliases[key]
}

func formatQuantity(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseSize finds the first quantity with a unit in free text such as
// "Great Value Whole Milk, 1 gal" or "12 x 12 fl oz". ok is false when no
// quantity is found, in which case size and uom must be left empty.
func ParseSize(text string) (size string, uom string, ok bool) {
	m := sizePattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return "", "", false
	}
	uom = NormalizeUOM(m[2])
	if uom == "" {
		return "", "", false
	}
	return formatQuantity(v), uom, true
}

var unitPricePattern = regexp.MustCompile(`(?i)(\$|¢)?\s*(\d+(?:\.\d+)?)\s*(¢|c)?\s*(?:/|per)\s*(\d+(?:\.\d+)?)?\s*(fl\.?\s*oz|[a-z]+)`)

// ParseUnitPrice parses strings like "$0.25/oz", "24.9 ¢/oz" or
// "$3.12 per 100 g" into a price in dollars per single unit.
func ParseUnitPrice(text string) (price float64, uom string, ok bool) {
	m := unitPricePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, "", false
	}
	v, err := strconv.ParseFloat(m[2], 64)
	if err != nil || v <= 0 {
		return 0, "", false
	}
	if m[1] == "¢" || m[3] != "" {
		v = v / 100
	}
	if m[4] != "" {
		per, err := strconv.ParseFloat(m[4], 64)
		if err != nil || per <= 0 {
			return 0, "", false
		}
		v = v / per
	}
	uom = NormalizeUOM(strings.TrimSpace(m[5]))
	if uom == "" {
		return 0, "", false
	}
	return v, uom, true
}

// SizeFromUnitPrice derives a package size from the shelf price and a unit
// price string, e.g. 3.98 at "24.9 ¢/oz" is 16 oz.
func SizeFromUnitPrice(price float64, unitPrice string) (size string, uom string, ok bool) {
	if price <= 0 {
		return "", "", false
	}
	per, uom, ok := ParseUnitPrice(unitPrice)
	if !ok {
		return "", "", false
	}
	quantity := price / per
	// unit prices are rounded by retailers, so snap to a tenth
	quantity = math.Round(quantity*10) / 10
	if quantity <= 0 || math.IsInf(quantity, 0) {
		return "", "", false
	}
	return formatQuantity(quantity), uom, true
}
