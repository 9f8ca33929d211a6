package product

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		text string
		size string
		uom  string
	}{
		{"Great Value Whole Milk, 1 gal", "1", "gal"},
		{"Cheerios Cereal 8.9 oz", "8.9", "oz"},
		{"Coca-Cola 12 x 12 fl oz", "12", "fl oz"},
		{"Avocados, 4 ct", "4", "ct"},
		{"Ground Beef 2.25 lbs", "2.25", "lb"},
		{"Smartwater 1.5L", "1.5", "l"},
		{"Rice 500 g bag", "500", "g"},
		{"Spring Water 1 Gallon", "1", "gal"},
	}
	for _, c := range cases {
		size, uom, ok := ParseSize(c.text)
		require.True(t, ok, c.text)
		require.Equal(t, c.size, size, c.text)
		require.Equal(t, c.uom, uom, c.text)
	}
}

func TestParseSizeFailure(t *testing.T) {
	for _, text := range []string{"Bananas", "2% Reduced Fat Milk", ""} {
		size, uom, ok := ParseSize(text)
		require.False(t, ok, text)
		require.Empty(t, size)
		require.Empty(t, uom)
	}
}

func TestParseUnitPrice(t *testing.T) {
	price, uom, ok := ParseUnitPrice("24.9 ¢/oz")
	require.True(t, ok)
	require.InDelta(t, 0.249, price, 1e-9)
	require.Equal(t, "oz", uom)

	price, uom, ok = ParseUnitPrice("$3.12 per 100 g")
	require.True(t, ok)
	require.InDelta(t, 0.0312, price, 1e-9)
	require.Equal(t, "g", uom)

	price, uom, ok = ParseUnitPrice("$0.11/fl oz")
	require.True(t, ok)
	require.InDelta(t, 0.11, price, 1e-9)
	require.Equal(t, "fl oz", uom)

	_, _, ok = ParseUnitPrice("see store for price")
	require.False(t, ok)
}

func TestSizeFromUnitPrice(t *testing.T) {
	size, uom, ok := SizeFromUnitPrice(3.98, "24.9 ¢/oz")
	require.True(t, ok)
	require.Equal(t, "16", size)
	require.Equal(t, "oz", uom)

	_, _, ok = SizeFromUnitPrice(3.98, "n/a")
	require.False(t, ok)
	_, _, ok = SizeFromUnitPrice(0, "$1.00/lb")
	require.False(t, ok)
}
