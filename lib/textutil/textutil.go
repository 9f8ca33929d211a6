package textutil

import (
	"strings"
)

// NormalizeName lowercases name and collapses its whitespace into single
// spaces, "  Fruit &\nVegetables " becomes "fruit & vegetables".
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// MatchName reports whether the normalized name contains any of the
// matchers, which must already be normalized.
func MatchName(name string, matchers []string) bool {
	name = NormalizeName(name)
	for _, m := range matchers {
		if m != "" && strings.Contains(name, m) {
			return true
		}
	}
	return false
}
