package taxonomy

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"sync"

	"grocery-ingest/internal/product"
	"grocery-ingest/lib/textutil"

	"gopkg.in/yaml.v3"
)

// Uncategorized is the slug returned for names the table does not know.
const Uncategorized = "uncategorized"

//go:embed taxonomy.yaml
var defaultTable []byte

type Canonical struct {
	Slug          string      `yaml:"slug"`
	Name          string      `yaml:"name"`
	Subcategories []Canonical `yaml:"subcategories"`
}

type mapping struct {
	Slug string `yaml:"slug"`
	Sub  string `yaml:"sub"`
}

type staticCategory struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Parent        string `yaml:"parent"`
	URL           string `yaml:"url"`
	ExpectedCount int    `yaml:"expected_count"`
}

type retailerTable struct {
	NonGrocery []string           `yaml:"non_grocery"`
	Parents    map[string]string  `yaml:"parents"`
	Categories map[string]mapping `yaml:"categories"`
	Static     []staticCategory   `yaml:"static"`
}

type file struct {
	Canonical  []Canonical              `yaml:"canonical"`
	NonGrocery []string                 `yaml:"non_grocery"`
	Retailers  map[string]retailerTable `yaml:"retailers"`
}

// Mapper maps retailer category names onto the canonical category tree.
// It never performs I/O after construction and is safe for concurrent use.
type Mapper struct {
	canonical  []Canonical
	nonGrocery map[string]bool
	retailers  map[product.Retailer]retailerTable
}

func key(s string) string {
	return textutil.NormalizeName(s)
}

// Load parses a taxonomy table.
func Load(r io.Reader) (*Mapper, error) {
	var f file
	err := yaml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: decode: %w", err)
	}

	m := &Mapper{
		canonical:  f.Canonical,
		nonGrocery: map[string]bool{},
		retailers:  map[product.Retailer]retailerTable{},
	}
	for _, name := range f.NonGrocery {
		m.nonGrocery[key(name)] = true
	}
	for retailer, table := range f.Retailers {
		normalized := retailerTable{
			Parents:    map[string]string{},
			Categories: map[string]mapping{},
			Static:     table.Static,
		}
		for _, name := range table.NonGrocery {
			normalized.NonGrocery = append(normalized.NonGrocery, key(name))
		}
		for name, slug := range table.Parents {
			normalized.Parents[key(name)] = slug
		}
		for name, mp := range table.Categories {
			normalized.Categories[key(name)] = mp
		}
		m.retailers[product.Retailer(retailer)] = normalized
	}
	return m, nil
}

var loadDefault = sync.OnceValue(func() *Mapper {
	m, err := Load(strings.NewReader(string(defaultTable)))
	if err != nil {
		panic(err)
	}
	return m
})

// Default returns the mapper built from the embedded table.
func Default() *Mapper {
	return loadDefault()
}

// Map returns the canonical slug and, when known, the subcategory slug for
// a retailer category. Exact category names are tried first, then the
// default for the parent category. Unknown inputs map to Uncategorized.
func (m *Mapper) Map(retailer product.Retailer, name, parent string) (slug string, sub string) {
	table, ok := m.retailers[retailer]
	if !ok {
		return Uncategorized, ""
	}
	if mp, ok := table.Categories[key(name)]; ok {
		return mp.Slug, mp.Sub
	}
	if slug, ok := table.Parents[key(parent)]; ok {
		return slug, ""
	}
	// top level categories are discovered without a parent
	if slug, ok := table.Parents[key(name)]; ok {
		return slug, ""
	}
	return Uncategorized, ""
}

func (m *Mapper) excluded(retailer product.Retailer, name string) bool {
	k := key(name)
	if k == "" {
		return false
	}
	if m.nonGrocery[k] {
		return true
	}
	for _, ng := range m.retailers[retailer].NonGrocery {
		if ng == k {
			return true
		}
	}
	return false
}

// IsGrocery is false when the category or its parent is a subtree that is
// explicitly marked as non-grocery. Everything else is considered grocery.
func (m *Mapper) IsGrocery(retailer product.Retailer, name, parent string) bool {
	return !m.excluded(retailer, name) && !m.excluded(retailer, parent)
}

// StaticCategories returns the category list for retailers that expose no
// discovery.
func (m *Mapper) StaticCategories(retailer product.Retailer) []product.Category {
	table := m.retailers[retailer]
	out := make([]product.Category, 0, len(table.Static))
	for _, c := range table.Static {
		cat := product.Category{
			Retailer:      retailer,
			ID:            c.ID,
			Name:          c.Name,
			ParentName:    c.Parent,
			URL:           c.URL,
			ExpectedCount: c.ExpectedCount,
		}
		if c.Parent != "" {
			cat.Path = []string{c.Parent, c.Name}
		} else {
			cat.Path = []string{c.Name}
		}
		out = append(out, cat)
	}
	return out
}

// Canonical returns the canonical category tree.
func (m *Mapper) Canonical() []Canonical {
	return m.canonical
}

func Map(retailer product.Retailer, name, parent string) (string, string) {
	return Default().Map(retailer, name, parent)
}

func IsGrocery(retailer product.Retailer, name, parent string) bool {
	return Default().IsGrocery(retailer, name, parent)
}

func StaticCategories(retailer product.Retailer) []product.Category {
	return Default().StaticCategories(retailer)
}
