// Package census defines the shared vocabulary of the census pivot pipeline:
// variables and their categories, geography levels and filters, the logical
// relation schema queried through the engine, and the shape of a loaded layer.
package census

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Category is one observed (value, label) pair of a variable.
type Category struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// CategorySet is the resolved category breakdown of a single variable.
// An empty Categories slice with HasNulls false marks a total-only variable.
type CategorySet struct {
	Variable   string     `json:"variable"`
	Label      string     `json:"label,omitempty"`
	Categories []Category `json:"categories"`
	HasNulls   bool       `json:"has_nulls"`
}

// DisplayName is the variable label, or the code when the dictionary has none.
func (c CategorySet) DisplayName() string {
	if strings.TrimSpace(c.Label) == "" {
		return c.Variable
	}
	return c.Label
}

// TotalOnly reports whether the variable has no categorical breakdown at all.
func (c CategorySet) TotalOnly() bool {
	return len(c.Categories) == 0 && !c.HasNulls
}

// ColumnCount returns the number of output columns the set projects:
// one per category, one for the null bucket when present, and one total.
func (c CategorySet) ColumnCount() int {
	if c.TotalOnly() {
		return 1
	}
	n := len(c.Categories) + 1
	if c.HasNulls {
		n++
	}
	return n
}

// Select restricts the set to the given category values, keeping the
// original order. An empty selection keeps every category.
func (c CategorySet) Select(values []string) CategorySet {
	if len(values) == 0 {
		return c
	}
	want := make(map[string]struct{}, len(values))
	for _, v := range values {
		want[v] = struct{}{}
	}
	out := CategorySet{Variable: c.Variable, Label: c.Label, HasNulls: c.HasNulls}
	for _, cat := range c.Categories {
		if _, ok := want[cat.Value]; ok {
			out.Categories = append(out.Categories, cat)
		}
	}
	return out
}

// SortCategories orders categories by integer value when every value parses
// as an integer, otherwise by label with the raw value breaking ties.
func SortCategories(cats []Category) {
	numeric := true
	keys := make([]int64, len(cats))
	for i, c := range cats {
		n, err := strconv.ParseInt(strings.TrimSpace(c.Value), 10, 64)
		if err != nil {
			numeric = false
			break
		}
		keys[i] = n
	}
	if numeric {
		idx := make([]int, len(cats))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
		sorted := make([]Category, len(cats))
		for i, j := range idx {
			sorted[i] = cats[j]
		}
		copy(cats, sorted)
		return
	}
	sort.SliceStable(cats, func(a, b int) bool {
		if cats[a].Label != cats[b].Label {
			return cats[a].Label < cats[b].Label
		}
		return cats[a].Value < cats[b].Value
	})
}

// Variable is an entry of the variable dictionary.
type Variable struct {
	Code   string `json:"code"`
	Label  string `json:"label"`
	Entity string `json:"entity,omitempty"`
}

// GeoLevel identifies a level of the geographic hierarchy.
type GeoLevel string

const (
	LevelRadio        GeoLevel = "RADIO" // census tract, the leaf unit
	LevelFraccion     GeoLevel = "FRACC"
	LevelDepartamento GeoLevel = "DEPTO"
	LevelProvincia    GeoLevel = "PROV"
)

// ParseGeoLevel accepts a level name case-insensitively.
func ParseGeoLevel(s string) (GeoLevel, error) {
	switch GeoLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelRadio:
		return LevelRadio, nil
	case LevelFraccion:
		return LevelFraccion, nil
	case LevelDepartamento:
		return LevelDepartamento, nil
	case LevelProvincia:
		return LevelProvincia, nil
	default:
		return "", fmt.Errorf("unknown geo level %q", s)
	}
}

// Dissolve reports whether output units are unions of leaf units.
func (l GeoLevel) Dissolve() bool { return l != LevelRadio }

// Segments returns how many code segments (PROV-DEPTO-FRACC) identify a unit
// of the level. Radio codes are opaque ids and report 0.
func (l GeoLevel) Segments() int {
	switch l {
	case LevelProvincia:
		return 1
	case LevelDepartamento:
		return 2
	case LevelFraccion:
		return 3
	default:
		return 0
	}
}

// BBox is an axis-aligned bounding box in EPSG:4326.
type BBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Validate rejects inverted boxes.
func (b BBox) Validate() error {
	if b.XMin > b.XMax || b.YMin > b.YMax {
		return fmt.Errorf("invalid bbox (%g %g, %g %g)", b.XMin, b.YMin, b.XMax, b.YMax)
	}
	return nil
}

// FieldType is the numeric type of an output attribute.
type FieldType string

// FieldDouble is used for every count column.
const FieldDouble FieldType = "double"

// Field describes one output attribute column.
type Field struct {
	Name     string    `json:"name"`
	Alias    string    `json:"alias"`
	Type     FieldType `json:"type"`
	Variable string    `json:"variable"`
}

// Row is one output geography unit. A nil value means the source had no
// fact rows for that unit and variable.
type Row struct {
	GeoID  string              `json:"geo_id"`
	WKT    string              `json:"wkt"`
	Values map[string]*float64 `json:"values"`
}
