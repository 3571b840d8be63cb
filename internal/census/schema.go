package census

import (
	"fmt"
	"regexp"
)

// Logical relation names every engine exposes.
const (
	RelationGeometry   = "radios"
	RelationFacts      = "census"
	RelationDictionary = "metadata"
)

// Schema names the relations and columns the query builders reference. All
// names are interpolated as identifiers, so they are validated up front.
type Schema struct {
	Geometry   string
	Facts      string
	Dictionary string

	// geometry relation
	GeoID      string // leaf unit id, e.g. COD_2022
	Province   string
	Department string
	Fraction   string
	Radio      string
	Geom       string

	// fact relation
	FactGeoID     string
	Variable      string
	CategoryValue string
	Count         string

	// geography codes and labels denormalized onto the fact relation
	ProvinceValue   string
	ProvinceLabel   string
	DepartmentValue string
	DepartmentLabel string
	FractionValue   string
	RadioValue      string

	// dictionary relation
	VariableLabel string
	Entity        string
	CategoryLabel string
}

// DefaultSchema returns the layout of the published census parquet files for
// a dataset whose leaf id column is geoIDColumn.
func DefaultSchema(geoIDColumn string) Schema {
	return Schema{
		Geometry:      RelationGeometry,
		Facts:         RelationFacts,
		Dictionary:    RelationDictionary,
		GeoID:         geoIDColumn,
		Province:      "PROV",
		Department:    "DEPTO",
		Fraction:      "FRACC",
		Radio:         "RADIO",
		Geom:          "geometry",
		FactGeoID:     "id_geo",
		Variable:      "codigo_variable",
		CategoryValue: "valor_categoria",
		Count:         "conteo",
		VariableLabel: "etiqueta_variable",
		Entity:        "entidad",
		CategoryLabel: "etiqueta_categoria",

		ProvinceValue:   "valor_provincia",
		ProvinceLabel:   "etiqueta_provincia",
		DepartmentValue: "valor_departamento",
		DepartmentLabel: "etiqueta_departamento",
		FractionValue:   "valor_fraccion",
		RadioValue:      "valor_radio",
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s may be interpolated as a SQL identifier.
func ValidIdentifier(s string) bool { return identifierPattern.MatchString(s) }

// Validate checks every configured name.
func (s Schema) Validate() error {
	names := map[string]string{
		"geometry relation":   s.Geometry,
		"facts relation":      s.Facts,
		"dictionary relation": s.Dictionary,
		"geo id":              s.GeoID,
		"province":            s.Province,
		"department":          s.Department,
		"fraction":            s.Fraction,
		"radio":               s.Radio,
		"geometry":            s.Geom,
		"fact geo id":         s.FactGeoID,
		"variable":            s.Variable,
		"category value":      s.CategoryValue,
		"count":               s.Count,
		"variable label":      s.VariableLabel,
		"entity":              s.Entity,
		"category label":      s.CategoryLabel,
		"province value":      s.ProvinceValue,
		"province label":      s.ProvinceLabel,
		"department value":    s.DepartmentValue,
		"department label":    s.DepartmentLabel,
		"fraction value":      s.FractionValue,
		"radio value":         s.RadioValue,
	}
	for role, name := range names {
		if !ValidIdentifier(name) {
			return fmt.Errorf("schema %s: invalid identifier %q", role, name)
		}
	}
	return nil
}
