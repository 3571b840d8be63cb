// Package enginetest builds small SQLite-backed engines for tests outside
// the engine packages.
package enginetest

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"censocore/internal/census"
	"censocore/internal/engine"
	"censocore/internal/infra/engine/sqlite"
)

// GeoIDColumn is the leaf id column of the fixture radios table.
const GeoIDColumn = "COD_2022"

// Table is a relation to seed.
type Table struct {
	Columns []string
	Rows    [][]any
}

// Open seeds tables into a fresh SQLite file and returns a pool over it.
// The radios table gets WKT geometry plus envelope columns.
func Open(t testing.TB, tables map[string]Table) *engine.Pool {
	t.Helper()
	ctx := context.Background()
	ds := engine.Dataset{Year: "2022", Version: "test", GeoIDColumn: GeoIDColumn}
	db, err := sqlite.Open(ctx, sqlite.Options{Path: filepath.Join(t.TempDir(), "censo.db"), Dataset: ds})
	if err != nil {
		t.Fatalf("open sqlite engine: %v", err)
	}
	for name, tbl := range tables {
		geom := ""
		if name == census.RelationGeometry {
			geom = "geometry"
		}
		if err := sqlite.Seed(ctx, db, name, geom, tbl.Columns, tbl.Rows); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	p := engine.NewPool(db, sqlite.Dialect{}, 2, engine.WithDataset(ds))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// Unit is one leaf radio of the fixture geography.
type Unit struct {
	ID, Prov, Depto, Fracc, Radio string
	X, Y                          float64 // lower-left corner of a unit square
}

// Radios returns the geometry table for units.
func Radios(units ...Unit) Table {
	t := Table{Columns: []string{GeoIDColumn, "PROV", "DEPTO", "FRACC", "RADIO", "geometry"}}
	for _, u := range units {
		t.Rows = append(t.Rows, []any{u.ID, u.Prov, u.Depto, u.Fracc, u.Radio, square(u.X, u.Y)})
	}
	return t
}

func square(x, y float64) string {
	return "POLYGON ((" +
		pt(x, y) + ", " + pt(x+1, y) + ", " + pt(x+1, y+1) + ", " + pt(x, y+1) + ", " + pt(x, y) + "))"
}

func pt(x, y float64) string {
	return ftoa(x) + " " + ftoa(y)
}

// Fact is one long-format census row. A nil Value is an unclassified count.
type Fact struct {
	Unit     string
	Variable string
	Value    *string
	Count    int64
}

// Facts returns the census table for rows, with denormalized geography
// codes and labels taken from units.
func Facts(units []Unit, rows ...Fact) Table {
	byID := make(map[string]Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	t := Table{Columns: []string{
		"id_geo", "codigo_variable", "valor_categoria", "conteo",
		"valor_provincia", "etiqueta_provincia", "valor_departamento", "etiqueta_departamento",
		"valor_fraccion", "valor_radio",
	}}
	for _, r := range rows {
		u := byID[r.Unit]
		var value any
		if r.Value != nil {
			value = *r.Value
		}
		t.Rows = append(t.Rows, []any{
			r.Unit, r.Variable, value, r.Count,
			u.Prov, "Provincia " + u.Prov, u.Depto, "Depto " + u.Depto,
			u.Fracc, u.Radio,
		})
	}
	return t
}

// Entry is one dictionary row. A nil Value marks the variable header row.
type Entry struct {
	Variable, VariableLabel, Entity string
	Value, Label                    *string
}

// Metadata returns the dictionary table for entries.
func Metadata(entries ...Entry) Table {
	t := Table{Columns: []string{"codigo_variable", "etiqueta_variable", "entidad", "valor_categoria", "etiqueta_categoria"}}
	for _, e := range entries {
		var value, label any
		if e.Value != nil {
			value = *e.Value
		}
		if e.Label != nil {
			label = *e.Label
		}
		t.Rows = append(t.Rows, []any{e.Variable, e.VariableLabel, e.Entity, value, label})
	}
	return t
}

// Ptr returns &s.
func Ptr(s string) *string { return &s }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
