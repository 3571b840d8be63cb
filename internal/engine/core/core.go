// Package core defines the abstractions shared by the query engine facade and
// its infra drivers.
package core

import (
	"context"
	"errors"

	"censocore/internal/census"
)

// Driver identifies a concrete engine implementation.
type Driver string

const (
	// DriverDuckDB queries the published parquet files in place (default).
	DriverDuckDB Driver = "duckdb"
	// DriverPostGIS runs against a PostGIS database holding the three relations.
	DriverPostGIS Driver = "postgis"
	// DriverSQLite loads the parquet files into an embedded SQLite file (offline, tests).
	DriverSQLite Driver = "sqlite"
)

// ScanFunc receives one result row. values is owned by the callee.
type ScanFunc func(columns []string, values []any) error

// Executor runs a parameterized query and streams its rows.
type Executor interface {
	Execute(ctx context.Context, query string, args []any, scan ScanFunc) error
}

// Dialect renders the engine-specific fragments of the pivot query. Queries
// are written with '?' placeholders and passed through Bind before execution.
type Dialect interface {
	Driver() Driver
	// GeometryText renders a geometry expression as WKT text.
	GeometryText(expr string) string
	// UnionText renders the WKT of the union of a geometry column across a group.
	UnionText(expr string) string
	// BBoxPredicate returns a predicate on the geometry relation aliased by
	// alias selecting units that intersect b, with its bound arguments.
	BBoxPredicate(alias string, s census.Schema, b census.BBox) (string, []any)
	// Float is the type name used to cast sums.
	Float() string
	// Bind rewrites '?' placeholders into the engine's native form.
	Bind(query string) string
}

// Dataset locates the three relations of one census edition.
type Dataset struct {
	Year        string `json:"year"`
	Version     string `json:"version"`
	GeoIDColumn string `json:"geo_id_column"`
	Radios      string `json:"radios"`
	Census      string `json:"census"`
	Metadata    string `json:"metadata"`
}

// Sources returns the relation name to location mapping.
func (d Dataset) Sources() map[string]string {
	return map[string]string{
		census.RelationGeometry:   d.Radios,
		census.RelationFacts:      d.Census,
		census.RelationDictionary: d.Metadata,
	}
}

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("engine: pool closed")
