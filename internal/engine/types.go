// Package engine is the entry point to the tabular query engines. It hides
// the infra drivers behind a bounded connection pool and re-exports the
// shared abstractions from the core subpackage.
package engine

import "censocore/internal/engine/core"

type (
	Driver   = core.Driver
	ScanFunc = core.ScanFunc
	Executor = core.Executor
	Dialect  = core.Dialect
	Dataset  = core.Dataset
)

const (
	DriverDuckDB  = core.DriverDuckDB
	DriverPostGIS = core.DriverPostGIS
	DriverSQLite  = core.DriverSQLite
)

var ErrPoolClosed = core.ErrPoolClosed

// Value conversions for scanned engine values.
var (
	Float  = core.Float
	String = core.String
	Plain  = core.Plain
)
