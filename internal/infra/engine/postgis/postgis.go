// Package postgis connects to a PostGIS database that already holds the
// radios, census and metadata relations (for example loaded with ogr2ogr).
package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"

	"censocore/internal/census"
	"censocore/internal/engine/core"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/censo?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Open connects using dsn (falls back to defaultDSN) and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgis: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgis: %w", err)
	}
	return db, nil
}

// Dialect renders PostGIS SQL with $n placeholders.
type Dialect struct {
	// SRID of the stored geometries (default 4326).
	SRID int
}

func (Dialect) Driver() core.Driver { return core.DriverPostGIS }

func (Dialect) GeometryText(expr string) string { return "ST_AsText(" + expr + ")" }

func (Dialect) UnionText(expr string) string { return "ST_AsText(ST_Union(" + expr + "))" }

func (d Dialect) BBoxPredicate(alias string, s census.Schema, b census.BBox) (string, []any) {
	srid := d.SRID
	if srid == 0 {
		srid = 4326
	}
	return fmt.Sprintf("ST_Intersects(%s.%s, ST_MakeEnvelope(?, ?, ?, ?, %d))", alias, s.Geom, srid),
		[]any{b.XMin, b.YMin, b.XMax, b.YMax}
}

func (Dialect) Float() string { return "DOUBLE PRECISION" }

func (Dialect) Bind(query string) string { return sqlx.Rebind(sqlx.DOLLAR, query) }
