// Package duckdb opens an embedded DuckDB database that reads the census
// parquet files in place over HTTP through the httpfs and spatial extensions.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/marcboeker/go-duckdb"

	"censocore/internal/census"
	"censocore/internal/engine/core"
)

// Options configures Open.
type Options struct {
	Dataset core.Dataset
	// Path of a persistent database file; empty opens in memory.
	Path string
	// Extensions installed and loaded on every connection (default httpfs, spatial).
	Extensions []string
	// Threads caps DuckDB worker threads (default GOMAXPROCS).
	Threads int
}

// Open returns a database whose connections all expose the radios, census
// and metadata views over the dataset files.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	stmts := Bootstrap(opts)
	connector, err := duckdb.NewConnector(opts.Path, func(execer driver.ExecerContext) error {
		// runs for every new pooled connection, possibly after ctx is gone
		for _, stmt := range stmts {
			if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
				return fmt.Errorf("duckdb init %q: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize duckdb: %w", err)
	}
	return db, nil
}

// Bootstrap returns the statements executed on each new connection.
func Bootstrap(opts Options) []string {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{"httpfs", "spatial"}
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	stmts := []string{fmt.Sprintf("SET threads = %d", threads)}
	for _, ext := range exts {
		stmts = append(stmts, "INSTALL "+ext, "LOAD "+ext)
	}
	sources := opts.Dataset.Sources()
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if sources[name] == "" {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet('%s')", name, quote(sources[name])))
	}
	return stmts
}

func quote(s string) string { return strings.ReplaceAll(s, "'", "''") }

// Dialect renders DuckDB spatial SQL.
type Dialect struct{}

func (Dialect) Driver() core.Driver { return core.DriverDuckDB }

func (Dialect) GeometryText(expr string) string { return "ST_AsText(" + expr + ")" }

func (Dialect) UnionText(expr string) string { return "ST_AsText(ST_MemUnion_Agg(" + expr + "))" }

func (Dialect) BBoxPredicate(alias string, s census.Schema, b census.BBox) (string, []any) {
	return fmt.Sprintf("ST_Intersects(%s.%s, ST_MakeEnvelope(?, ?, ?, ?))", alias, s.Geom),
		[]any{b.XMin, b.YMin, b.XMax, b.YMax}
}

func (Dialect) Float() string { return "DOUBLE" }

func (Dialect) Bind(query string) string { return query }
