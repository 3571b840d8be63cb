// Package sqlite materializes the census relations into an embedded SQLite
// file so the pivot pipeline can run offline. Geometries are stored as WKT
// next to their envelope columns, which stand in for a spatial index.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"censocore/internal/census"
	"censocore/internal/engine/core"
	"censocore/internal/geo"
	"censocore/internal/parquetio"
)

// Envelope columns added next to the geometry column.
const (
	ColMinX = "minx"
	ColMinY = "miny"
	ColMaxX = "maxx"
	ColMaxY = "maxy"
)

// Fetcher resolves a dataset location to a local parquet file. cleanup is
// called once the file has been loaded.
type Fetcher func(ctx context.Context, location string) (path string, cleanup func(), err error)

// Options configures Open.
type Options struct {
	Path    string
	Dataset core.Dataset
	Fetch   Fetcher // default FetchLocal
	// Refresh reloads relations that already exist in the file.
	Refresh bool
	// GeometryColumn of the radios relation (default "geometry").
	GeometryColumn string
}

// Open opens (creating if needed) the database file and loads every dataset
// relation that is not present yet.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	path := opts.Path
	if path == "" {
		path = "censo.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := loadDataset(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func loadDataset(ctx context.Context, db *sql.DB, opts Options) error {
	fetch := opts.Fetch
	if fetch == nil {
		fetch = FetchLocal
	}
	geomCol := opts.GeometryColumn
	if geomCol == "" {
		geomCol = "geometry"
	}
	sources := opts.Dataset.Sources()
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		location := sources[name]
		if location == "" {
			continue
		}
		if !opts.Refresh {
			exists, err := tableExists(ctx, db, name)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
		}
		g := ""
		if name == census.RelationGeometry {
			g = geomCol
		}
		if err := loadLocation(ctx, db, name, g, location, fetch); err != nil {
			return fmt.Errorf("load %s from %s: %w", name, location, err)
		}
	}
	return createIndexes(ctx, db, opts.Dataset.GeoIDColumn)
}

func loadLocation(ctx context.Context, db *sql.DB, table, geomCol, location string, fetch Fetcher) error {
	path, cleanup, err := fetch(ctx, location)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}
	r, err := parquetio.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return Load(ctx, db, table, geomCol, r)
}

// Load replaces table with the rows of r. When geomCol is set, that column
// is converted to WKT and the envelope columns are filled.
func Load(ctx context.Context, db *sql.DB, table, geomCol string, r *parquetio.Reader) error {
	spec := tableSpec{name: table, columns: r.Columns(), geom: geomCol}
	return spec.write(ctx, db, func(insert func(get func(string) any) error) error {
		return r.Each(func(row map[string]any) error {
			return insert(func(col string) any { return row[col] })
		})
	})
}

// Seed replaces table with the given rows. Column kinds are inferred from the
// first non-nil value of each column. Geometry values may be WKT or WKB.
func Seed(ctx context.Context, db *sql.DB, table, geomCol string, columns []string, rows [][]any) error {
	spec := tableSpec{name: table, geom: geomCol}
	for i, name := range columns {
		kind := parquetio.KindText
		for _, row := range rows {
			if row[i] != nil {
				kind = kindOfValue(row[i])
				break
			}
		}
		spec.columns = append(spec.columns, parquetio.Column{Name: name, Kind: kind})
	}
	index := make(map[string]int, len(columns))
	for i, name := range columns {
		index[name] = i
	}
	return spec.write(ctx, db, func(insert func(get func(string) any) error) error {
		for _, row := range rows {
			if err := insert(func(col string) any { return row[index[col]] }); err != nil {
				return err
			}
		}
		return nil
	})
}

func kindOfValue(v any) parquetio.ColumnKind {
	switch v.(type) {
	case int, int32, int64, bool:
		return parquetio.KindInteger
	case float32, float64:
		return parquetio.KindReal
	case []byte:
		return parquetio.KindBinary
	default:
		return parquetio.KindText
	}
}

type tableSpec struct {
	name    string
	columns []parquetio.Column
	geom    string
}

func (s tableSpec) write(ctx context.Context, db *sql.DB, rows func(insert func(get func(string) any) error) error) error {
	for _, c := range append([]parquetio.Column{{Name: s.name}}, s.columns...) {
		if !census.ValidIdentifier(c.Name) {
			return fmt.Errorf("invalid identifier %q", c.Name)
		}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.ddl()); err != nil {
		return fmt.Errorf("create %s: %w", s.name, err)
	}
	names := s.columnNames()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.name, strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	err = rows(func(get func(string) any) error {
		args := s.values(get)
		_, err := stmt.ExecContext(ctx, args...)
		return err
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s tableSpec) ddl() string {
	defs := make([]string, 0, len(s.columns)+4)
	for _, c := range s.columns {
		typ := "TEXT"
		switch {
		case c.Name == s.geom:
		case c.Kind == parquetio.KindInteger:
			typ = "INTEGER"
		case c.Kind == parquetio.KindReal:
			typ = "REAL"
		case c.Kind == parquetio.KindBinary:
			typ = "BLOB"
		}
		defs = append(defs, c.Name+" "+typ)
	}
	if s.geom != "" {
		for _, c := range []string{ColMinX, ColMinY, ColMaxX, ColMaxY} {
			defs = append(defs, c+" REAL")
		}
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", s.name, strings.Join(defs, ", "))
}

func (s tableSpec) columnNames() []string {
	names := make([]string, 0, len(s.columns)+4)
	for _, c := range s.columns {
		names = append(names, c.Name)
	}
	if s.geom != "" {
		names = append(names, ColMinX, ColMinY, ColMaxX, ColMaxY)
	}
	return names
}

func (s tableSpec) values(get func(string) any) []any {
	args := make([]any, 0, len(s.columns)+4)
	var env []any
	for _, c := range s.columns {
		v := get(c.Name)
		if c.Name == s.geom && s.geom != "" {
			text, bounds := geometry(v)
			args = append(args, text)
			env = bounds
			continue
		}
		args = append(args, plain(v, c.Kind))
	}
	if s.geom != "" {
		if env == nil {
			env = []any{nil, nil, nil, nil}
		}
		args = append(args, env...)
	}
	return args
}

// geometry converts a source geometry to WKT and its envelope. Values that
// do not decode are kept as text with a NULL envelope so that downstream
// validation can report them.
func geometry(v any) (any, []any) {
	g, err := geo.Decode(v)
	if err != nil {
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return nil, nil
		}
	}
	text, err := geo.WKT(g)
	if err != nil {
		return nil, nil
	}
	e := geo.Bounds(g)
	return text, []any{e.MinX, e.MinY, e.MaxX, e.MaxY}
}

func plain(v any, kind parquetio.ColumnKind) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case []byte:
		if kind == parquetio.KindText {
			return string(x)
		}
		return x
	default:
		return v
	}
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", name, err)
	}
	return n > 0, nil
}

func createIndexes(ctx context.Context, db *sql.DB, geoID string) error {
	wanted := map[string][]string{
		census.RelationFacts:      {"codigo_variable", "id_geo"},
		census.RelationDictionary: {"codigo_variable"},
		census.RelationGeometry:   {geoID, "PROV"},
	}
	for table, cols := range wanted {
		present, err := columnsOf(ctx, db, table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if !present[col] {
				continue
			}
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, strings.ToLower(col), table, col)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("index %s.%s: %w", table, col, err)
			}
		}
	}
	return nil
}

func columnsOf(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// FetchLocal handles plain paths, file:// URLs and http(s) URLs. Remote files
// are downloaded to a temporary file removed by cleanup.
func FetchLocal(ctx context.Context, location string) (string, func(), error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// no scheme, or a windows drive letter
		return location, nil, nil
	}
	switch u.Scheme {
	case "file":
		return u.Path, nil, nil
	case "http", "https":
		return download(ctx, location)
	default:
		return "", nil, fmt.Errorf("unsupported dataset location %s", location)
	}
}

func download(ctx context.Context, location string) (string, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download %s: %s", location, resp.Status)
	}
	return spool(resp.Body)
}

// Spool copies r into a temporary parquet file.
func Spool(r io.Reader) (string, func(), error) { return spool(r) }

func spool(r io.Reader) (string, func(), error) {
	f, err := os.CreateTemp("", "censo-*.parquet")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

// Dialect renders SQLite SQL over the WKT and envelope columns.
type Dialect struct{}

func (Dialect) Driver() core.Driver { return core.DriverSQLite }

func (Dialect) GeometryText(expr string) string { return expr }

// UnionText collects member geometries into a GEOMETRYCOLLECTION.
func (Dialect) UnionText(expr string) string {
	return "'GEOMETRYCOLLECTION (' || group_concat(" + expr + ", ', ') || ')'"
}

func (Dialect) BBoxPredicate(alias string, _ census.Schema, b census.BBox) (string, []any) {
	pred := fmt.Sprintf("(%[1]s.%[2]s >= ? AND %[1]s.%[3]s >= ? AND %[1]s.%[4]s <= ? AND %[1]s.%[5]s <= ?)",
		alias, ColMaxX, ColMaxY, ColMinX, ColMinY)
	return pred, []any{b.XMin, b.YMin, b.XMax, b.YMax}
}

func (Dialect) Float() string { return "REAL" }

func (Dialect) Bind(query string) string { return query }
