package sqlite

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"censocore/internal/census"
	"censocore/internal/engine/core"
	"censocore/internal/parquetio/parquettest"
)

func fixtureDataset(t *testing.T) core.Dataset {
	t.Helper()
	return core.Dataset{
		Year:        "2022",
		GeoIDColumn: "COD_2022",
		Radios: parquettest.Write(t, "radios.parquet", []parquettest.Radio{
			{Cod: "020070101", Prov: "02", Depto: "007", Fracc: "01", Radio: "01", Geometry: parquettest.Square(t, 0, 0)},
			{Cod: "020070102", Prov: "02", Depto: "007", Fracc: "01", Radio: "02", Geometry: parquettest.Square(t, 1, 0)},
		}),
		Census: parquettest.Write(t, "census-data.parquet", []parquettest.Fact{
			{IDGeo: "020070101", Variable: "X", Value: parquettest.Ptr("1"), Count: 4},
			{IDGeo: "020070102", Variable: "X", Value: parquettest.Ptr("2"), Count: 6},
		}),
		Metadata: parquettest.Write(t, "metadata.parquet", []parquettest.Entry{
			{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: parquettest.Ptr("1"), Label: parquettest.Ptr("Uno")},
			{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: parquettest.Ptr("2"), Label: parquettest.Ptr("Dos")},
		}),
	}
}

func TestOpenLoadsParquet(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "censo.db")
	db, err := Open(ctx, Options{Path: path, Dataset: fixtureDataset(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM census").Scan(&n); err != nil || n != 2 {
		t.Fatalf("census rows %d %v", n, err)
	}
	var wkt string
	var minx, maxx float64
	err = db.QueryRowContext(ctx, "SELECT geometry, minx, maxx FROM radios WHERE COD_2022 = ?", "020070102").Scan(&wkt, &minx, &maxx)
	if err != nil {
		t.Fatalf("radios: %v", err)
	}
	if !strings.HasPrefix(wkt, "POLYGON") || minx != 1 || maxx != 2 {
		t.Fatalf("unexpected geometry %q %v %v", wkt, minx, maxx)
	}
	var label string
	if err := db.QueryRowContext(ctx, "SELECT etiqueta_categoria FROM metadata WHERE valor_categoria = '2'").Scan(&label); err != nil || label != "Dos" {
		t.Fatalf("metadata label %q %v", label, err)
	}
}

func TestOpenSkipsExistingTables(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "censo.db")
	db, err := Open(ctx, Options{Path: path, Dataset: fixtureDataset(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = db.Close()

	missing := core.Dataset{Radios: "/gone/radios.parquet", Census: "/gone/census.parquet", Metadata: "/gone/metadata.parquet"}
	db, err = Open(ctx, Options{Path: path, Dataset: missing})
	if err != nil {
		t.Fatalf("reopen should not touch sources: %v", err)
	}
	_ = db.Close()
	if _, err := Open(ctx, Options{Path: path, Dataset: missing, Refresh: true}); err == nil {
		t.Fatalf("expected refresh to fail on missing sources")
	}
}

func TestSeedKeepsInvalidGeometryText(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "seed.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	err = Seed(ctx, db, "radios", "geometry",
		[]string{"COD_2022", "PROV", "geometry"},
		[][]any{
			{"a", "02", "POLYGON ((0 0, 2 0, 2 2, 0 2, 0 0))"},
			{"b", "02", "POLYGON ((broken"},
		})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	var geom string
	var maxy sql.NullFloat64
	if err := db.QueryRowContext(ctx, "SELECT geometry, maxy FROM radios WHERE COD_2022 = 'b'").Scan(&geom, &maxy); err != nil {
		t.Fatalf("query: %v", err)
	}
	if geom != "POLYGON ((broken" || maxy.Valid {
		t.Fatalf("expected raw text with null envelope, got %q %v", geom, maxy)
	}
	if err := db.QueryRowContext(ctx, "SELECT maxy FROM radios WHERE COD_2022 = 'a'").Scan(&maxy); err != nil || maxy.Float64 != 2 {
		t.Fatalf("envelope %v %v", maxy, err)
	}
	if err := Seed(ctx, db, "bad name", "", []string{"x"}, nil); err == nil {
		t.Fatalf("expected identifier validation")
	}
}

func TestFetchLocal(t *testing.T) {
	ctx := context.Background()
	if p, cleanup, err := FetchLocal(ctx, "/data/radios.parquet"); err != nil || p != "/data/radios.parquet" || cleanup != nil {
		t.Fatalf("plain path: %q %v", p, err)
	}
	if p, _, err := FetchLocal(ctx, "file:///data/radios.parquet"); err != nil || p != "/data/radios.parquet" {
		t.Fatalf("file url: %q %v", p, err)
	}
	if _, _, err := FetchLocal(ctx, "gs://bucket/radios.parquet"); err == nil {
		t.Fatalf("expected unsupported scheme")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2022/metadata.parquet" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("PAR1"))
	}))
	defer srv.Close()
	p, cleanup, err := FetchLocal(ctx, srv.URL+"/2022/metadata.parquet")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	b, _ := os.ReadFile(p)
	cleanup()
	if string(b) != "PAR1" {
		t.Fatalf("downloaded %q", b)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("cleanup did not remove %s", p)
	}
	if _, _, err := FetchLocal(ctx, srv.URL+"/missing.parquet"); err == nil {
		t.Fatalf("expected 404 error")
	}
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	pred, args := d.BBoxPredicate("g", census.DefaultSchema("COD_2022"), census.BBox{XMin: 1, YMin: 2, XMax: 3, YMax: 4})
	if pred != "(g.maxx >= ? AND g.maxy >= ? AND g.minx <= ? AND g.miny <= ?)" {
		t.Fatalf("predicate %s", pred)
	}
	if args[0] != 1.0 || args[3] != 4.0 {
		t.Fatalf("args %v", args)
	}
	if d.GeometryText("g.geometry") != "g.geometry" || d.Float() != "REAL" {
		t.Fatalf("dialect basics")
	}
}
