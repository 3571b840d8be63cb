package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"censocore/internal/blob"
	"censocore/internal/census"
	"censocore/internal/metrics"
	"censocore/internal/parquetio/parquettest"
)

func fixture(t *testing.T) Dataset {
	t.Helper()
	return Dataset{
		Year:        "2022",
		Version:     "test",
		GeoIDColumn: "COD_2022",
		Radios: parquettest.Write(t, "radios.parquet", []parquettest.Radio{
			{Cod: "020070101", Prov: "02", Depto: "007", Fracc: "01", Radio: "01", Geometry: parquettest.Square(t, 0, 0)},
		}),
		Census: parquettest.Write(t, "census-data.parquet", []parquettest.Fact{
			{IDGeo: "020070101", Variable: "X", Value: parquettest.Ptr("1"), Count: 4},
			{IDGeo: "020070101", Variable: "X", Value: parquettest.Ptr("2"), Count: 5},
		}),
		Metadata: parquettest.Write(t, "metadata.parquet", []parquettest.Entry{
			{Variable: "X", VariableLabel: "Equis", Entity: "PERSONA", Value: parquettest.Ptr("1"), Label: parquettest.Ptr("Uno")},
		}),
	}
}

func openSQLite(t *testing.T, ds Dataset, size int, store blob.Store) *Pool {
	t.Helper()
	p, err := Open(context.Background(), Config{
		Driver:     DriverSQLite,
		Dataset:    ds,
		PoolSize:   size,
		SQLitePath: filepath.Join(t.TempDir(), "censo.db"),
		Blob:       store,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolExecute(t *testing.T) {
	p := openSQLite(t, fixture(t), 2, nil)
	if p.Dialect().Driver() != DriverSQLite || p.Size() != 2 {
		t.Fatalf("unexpected pool %v %d", p.Dialect().Driver(), p.Size())
	}
	if p.Schema().GeoID != "COD_2022" {
		t.Fatalf("schema geo id %s", p.Schema().GeoID)
	}
	var total int64
	err := p.Execute(context.Background(), "SELECT SUM(conteo) AS n FROM census WHERE codigo_variable = ?", []any{"X"},
		func(columns []string, values []any) error {
			if columns[0] != "n" {
				t.Fatalf("columns %v", columns)
			}
			total = values[0].(int64)
			return nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if total != 9 {
		t.Fatalf("expected 9 got %d", total)
	}
}

func TestPoolEngineError(t *testing.T) {
	p := openSQLite(t, fixture(t), 1, nil)
	err := p.Execute(context.Background(), "SELECT * FROM nowhere", nil, func([]string, []any) error { return nil })
	var ee census.EngineError
	if !errors.As(err, &ee) || ee.Query != "SELECT * FROM nowhere" {
		t.Fatalf("expected engine error with query, got %v", err)
	}
	scanErr := errors.New("stop")
	err = p.Execute(context.Background(), "SELECT 1", nil, func([]string, []any) error { return scanErr })
	if !errors.Is(err, scanErr) {
		t.Fatalf("expected scan error to pass through, got %v", err)
	}
}

func TestPoolAcquireBounded(t *testing.T) {
	p := openSQLite(t, fixture(t), 1, nil)
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while pool is exhausted, got %v", err)
	}
	c.Release()
	c.Release()
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	c2.Release()
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolRecordsMetrics(t *testing.T) {
	rec := metrics.NewExpvar("")
	ds := fixture(t)
	p, err := Open(context.Background(), Config{
		Driver:     DriverSQLite,
		Dataset:    ds,
		SQLitePath: filepath.Join(t.TempDir(), "censo.db"),
		Metrics:    rec,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = p.Close() }()
	_ = p.Execute(context.Background(), "SELECT 1", nil, func([]string, []any) error { return nil })
	_ = p.Execute(context.Background(), "SELECT bogus(", nil, func([]string, []any) error { return nil })
	snap := rec.Snapshot()
	if snap.Results[metrics.OpExecute]["success"] != 1 || snap.Results[metrics.OpExecute]["error"] != 1 {
		t.Fatalf("unexpected results %+v", snap.Results)
	}
}

func TestOpenResolvesBlobLocations(t *testing.T) {
	ds := fixture(t)
	store := blob.NewMemory()
	ctx := context.Background()
	put := func(key, path string) string {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read fixture: %v", err)
		}
		if _, err := store.Put(ctx, key, bytes.NewReader(b), blob.PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
		return BlobScheme + key
	}
	ds.Radios = put("2022/radios.parquet", ds.Radios)
	ds.Census = put("2022/census-data.parquet", ds.Census)
	ds.Metadata = put("2022/metadata.parquet", ds.Metadata)

	p := openSQLite(t, ds, 1, store)
	var n int64
	err := p.Execute(ctx, "SELECT COUNT(*) FROM radios", nil, func(_ []string, v []any) error {
		n = v[0].(int64)
		return nil
	})
	if err != nil || n != 1 {
		t.Fatalf("expected one radio, got %d %v", n, err)
	}
}

func TestResolveDataset(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := blob.NewFilesystem(root)
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	if _, err := blob.PutBytes(ctx, store, "2022/radios.parquet", []byte("PAR1"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	ds, err := resolveDataset(ctx, Dataset{Radios: BlobScheme + "2022/radios.parquet", Census: "https://example.org/c.parquet"}, store)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(ds.Radios, root) || ds.Census != "https://example.org/c.parquet" {
		t.Fatalf("unexpected resolution %+v", ds)
	}
	if _, err := resolveDataset(ctx, Dataset{Radios: BlobScheme + "x"}, nil); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := resolveDataset(ctx, Dataset{Metadata: BlobScheme + "missing"}, store); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
