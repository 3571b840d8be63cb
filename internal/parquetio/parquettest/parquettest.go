// Package parquettest writes small census parquet fixtures for tests.
package parquettest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// Radio is a row of radios.parquet.
type Radio struct {
	Cod      string `parquet:"COD_2022"`
	Prov     string `parquet:"PROV"`
	Depto    string `parquet:"DEPTO"`
	Fracc    string `parquet:"FRACC"`
	Radio    string `parquet:"RADIO"`
	Geometry []byte `parquet:"geometry"`
}

// Fact is a row of census-data.parquet.
type Fact struct {
	IDGeo    string  `parquet:"id_geo"`
	Variable string  `parquet:"codigo_variable"`
	Value    *string `parquet:"valor_categoria,optional"`
	Count    int64   `parquet:"conteo"`
}

// Entry is a row of metadata.parquet.
type Entry struct {
	Variable      string  `parquet:"codigo_variable"`
	VariableLabel string  `parquet:"etiqueta_variable"`
	Entity        string  `parquet:"entidad"`
	Value         *string `parquet:"valor_categoria,optional"`
	Label         *string `parquet:"etiqueta_categoria,optional"`
}

// Write stores rows as a parquet file named name under a temp dir.
func Write[T any](t *testing.T, name string, rows []T) string {
	t.Helper()
	return WriteDir(t, t.TempDir(), name, rows)
}

// WriteDir stores rows as dir/name, creating dir when needed.
func WriteDir[T any](t *testing.T, dir, name string, rows []T) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	writer := parquet.NewGenericWriter[T](f)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer %s: %v", path, err)
	}
	return path
}

// Square returns the WKB of the unit square whose lower left corner is (x, y).
func Square(t *testing.T, x, y float64) []byte {
	t.Helper()
	p := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x, y}, {x + 1, y}, {x + 1, y + 1}, {x, y + 1}, {x, y},
	}})
	b, err := wkb.Marshal(p, binary.LittleEndian)
	if err != nil {
		t.Fatalf("marshal wkb: %v", err)
	}
	return b
}

// Ptr returns a pointer to s.
func Ptr(s string) *string { return &s }
