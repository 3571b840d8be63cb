// Package parquetio reads the published census parquet files row by row.
package parquetio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"
)

// ColumnKind is the storage class of a parquet leaf column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInteger
	KindReal
	KindBinary
)

// Column describes one top-level parquet column.
type Column struct {
	Name string
	Kind ColumnKind
}

// Reader streams rows of a parquet file as maps keyed by column name.
type Reader struct {
	closer io.Closer
	pqFile *parquet.File
}

// Open opens the parquet file at path.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	r, err := NewReader(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader reads parquet data from r. The caller keeps ownership of r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	pqFile, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	return &Reader{pqFile: pqFile}, nil
}

// NumRows reports the row count from the file footer.
func (r *Reader) NumRows() int64 { return r.pqFile.NumRows() }

// Columns lists the top-level columns in schema order.
func (r *Reader) Columns() []Column {
	fields := r.pqFile.Schema().Fields()
	cols := make([]Column, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, Column{Name: f.Name(), Kind: kindOf(f)})
	}
	return cols
}

func kindOf(f parquet.Field) ColumnKind {
	if !f.Leaf() {
		return KindText
	}
	t := f.Type()
	if lt := t.LogicalType(); lt != nil && lt.UTF8 != nil {
		return KindText
	}
	switch t.Kind() {
	case parquet.Boolean, parquet.Int32, parquet.Int64, parquet.Int96:
		return KindInteger
	case parquet.Float, parquet.Double:
		return KindReal
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return KindBinary
	default:
		return KindText
	}
}

// Each calls fn for every row until the file is exhausted or fn fails.
func (r *Reader) Each(fn func(row map[string]any) error) error {
	reader := parquet.NewReader(r.pqFile)
	defer func() { _ = reader.Close() }()
	for {
		row := make(map[string]any)
		if err := reader.Read(&row); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// Close releases the underlying file when the reader opened it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
