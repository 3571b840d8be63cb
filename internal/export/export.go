// Package export writes loaded layers and query results as CSV, GeoJSON,
// JSON or a terminal table.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"censocore/internal/layer"
)

// Format names an output encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatGeoJSON Format = "geojson"
	FormatJSON    Format = "json"
	FormatTable   Format = "table"
)

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatGeoJSON, FormatJSON, FormatTable:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// WriteLayer encodes res in format f. Table and CSV output omit geometry.
func WriteLayer(w io.Writer, f Format, res *layer.Result) error {
	switch f {
	case FormatCSV:
		return LayerCSV(w, res, false)
	case FormatGeoJSON:
		return GeoJSON(w, res)
	case FormatJSON:
		return encodeJSON(w, res)
	case FormatTable:
		cols, rows := layerRecords(res, false)
		return Table(w, cols, rows)
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
}

// WriteTable encodes a free-form query result in format f. GeoJSON needs a
// geometry column.
func WriteTable(w io.Writer, f Format, t *layer.Table) error {
	switch f {
	case FormatCSV:
		return CSV(w, t.Columns, t.Rows)
	case FormatGeoJSON:
		return TableGeoJSON(w, t)
	case FormatJSON:
		return encodeJSON(w, t)
	case FormatTable:
		return Table(w, t.Columns, t.Rows)
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// layerRecords flattens res into columns and rows, attribute values as
// *float64 so NULL stays distinguishable from zero.
func layerRecords(res *layer.Result, withWKT bool) ([]string, [][]any) {
	cols := []string{"geo_id"}
	if withWKT {
		cols = append(cols, "wkt")
	}
	for _, f := range res.Fields {
		cols = append(cols, f.Name)
	}
	rows := make([][]any, 0, len(res.Rows))
	for _, r := range res.Rows {
		rec := make([]any, 0, len(cols))
		rec = append(rec, r.GeoID)
		if withWKT {
			rec = append(rec, r.WKT)
		}
		for _, f := range res.Fields {
			rec = append(rec, r.Values[f.Name])
		}
		rows = append(rows, rec)
	}
	return cols, rows
}
