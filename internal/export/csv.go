package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"censocore/internal/layer"
)

// LayerCSV writes one record per row with geo_id, optional wkt and the
// attribute columns in field order. NULL values are empty cells.
func LayerCSV(w io.Writer, res *layer.Result, withWKT bool) error {
	cols, rows := layerRecords(res, withWKT)
	return CSV(w, cols, rows)
}

// CSV writes a header and records. Text cells that a spreadsheet would
// evaluate as a formula are prefixed with a quote.
func CSV(w io.Writer, columns []string, rows [][]any) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = formatValue(c)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func formatValue(v any) string {
	s := text(v)
	switch v.(type) {
	case string, []byte:
		if s != "" && strings.ContainsRune("=+-@\t\r\n|", rune(s[0])) {
			return "'" + strings.ReplaceAll(s, "'", "''")
		}
	}
	return s
}

// text renders a cell without escaping.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case *float64:
		if x == nil {
			return ""
		}
		return strconv.FormatFloat(*x, 'f', -1, 64)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
