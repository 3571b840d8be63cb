package layer

import (
	"context"
	"errors"
	"strings"
	"time"

	"censocore/internal/engine"
	"censocore/internal/metrics"
)

// Table is the result of a free-form query.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	// WKTColumn is the index of a column named wkt or geometry, or -1.
	WKTColumn int `json:"wkt_column"`
}

// RunSQL executes a user-written query against the radios, census and
// metadata relations. Values are converted to plain Go types.
func (l *Loader) RunSQL(ctx context.Context, query string) (t *Table, err error) {
	start := time.Now()
	defer func() {
		l.metrics.Observe(ctx, metrics.OpSQL, err == nil, time.Since(start))
	}()
	query = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if query == "" {
		return nil, errors.New("layer: empty query")
	}
	t = &Table{WKTColumn: -1}
	err = l.engine.Execute(ctx, query, nil, func(columns []string, values []any) error {
		if t.Columns == nil {
			t.Columns = append([]string(nil), columns...)
			for i, c := range columns {
				if name := strings.ToLower(c); name == "wkt" || name == "geometry" {
					t.WKTColumn = i
					break
				}
			}
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = engine.Plain(v)
		}
		t.Rows = append(t.Rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "query executed", "rows", len(t.Rows))
	return t, nil
}
