package export

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// Table renders columns and rows as an aligned terminal table.
func Table(w io.Writer, columns []string, rows [][]any) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(columns)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	for _, row := range rows {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = text(v)
		}
		tw.Append(rec)
	}
	tw.Render()
	return nil
}
