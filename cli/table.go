package cli

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// countRow is one line of a status table.
type countRow struct {
	label string
	count int
}

// renderCounts draws a two-column count table with the total in the footer.
// Headers keep their casing so stage names read the same as in the API.
func renderCounts(label string, rows []countRow, total int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Format.Footer = text.FormatDefault

	tw.AppendHeader(table.Row{label, "Count"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.label, strconv.Itoa(r.count)})
	}
	tw.AppendFooter(table.Row{"total", strconv.Itoa(total)})

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft, AlignFooter: text.AlignRight},
	})
	return tw.Render()
}
