package main

import (
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"macd-engine/internal/chartdata"
)

// row is one line of MACD output. Nil values print as "-".
type row struct {
	label                   string
	price                   float64
	macd, signal, histogram *float64
}

func newTable(out io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"#", "price", "macd", "signal", "histogram"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	return t
}

// renderRows prints the last tail rows, or all of them when tail <= 0.
func renderRows(out io.Writer, title string, rows []row, tail int) {
	if tail > 0 && tail < len(rows) {
		rows = rows[len(rows)-tail:]
	}
	t := newTable(out, title)
	for _, r := range rows {
		t.AppendRow(table.Row{r.label, formatValue(&r.price), formatValue(r.macd), formatValue(r.signal), formatValue(r.histogram)})
	}
	t.Render()
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(chartdata.Round(*v), 'f', chartdata.Places, 64)
}
