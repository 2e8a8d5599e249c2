package main

import (
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/kokoron/kokoron/internal/pipeline"
)

// renderTable renders a two-column key/value table.
func renderTable(rows [][2]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, WidthMax: 72},
	})
	return tw.Render()
}

// renderRecordList renders one row per record.
func renderRecordList(views []pipeline.RecordView) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Created", "Category", "Intensity", "Voice", "Record"})
	for _, v := range views {
		voice := ""
		if v.AudioKey != "" {
			voice = "yes"
		}
		tw.AppendRow(table.Row{
			v.CreatedAt.Local().Format(time.DateTime),
			v.CategoryID,
			strconv.Itoa(v.IntensityID),
			voice,
			v.ID,
		})
	}
	return tw.Render()
}
