package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/model"
	"github.com/ethpandaops/aria/pkg/testdb"
)

const dateLayout = "2006-01-02 15:04:05"

// colorStatus paints a status name.
func colorStatus(name string) string {
	status, err := model.ParseStatus(name)
	if err != nil {
		return name
	}

	switch {
	case status == model.StatusNegligible:
		return color.GreenString(name)
	case status == model.StatusAcceptable:
		return color.YellowString(name)
	case status == model.StatusUnacceptable:
		return color.RedString(name)
	case status == model.StatusUnprocessed:
		return color.MagentaString(name)
	case model.IsRunning(status):
		return color.CyanString(name)
	default:
		return color.New(color.Faint).Sprint(name)
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	return t
}

// renderRuns prints one row per run.
func renderRuns(w io.Writer, runs []*testdb.DatabaseTest) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Renderer", "Category", "Test", "Status", "Run date", "Flags", "Keywords"})

	for _, d := range runs {
		info := d.Info()

		runDate := ""
		if info.RunDate != nil {
			runDate = info.RunDate.Local().Format(dateLayout)
		}

		t.AppendRow(table.Row{
			info.Renderer,
			info.Category,
			info.Test,
			colorStatus(info.Status),
			runDate,
			runFlags(info),
			strings.Join(info.Keywords, ","),
		})
	}

	t.AppendFooter(table.Row{"", "", "", "", "", "Runs", len(runs)})
	t.Render()
}

func runFlags(info testdb.RunInfo) string {
	var flags []string

	if info.IgnoreResult {
		flags = append(flags, "ignored")
	}

	if info.OutOfCastorDate {
		flags = append(flags, "engine")
	}

	if info.OutOfSceneDate {
		flags = append(flags, "scene")
	}

	return strings.Join(flags, ",")
}

// renderCounts prints the counts tree, one row per renderer followed by
// its categories when detailed.
func renderCounts(w io.Writer, s counts.Snapshot, detailed bool) {
	t := newTable(w)

	header := table.Row{"Renderer", "Category"}
	for _, k := range counts.Kinds {
		header = append(header, k.String())
	}

	t.AppendHeader(header)

	row := func(renderer, category string, n counts.Snapshot) table.Row {
		r := table.Row{renderer, category}
		for _, k := range counts.Kinds {
			r = append(r, n.Values[k.String()])
		}

		return r
	}

	for _, rs := range s.Children {
		t.AppendRow(row(color.New(color.Bold).Sprint(rs.Name), "", rs))

		if !detailed {
			continue
		}

		for _, cs := range rs.Children {
			t.AppendRow(row("", cs.Name, cs))
		}

		t.AppendSeparator()
	}

	footer := row("All", "", s)
	t.AppendFooter(footer)

	percent := table.Row{"", "%"}
	for _, k := range counts.Kinds {
		if k == counts.KindTotal {
			percent = append(percent, "")

			continue
		}

		percent = append(percent, fmt.Sprintf("%.1f", s.Percent[k.String()]))
	}

	t.AppendFooter(percent)

	configs := make([]table.ColumnConfig, 0, len(counts.Kinds))
	for i := range counts.Kinds {
		configs = append(configs, table.ColumnConfig{Number: i + 3, Align: text.AlignRight, AlignFooter: text.AlignRight})
	}

	t.SetColumnConfigs(configs)
	t.Render()
}
