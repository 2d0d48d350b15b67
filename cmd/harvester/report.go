package main

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/yangwenmai/repoharvest/internal/engine"
	"github.com/yangwenmai/repoharvest/internal/oai"
	"github.com/yangwenmai/repoharvest/internal/search"
	"github.com/yangwenmai/repoharvest/internal/store"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// renderStats prints item counts by status and file counts by type and outcome.
func renderStats(w io.Writer, items []store.StatusCount, files []store.FileCount) {
	t := newTable(w, "Items")
	t.AppendHeader(table.Row{"Status", "Count"})
	total := 0
	for _, c := range items {
		t.AppendRow(table.Row{c.Status, c.Count})
		total += c.Count
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()

	t = newTable(w, "Files")
	t.AppendHeader(table.Row{"Type", "Status", "Count"})
	for _, c := range files {
		t.AppendRow(table.Row{c.FileType, c.Status, c.Count})
	}
	t.Render()
}

func renderHarvest(w io.Writer, results []oai.Result) {
	if len(results) == 0 {
		return
	}
	t := newTable(w, "OAI-PMH harvest")
	t.AppendHeader(table.Row{"Repository", "Pages", "Harvested", "Created", "Deleted", "Skipped", "Error"})
	for _, r := range results {
		t.AppendRow(table.Row{r.Repository, r.Pages, r.Harvested, r.Created, r.Deleted, r.Skipped, errText(r.Err)})
	}
	t.Render()
}

func renderSearch(w io.Writer, results []search.KeywordResult) {
	if len(results) == 0 {
		return
	}
	t := newTable(w, "Keyword search")
	t.AppendHeader(table.Row{"Site", "Keyword", "Pages", "Found", "Created", "Error"})
	for _, r := range results {
		t.AppendRow(table.Row{r.Site, r.Keyword, r.Pages, r.Found, r.Created, errText(r.Err)})
	}
	t.Render()
}

func renderBatch(w io.Writer, s engine.BatchStats) {
	t := newTable(w, "Processing")
	t.AppendHeader(table.Row{"Selected", "Processed", "Error extraction", "Error download", "Skipped"})
	t.AppendRow(table.Row{s.Selected, s.Processed, s.ErrorExtraction, s.ErrorDownload, s.Skipped})
	t.Render()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
