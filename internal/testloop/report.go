package testloop

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// formatCases renders one layer's results for an issue comment
func formatCases(lr LayerReport) string {
	if len(lr.Cases) == 0 {
		return "ℹ️ No results"
	}
	passed, failed := lr.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "**Total:** %d | **Passed:** %d | **Failed:** %d | **Attempts:** %d\n", len(lr.Cases), passed, failed, lr.Attempts)
	if failed > 0 {
		b.WriteString("\n### ❌ Failed\n\n")
		for _, c := range lr.Failing() {
			fmt.Fprintf(&b, "- **%s**\n", c.Name)
			if c.Error != "" {
				fmt.Fprintf(&b, "  - Error: %s\n", truncate(oneLine(c.Error), 300))
			}
			if c.Command != "" {
				fmt.Fprintf(&b, "  - Command: `%s`\n", truncate(c.Command, 100))
			}
		}
	}
	if passed > 0 {
		b.WriteString("\n### ✅ Passed\n\n")
		for _, c := range lr.Cases {
			if c.Passed {
				fmt.Fprintf(&b, "- %s\n", c.Name)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SummaryTable renders one row per layer as a markdown table
func (r *Report) SummaryTable() string {
	var buf bytes.Buffer
	table := tablewriter.NewTable(&buf,
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
				Formatting: tw.CellFormatting{AutoFormat: tw.Off},
			},
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
			Behavior: tw.Behavior{TrimSpace: tw.Off},
		}),
		tablewriter.WithHeader([]string{"Layer", "Status", "Passed", "Failed", "Attempts", "Note"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)

	for _, l := range r.Layers {
		passed, failed := l.Counts()
		row := []string{layerTitle(l.Layer), l.Status, "-", "-", "-", l.Reason}
		if l.Status != StatusSkipped {
			row[2] = strconv.Itoa(passed)
			row[3] = strconv.Itoa(failed)
			row[4] = strconv.Itoa(l.Attempts)
		}
		_ = table.Append(row)
	}
	_ = table.Render()
	return buf.String()
}

// Summary is the closing comment for the issue
func (r *Report) Summary() string {
	var b strings.Builder
	b.WriteString("## 📊 Test Run Summary\n\n")
	b.WriteString(r.SummaryTable())
	if failures := r.Failures(); failures > 0 {
		fmt.Fprintf(&b, "\n### ❌ Overall Status: FAILED\nTotal failures: %d\n", failures)
	} else {
		total := 0
		for _, l := range r.Layers {
			total += len(l.Cases)
		}
		fmt.Fprintf(&b, "\n### ✅ Overall Status: PASSED\nAll %d tests passed\n", total)
	}
	return b.String()
}

// Markdown renders the full audit: the summary and every layer's results
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Test audit for run %s\n\n", r.RunID)
	b.WriteString(r.Summary())
	for _, l := range r.Layers {
		fmt.Fprintf(&b, "\n## %s\n\n", layerTitle(l.Layer))
		if l.Status == StatusSkipped {
			fmt.Fprintf(&b, "Skipped: %s\n", l.Reason)
			continue
		}
		b.WriteString(formatCases(l))
		b.WriteString("\n")
		for _, c := range l.Cases {
			fmt.Fprintf(&b, "\n```json\n%s\n```\n", c.Payload())
		}
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
