package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/botvisr/pkg/client"
)

// printer renders command output. Colors are only emitted when out is a terminal.
type printer struct {
	out     io.Writer
	header  lipgloss.Style
	muted   lipgloss.Style
	byState map[string]lipgloss.Style
	byLevel map[string]lipgloss.Style
}

func newPrinter(out io.Writer) *printer {
	r := lipgloss.NewRenderer(out)
	color := func(c string) lipgloss.Style { return r.NewStyle().Foreground(lipgloss.Color(c)) }
	return &printer{
		out:    out,
		header: r.NewStyle().Bold(true),
		muted:  color("242"),
		byState: map[string]lipgloss.Style{
			"running":  color("76"),
			"starting": color("214"),
			"stopping": color("214"),
			"error":    color("196").Bold(true),
			"stopped":  color("242"),
			"idle":     color("242"),
		},
		byLevel: map[string]lipgloss.Style{
			"debug": color("242"),
			"warn":  color("214"),
			"error": color("196"),
		},
	}
}

func (p *printer) state(s client.Status) string {
	st, ok := p.byState[s.State]
	if !ok {
		return s.String()
	}
	return st.Render(s.String())
}

func (p *printer) level(l string) string {
	if st, ok := p.byLevel[l]; ok {
		return st.Render(strings.ToUpper(l))
	}
	return strings.ToUpper(l)
}

// table writes rows with columns padded to their widest cell. Cells may
// already contain ANSI styling.
func (p *printer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			if i < len(cells)-1 {
				cell += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			parts[i] = cell
		}
		_, _ = fmt.Fprintln(p.out, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(headers, &p.header)
	for _, row := range rows {
		line(row, nil)
	}
}

func (p *printer) entry(e client.LogEntry) {
	lvl := p.level(e.Level)
	lvl += strings.Repeat(" ", max(0, 5-lipgloss.Width(lvl)))
	_, _ = fmt.Fprintf(p.out, "%s %s %s %s %s\n",
		p.muted.Render(fmt.Sprintf("%6d", e.Seq)),
		p.muted.Render(e.Timestamp.Local().Format("15:04:05.000")),
		lvl,
		p.muted.Render(e.Stream),
		e.RawLine,
	)
}
