package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleTitle  = lipgloss.NewStyle().Bold(true)
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("241"))
	styleCell   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	styleLabel  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleEmpty  = lipgloss.NewStyle().Faint(true)
	styleGood   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	styleBad    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	styleBox    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

const columnGap = 2

// renderTable lays rows out in padded columns under a title
func renderTable(title string, headers []string, rows [][]string) string {
	lines := []string{styleTitle.Render(title)}
	if len(rows) == 0 {
		lines = append(lines, styleEmpty.Render("nothing to show"))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	lines = append(lines, renderRow(headers, widths, styleHeader))
	for _, row := range rows {
		lines = append(lines, renderRow(row, widths, styleCell))
	}
	return styleBox.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderRow(cells []string, widths []int, style lipgloss.Style) string {
	parts := make([]string, 0, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		pad := w - lipgloss.Width(cell)
		if i < len(widths)-1 {
			pad += columnGap
		}
		parts = append(parts, style.Render(cell)+strings.Repeat(" ", pad))
	}
	return strings.Join(parts, "")
}

// renderSummary renders label/value pairs
func renderSummary(title string, pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if w := lipgloss.Width(p[0]); w > width {
			width = w
		}
	}
	lines := []string{styleTitle.Render(title)}
	for _, p := range pairs {
		label := p[0] + strings.Repeat(" ", width-lipgloss.Width(p[0])+columnGap)
		lines = append(lines, styleLabel.Render(label)+styleCell.Render(p[1]))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
