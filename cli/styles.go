package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const (
	COLOR_GREY    = "241"
	COLOR_MAGENTA = "170"
	COLOR_RED     = "196"
	COLOR_PURPLE  = "#7D56F4"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_PURPLE)).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failedStyle = cellStyle.Foreground(lipgloss.Color(COLOR_RED))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY))
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_MAGENTA))
)

// renderTable draws rows under headers. highlight marks rows to draw in the failure colour.
func renderTable(headers []string, rows [][]string, highlight func(row int) bool) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case highlight != nil && highlight(row):
				return failedStyle
			default:
				return cellStyle
			}
		}).
		String()
}
