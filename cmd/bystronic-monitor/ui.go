package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	bystronic "github.com/Drustburn/bystronic-opc"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	connectedStyle = lipgloss.NewStyle().Foreground(green)
	failedStyle    = lipgloss.NewStyle().Foreground(red)
	pendingStyle   = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle     = lipgloss.NewStyle().Foreground(dim)
)

// stateText renders a snapshot's state, marking loops that gave up.
func stateText(s bystronic.StatusSnapshot) string {
	text := s.State.String()
	if s.Terminal {
		text += " (gave up)"
	}
	switch s.State {
	case bystronic.StateConnected:
		return connectedStyle.Render(text)
	case bystronic.StateFailed:
		return failedStyle.Render(text)
	case bystronic.StateConnecting:
		return pendingStyle.Render(text)
	default:
		return mutedStyle.Render(text)
	}
}

// renderTable renders a styled table with rounded borders.
func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}
