package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/richinsley/diffgrid/grid"
)

var (
	colorResolved = lipgloss.Color("#a6e3a1")
	colorPending  = lipgloss.Color("#f9e2af")
	colorEmpty    = lipgloss.Color("#6c7086")

	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Width(8)
	cellStyle  = lipgloss.NewStyle().Width(12).Padding(0, 1)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func statusColor(status grid.SlotStatus) lipgloss.Color {
	switch status {
	case grid.SlotResolved:
		return colorResolved
	case grid.SlotPending:
		return colorPending
	default:
		return colorEmpty
	}
}

func renderSlot(s grid.SlotState) string {
	return cellStyle.Foreground(statusColor(s.Status)).Render(string(s.Status))
}

// renderGrid draws the trunk and one line per row of cells
func renderGrid(st grid.State) string {
	var b strings.Builder
	title := "no prompt"
	if st.Prompt != nil {
		title = fmt.Sprintf("[%d/%d] %s", st.PromptIndex, len(st.Prompts), st.Prompt.Text)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("trunk"), renderSlot(st.Trunk)))

	for _, row := range st.Rows {
		parts := []string{labelStyle.Render(fmt.Sprintf("t=%d", row.Timestep))}
		for _, cell := range row.Cells {
			parts = append(parts, renderSlot(cell))
		}
		b.WriteString("\n")
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, parts...))
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%d resolved, %d pending, %d empty",
		st.Count(grid.SlotResolved), st.Count(grid.SlotPending), st.Count(grid.SlotEmpty)))
	return boxStyle.Render(b.String())
}
