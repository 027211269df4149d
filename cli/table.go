package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/OpenCuff/OpenCuff/plugins"
)

var (
	dimColor     = lipgloss.Color("7")
	successColor = lipgloss.Color("10")
	warningColor = lipgloss.Color("11")
	dangerColor  = lipgloss.Color("9")

	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(dimColor)
	okStyle     = lipgloss.NewStyle().Foreground(successColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warningColor)
	errStyle    = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
)

// maxCellWidth caps free-text columns such as errors and descriptions.
const maxCellWidth = 60

type column struct {
	title string
	// style, when set, colours a cell after it has been padded.
	style func(value string) lipgloss.Style
}

// renderTable lays rows out in padded columns. Widths are measured with
// runewidth before styling so escape codes do not skew alignment.
func renderTable(cols []column, rows [][]string) string {
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = runewidth.StringWidth(c.title)
	}
	cells := make([][]string, len(rows))
	for r, row := range rows {
		cells[r] = make([]string, len(cols))
		for i := range cols {
			var v string
			if i < len(row) {
				v = row[i]
			}
			if runewidth.StringWidth(v) > maxCellWidth {
				v = runewidth.Truncate(v, maxCellWidth, "...")
			}
			cells[r][i] = v
			if w := runewidth.StringWidth(v); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, c := range cols {
		b.WriteString(headerStyle.Render(pad(c.title, widths[i], i == len(cols)-1)))
		if i < len(cols)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")

	for _, row := range cells {
		for i, v := range row {
			last := i == len(cols)-1
			text := pad(v, widths[i], last)
			if cols[i].style != nil {
				text = cols[i].style(v).Render(text)
			}
			b.WriteString(text)
			if !last {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return runewidth.FillRight(s, width)
}

func stateStyle(value string) lipgloss.Style {
	switch value {
	case plugins.StateActive.String():
		return okStyle
	case plugins.StateError.String():
		return errStyle
	case plugins.StateRecovering.String(), plugins.StateInitializing.String():
		return warnStyle
	default:
		return dimStyle
	}
}

func resultStyle(value string) lipgloss.Style {
	if value == "ok" {
		return okStyle
	}
	return errStyle
}

func dim(string) lipgloss.Style {
	return dimStyle
}

func errText(string) lipgloss.Style {
	return errStyle
}
