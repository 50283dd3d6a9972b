package shell

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// styles holds the terminal styles. Colors degrade to plain text when the
// output is not a terminal.
type styles struct {
	agent   lipgloss.Style
	field   lipgloss.Style
	hint    lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	done    lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		agent:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		field:   r.NewStyle().Bold(true),
		hint:    r.NewStyle().Faint(true),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		err:     r.NewStyle().Foreground(lipgloss.Color("9")),
		done:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
	}
}
