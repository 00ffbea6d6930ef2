package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mickamy/respipe/highlight"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	cursorStyle = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

// View renders the TUI.
func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	if m.err != nil {
		return fmt.Sprintf("error: %v\n\nq: quit", m.err)
	}

	header := headerStyle.Render(fmt.Sprintf(
		"respipe monitor  sent=%d recv=%d queued=%d errors=%d timeouts=%d",
		m.stats.MessagesSent, m.stats.MessagesReceived, m.stats.UnsentSize,
		m.stats.ErrorMessages, m.stats.Timeouts,
	))

	body := m.renderLog()
	footer := footerStyle.Render("q: quit  j/k: scroll  G: follow latest  y: copy line")

	return strings.Join([]string{header, body, footer}, "\n")
}

func (m Model) renderLog() string {
	if len(m.events) == 0 {
		return "waiting for events..."
	}

	height := max(m.height-3, 3)
	start := 0
	if len(m.events) > height {
		start = len(m.events) - height
	}
	if m.cursor < start {
		start = m.cursor
	}

	var lines []string
	for i := start; i < len(m.events); i++ {
		e := m.events[i]
		line := fmt.Sprintf("[%s] %s", e.Cause, e.Error)
		if e.Command != "" {
			line = fmt.Sprintf("[%s] %s: %s", e.Cause, e.Command, e.Error)
		}
		if e.Fatal {
			line = "FATAL " + line
		}
		rendered := highlight.MonitorLine(line)
		if i == m.cursor {
			rendered = cursorStyle.Render(line)
		}
		lines = append(lines, rendered)
		if len(lines) >= height {
			break
		}
	}
	return strings.Join(lines, "\n")
}
