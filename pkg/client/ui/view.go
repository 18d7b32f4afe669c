package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the chat screen
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.showHelp {
		b.WriteString(m.renderHelp())
	} else {
		b.WriteString(m.viewport.View())
	}
	b.WriteString("\n")

	b.WriteString(m.renderInput())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	title := Styles.Header.Render(fmt.Sprintf("mchat - %s", m.listener.Name()))
	status := "connected"
	if m.connectionState != StateConnected {
		status = "disconnected (" + m.logoffReason.String() + ")"
	}
	if m.serverAddr != "" {
		status = m.serverAddr + " " + status
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, title, Styles.Status.Render(status))
}

func (m Model) renderInput() string {
	if m.connectionState != StateConnected {
		return Styles.InputDead.Width(max(m.width-2, 10)).Render("(disconnected)")
	}
	return Styles.InputBox.Render(m.input.View())
}

func (m Model) renderFooter() string {
	switch {
	case m.errorMessage != "":
		return Styles.Error.Render(m.errorMessage)
	case m.statusMessage != "":
		return Styles.Status.Render(m.statusMessage)
	default:
		return Styles.Footer.Render("enter: send  pgup/pgdown: scroll  /help: commands  esc: quit")
	}
}

func (m Model) renderHelp() string {
	var b strings.Builder
	b.WriteString(Styles.Header.Render("Commands"))
	b.WriteString("\n")
	for _, line := range helpLines() {
		b.WriteString(Styles.Text.Render("  " + line))
		b.WriteString("\n")
	}
	return b.String()
}

// renderLines formats the chat history for the viewport
func (m Model) renderLines() string {
	name := m.listener.Name()
	rendered := make([]string, 0, len(m.lines))
	for _, line := range m.lines {
		rendered = append(rendered, formatLine(line, name))
	}
	return strings.Join(rendered, "\n")
}

// formatLine styles a display line: chat lines get a coloured author,
// everything else is shown as a system line
func formatLine(line, self string) string {
	author, text, ok := splitChatLine(line)
	if !ok {
		return Styles.System.Render(line)
	}
	style := Styles.Author
	if author == self {
		style = Styles.Own
	}
	return style.Render(author+":") + " " + Styles.Text.Render(text)
}
