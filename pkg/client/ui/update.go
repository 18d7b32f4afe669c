package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/mchat/pkg/client"
)

// Update handles incoming events
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case LineMsg:
		m.appendLine(msg.Line)
		m.notifyLine(msg.Line)
		return m, m.feed.listen()

	case LogoffMsg:
		m.connectionState = StateDisconnected
		m.logoffReason = msg.Reason
		m.input.Blur()
		if msg.Reason == client.ForcedByPeer {
			m.errorMessage = "Disconnected by server. Press Esc to quit."
		} else {
			m.errorMessage = "Session closed. Press Esc to quit."
		}
		return m, m.feed.listen()

	case ErrorMsg:
		m.errorMessage = msg.Err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg.String() {
	case "ctrl+c", "esc":
		return m.quit()

	case "enter":
		content := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if content == "" {
			return m, nil
		}
		if strings.HasPrefix(content, "/") {
			return m.executeCommand(content)
		}
		return m.sendMessage(content)

	case "pgup", "pgdown", "up", "down":
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	default:
		if m.connectionState != StateConnected {
			return m, nil
		}
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
}

// sendMessage sends chat text through the listener
func (m Model) sendMessage(content string) (tea.Model, tea.Cmd) {
	if m.connectionState != StateConnected || !m.listener.IsConnected() {
		m.errorMessage = "Not connected"
		return m, nil
	}
	m.errorMessage = ""

	listener := m.listener
	return m, func() tea.Msg {
		if err := listener.SendMessage(content); err != nil {
			return ErrorMsg{Err: fmt.Errorf("failed to send: %w", err)}
		}
		return nil
	}
}

// quit logs off and exits the program
func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	if err := m.listener.Logoff(); err != nil && m.logger != nil {
		m.logger.Printf("Failed to log off: %v", err)
	}
	return m, tea.Quit
}

// notifyLine sends a desktop notification for chat from other users
func (m Model) notifyLine(line string) {
	if m.notify == nil {
		return
	}
	author, text, ok := splitChatLine(line)
	if !ok || isOwnLine(line, m.listener.Name()) {
		return
	}

	body := fmt.Sprintf("%s: %s", author, truncate(text, 100))
	if err := m.notify("mchat", body); err != nil && m.logger != nil {
		m.logger.Printf("Failed to send desktop notification: %v", err)
	}
}

func (m *Model) resize() {
	headerHeight := 1
	footerHeight := 1
	inputHeight := 3 // one line plus border

	m.input.SetWidth(max(m.width-4, 10))
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-headerHeight-footerHeight-inputHeight-1, 1)
	m.viewport.SetContent(m.renderLines())
	if !m.ready {
		m.viewport.GotoBottom()
		m.ready = true
	}
}
