package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/mchat/pkg/protocol"
)

// Slash commands handled locally instead of being sent as chat
const (
	CommandQuit  = "/quit"
	CommandClear = "/clear"
	CommandHelp  = "/help"
	CommandDebug = "/debug"
	CommandWho   = "/whoami"
)

// executeCommand runs a slash command. Unknown commands are sent as chat.
func (m Model) executeCommand(input string) (tea.Model, tea.Cmd) {
	name, _, _ := strings.Cut(input, " ")

	switch strings.ToLower(name) {
	case CommandQuit:
		return m.quit()

	case CommandClear:
		m.lines = nil
		m.viewport.SetContent("")
		m.statusMessage = ""
		return m, nil

	case CommandHelp:
		m.showHelp = !m.showHelp
		return m, nil

	case CommandDebug:
		return m.sendMessage(protocol.DebugSentinel)

	case CommandWho:
		m.statusMessage = fmt.Sprintf("%s (%s)", m.listener.Name(), m.listener.ID())
		return m, nil

	default:
		return m.sendMessage(input)
	}
}

// helpLines documents the slash commands
func helpLines() []string {
	return []string{
		CommandQuit + "    log off and exit",
		CommandClear + "   clear the chat view",
		CommandWho + "  show your name and session id",
		CommandDebug + "   ask the relay to dump its sessions",
		CommandHelp + "    toggle this help",
	}
}
