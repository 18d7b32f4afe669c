package ui

import (
	"log"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"

	"github.com/aeolun/mchat/pkg/client"
	"github.com/aeolun/mchat/pkg/protocol"
)

// ConnectionState represents the session status
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
)

// maxHistory bounds the number of lines kept in the chat view
const maxHistory = 1000

// Notifier shows a desktop notification
type Notifier func(title, body string) error

// Model represents the application state
type Model struct {
	listener client.ListenerInterface
	state    client.StateInterface
	feed     *Feed
	logger   *log.Logger

	serverAddr      string
	connectionState ConnectionState
	logoffReason    client.LogoffReason

	// UI state
	width    int
	height   int
	viewport viewport.Model
	input    textarea.Model
	lines    []string
	ready    bool
	showHelp bool

	// Error and status
	errorMessage  string
	statusMessage string

	notify   Notifier
	quitting bool
}

// Options configures a Model
type Options struct {
	ServerAddr string
	// Notify enables desktop notifications for incoming chat
	Notify bool
	Logger *log.Logger
}

// NewModel creates the chat model around a connected listener
func NewModel(listener client.ListenerInterface, state client.StateInterface, feed *Feed, opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Prompt = ""
	ta.CharLimit = protocol.BufferSize
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false) // Enter sends
	ta.Focus()

	m := Model{
		listener:        listener,
		state:           state,
		feed:            feed,
		logger:          opts.Logger,
		serverAddr:      opts.ServerAddr,
		connectionState: StateConnected,
		viewport:        viewport.New(80, 20),
		input:           ta,
	}
	if opts.Notify {
		m.notify = func(title, body string) error {
			return beeep.Notify(title, body, "")
		}
	}
	return m
}

// Init starts listening for feed events
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.feed.listen(), textarea.Blink)
}

// ErrorMsg represents an error
type ErrorMsg struct {
	Err error
}

// appendLine adds a line to the history and keeps the view pinned to the
// bottom when it already was
func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxHistory {
		m.lines = m.lines[len(m.lines)-maxHistory:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderLines())
	if atBottom || !m.ready {
		m.viewport.GotoBottom()
	}
}

// isOwnLine reports whether a chat line was written by name
func isOwnLine(line, name string) bool {
	return strings.HasPrefix(line, protocol.UILine(name, ""))
}

// splitChatLine splits "author: text" into its parts
func splitChatLine(line string) (author, text string, ok bool) {
	author, text, ok = strings.Cut(line, ": ")
	if !ok || author == "" || strings.Contains(author, " ") {
		return "", "", false
	}
	return author, text, true
}

// truncate shortens s to at most n runes, ending with "..."
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
