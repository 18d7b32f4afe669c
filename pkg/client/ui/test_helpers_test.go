package ui

import (
	"io"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/mchat/pkg/client"
)

const testSessionID = "0f8fad5b-d9cb-469f-a165-70867728950e"

// NewTestModel creates a Model with mock dependencies for testing
func NewTestModel() (Model, *client.MockListener) {
	listener := client.NewMockListener(testSessionID, "alice")
	return NewTestModelWithMocks(listener, client.NewMockState()), listener
}

// NewTestModelWithMocks creates a Model with provided mocks
func NewTestModelWithMocks(listener client.ListenerInterface, state client.StateInterface) Model {
	logger := log.New(io.Discard, "", 0) // Discard logs in tests
	return NewModel(listener, state, NewFeed(8), Options{ServerAddr: "localhost:10240", Logger: logger})
}

// SetupTestModelWithDimensions creates a test model with window dimensions set
func SetupTestModelWithDimensions(width, height int) (Model, *client.MockListener) {
	m, listener := NewTestModel()
	updated, _ := m.Update(tea.WindowSizeMsg{Width: width, Height: height})
	return updated.(Model), listener
}

// typeAndSend puts text in the input and presses enter
func typeAndSend(m Model, text string) (Model, tea.Cmd) {
	m.input.SetValue(text)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(Model), cmd
}

// runCmd executes a command and returns its message, nil for a nil command
func runCmd(cmd tea.Cmd) tea.Msg {
	if cmd == nil {
		return nil
	}
	return cmd()
}

type notification struct {
	title string
	body  string
}

func recordNotifications(m *Model) *[]notification {
	var sent []notification
	m.notify = func(title, body string) error {
		sent = append(sent, notification{title, body})
		return nil
	}
	return &sent
}
