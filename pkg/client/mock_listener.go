package client

import (
	"sync"
)

// MockListener is a test implementation of ListenerInterface
type MockListener struct {
	mu sync.RWMutex

	id        string
	name      string
	connected bool
	sendErr   error

	// Sent messages for verification
	SentMessages []string
	LoggedOff    bool
}

// NewMockListener creates a connected mock listener
func NewMockListener(id, name string) *MockListener {
	return &MockListener{
		id:        id,
		name:      name,
		connected: true,
	}
}

func (m *MockListener) ID() string {
	return m.id
}

func (m *MockListener) Name() string {
	return m.name
}

func (m *MockListener) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SendMessage records the message
func (m *MockListener) SendMessage(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.SentMessages = append(m.SentMessages, text)
	return nil
}

func (m *MockListener) Logoff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.LoggedOff = true
	}
	m.connected = false
	return nil
}

func (m *MockListener) Close() error {
	return m.Logoff()
}

// SetSendError makes SendMessage fail with err
func (m *MockListener) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of the sent messages
func (m *MockListener) Sent() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}

var _ ListenerInterface = (*MockListener)(nil)
