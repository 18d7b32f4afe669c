package client

import (
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	config  map[string]string
	servers map[string]string
	dir     string

	// Error injection
	getConfigErr error
	setConfigErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config:  make(map[string]string),
		servers: make(map[string]string),
		dir:     "/tmp/mock-state",
	}
}

// GetConfig retrieves a configuration value
func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}
	return s.config[key], nil
}

// SetConfig stores a configuration value
func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setConfigErr != nil {
		return s.setConfigErr
	}
	s.config[key] = value
	return nil
}

func (s *MockState) GetLastNickname() string {
	nickname, _ := s.GetConfig("last_nickname")
	return nickname
}

func (s *MockState) SetLastNickname(nickname string) error {
	return s.SetConfig("last_nickname", nickname)
}

func (s *MockState) GetLastServer() string {
	addr, _ := s.GetConfig("last_server")
	return addr
}

func (s *MockState) GetKeyFile() string {
	path, _ := s.GetConfig("key_file")
	return path
}

func (s *MockState) SetKeyFile(path string) error {
	return s.SetConfig("key_file", path)
}

func (s *MockState) SaveSuccessfulConnection(serverAddress, nickname string) error {
	s.mu.Lock()
	s.servers[serverAddress] = nickname
	s.mu.Unlock()

	if err := s.SetConfig("last_server", serverAddress); err != nil {
		return err
	}
	return s.SetLastNickname(nickname)
}

func (s *MockState) GetNicknameForServer(serverAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[serverAddress], nil
}

func (s *MockState) GetStateDir() string {
	return s.dir
}

func (s *MockState) Close() error {
	return nil
}

// SetGetConfigError injects an error for GetConfig
func (s *MockState) SetGetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = err
}

// SetSetConfigError injects an error for SetConfig
func (s *MockState) SetSetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigErr = err
}

var _ StateInterface = (*MockState)(nil)
