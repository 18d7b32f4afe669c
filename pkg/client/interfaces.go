package client

// ListenerInterface defines the chat session used by the UI.
// This allows for mocking in tests while the real Listener implements all these methods
type ListenerInterface interface {
	ID() string
	Name() string
	IsConnected() bool
	SendMessage(text string) error
	Logoff() error
	Close() error
}

// StateInterface defines the interface for client state persistence
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	GetLastNickname() string
	SetLastNickname(nickname string) error

	GetLastServer() string
	GetKeyFile() string
	SetKeyFile(path string) error

	SaveSuccessfulConnection(serverAddress, nickname string) error
	GetNicknameForServer(serverAddress string) (string, error)

	GetStateDir() string
	Close() error
}

var (
	_ ListenerInterface = (*Listener)(nil)
	_ StateInterface    = (*State)(nil)
)
