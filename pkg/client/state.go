package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS Config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ServerHistory (
			server_address TEXT PRIMARY KEY,
			last_nickname TEXT NOT NULL,
			last_connected_at INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastNickname returns the last used nickname
func (s *State) GetLastNickname() string {
	nickname, _ := s.GetConfig("last_nickname")
	return nickname
}

// SetLastNickname stores the last used nickname
func (s *State) SetLastNickname(nickname string) error {
	return s.SetConfig("last_nickname", nickname)
}

// GetLastServer returns the last server address connected to
func (s *State) GetLastServer() string {
	addr, _ := s.GetConfig("last_server")
	return addr
}

// GetKeyFile returns the key file path remembered from the last run
func (s *State) GetKeyFile() string {
	path, _ := s.GetConfig("key_file")
	return path
}

// SetKeyFile remembers the key file path
func (s *State) SetKeyFile(path string) error {
	return s.SetConfig("key_file", path)
}

// SaveSuccessfulConnection records a successful registration with a server
func (s *State) SaveSuccessfulConnection(serverAddress, nickname string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ServerHistory (server_address, last_nickname, last_connected_at)
		VALUES (?, ?, ?)
	`, serverAddress, nickname, time.Now().Unix())
	if err != nil {
		return err
	}
	if err := s.SetConfig("last_server", serverAddress); err != nil {
		return err
	}
	return s.SetLastNickname(nickname)
}

// GetNicknameForServer returns the nickname last used on a server
func (s *State) GetNicknameForServer(serverAddress string) (string, error) {
	var nickname string
	err := s.db.QueryRow(`
		SELECT last_nickname FROM ServerHistory WHERE server_address = ?
	`, serverAddress).Scan(&nickname)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return nickname, err
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
