package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the relay config file
type TOMLConfig struct {
	Server      ServerSection      `toml:"server"`
	Workers     WorkersSection     `toml:"workers"`
	Distributor DistributorSection `toml:"distributor"`
}

type ServerSection struct {
	BindAddress    string `toml:"bind_address"`
	ChatPort       int    `toml:"chat_port"`
	QueryPort      int    `toml:"query_port"`
	HTTPPort       int    `toml:"http_port"`
	WebSocketPath  string `toml:"ws_path"`
	BufferSize     int    `toml:"buffer_size"`
	KeyFile        string `toml:"key_file"`
	KeyPassphrase  string `toml:"key_passphrase"`
	KeySalt        string `toml:"key_salt"`
	DatabasePath   string `toml:"database_path"`
	RetentionHours int    `toml:"retention_hours"` // negative keeps journal events forever
}

type WorkersSection struct {
	MinWorkers       int `toml:"min_workers"`
	MaxWorkers       int `toml:"max_workers"`
	QueueSize        int `toml:"queue_size"`
	KeepAliveSeconds int `toml:"keep_alive_seconds"`
}

type DistributorSection struct {
	QueueSize int `toml:"queue_size"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ChatPort:       10240,
			QueryPort:      10241,
			HTTPPort:       8090,
			WebSocketPath:  "/acmcs/wshandler",
			BufferSize:     1024,
			KeySalt:        "mchat",
			DatabasePath:   "~/.mchat/journal.db",
			RetentionHours: 168,
		},
		Workers: WorkersSection{
			MinWorkers:       4,
			MaxWorkers:       16,
			QueueSize:        16,
			KeepAliveSeconds: 120,
		},
		Distributor: DistributorSection{
			QueueSize: 256,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Can still run on defaults if the file can't be written
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

func envInt(name string, target *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

func envString(name string, target *string) {
	if val := os.Getenv(name); val != "" {
		*target = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: MCHAT_SECTION_KEY
// Example: MCHAT_SERVER_CHAT_PORT=20240
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("MCHAT_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envInt("MCHAT_SERVER_CHAT_PORT", &config.Server.ChatPort)
	envInt("MCHAT_SERVER_QUERY_PORT", &config.Server.QueryPort)
	envInt("MCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envString("MCHAT_SERVER_WS_PATH", &config.Server.WebSocketPath)
	envInt("MCHAT_SERVER_BUFFER_SIZE", &config.Server.BufferSize)
	envString("MCHAT_SERVER_KEY_FILE", &config.Server.KeyFile)
	envString("MCHAT_SERVER_KEY_PASSPHRASE", &config.Server.KeyPassphrase)
	envString("MCHAT_SERVER_KEY_SALT", &config.Server.KeySalt)
	envString("MCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envInt("MCHAT_SERVER_RETENTION_HOURS", &config.Server.RetentionHours)

	envInt("MCHAT_WORKERS_MIN_WORKERS", &config.Workers.MinWorkers)
	envInt("MCHAT_WORKERS_MAX_WORKERS", &config.Workers.MaxWorkers)
	envInt("MCHAT_WORKERS_QUEUE_SIZE", &config.Workers.QueueSize)
	envInt("MCHAT_WORKERS_KEEP_ALIVE_SECONDS", &config.Workers.KeepAliveSeconds)

	envInt("MCHAT_DISTRIBUTOR_QUEUE_SIZE", &config.Distributor.QueueSize)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# mchat Relay Configuration
# This file was auto-generated with default values
# Restart the relay for changes to take effect
#
# Environment variables can override these settings:
# MCHAT_SECTION_KEY (e.g., MCHAT_SERVER_CHAT_PORT=20240)

[server]
# Interface to bind (empty = all interfaces)
# bind_address = "127.0.0.1"

# UDP port for chat datagrams
chat_port = 10240

# UDP port for name duplication queries
query_port = 10241

# HTTP port for the WebSocket bridge, /metrics and /health
# Set to -1 to disable
http_port = 8090

# Path the WebSocket bridge is mounted on
ws_path = "/acmcs/wshandler"

# Maximum datagram size in bytes
buffer_size = 1024

# Shared symmetric key. Leave both empty to relay plain text.
# key_file holds the key Base64 encoded (see: mchat-server -genkey)
# key_file = "~/.mchat/relay.key"
# key_passphrase derives the key with Argon2id and key_salt
# key_passphrase = ""
key_salt = "mchat"

# SQLite session journal (set to "" to disable)
database_path = "~/.mchat/journal.db"

# Hours of journal history to keep (negative keeps everything)
retention_hours = 168

[workers]
# Datagram worker pool
min_workers = 4
max_workers = 16
queue_size = 16

# Seconds an idle surplus worker waits before exiting
keep_alive_seconds = 120

[distributor]
# Lines buffered for local subscribers before publishers block
queue_size = 256
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	if c.Server.ChatPort != 0 {
		cfg.ChatPort = c.Server.ChatPort
	}
	if c.Server.QueryPort != 0 {
		cfg.QueryPort = c.Server.QueryPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.WebSocketPath) != "" {
		cfg.WebSocketPath = c.Server.WebSocketPath
	}
	if c.Server.BufferSize > 0 {
		cfg.BufferSize = c.Server.BufferSize
	}
	cfg.KeyFile = strings.TrimSpace(c.Server.KeyFile)
	cfg.KeyPassphrase = c.Server.KeyPassphrase
	if c.Server.KeySalt != "" {
		cfg.KeySalt = c.Server.KeySalt
	}
	cfg.DatabasePath = strings.TrimSpace(c.Server.DatabasePath)
	switch {
	case c.Server.RetentionHours > 0:
		cfg.JournalRetention = time.Duration(c.Server.RetentionHours) * time.Hour
	case c.Server.RetentionHours < 0:
		cfg.JournalRetention = 0
	}

	if c.Workers.MinWorkers > 0 {
		cfg.MinWorkers = c.Workers.MinWorkers
	}
	if c.Workers.MaxWorkers > 0 {
		cfg.MaxWorkers = c.Workers.MaxWorkers
	}
	if c.Workers.QueueSize > 0 {
		cfg.WorkerQueueSize = c.Workers.QueueSize
	}
	if c.Workers.KeepAliveSeconds > 0 {
		cfg.WorkerKeepAlive = time.Duration(c.Workers.KeepAliveSeconds) * time.Second
	}
	if c.Distributor.QueueSize > 0 {
		cfg.DistributorQueueSize = c.Distributor.QueueSize
	}

	return cfg
}
