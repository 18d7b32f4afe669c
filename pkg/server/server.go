package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/database"
	"github.com/aeolun/mchat/pkg/distributor"
	"github.com/aeolun/mchat/pkg/protocol"
	"github.com/julienschmidt/httprouter"
)

const httpShutdownTimeout = 5 * time.Second

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// ServerConfig holds relay configuration. A port of 0 binds an ephemeral
// port; a negative HTTPPort disables the HTTP listener.
type ServerConfig struct {
	BindAddress   string
	ChatPort      int
	QueryPort     int
	HTTPPort      int
	WebSocketPath string
	BufferSize    int

	KeyFile       string
	KeyPassphrase string
	KeySalt       string

	DatabasePath string
	// JournalRetention is how long journal events are kept; 0 keeps them forever
	JournalRetention time.Duration

	MinWorkers      int
	MaxWorkers      int
	WorkerQueueSize int
	WorkerKeepAlive time.Duration

	DistributorQueueSize int
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ChatPort:             protocol.ChatPort,
		QueryPort:            protocol.QueryPort,
		HTTPPort:             protocol.HTTPPort,
		WebSocketPath:        protocol.WebSocketPath,
		BufferSize:           protocol.BufferSize,
		KeySalt:              "mchat",
		JournalRetention:     7 * 24 * time.Hour,
		MinWorkers:           4,
		MaxWorkers:           16,
		WorkerQueueSize:      16,
		WorkerKeepAlive:      2 * time.Minute,
		DistributorQueueSize: distributor.DefaultQueueSize,
	}
}

func (c ServerConfig) hostPort(port int) string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(port))
}

// Server composes the UDP relay, the name query service, the WebSocket
// bridge and the local distributor into one running chat room.
type Server struct {
	config   ServerConfig
	key      *crypto.Key
	cipher   *crypto.Cipher
	registry *Registry
	metrics  *Metrics
	dist     *distributor.Distributor
	journal  *database.Journal

	relay  *Relay
	names  *NameQueryService
	bridge *Bridge

	httpServer   *http.Server
	httpListener net.Listener

	cancel    context.CancelFunc
	startTime time.Time
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopErr   error
}

// NewServer creates a server. key may be nil to relay plain text; the
// server takes ownership of it and destroys it on Stop.
func NewServer(config ServerConfig, key *crypto.Key) (*Server, error) {
	ensureLoggers()

	if config.BufferSize <= 0 {
		config.BufferSize = protocol.BufferSize
	}
	if config.WebSocketPath == "" {
		config.WebSocketPath = protocol.WebSocketPath
	}

	registry := NewRegistry()
	// Nobody may register under the relay's own broadcast id
	registry.ReserveName(protocol.BroadcastID)

	metrics := NewMetrics()
	registry.AddObserver(metrics)

	s := &Server{
		config:   config,
		key:      key,
		cipher:   crypto.NewCipher(key),
		registry: registry,
		metrics:  metrics,
		dist:     distributor.New(config.DistributorQueueSize),
	}

	if config.DatabasePath != "" {
		path, err := expandHome(config.DatabasePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		journal, err := database.OpenWithOptions(path, database.Options{Retention: config.JournalRetention})
		if err != nil {
			return nil, err
		}
		s.journal = journal
		registry.AddObserver(journalObserver{journal: journal})
	}

	return s, nil
}

// LoadKey resolves the shared key from the key file or the passphrase.
// It returns a nil key when neither is configured.
func LoadKey(config ServerConfig) (*crypto.Key, error) {
	if config.KeyFile != "" {
		path, err := expandHome(config.KeyFile)
		if err != nil {
			return nil, err
		}
		key, err := crypto.ReadKeyFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load key file: %w", err)
		}
		return key, nil
	}
	if config.KeyPassphrase != "" {
		return crypto.DeriveKeyFromPassphrase(config.KeyPassphrase, config.KeySalt)
	}
	return nil, nil
}

// ensureLoggers installs stderr loggers when InitLoggers was never called
func ensureLoggers() {
	if errorLog == nil {
		errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	}
	if debugLog == nil {
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	}
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "mchat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "mchat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers sets up error and debug loggers
func InitLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker to tell runs apart
	startupMsg := fmt.Sprintf("=== Relay started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log (used by the distributor and database packages) goes to
	// stdout and server.log, truncated on startup
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds every listener and starts serving
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startTime = time.Now()

	s.dist.Start(ctx)

	chatAddr := s.config.hostPort(s.config.ChatPort)
	conn, err := net.ListenPacket("udp", chatAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", chatAddr, err)
	}

	s.relay = NewRelay(conn, s.registry, s.dist, s.cipher, s.metrics, RelayOptions{
		BufferSize: s.config.BufferSize,
		MinWorkers: s.config.MinWorkers,
		MaxWorkers: s.config.MaxWorkers,
		QueueSize:  s.config.WorkerQueueSize,
		KeepAlive:  s.config.WorkerKeepAlive,
	})
	s.relay.Start(ctx)
	log.Printf("Chat relay listening on %s (encryption: %v)", s.relay.Addr(), s.cipher.Enabled())

	s.names = NewNameQueryService(s.config.hostPort(s.config.QueryPort), s.registry, s.metrics)
	if err := s.names.Start(); err != nil {
		s.relay.Close()
		cancel()
		return err
	}
	log.Printf("Name query service listening on %s", s.names.Addr())

	s.bridge = NewBridge(s.registry, s.relay, s.dist, s.metrics)

	if s.config.HTTPPort >= 0 {
		if err := s.startHTTP(); err != nil {
			s.names.Close()
			s.relay.Close()
			cancel()
			return err
		}
	}

	return nil
}

func (s *Server) startHTTP() error {
	router := httprouter.New()
	router.Handler(http.MethodGet, s.config.WebSocketPath, s.bridge)
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	router.HandlerFunc(http.MethodGet, "/health", s.handleHealth)

	addr := s.config.hostPort(s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("WebSocket bridge listening on ws://%s%s", listener.Addr(), s.config.WebSocketPath)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	WebSockets    int    `json:"websockets"`
	Encrypted     bool   `json:"encrypted"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Sessions:      s.registry.Len(),
		WebSockets:    s.bridge.Len(),
		Encrypted:     s.cipher.Enabled(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		debugLog.Printf("health: encode failed: %v", err)
	}
}

// Subscribe registers a local observer for chat lines
func (s *Server) Subscribe(sub distributor.Subscriber) {
	s.dist.Subscribe(sub)
}

// SendMessage broadcasts text to everyone in the relay's own voice
func (s *Server) SendMessage(ctx context.Context, text string) error {
	if s.relay == nil {
		return errors.New("server not started")
	}
	return s.relay.SendMessage(ctx, text)
}

// IsConnected reports whether anyone is connected over UDP or WebSocket
func (s *Server) IsConnected() bool {
	if s.relay != nil && s.relay.IsConnected() {
		return true
	}
	return s.bridge != nil && s.bridge.IsConnected()
}

// Registry returns the session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Journal returns the session journal, or nil when disabled
func (s *Server) Journal() *database.Journal {
	return s.journal
}

// ChatAddr returns the bound chat address
func (s *Server) ChatAddr() net.Addr {
	if s.relay == nil {
		return nil
	}
	return s.relay.Addr()
}

// QueryAddr returns the bound name query address
func (s *Server) QueryAddr() net.Addr {
	if s.names == nil {
		return nil
	}
	return s.names.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Stop logs every session off and shuts the server down
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	var errs []error

	if s.relay != nil {
		log.Println("Notifying connected clients of shutdown...")
		s.relay.LogoffAll()
		if err := s.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}

	if s.names != nil {
		if err := s.names.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close name query: %w", err))
		}
	}

	if s.bridge != nil {
		s.bridge.Close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
		cancel()
	}
	s.wg.Wait()

	s.dist.Close()
	if s.cancel != nil {
		s.cancel()
	}

	if s.journal != nil {
		log.Println("Flushing session journal...")
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	if s.key != nil {
		s.key.Destroy()
	}

	log.Println("Graceful shutdown complete")
	return errors.Join(errs...)
}
