package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/database"
	"github.com/aeolun/mchat/pkg/distributor"
	"github.com/aeolun/mchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerConfig(t *testing.T) ServerConfig {
	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.ChatPort = 0
	cfg.QueryPort = 0
	cfg.HTTPPort = 0
	cfg.DatabasePath = filepath.Join(t.TempDir(), "journal.db")
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 4
	return cfg
}

func startTestServer(t *testing.T, cfg ServerConfig, key *crypto.Key) *Server {
	t.Helper()
	s, err := NewServer(cfg, key)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s
}

// TestServerJourney drives a full session: two UDP clients and a browser
// client chat through one relay, then the relay shuts down.
func TestServerJourney(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.KeyPassphrase = "correct horse battery staple"

	key, err := LoadKey(cfg)
	require.NoError(t, err)
	require.NotNil(t, key)
	// Clients derive the same key from the shared passphrase
	clientKey, err := crypto.DeriveKeyFromPassphrase(cfg.KeyPassphrase, cfg.KeySalt)
	require.NoError(t, err)
	defer clientKey.Destroy()
	clientCipher := crypto.NewCipher(clientKey)

	s := startTestServer(t, cfg, key)

	lines := make(chan string, 64)
	s.Subscribe(distributor.SubscriberFunc(func(line string) error {
		lines <- line
		return nil
	}))

	// Name is free before anyone registers
	assert.Equal(t, protocol.NameFreeResponse, queryName(t, s.QueryAddr(), "alice"))
	assert.Equal(t, protocol.NameTakenResponse, queryName(t, s.QueryAddr(), protocol.BroadcastID))

	alice := newUDPPeer(t, s.ChatAddr(), aliceID, "alice", clientCipher)
	bob := newUDPPeer(t, s.ChatAddr(), bobID, "bob", clientCipher)
	alice.register(t, s.Registry())
	bob.register(t, s.Registry())
	assert.True(t, s.IsConnected())
	assert.Equal(t, protocol.NameTakenResponse, queryName(t, s.QueryAddr(), "alice"))

	web := dialBridge(t, fmt.Sprintf("ws://%s%s", s.HTTPAddr(), protocol.WebSocketPath))
	web.register(t, "wendy")
	require.Eventually(t, func() bool { return s.Registry().ContainsName("wendy") }, 2*time.Second, 5*time.Millisecond)

	// UDP to UDP and browser
	alice.say(t, "hi all")
	from, text := bob.expectChat(t)
	assert.Equal(t, "alice", from)
	assert.Equal(t, "hi all", text)
	web.expectFrames(t, "alice: hi all")

	// Browser to UDP, encrypted per recipient
	web.say(t, "hello from the web")
	for _, p := range []*udpPeer{alice, bob} {
		from, text := p.expectChat(t)
		assert.Equal(t, "wendy", from)
		assert.Equal(t, "hello from the web", text)
	}

	// Relay's own voice
	require.NoError(t, s.SendMessage(context.Background(), "closing soon"))
	for _, p := range []*udpPeer{alice, bob} {
		from, text := p.expectChat(t)
		assert.Equal(t, protocol.BroadcastID, from)
		assert.Equal(t, "closing soon", text)
	}

	drainUntil(t, lines, "SERVER: closing soon")

	// Health and metrics endpoints
	health := getHealth(t, s)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Sessions)
	assert.Equal(t, 1, health.WebSockets)
	assert.True(t, health.Encrypted)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", s.HTTPAddr()))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "mchat_active_sessions 2")

	// Bob leaves voluntarily
	bob.send(t, protocol.Render(protocol.KindLogoff, protocol.Fields{ID: bobID}))
	drainUntil(t, lines, "Client: "+bobID+" Disconnected.")

	// Shutdown logs everyone off
	require.NoError(t, s.Stop())
	assert.Equal(t, "<< LOGOFF >>SERVER", alice.expect(t, 2*time.Second))
	bob.expectSilence(t)
	assert.True(t, s.Registry().IsEmpty())
	require.NoError(t, s.Stop())

	// The journal captured the session history
	journal, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer journal.Close()

	events, err := journal.SessionEvents(bobID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, database.EventRegister, events[0].Kind)
	assert.Equal(t, database.EventRemove, events[1].Kind)
	assert.Equal(t, "voluntary", events[1].Reason)

	events, err = journal.SessionEvents(aliceID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "shutdown", events[1].Reason)
}

func TestServerWithoutHTTP(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.HTTPPort = -1
	cfg.DatabasePath = ""

	s := startTestServer(t, cfg, nil)
	assert.Nil(t, s.HTTPAddr())
	assert.Nil(t, s.Journal())
	assert.NotNil(t, s.ChatAddr())
	assert.False(t, s.IsConnected())
}

func TestServerSendMessageBeforeStart(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.DatabasePath = ""
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	assert.Error(t, s.SendMessage(context.Background(), "too early"))
	assert.Nil(t, s.ChatAddr())
	assert.Nil(t, s.QueryAddr())
	require.NoError(t, s.Stop())
}

func TestLoadKey(t *testing.T) {
	key, err := LoadKey(ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, key)

	path := filepath.Join(t.TempDir(), "relay.key")
	stored, err := crypto.GenerateKeyAndStoreToFile(path)
	require.NoError(t, err)
	defer stored.Destroy()

	key, err = LoadKey(ServerConfig{KeyFile: path, KeyPassphrase: "ignored"})
	require.NoError(t, err)
	defer key.Destroy()
	assert.True(t, key.Equal(stored))

	_, err = LoadKey(ServerConfig{KeyFile: filepath.Join(t.TempDir(), "missing.key")})
	assert.Error(t, err)
}

func drainUntil(t *testing.T, lines <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line := <-lines:
			if line == want {
				return
			}
		case <-deadline:
			t.Fatalf("line %q never published", want)
		}
	}
}

func getHealth(t *testing.T, s *Server) healthResponse {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.HTTPAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var h healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	return h
}
