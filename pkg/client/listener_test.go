package client

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRelay struct {
	conn net.PacketConn
	peer net.Addr
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeRelay{conn: conn}
}

func (r *fakeRelay) addr() string {
	return r.conn.LocalAddr().String()
}

func (r *fakeRelay) expect(t *testing.T) string {
	t.Helper()
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, protocol.BufferSize)
	n, from, err := r.conn.ReadFrom(buf)
	require.NoError(t, err, "relay received nothing")
	r.peer = from
	return string(buf[:n])
}

func (r *fakeRelay) reply(t *testing.T, msg string) {
	t.Helper()
	require.NotNil(t, r.peer, "no peer to reply to")
	_, err := r.conn.WriteTo([]byte(msg), r.peer)
	require.NoError(t, err)
}

type lineCollector chan string

func (c lineCollector) Publish(ctx context.Context, line string) error {
	select {
	case c <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c lineCollector) expect(t *testing.T) string {
	t.Helper()
	select {
	case line := <-c:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no line shown")
		return ""
	}
}

type listenerFixture struct {
	relay    *fakeRelay
	listener *Listener
	lines    lineCollector
	logoffs  chan LogoffReason
}

func dialFixture(t *testing.T, key *crypto.Key) *listenerFixture {
	t.Helper()
	f := &listenerFixture{
		relay:   newFakeRelay(t),
		lines:   make(lineCollector, 16),
		logoffs: make(chan LogoffReason, 1),
	}

	l, err := Dial(context.Background(), Options{
		ServerAddr: f.relay.addr(),
		LocalAddr:  "127.0.0.1:0",
		Name:       "alice",
		Key:        key,
		Lines:      f.lines,
		OnLogoff:   func(r LogoffReason) { f.logoffs <- r },
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	f.listener = l

	greeting := f.relay.expect(t)
	assert.Equal(t, protocol.Render(protocol.KindRegister, protocol.Fields{ID: l.ID(), Name: "alice"}), greeting)
	assert.Equal(t, fmt.Sprintf("Connected to Server, UserName: alice, UUID: %s", l.ID()), f.lines.expect(t))
	return f
}

func (f *listenerFixture) expectLogoff(t *testing.T) LogoffReason {
	t.Helper()
	select {
	case r := <-f.logoffs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return 0
	}
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

func TestDialRequiresName(t *testing.T) {
	_, err := Dial(context.Background(), Options{ServerAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestListenerSendsPlainText(t *testing.T) {
	f := dialFixture(t, nil)

	require.NoError(t, f.listener.SendMessage("hello everyone"))
	assert.Equal(t,
		protocol.Render(protocol.KindIncoming, protocol.Fields{ID: f.listener.ID(), Text: "hello everyone"}),
		f.relay.expect(t))
}

func TestListenerEncryptsWithOwnID(t *testing.T) {
	key := testKey(t, 3)
	f := dialFixture(t, key)

	require.NoError(t, f.listener.SendMessage("top secret"))

	msg, ok := protocol.Parse(f.relay.expect(t))
	require.True(t, ok)
	require.Equal(t, protocol.KindIncoming, msg.Kind)
	assert.Equal(t, f.listener.ID(), msg.Fields.ID)
	assert.NotEqual(t, "top secret", msg.Fields.Text)

	plain, err := crypto.NewCipher(key).DecryptFrom(f.listener.ID(), msg.Fields.Text)
	require.NoError(t, err)
	assert.Equal(t, "top secret", plain)
}

func TestListenerSendsDebugSentinelRaw(t *testing.T) {
	f := dialFixture(t, testKey(t, 3))

	require.NoError(t, f.listener.SendMessage(protocol.DebugSentinel))
	assert.Equal(t, protocol.DebugSentinel, f.relay.expect(t))
}

func TestListenerShowsIncomingChat(t *testing.T) {
	key := testKey(t, 5)
	f := dialFixture(t, key)

	payload, err := crypto.NewCipher(key).EncryptFor(f.listener.ID(), "hi alice")
	require.NoError(t, err)
	f.relay.reply(t, protocol.Render(protocol.KindIncoming, protocol.Fields{ID: "bob", Text: payload}))

	assert.Equal(t, "bob: hi alice", f.lines.expect(t))
	assert.True(t, f.listener.IsConnected())
}

func TestListenerForcedLogoff(t *testing.T) {
	f := dialFixture(t, nil)

	f.relay.reply(t, protocol.Render(protocol.KindLogoff, protocol.Fields{ID: protocol.BroadcastID}))

	assert.Equal(t, ForcedByPeer, f.expectLogoff(t))
	assert.Equal(t, ServerClosedLine, f.lines.expect(t))
	assert.False(t, f.listener.IsConnected())
	assert.ErrorIs(t, f.listener.SendMessage("anyone?"), ErrNotConnected)
}

func TestListenerInvalidKeyLogsOff(t *testing.T) {
	f := dialFixture(t, testKey(t, 7))

	f.relay.reply(t, protocol.Render(protocol.KindInvalidKey, protocol.Fields{ID: f.listener.ID()}))

	// A voluntary logoff tells the relay before closing
	assert.Equal(t, protocol.Render(protocol.KindLogoff, protocol.Fields{ID: f.listener.ID()}), f.relay.expect(t))
	assert.Equal(t, Voluntary, f.expectLogoff(t))
	assert.Equal(t, InvalidKeyLine, f.lines.expect(t))
	assert.False(t, f.listener.IsConnected())
}

func TestListenerCloseSendsLogoff(t *testing.T) {
	f := dialFixture(t, nil)

	require.NoError(t, f.listener.Close())
	assert.Equal(t, protocol.Render(protocol.KindLogoff, protocol.Fields{ID: f.listener.ID()}), f.relay.expect(t))
	assert.False(t, f.listener.IsConnected())

	// Closing again is a no-op and the callback is reserved for relay-driven endings
	require.NoError(t, f.listener.Close())
	select {
	case r := <-f.logoffs:
		t.Fatalf("unexpected logoff callback: %v", r)
	default:
	}
}

// ---------------------------------------------------------------------------
// Name queries
// ---------------------------------------------------------------------------

func startFakeQueryService(t *testing.T, taken ...string) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, protocol.BufferSize)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			fields, ok := protocol.Tokenize(protocol.KindNameQuery, string(buf[:n]))
			if !ok {
				continue
			}
			isTaken := false
			for _, name := range taken {
				if name == fields.Name {
					isTaken = true
				}
			}
			conn.WriteTo([]byte(protocol.NameQueryResponse(isTaken)), from)
		}
	}()

	return conn.LocalAddr().String()
}

func TestCheckNameDuplicates(t *testing.T) {
	addr := startFakeQueryService(t, "alice")
	ctx := context.Background()

	taken, err := CheckNameDuplicates(ctx, addr, "alice")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = CheckNameDuplicates(ctx, addr, "bob")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestCheckNameDuplicatesTimesOut(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = CheckNameDuplicates(ctx, silent.LocalAddr().String(), "alice")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCheckNameDuplicatesCancelled(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = CheckNameDuplicates(ctx, silent.LocalAddr().String(), "alice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryAddress(t *testing.T) {
	addr, err := QueryAddress("chat.example.com:10240")
	require.NoError(t, err)
	assert.Equal(t, "chat.example.com:10241", addr)

	_, err = QueryAddress("no-port")
	assert.Error(t, err)
}
