package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/protocol"
	"github.com/google/uuid"
)

// ErrNotConnected is returned when sending on a closed listener
var ErrNotConnected = errors.New("not connected")

// DefaultQueryTimeout bounds a name duplication probe when the context has no deadline
const DefaultQueryTimeout = 5 * time.Second

// Publisher receives the lines a listener wants shown to the user.
// *distributor.Distributor satisfies it.
type Publisher interface {
	Publish(ctx context.Context, line string) error
}

// Options configures a Listener
type Options struct {
	// ServerAddr is the relay's chat address (host:port)
	ServerAddr string
	// LocalAddr is the local UDP address to bind; empty picks an ephemeral port
	LocalAddr string
	Name      string
	// Key is the shared relay key; nil sends plain text
	Key *crypto.Key
	// Lines receives display lines; may be nil
	Lines Publisher
	// OnLogoff is called once when the session ends without Logoff being called
	OnLogoff func(LogoffReason)
	Logger   *log.Logger
}

// Listener is a UDP chat client: it registers with the relay, sends
// encrypted chat text and turns relay datagrams into display lines.
type Listener struct {
	id     string
	name   string
	cipher *crypto.Cipher
	lines  Publisher
	logger *log.Logger

	onLogoff func(LogoffReason)

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial binds a local socket, registers with the relay and starts reading
func Dial(ctx context.Context, opts Options) (*Listener, error) {
	if opts.Name == "" {
		return nil, errors.New("name is required")
	}

	raddr, err := net.ResolveUDPAddr("udp", opts.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", opts.ServerAddr, err)
	}
	var laddr *net.UDPAddr
	if opts.LocalAddr != "" {
		laddr, err = net.ResolveUDPAddr("udp", opts.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", opts.LocalAddr, err)
		}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.ServerAddr, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		id:       uuid.NewString(),
		name:     opts.Name,
		cipher:   crypto.NewCipher(opts.Key),
		lines:    opts.Lines,
		logger:   logger,
		onLogoff: opts.OnLogoff,
		conn:     conn,
		ctx:      lctx,
		cancel:   cancel,
	}

	greeting := protocol.Render(protocol.KindRegister, protocol.Fields{ID: l.id, Name: l.name})
	if err := l.send(greeting); err != nil {
		conn.Close()
		cancel()
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	l.show(ctx, fmt.Sprintf("Connected to Server, UserName: %s, UUID: %s", l.name, l.id))

	l.wg.Add(1)
	go l.readLoop()

	return l, nil
}

// ID returns the session id announced to the relay
func (l *Listener) ID() string {
	return l.id
}

// Name returns the registered user name
func (l *Listener) Name() string {
	return l.name
}

// LocalAddr returns the bound local address
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// IsConnected reports whether the socket is still open
func (l *Listener) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// SendMessage sends chat text. The debug sentinel is sent as-is.
func (l *Listener) SendMessage(text string) error {
	if text == protocol.DebugSentinel {
		return l.send(protocol.DebugSentinel)
	}

	payload, err := l.cipher.EncryptFor(l.id, text)
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}
	return l.send(protocol.Render(protocol.KindIncoming, protocol.Fields{ID: l.id, Text: payload}))
}

// Logoff tells the relay this session is leaving and closes the socket
func (l *Listener) Logoff() error {
	if !l.IsConnected() {
		return nil
	}
	err := l.send(protocol.Render(protocol.KindLogoff, protocol.Fields{ID: l.id}))
	l.shutdown()
	return err
}

// Close logs off and waits for the reader to exit
func (l *Listener) Close() error {
	err := l.Logoff()
	l.wg.Wait()
	return err
}

func (l *Listener) send(msg string) error {
	l.mu.Lock()
	conn, closed := l.conn, l.closed
	l.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	_, err := conn.Write([]byte(msg))
	return err
}

// shutdown closes the socket without notifying the relay. It reports
// whether this call did the closing.
func (l *Listener) shutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.cancel()
	l.conn.Close()
	return true
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	for {
		buf := make([]byte, protocol.BufferSize)
		n, err := l.conn.Read(buf)
		if err != nil {
			if !l.IsConnected() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here while the relay is down
			l.logger.Printf("Failed to read message from server: %v", err)
			continue
		}

		l.handle(string(buf[:n]))
	}
}

func (l *Listener) handle(raw string) {
	ev := Interpret(raw, l.id, l.cipher)
	if ev.Err != nil {
		l.logger.Printf("Dropped message from server: %v", ev.Err)
	}

	switch ev.Logoff {
	case LogoffForced:
		l.shutdown()
		l.show(context.Background(), ev.Line)
		l.notifyLogoff(ForcedByPeer)
		return
	case LogoffVoluntary:
		_ = l.Logoff()
		l.show(context.Background(), ev.Line)
		l.notifyLogoff(Voluntary)
		return
	}

	l.show(l.ctx, ev.Line)
}

func (l *Listener) notifyLogoff(reason LogoffReason) {
	if l.onLogoff != nil {
		l.onLogoff(reason)
	}
}

func (l *Listener) show(ctx context.Context, line string) {
	if line == "" || l.lines == nil {
		return
	}
	if err := l.lines.Publish(ctx, line); err != nil && ctx.Err() == nil {
		l.logger.Printf("Failed to show line: %v", err)
	}
}

// CheckNameDuplicates asks the relay's query service whether name is taken.
// queryAddr is the query service address (host:port).
func CheckNameDuplicates(ctx context.Context, queryAddr, name string) (bool, error) {
	conn, err := net.Dial("udp", queryAddr)
	if err != nil {
		return false, fmt.Errorf("failed to reach %s: %w", queryAddr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultQueryTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, err
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	query := protocol.Render(protocol.KindNameQuery, protocol.Fields{Name: name})
	if _, err := conn.Write([]byte(query)); err != nil {
		return false, fmt.Errorf("failed to send name query: %w", err)
	}

	buf := make([]byte, protocol.BufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("no reply to name query: %w", err)
	}

	return !protocol.IsNameFree(string(buf[:n])), nil
}

// QueryAddress derives the name query address from a chat address by
// swapping in the query port.
func QueryAddress(chatAddr string) (string, error) {
	host, _, err := net.SplitHostPort(chatAddr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(protocol.QueryPort)), nil
}
