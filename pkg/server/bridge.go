package server

import (
	"context"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/aeolun/mchat/pkg/distributor"
	"github.com/aeolun/mchat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	// Outbound messages buffered per connection before it is considered stuck
	wsSendBuffer = 64
)

var leadingTokenPattern = regexp.MustCompile(`\s*:\s*`)

// Bridge puts browser clients on WebSocket into the same room as the UDP
// relay. Each connection gets an id on connect; chat messages are relayed
// to other WebSocket peers, to the UDP sessions and to local subscribers.
type Bridge struct {
	registry *Registry
	relay    *Relay
	dist     *distributor.Distributor
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*bridgeConn
	closed bool
}

type bridgeConn struct {
	id   string
	ws   *websocket.Conn
	send chan string
	done chan struct{}

	mu       sync.Mutex
	nickname string
	reserved string // name this connection holds a reservation for

	closeOnce sync.Once
}

// NewBridge creates a bridge and subscribes it to the distributor. relay may
// be nil, in which case messages stay on the WebSocket side.
func NewBridge(registry *Registry, relay *Relay, dist *distributor.Distributor, metrics *Metrics) *Bridge {
	b := &Bridge{
		registry: registry,
		relay:    relay,
		dist:     dist,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.BufferSize,
			WriteBufferSize: protocol.BufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // web client may be served from anywhere
			},
		},
		conns: make(map[string]*bridgeConn),
	}
	if dist != nil {
		dist.Subscribe(distributor.SubscriberFunc(b.deliverLine))
	}
	return b
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("bridge: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	c := &bridgeConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan string, wsSendBuffer),
		done: make(chan struct{}),
	}

	// The id announcement must be the first frame the client sees
	c.enqueue(protocol.RenderWebSocketHandshake(c.id))
	if !b.add(c) {
		ws.Close()
		return
	}
	defer b.remove(c)

	go c.writePump()

	debugLog.Printf("bridge: %s connected from %s", c.id, r.RemoteAddr)
	b.readPump(r.Context(), c)
}

func (b *Bridge) add(c *bridgeConn) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.conns[c.id] = c
	count := len(b.conns)
	b.mu.Unlock()

	b.metrics.RecordWebSocketConnections(count)
	return true
}

func (b *Bridge) remove(c *bridgeConn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	count := len(b.conns)
	b.mu.Unlock()

	c.mu.Lock()
	reserved := c.reserved
	c.reserved = ""
	c.mu.Unlock()
	if reserved != "" {
		b.registry.ReleaseName(reserved)
	}

	c.close()
	b.metrics.RecordWebSocketConnections(count)
	debugLog.Printf("bridge: %s disconnected", c.id)
}

func (b *Bridge) readPump(ctx context.Context, c *bridgeConn) {
	c.ws.SetReadLimit(protocol.BufferSize * 4)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				errorLog.Printf("bridge: read from %s failed: %v", c.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		b.handleText(ctx, c, string(data))
	}
}

func (b *Bridge) handleText(ctx context.Context, c *bridgeConn, text string) {
	kind := protocol.Classify(text)
	b.metrics.RecordWebSocketMessage(kind.String())

	switch kind {
	case protocol.KindDebug:
		debugLog.Printf("bridge: debug request from %s: %s", c.id, b.registry)

	case protocol.KindRegister:
		fields, ok := protocol.Tokenize(kind, text)
		if !ok {
			return
		}
		b.register(c, fields.Name)

	case protocol.KindIncoming:
		fields, ok := protocol.Tokenize(kind, text)
		if !ok {
			return
		}
		nickname := c.name()
		if nickname == "" || fields.ID != c.id {
			debugLog.Printf("bridge: dropped message from %s with id %q", c.id, fields.ID)
			return
		}

		msg := protocol.Render(protocol.KindIncoming, protocol.Fields{ID: nickname, Text: fields.Text})
		if b.dist != nil {
			if err := b.dist.PublishProtocolMessage(ctx, msg); err != nil {
				debugLog.Printf("bridge: publish failed: %v", err)
			}
		}
		b.broadcastExcept(c, msg)
		if b.relay != nil {
			if err := b.relay.Broadcast(ctx, msg); err != nil {
				errorLog.Printf("bridge: relay broadcast failed: %v", err)
			}
		}

	case protocol.KindNameQuery:
		fields, ok := protocol.Tokenize(kind, text)
		if !ok {
			return
		}
		taken := b.registry.ContainsName(fields.Name)
		b.metrics.RecordNameQuery(taken)
		c.enqueue(protocol.NameQueryResponse(taken))

	default:
		b.broadcastExcept(c, text)
	}
}

// register sets the connection's nickname and tries to reserve it. A failed
// reservation still sets the nickname. The relay's own id is never accepted.
func (b *Bridge) register(c *bridgeConn, name string) {
	if name == protocol.BroadcastID {
		debugLog.Printf("bridge: %s tried to register as %q", c.id, name)
		return
	}

	c.mu.Lock()
	previous := c.reserved
	c.nickname = name
	c.mu.Unlock()

	if previous == name {
		return
	}

	if !b.registry.ReserveName(name) {
		debugLog.Printf("bridge: %s could not reserve %q", c.id, name)
		return
	}

	c.mu.Lock()
	c.reserved = name
	c.mu.Unlock()
	if previous != "" {
		b.registry.ReleaseName(previous)
	}
}

func (b *Bridge) broadcastExcept(sender *bridgeConn, msg string) {
	for _, c := range b.snapshot() {
		if c != sender {
			c.enqueue(msg)
		}
	}
}

// deliverLine forwards a distributor line to every connection except the
// one the line originated from, identified by its leading name or id.
func (b *Bridge) deliverLine(line string) error {
	origin := leadingTokenPattern.Split(line, 2)[0]
	for _, c := range b.snapshot() {
		if c.id == origin || c.name() == origin {
			continue
		}
		c.enqueue(line)
	}
	return nil
}

func (b *Bridge) snapshot() []*bridgeConn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*bridgeConn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of open connections
func (b *Bridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// IsConnected reports whether any WebSocket client is connected
func (b *Bridge) IsConnected() bool {
	return b.Len() > 0
}

// Close refuses new connections and closes the open ones
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	conns := make([]*bridgeConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (c *bridgeConn) name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// enqueue queues a message for the writer. A connection whose buffer is full
// is closed rather than blocking the caller.
func (c *bridgeConn) enqueue(msg string) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		errorLog.Printf("bridge: send buffer full for %s, closing", c.id)
		c.close()
	}
}

func (c *bridgeConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *bridgeConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				debugLog.Printf("bridge: write to %s failed: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
