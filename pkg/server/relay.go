package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/distributor"
	"github.com/aeolun/mchat/pkg/protocol"
)

// Drop reasons used in logs and metrics
const (
	dropMalformed     = "malformed"
	dropUnknownSender = "unknown_sender"
	dropUnexpected    = "unexpected_kind"
	dropInvalidKey    = "invalid_key"
	dropNameTaken     = "name_taken"
)

// Relay is the UDP chat relay. One goroutine reads datagrams; registration
// and logoff are applied in arrival order on that goroutine, chat messages
// are decrypted and fanned out on the worker pool.
type Relay struct {
	conn       net.PacketConn
	registry   *Registry
	dist       *distributor.Distributor
	cipher     *crypto.Cipher
	pool       *WorkerPool
	metrics    *Metrics
	bufferSize int

	closed atomic.Bool
	wg     sync.WaitGroup
}

// RelayOptions configures a Relay
type RelayOptions struct {
	BufferSize int
	MinWorkers int
	MaxWorkers int
	QueueSize  int
	KeepAlive  time.Duration
}

// datagramHandler routes one kind of datagram. inline handlers run on the
// receive goroutine; the rest are submitted to the worker pool.
type datagramHandler struct {
	inline bool
	handle func(r *Relay, ctx context.Context, raw string, from net.Addr) string
}

var datagramHandlers = map[protocol.Kind]datagramHandler{
	protocol.KindRegister: {inline: true, handle: (*Relay).handleRegister},
	protocol.KindLogoff:   {inline: true, handle: (*Relay).handleLogoff},
	protocol.KindDebug:    {inline: true, handle: (*Relay).handleDebug},
	protocol.KindIncoming: {inline: false, handle: (*Relay).handleIncoming},
}

var unexpectedHandler = datagramHandler{inline: true, handle: (*Relay).handleUnexpected}

// NewRelay creates a relay on an already bound packet connection
func NewRelay(conn net.PacketConn, registry *Registry, dist *distributor.Distributor, cipher *crypto.Cipher, metrics *Metrics, opts RelayOptions) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = protocol.BufferSize
	}
	return &Relay{
		conn:       conn,
		registry:   registry,
		dist:       dist,
		cipher:     cipher,
		pool:       NewWorkerPool(opts.MinWorkers, opts.MaxWorkers, opts.QueueSize, opts.KeepAlive),
		metrics:    metrics,
		bufferSize: opts.BufferSize,
	}
}

// Addr returns the local address the relay is bound to
func (r *Relay) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Start runs the receive loop in the background
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.serve(ctx)
	}()
}

func (r *Relay) serve(ctx context.Context) {
	var lastSource net.Addr

	for {
		// A fresh buffer per datagram: the payload is handed to another goroutine.
		buf := make([]byte, r.bufferSize)
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("relay: read failed: %v", err)
			if lastSource != nil {
				if sess, ok := r.registry.RemoveByAddr(lastSource, RemoveEvicted); ok {
					debugLog.Printf("relay: evicted %s (%s) after read failure", sess.ID, sess.Name)
				}
			}
			continue
		}
		lastSource = from

		raw := string(buf[:n])
		kind := protocol.Classify(raw)
		r.metrics.RecordDatagram(kind.String())

		h, ok := datagramHandlers[kind]
		if !ok {
			h = unexpectedHandler
		}

		if h.inline {
			r.publish(ctx, h.handle(r, ctx, raw, from))
			continue
		}

		err = r.pool.Submit(ctx, func() {
			r.publish(ctx, h.handle(r, ctx, raw, from))
		})
		if err != nil {
			if errors.Is(err, ErrPoolClosed) || ctx.Err() != nil {
				return
			}
			errorLog.Printf("relay: failed to queue datagram from %s: %v", from, err)
		}
	}
}

func (r *Relay) publish(ctx context.Context, line string) {
	if line == "" || r.dist == nil {
		return
	}
	if err := r.dist.Publish(ctx, line); err != nil && !errors.Is(err, distributor.ErrClosed) {
		debugLog.Printf("relay: publish failed: %v", err)
	}
}

func (r *Relay) handleRegister(_ context.Context, raw string, from net.Addr) string {
	fields, ok := protocol.Tokenize(protocol.KindRegister, raw)
	if !ok {
		r.drop(dropMalformed, raw, from)
		return ""
	}

	err := r.registry.Register(&Session{
		ID:        fields.ID,
		Name:      fields.Name,
		Addr:      from,
		Transport: TransportUDP,
	})
	if errors.Is(err, ErrNameTaken) {
		r.drop(dropNameTaken, raw, from)
		r.sendTo(from, protocol.Render(protocol.KindLogoff, protocol.Fields{ID: protocol.BroadcastID}))
		return ""
	}
	if err != nil {
		r.drop(dropMalformed, raw, from)
		return ""
	}

	debugLog.Printf("relay: registered %s (%s) from %s", fields.ID, fields.Name, from)
	return fmt.Sprintf("Client: %s (%s) Connected.", fields.ID, fields.Name)
}

func (r *Relay) handleLogoff(_ context.Context, raw string, from net.Addr) string {
	fields, ok := protocol.Tokenize(protocol.KindLogoff, raw)
	if !ok {
		r.drop(dropMalformed, raw, from)
		return ""
	}

	if _, ok := r.registry.Remove(fields.ID, RemoveVoluntary); !ok {
		debugLog.Printf("relay: logoff for unknown id %s from %s", fields.ID, from)
		return ""
	}

	debugLog.Printf("relay: %s logged off", fields.ID)
	return fmt.Sprintf("Client: %s Disconnected.", fields.ID)
}

func (r *Relay) handleDebug(_ context.Context, _ string, from net.Addr) string {
	debugLog.Printf("relay: debug request from %s: %s", from, r.registry)
	return ""
}

func (r *Relay) handleIncoming(_ context.Context, raw string, from net.Addr) string {
	fields, ok := protocol.Tokenize(protocol.KindIncoming, raw)
	if !ok {
		r.drop(dropMalformed, raw, from)
		return ""
	}

	sender, ok := r.registry.Lookup(fields.ID)
	if !ok {
		r.drop(dropUnknownSender, raw, from)
		return ""
	}

	text, err := r.cipher.DecryptFrom(sender.ID, fields.Text)
	if err != nil {
		if crypto.IsMismatch(err) {
			r.metrics.RecordInvalidKey()
			r.drop(dropInvalidKey, raw, from)
			r.sendTo(sender.Addr, protocol.Render(protocol.KindInvalidKey, protocol.Fields{ID: sender.ID}))
			return ""
		}
		errorLog.Printf("relay: decrypt from %s failed: %v", sender.ID, err)
		return ""
	}

	sent := r.fanOut(sender.Name, text, func(s Session) bool { return s.ID != sender.ID })
	r.metrics.RecordForwarded(sent)

	return protocol.UILine(sender.Name, text)
}

func (r *Relay) handleUnexpected(_ context.Context, raw string, from net.Addr) string {
	r.drop(dropUnexpected, raw, from)
	return ""
}

// fanOut sends text to every session accepted by include, encrypting it
// separately for each recipient. headerID is placed in the message header.
func (r *Relay) fanOut(headerID, text string, include func(Session) bool) int {
	sent := 0
	for _, recipient := range r.registry.Snapshot() {
		if !include(recipient) || recipient.Addr == nil {
			continue
		}
		payload, err := r.cipher.EncryptFor(recipient.ID, text)
		if err != nil {
			errorLog.Printf("relay: encrypt for %s failed: %v", recipient.ID, err)
			continue
		}
		msg := protocol.Render(protocol.KindIncoming, protocol.Fields{ID: headerID, Text: payload})
		if r.sendTo(recipient.Addr, msg) {
			sent++
		}
	}
	return sent
}

// sendTo writes one datagram. A failed write evicts the session at addr.
func (r *Relay) sendTo(addr net.Addr, msg string) bool {
	if addr == nil {
		return false
	}
	if _, err := r.conn.WriteTo([]byte(msg), addr); err != nil {
		if r.closed.Load() {
			return false
		}
		errorLog.Printf("relay: send to %s failed: %v", addr, err)
		if sess, ok := r.registry.RemoveByAddr(addr, RemoveEvicted); ok {
			debugLog.Printf("relay: evicted %s (%s) after send failure", sess.ID, sess.Name)
		}
		return false
	}
	return true
}

func (r *Relay) drop(reason, raw string, from net.Addr) {
	r.metrics.RecordDropped(reason)
	debugLog.Printf("relay: dropped %s datagram from %s: %q", reason, from, truncate(raw, 80))
}

// Broadcast sends an Incoming wire message to every UDP session, each copy
// encrypted for its recipient.
func (r *Relay) Broadcast(_ context.Context, raw string) error {
	fields, ok := protocol.Tokenize(protocol.KindIncoming, raw)
	if !ok {
		return fmt.Errorf("broadcast: not a chat message: %q", truncate(raw, 80))
	}

	sent := r.fanOut(fields.ID, fields.Text, func(Session) bool { return true })
	r.metrics.RecordForwarded(sent)
	return nil
}

// SendMessage broadcasts text in the relay's own voice and shows it locally
func (r *Relay) SendMessage(ctx context.Context, text string) error {
	r.publish(ctx, protocol.UILine(protocol.BroadcastID, text))

	sent := r.fanOut(protocol.BroadcastID, text, func(Session) bool { return true })
	r.metrics.RecordForwarded(sent)
	return nil
}

// LogoffAll tells every session the relay is going away and clears the registry
func (r *Relay) LogoffAll() {
	msg := protocol.Render(protocol.KindLogoff, protocol.Fields{ID: protocol.BroadcastID})
	for _, sess := range r.registry.Snapshot() {
		r.sendTo(sess.Addr, msg)
	}
	r.registry.ClearAll(RemoveShutdown)
}

// IsConnected reports whether any UDP session is registered
func (r *Relay) IsConnected() bool {
	return !r.registry.IsEmpty()
}

// Close stops the receive loop and the worker pool. Queued datagrams are discarded.
func (r *Relay) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.conn.Close()
	r.wg.Wait()
	r.pool.Shutdown()
	return err
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
