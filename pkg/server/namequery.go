package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/mchat/pkg/protocol"
)

const nameQueryReopenDelay = 100 * time.Millisecond

// NameQueryService answers "is this name taken?" probes on its own UDP port
// so clients can check before registering.
type NameQueryService struct {
	addr     string
	registry *Registry
	metrics  *Metrics

	mu     sync.Mutex
	conn   net.PacketConn
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewNameQueryService creates a query service that will bind to addr
func NewNameQueryService(addr string, registry *Registry, metrics *Metrics) *NameQueryService {
	return &NameQueryService{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
	}
}

// Start binds the socket and answers queries in the background
func (s *NameQueryService) Start() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind name query port: %w", err)
	}
	// Rebinds reuse the concrete port even if addr asked for port 0
	s.addr = conn.LocalAddr().String()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Addr returns the bound address
func (s *NameQueryService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *NameQueryService) currentConn() net.PacketConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *NameQueryService) serve() {
	defer s.wg.Done()

	buf := make([]byte, protocol.BufferSize)
	for {
		conn := s.currentConn()
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				errorLog.Printf("name query: socket closed unexpectedly, reopening %s", s.addr)
				if !s.reopen() {
					return
				}
				continue
			}
			errorLog.Printf("name query: read failed: %v", err)
			continue
		}

		raw := string(buf[:n])
		fields, ok := protocol.Tokenize(protocol.KindNameQuery, raw)
		if !ok {
			debugLog.Printf("name query: ignored %q from %s", truncate(raw, 80), from)
			continue
		}

		taken := s.registry.ContainsName(fields.Name)
		s.metrics.RecordNameQuery(taken)
		if _, err := conn.WriteTo([]byte(protocol.NameQueryResponse(taken)), from); err != nil {
			errorLog.Printf("name query: reply to %s failed: %v", from, err)
		}
	}
}

// reopen rebinds the socket until it succeeds or the service is closed
func (s *NameQueryService) reopen() bool {
	for !s.closed.Load() {
		conn, err := net.ListenPacket("udp", s.addr)
		if err == nil {
			s.mu.Lock()
			if s.closed.Load() {
				s.mu.Unlock()
				conn.Close()
				return false
			}
			s.conn = conn
			s.mu.Unlock()
			return true
		}
		errorLog.Printf("name query: rebind failed: %v", err)
		time.Sleep(nameQueryReopenDelay)
	}
	return false
}

// Close stops the service
func (s *NameQueryService) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
