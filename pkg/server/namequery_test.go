package server

import (
	"net"
	"testing"
	"time"

	"github.com/aeolun/mchat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryName(t *testing.T, addr net.Addr, name string) string {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(protocol.Render(protocol.KindNameQuery, protocol.Fields{Name: name})))
	require.NoError(t, err)

	buf := make([]byte, protocol.BufferSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func startNameQuery(t *testing.T, registry *Registry, metrics *Metrics) *NameQueryService {
	t.Helper()
	s := NewNameQueryService("127.0.0.1:0", registry, metrics)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNameQueryAnswers(t *testing.T) {
	registry := NewRegistry()
	metrics := NewMetrics()
	s := startNameQuery(t, registry, metrics)

	require.NoError(t, registry.Register(&Session{ID: "a", Name: "alice"}))
	registry.ReserveName("webby")

	assert.Equal(t, protocol.NameTakenResponse, queryName(t, s.Addr(), "alice"))
	assert.Equal(t, protocol.NameTakenResponse, queryName(t, s.Addr(), "webby"))
	assert.Equal(t, protocol.NameFreeResponse, queryName(t, s.Addr(), "bob"))

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.nameQueries.WithLabelValues("taken")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.nameQueries.WithLabelValues("free")))
}

func TestNameQueryIgnoresOtherMessages(t *testing.T) {
	s := startNameQuery(t, NewRegistry(), nil)

	conn, err := net.Dial("udp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello?"))
	require.NoError(t, err)

	buf := make([]byte, protocol.BufferSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, err = conn.Read(buf)
	assert.Error(t, err, "non-query datagrams get no reply")

	// Service still answers afterwards
	assert.Equal(t, protocol.NameFreeResponse, queryName(t, s.Addr(), "bob"))
}

func TestNameQueryReopensClosedSocket(t *testing.T) {
	s := startNameQuery(t, NewRegistry(), nil)
	addr := s.Addr()

	// Close the socket out from under the service
	old := s.currentConn()
	require.NoError(t, old.Close())

	require.Eventually(t, func() bool {
		return s.currentConn() != old
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, addr.String(), s.Addr().String())
	assert.Equal(t, protocol.NameFreeResponse, queryName(t, addr, "alice"))
}

func TestNameQueryClose(t *testing.T) {
	s := NewNameQueryService("127.0.0.1:0", NewRegistry(), nil)
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
