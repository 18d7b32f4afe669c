package client

import (
	"errors"
	"testing"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const selfID = "0f8fad5b-d9cb-469f-a165-70867728950e"

func testKeyBytes(fill byte) []byte {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = fill + byte(i)
	}
	return raw
}

func testKey(t *testing.T, fill byte) *crypto.Key {
	t.Helper()
	key, err := crypto.NewKey(testKeyBytes(fill))
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	return key
}

// mismatchedPayload encrypts text under some key that fails padding checks
// when decrypted with want.
func mismatchedPayload(t *testing.T, id, text string, want []byte) string {
	t.Helper()
	iv, err := crypto.DeriveIV(id, crypto.IVSize)
	require.NoError(t, err)

	for fill := byte(100); fill < 200; fill++ {
		payload, err := crypto.Encrypt(text, testKeyBytes(fill), iv)
		require.NoError(t, err)
		if _, err := crypto.Decrypt(payload, want, iv); errors.Is(err, crypto.ErrBadPadding) {
			return payload
		}
	}
	t.Fatal("no mismatching key found")
	return ""
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantKind   protocol.Kind
		wantLine   string
		wantLogoff LogoffAction
	}{
		{
			name:     "plain chat",
			raw:      protocol.Render(protocol.KindIncoming, protocol.Fields{ID: "alice", Text: "hello"}),
			wantKind: protocol.KindIncoming,
			wantLine: "alice: hello",
		},
		{
			name:       "logoff from relay",
			raw:        protocol.Render(protocol.KindLogoff, protocol.Fields{ID: protocol.BroadcastID}),
			wantKind:   protocol.KindLogoff,
			wantLine:   ServerClosedLine,
			wantLogoff: LogoffForced,
		},
		{
			name:       "invalid key",
			raw:        protocol.Render(protocol.KindInvalidKey, protocol.Fields{ID: selfID}),
			wantKind:   protocol.KindInvalidKey,
			wantLine:   InvalidKeyLine,
			wantLogoff: LogoffVoluntary,
		},
		{
			name:     "debug sentinel",
			raw:      protocol.DebugSentinel,
			wantKind: protocol.KindDebug,
			wantLine: protocol.DebugSentinel,
		},
		{
			name:     "register is not shown",
			raw:      protocol.Render(protocol.KindRegister, protocol.Fields{ID: "x", Name: "bob"}),
			wantKind: protocol.KindRegister,
		},
		{
			name:     "unknown is not shown",
			raw:      "Client: u1 (bob) Connected.",
			wantKind: protocol.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Interpret(tt.raw, selfID, nil)
			assert.NoError(t, ev.Err)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantLine, ev.Line)
			assert.Equal(t, tt.wantLogoff, ev.Logoff)
		})
	}
}

func TestInterpretDecryptsWithOwnID(t *testing.T) {
	cipher := crypto.NewCipher(testKey(t, 1))

	// The relay re-encrypts for each recipient, so the IV is the recipient's
	payload, err := cipher.EncryptFor(selfID, "secret text")
	require.NoError(t, err)

	raw := protocol.Render(protocol.KindIncoming, protocol.Fields{ID: "carol", Text: payload})
	ev := Interpret(raw, selfID, cipher)

	require.NoError(t, ev.Err)
	assert.Equal(t, "carol: secret text", ev.Line)
	assert.Equal(t, LogoffNone, ev.Logoff)
}

func TestInterpretKeyMismatch(t *testing.T) {
	cipher := crypto.NewCipher(testKey(t, 1))
	payload := mismatchedPayload(t, selfID, "hello", testKeyBytes(1))

	raw := protocol.Render(protocol.KindIncoming, protocol.Fields{ID: "carol", Text: payload})
	ev := Interpret(raw, selfID, cipher)

	require.Error(t, ev.Err)
	assert.True(t, crypto.IsMismatch(ev.Err))
	assert.Equal(t, InvalidKeyLine, ev.Line)
	assert.Equal(t, LogoffVoluntary, ev.Logoff)
}

func TestInterpretMalformedChat(t *testing.T) {
	ev := Interpret(protocol.MessageLeft+"no-middle", selfID, nil)
	assert.Error(t, ev.Err)
	assert.Empty(t, ev.Line)
	assert.Equal(t, LogoffNone, ev.Logoff)
}

func TestLogoffReasonString(t *testing.T) {
	assert.Equal(t, "forced by peer", ForcedByPeer.String())
	assert.Equal(t, "voluntary", Voluntary.String())
	assert.Equal(t, "unknown", LogoffReason(42).String())
}
