package client

import (
	"fmt"

	"github.com/aeolun/mchat/pkg/crypto"
	"github.com/aeolun/mchat/pkg/protocol"
)

// LogoffReason says why a session ended
type LogoffReason int

const (
	// ForcedByPeer means the relay sent LOGOFF (name taken or relay shutdown)
	ForcedByPeer LogoffReason = iota
	// Voluntary means the client gave up on its own, e.g. after INVALID_KEY
	Voluntary
)

func (r LogoffReason) String() string {
	switch r {
	case ForcedByPeer:
		return "forced by peer"
	case Voluntary:
		return "voluntary"
	default:
		return "unknown"
	}
}

// Logoff actions an incoming datagram can trigger
type LogoffAction int

const (
	LogoffNone LogoffAction = iota
	LogoffForced
	LogoffVoluntary
)

// Display lines for session-ending events
const (
	ServerClosedLine = "Server closed the connection."
	InvalidKeyLine   = "The key you specified is NOT valid, please re-open the app and specify the same key as server configuration."
)

// Event is the outcome of interpreting one datagram from the relay
type Event struct {
	Kind   protocol.Kind
	Line   string // display line, empty when nothing should be shown
	Logoff LogoffAction
	Err    error
}

// Interpret turns a raw relay datagram into a display line and a logoff
// action. Chat text is decrypted with the IV of selfID; a nil or disabled
// cipher passes text through.
func Interpret(raw, selfID string, cipher *crypto.Cipher) Event {
	kind := protocol.Classify(raw)
	ev := Event{Kind: kind}

	switch kind {
	case protocol.KindIncoming:
		fields, ok := protocol.Tokenize(kind, raw)
		if !ok {
			ev.Err = fmt.Errorf("malformed chat message")
			return ev
		}
		text, err := cipher.DecryptFrom(selfID, fields.Text)
		if err != nil {
			ev.Err = fmt.Errorf("failed to decrypt message from %s: %w", fields.ID, err)
			if crypto.IsMismatch(err) {
				ev.Line = InvalidKeyLine
				ev.Logoff = LogoffVoluntary
			}
			return ev
		}
		ev.Line = protocol.UILine(fields.ID, text)

	case protocol.KindLogoff:
		ev.Line = ServerClosedLine
		ev.Logoff = LogoffForced

	case protocol.KindInvalidKey:
		ev.Line = InvalidKeyLine
		ev.Logoff = LogoffVoluntary

	case protocol.KindDebug:
		ev.Line = raw
	}

	return ev
}
