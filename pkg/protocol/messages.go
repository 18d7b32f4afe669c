package protocol

import (
	"strings"
)

// Kind identifies the type of a wire message
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRegister
	KindLogoff
	KindIncoming
	KindDebug
	KindNameQuery
	KindInvalidKey
)

// String returns a lower-case name for the kind, used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindLogoff:
		return "logoff"
	case KindIncoming:
		return "incoming"
	case KindDebug:
		return "debug"
	case KindNameQuery:
		return "name_query"
	case KindInvalidKey:
		return "invalid_key"
	default:
		return "unknown"
	}
}

// Fields holds the values extracted from a wire message. Which fields are
// populated depends on the kind:
//
//	Register:   ID, Name
//	Logoff:     ID
//	Incoming:   ID, Text
//	NameQuery:  Name
//	InvalidKey: ID
//	Unknown:    Text (the raw string)
//	Debug:      none
type Fields struct {
	ID   string
	Name string
	Text string
}

// Message is a classified and tokenized wire message
type Message struct {
	Kind   Kind
	Fields Fields
}

type codec struct {
	kind     Kind
	prefix   string
	tokenize func(raw string) (Fields, bool)
	render   func(f Fields) string
}

// codecs is ordered for classification: more specific prefixes come first.
var codecs = []codec{
	{KindNameQuery, NameQueryHeader, tokenizeNameQuery, renderNameQuery},
	{KindInvalidKey, InvalidKeyHeader, tokenizeInvalidKey, renderInvalidKey},
	{KindDebug, DebugSentinel, tokenizeDebug, renderDebug},
	{KindRegister, RegisterLeft, tokenizeRegister, renderRegister},
	{KindLogoff, LogoffHeader, tokenizeLogoff, renderLogoff},
	{KindIncoming, MessageLeft, tokenizeIncoming, renderIncoming},
}

var unknownCodec = codec{KindUnknown, "", tokenizeUnknown, renderUnknown}

func codecFor(kind Kind) codec {
	for _, c := range codecs {
		if c.kind == kind {
			return c
		}
	}
	return unknownCodec
}

// Classify returns the kind of a raw wire string. It never fails: strings
// that match no known prefix are KindUnknown.
func Classify(raw string) Kind {
	for _, c := range codecs {
		if strings.HasPrefix(raw, c.prefix) {
			return c.kind
		}
	}
	return KindUnknown
}

// Tokenize extracts the fields of raw as the given kind. It returns false
// when raw is malformed for that kind; callers drop such messages.
func Tokenize(kind Kind, raw string) (Fields, bool) {
	return codecFor(kind).tokenize(raw)
}

// Render builds the wire string for the given kind and fields
func Render(kind Kind, f Fields) string {
	return codecFor(kind).render(f)
}

// Parse classifies and tokenizes raw in one step
func Parse(raw string) (Message, bool) {
	kind := Classify(raw)
	fields, ok := Tokenize(kind, raw)
	if !ok {
		return Message{Kind: kind}, false
	}
	return Message{Kind: kind, Fields: fields}, true
}

// String renders the message back to its wire form
func (m Message) String() string {
	return Render(m.Kind, m.Fields)
}

func tokenizeRegister(raw string) (Fields, bool) {
	if !strings.HasPrefix(raw, RegisterLeft) || !strings.HasSuffix(raw, RegisterRight) {
		return Fields{}, false
	}
	if len(raw) < len(RegisterLeft)+len(RegisterRight) {
		return Fields{}, false
	}
	body := raw[len(RegisterLeft) : len(raw)-len(RegisterRight)]
	id, name, found := strings.Cut(body, RegisterMiddle)
	if !found || id == "" || name == "" {
		return Fields{}, false
	}
	return Fields{ID: id, Name: name}, true
}

func renderRegister(f Fields) string {
	return RegisterLeft + f.ID + RegisterMiddle + f.Name + RegisterRight
}

func tokenizeLogoff(raw string) (Fields, bool) {
	id, found := strings.CutPrefix(raw, LogoffHeader)
	if !found || id == "" {
		return Fields{}, false
	}
	return Fields{ID: id}, true
}

func renderLogoff(f Fields) string {
	return LogoffHeader + f.ID
}

func tokenizeIncoming(raw string) (Fields, bool) {
	rest, found := strings.CutPrefix(raw, MessageLeft)
	if !found {
		return Fields{}, false
	}
	id, after, found := strings.Cut(rest, MessageMiddle)
	if !found || id == "" {
		return Fields{}, false
	}
	text, found := strings.CutPrefix(after, MessageRight)
	if !found {
		return Fields{}, false
	}
	return Fields{ID: id, Text: text}, true
}

func renderIncoming(f Fields) string {
	return MessageLeft + f.ID + MessageMiddle + MessageRight + f.Text
}

func tokenizeDebug(raw string) (Fields, bool) {
	return Fields{}, strings.HasPrefix(raw, DebugSentinel)
}

func renderDebug(Fields) string {
	return DebugSentinel
}

func tokenizeNameQuery(raw string) (Fields, bool) {
	name, found := strings.CutPrefix(raw, NameQueryHeader)
	if !found || name == "" {
		return Fields{}, false
	}
	return Fields{Name: name}, true
}

func renderNameQuery(f Fields) string {
	return NameQueryHeader + f.Name
}

func tokenizeInvalidKey(raw string) (Fields, bool) {
	id, found := strings.CutPrefix(raw, InvalidKeyHeader)
	if !found || id == "" {
		return Fields{}, false
	}
	return Fields{ID: id}, true
}

func renderInvalidKey(f Fields) string {
	return InvalidKeyHeader + f.ID
}

func tokenizeUnknown(raw string) (Fields, bool) {
	return Fields{Text: raw}, true
}

func renderUnknown(f Fields) string {
	return f.Text
}

// NameQueryResponse returns the reply literal for a name-duplication query
func NameQueryResponse(taken bool) string {
	if taken {
		return NameTakenResponse
	}
	return NameFreeResponse
}

// IsNameFree reports whether a name-query reply means the name is available.
// Anything other than the "clear" literal is treated as taken.
func IsNameFree(reply string) bool {
	return strings.HasPrefix(reply, NameFreeResponse)
}

// RenderWebSocketHandshake builds the id announcement sent to a new WebSocket peer
func RenderWebSocketHandshake(id string) string {
	return WebSocketIDHeader + id + WebSocketIDTail
}

// ParseWebSocketHandshake extracts the id from a WebSocket handshake string
func ParseWebSocketHandshake(raw string) (string, bool) {
	rest, found := strings.CutPrefix(raw, WebSocketIDHeader)
	if !found {
		return "", false
	}
	id, found := strings.CutSuffix(rest, WebSocketIDTail)
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// UILine formats an Incoming message the way it is shown to users
func UILine(name, text string) string {
	return name + ": " + text
}
