package protocol

// Network defaults
const (
	ChatPort   = 10240 // UDP relay port
	QueryPort  = 10241 // UDP name-duplication query port
	ClientPort = 10242 // default local UDP port for clients
	HTTPPort   = 8090  // WebSocket bridge / HTTP port

	// BufferSize is the maximum datagram size read from a socket
	BufferSize = 1024

	// WebSocketPath is the HTTP path the WebSocket bridge is mounted on
	WebSocketPath = "/acmcs/wshandler"
)

// Wire literals. These are part of the protocol and must not change.
const (
	RegisterLeft   = "<< CONNECT >>"
	RegisterMiddle = ">>>>>"
	RegisterRight  = "<< CONNECT >>"

	LogoffHeader = "<< LOGOFF >>"

	MessageLeft   = "<< MESSAGE >>> <<<<"
	MessageMiddle = ">>>>>"
	MessageRight  = " << MESSAGE >>"

	DebugSentinel = "/// DEBUG ///"

	NameQueryHeader   = "<<< DUP ? >>> "
	NameTakenResponse = ">>> DUPLICATED <<< "
	NameFreeResponse  = "<<< Clear >>>"

	InvalidKeyHeader = "<< INVALID_KEY >> "

	WebSocketIDHeader = "<WS><<"
	WebSocketIDTail   = ">>"

	// BroadcastID is the sender id used for messages originating from the relay itself
	BroadcastID = "SERVER"
)
