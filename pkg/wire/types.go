package wire

import "encoding/json"

// Frame type tags used on the wire.
const (
	TypeAuth        = "auth"
	TypeAuthOK      = "auth_ok"
	TypeAuthFail    = "auth_fail"
	TypeResult      = "result"
	TypeError       = "error"
	TypeStreamEvent = "stream_event"
	TypeHeartbeat   = "heartbeat"
)

// Head is the common prefix of every request frame.
type Head struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// ParseHead extracts the envelope fields from a raw frame.
func ParseHead(raw json.RawMessage) (Head, error) {
	var h Head
	err := json.Unmarshal(raw, &h)
	return h, err
}

// Payload is a reply body. Handlers return one and the server stamps the
// envelope fields (type, requestId) before framing.
type Payload map[string]any

// Result builds a {type:"result"} frame from a payload.
func Result(requestID string, p Payload) Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	out["type"] = TypeResult
	if requestID != "" {
		out["requestId"] = requestID
	}
	return out
}

// ErrorFrame is the wire error object.
type ErrorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Errorf builds an error frame.
func Errorf(requestID, kind, msg string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Error: msg, Kind: kind, RequestID: requestID}
}

// AuthRequest is the mandatory first frame of a connection.
type AuthRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Account   string `json:"account"`
	Token     string `json:"token"`
}

// AuthOK acknowledges a successful handshake.
type AuthOK struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthFail reports a failed handshake; the connection closes after it.
type AuthFail struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// StreamEvent wraps a bus event pushed to a subscriber.
type StreamEvent struct {
	Type  string `json:"type"`
	Event any    `json:"event"`
}

// Heartbeat is the keepalive frame written to all subscribers.
type Heartbeat struct {
	Type string `json:"type"`
}

// NewHeartbeat returns the singleton-shaped heartbeat frame.
func NewHeartbeat() Heartbeat { return Heartbeat{Type: TypeHeartbeat} }
