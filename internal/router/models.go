package router

import "encoding/json"

// ClientMessage is the envelope of every client frame. Ref is echoed back in
// the acknowledgement so clients can match replies to requests.
type ClientMessage struct {
	Ref     string          `json:"ref,omitempty"`
	Target  string          `json:"target,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope of every server frame: acknowledgements and
// pushes alike.
type ServerMessage struct {
	Ref     string `json:"ref,omitempty"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// server push event names
const (
	EventAck             = "ack"
	EventError           = "error"
	EventPresenceSync    = "presence.sync"
	EventCursorState     = "cursor.state"
	EventDocChange       = "doc.change"
	EventDocSaved        = "doc.saved"
	EventChatMessage     = "chat.message"
	EventAccessChanged   = "access.changed"
	EventAccessRequested = "access.requested"
)

type Ack struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
