package protocol

import "encoding/json"

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// Frame types.
const (
	FrameTypeEvent = "event"
	FrameTypeHello = "hello"
)

// EventFrame is one server-to-client WebSocket frame.
type EventFrame struct {
	Type    string          `json:"type"` // "event" or "hello"
	Event   string          `json:"event,omitempty"`
	Room    string          `json:"room,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event frame; payload is JSON-encoded.
func NewEvent(event, room string, payload interface{}) (*EventFrame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &EventFrame{Type: FrameTypeEvent, Event: event, Room: room, Payload: raw}, nil
}

// Hello is the first frame on a new connection.
type Hello struct {
	Protocol int    `json:"protocol"`
	Room     string `json:"room"`
	UserID   string `json:"user_id,omitempty"`
}
