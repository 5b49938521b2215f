package bus

// Event represents a server-side event fanned out to in-process subscribers
// and forwarded to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`              // event name (e.g. "message.inserted")
	Room    string      `json:"room,omitempty"`    // chat room scope; empty = global
	Payload interface{} `json:"payload,omitempty"`
}

// Event names.
const (
	EventMessageInserted = "message.inserted"
	EventRoomCleared     = "room.cleared"
	EventReplyFailed     = "reply.failed"
)

// EventHandler handles a broadcast event. Handlers run on the publisher's
// goroutine and must not block.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the stores, the gateway server and the feed consumer to decouple
// from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
