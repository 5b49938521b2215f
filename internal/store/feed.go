package store

import (
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
)

// SubscribeFeed wires fn to message.inserted events on pub, filtered to roomID
// ("" = every room). Shared by the store implementations.
func SubscribeFeed(pub bus.EventPublisher, roomID string, fn func(Message)) func() {
	id := "feed-" + uuid.NewString()
	pub.Subscribe(id, func(ev bus.Event) {
		if ev.Name != bus.EventMessageInserted {
			return
		}
		msg, ok := ev.Payload.(Message)
		if !ok {
			return
		}
		if roomID != "" && msg.ChatRoomID != roomID {
			return
		}
		fn(msg)
	})
	return func() { pub.Unsubscribe(id) }
}

// PublishInserted broadcasts msg as a message.inserted event.
func PublishInserted(pub bus.EventPublisher, msg Message) {
	pub.Broadcast(bus.Event{Name: bus.EventMessageInserted, Room: msg.ChatRoomID, Payload: msg})
}
