package feed

import (
	"sync"

	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

// Window keeps the most recent messages seen per room: the local view the
// engine checks for existing replies before admitting a candidate.
// Safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	size     int
	maxRooms int
	rooms    map[string][]store.Message
}

// NewWindow keeps size messages per room for at most maxRooms rooms.
func NewWindow(size, maxRooms int) *Window {
	if size <= 0 {
		size = 50
	}
	if maxRooms <= 0 {
		maxRooms = 1000
	}
	return &Window{size: size, maxRooms: maxRooms, rooms: make(map[string][]store.Message)}
}

// Add records msg and returns a snapshot of the room including it.
// A message already present by id is not added twice.
func (w *Window) Add(msg store.Message) []store.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	msgs, ok := w.rooms[msg.ChatRoomID]
	if !ok && len(w.rooms) >= w.maxRooms {
		for k := range w.rooms {
			delete(w.rooms, k)
			break
		}
	}
	if !containsID(msgs, msg.ID) {
		msgs = append(msgs, msg)
		if len(msgs) > w.size {
			msgs = append(msgs[:0:0], msgs[len(msgs)-w.size:]...)
		}
		w.rooms[msg.ChatRoomID] = msgs
	}
	return append([]store.Message(nil), msgs...)
}

// Load replaces a room's view with history (ascending).
func (w *Window) Load(roomID string, history []store.Message) {
	if len(history) > w.size {
		history = history[len(history)-w.size:]
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rooms[roomID] = append([]store.Message(nil), history...)
}

// Snapshot returns a copy of the room's view.
func (w *Window) Snapshot(roomID string) []store.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]store.Message(nil), w.rooms[roomID]...)
}

// Reset forgets a room.
func (w *Window) Reset(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.rooms, roomID)
}

func containsID(msgs []store.Message, id string) bool {
	for i := range msgs {
		if msgs[i].ID == id {
			return true
		}
	}
	return false
}
