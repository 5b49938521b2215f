package coordinator

import (
	"context"
	"sync"
)

// taskKey scopes a task to its room so the same message id named under
// another room never touches it.
type taskKey struct {
	roomID    string
	messageID string
}

type task struct {
	gen    uint64
	cancel context.CancelFunc
}

// TaskRegistry tracks in-flight jobs keyed by (room, triggering message id).
// Starting a task for a key that already has one cancels the older task
// first, so at most one provider call per key is live in this process.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[taskKey]*task
	gen   uint64
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[taskKey]*task)}
}

// Start registers a task for (roomID, messageID) and returns its context plus
// a done func that must be called when the task ends. done only removes this
// task's own entry, never a successor's.
func (r *TaskRegistry) Start(parent context.Context, roomID, messageID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	key := taskKey{roomID: roomID, messageID: messageID}

	r.mu.Lock()
	if prev, ok := r.tasks[key]; ok {
		prev.cancel()
	}
	r.gen++
	t := &task{gen: r.gen, cancel: cancel}
	r.tasks[key] = t
	r.mu.Unlock()

	done := func() {
		cancel()
		r.mu.Lock()
		if cur, ok := r.tasks[key]; ok && cur.gen == t.gen {
			delete(r.tasks, key)
		}
		r.mu.Unlock()
	}
	return ctx, done
}

// Cancel cancels the task for (roomID, messageID), if any.
func (r *TaskRegistry) Cancel(roomID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := taskKey{roomID: roomID, messageID: messageID}
	t, ok := r.tasks[key]
	if ok {
		t.cancel()
		delete(r.tasks, key)
	}
	return ok
}

// CancelRoom cancels every task of roomID and returns how many were cancelled.
func (r *TaskRegistry) CancelRoom(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, t := range r.tasks {
		if key.roomID == roomID {
			t.cancel()
			delete(r.tasks, key)
			n++
		}
	}
	return n
}

// CancelAll cancels every task; used on shutdown.
func (r *TaskRegistry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.tasks {
		t.cancel()
		delete(r.tasks, key)
	}
}

// Active returns the number of in-flight tasks.
func (r *TaskRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
