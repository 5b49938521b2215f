// Package watcher is the client-side coordinator: it follows one room's event
// stream and asks the gateway to reply to each new mention, running the same
// admission engine as the server so duplicate deliveries never double-trigger.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/feed"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

var errServerShutdown = errors.New("gateway is shutting down")

// Options tunes a Watcher.
type Options struct {
	HistoryLimit int           // messages loaded on (re)connect (default 50)
	CatchUp      time.Duration // on (re)connect, trigger unanswered mentions this recent; 0 = off
	Claims       coordinator.Claims
	Retry        coordinator.RetryPolicy
}

// Watcher follows one room at a time.
type Watcher struct {
	client   *Client
	engine   *coordinator.Engine
	consumer *feed.Consumer
	opts     Options

	mu         sync.Mutex
	room       string
	cancelConn context.CancelFunc

	wg  sync.WaitGroup
	now func() time.Time
}

func New(client *Client, opts Options) *Watcher {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	engine := coordinator.NewEngine(coordinator.JobFunc(client.Trigger), coordinator.Options{
		Claims: opts.Claims,
		Retry:  opts.Retry,
		Name:   "watcher",
	})
	return &Watcher{
		client:   client,
		engine:   engine,
		consumer: feed.NewConsumer(nil, engine, feed.Options{WindowSize: opts.HistoryLimit, Source: "watcher"}),
		opts:     opts,
		now:      time.Now,
	}
}

// Engine returns the watcher's admission engine.
func (w *Watcher) Engine() *coordinator.Engine { return w.engine }

// Room returns the room currently followed.
func (w *Watcher) Room() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.room
}

// SwitchRoom moves to roomID. The old room's claims and window are dropped
// and its in-flight triggers cancelled before the new room is subscribed.
func (w *Watcher) SwitchRoom(roomID string) {
	w.mu.Lock()
	old := w.room
	if old == roomID {
		w.mu.Unlock()
		return
	}
	w.room = roomID
	cancel := w.cancelConn
	w.mu.Unlock()

	if old != "" {
		w.consumer.ResetRoom(old)
	}
	if cancel != nil {
		cancel()
	}
	slog.Info("watcher.room_switched", "from", old, "to", roomID)
}

// Run follows roomID until ctx is cancelled, reconnecting with backoff.
func (w *Watcher) Run(ctx context.Context, roomID string) error {
	w.mu.Lock()
	w.room = roomID
	w.mu.Unlock()

	defer w.stop()

	delay := minReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}
		room := w.Room()

		connCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancelConn = cancel
		w.mu.Unlock()

		connected, err := w.session(connCtx, room)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case connCtx.Err() != nil:
			// Room switch.
			delay = minReconnectDelay
			continue
		case connected:
			delay = minReconnectDelay
		}

		slog.Warn("watcher.disconnected", "room", room, "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one connection. connected reports whether the stream was
// established, so the caller can reset its backoff.
func (w *Watcher) session(ctx context.Context, room string) (connected bool, err error) {
	conn, err := w.client.Dial(ctx, room)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	// Subscribe before loading history so no insert falls in between.
	history, err := w.client.History(ctx, room, w.opts.HistoryLimit)
	if err != nil {
		return false, err
	}
	w.consumer.Window().Load(room, history)
	slog.Info("watcher.connected", "room", room, "history", len(history))
	w.catchUp(ctx, history)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var frame protocol.EventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("watcher.bad_frame", "room", room, "error", err)
			continue
		}

		switch frame.Event {
		case protocol.EventMessageInserted:
			var msg store.Message
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				slog.Warn("watcher.bad_payload", "room", room, "error", err)
				continue
			}
			if msg.ChatRoomID != room {
				continue
			}
			w.consumer.Dispatch(ctx, msg)
		case protocol.EventRoomCleared:
			w.consumer.ResetRoom(room)
		case protocol.EventShutdown:
			return true, errServerShutdown
		}
	}
}

// catchUp triggers recent mentions that have no reply in history, covering
// inserts missed while disconnected.
func (w *Watcher) catchUp(ctx context.Context, history []store.Message) {
	if w.opts.CatchUp <= 0 {
		return
	}
	cutoff := w.now().Add(-w.opts.CatchUp)
	var candidates []store.Message
	for _, m := range history {
		if m.CreatedAt.After(cutoff) && coordinator.Eligible(m) == nil && !coordinator.HasExistingReply(history, m.ID) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for _, r := range w.engine.HandleBatch(ctx, candidates, history) {
			if r.Err != nil && !coordinator.IsSettled(r.Err) {
				slog.Warn("watcher.catch_up_failed", "message", r.MessageID, "error", r.Err)
			}
		}
	}()
}

func (w *Watcher) stop() {
	w.engine.Shutdown()
	w.consumer.Wait()
	w.wg.Wait()
}
