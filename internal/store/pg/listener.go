package pg

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

// NotifyChannel is the channel the messages insert trigger notifies on.
const NotifyChannel = "message_inserts"

const (
	listenMinBackoff = 500 * time.Millisecond
	listenMaxBackoff = 30 * time.Second
)

type notifyPayload struct {
	ID         string `json:"id"`
	ChatRoomID string `json:"chat_room_id"`
}

// Listener holds a dedicated connection in LISTEN mode and republishes every
// inserted row onto the event bus. Notifications that arrive while the
// connection is down are lost; consumers reconcile by querying.
type Listener struct {
	dsn  string
	msgs store.MessageStore
	feed bus.EventPublisher

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(dsn string, msgs store.MessageStore, feed bus.EventPublisher) *Listener {
	return &Listener{dsn: dsn, msgs: msgs, feed: feed}
}

// Start launches the listen loop. Calling Start twice is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop ends the listen loop and waits for it to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	backoff := listenMinBackoff
	for ctx.Err() == nil {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("store.listen_disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, listenMaxBackoff)
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	slog.Info("store.listen_started", "channel", NotifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, n.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.ID == "" {
		slog.Warn("store.listen_bad_payload", "payload", payload)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := l.msgs.GetMessage(fetchCtx, p.ID)
	if err != nil {
		// Deleted between insert and fetch (room cleared) is expected.
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("store.listen_fetch_failed", "id", p.ID, "room", p.ChatRoomID, "error", err)
		}
		return
	}
	store.PublishInserted(l.feed, *msg)
}
