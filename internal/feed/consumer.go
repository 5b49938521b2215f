// Package feed runs the server-side auto-responder: every inserted message
// that mentions the assistant is handed to the coordination engine, without
// waiting for a client to call /ai-response.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/metrics"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

// Handler admits one candidate. Implemented by *coordinator.Engine.
type Handler interface {
	Handle(ctx context.Context, msg store.Message, known []store.Message) (*store.Message, error)
	ResetRoom(roomID string)
}

// Subscriber delivers inserts. Implemented by every store.MessageStore.
// Consumers fed through Dispatch directly may have none.
type Subscriber interface {
	SubscribeInserts(roomID string, fn func(store.Message)) (unsubscribe func())
}

// Options tunes a Consumer.
type Options struct {
	WindowSize int           // messages kept per room (default 50)
	DedupeTTL  time.Duration // redelivery suppression window (default 10m)
	Source     string        // metrics label (default "server")
}

// Consumer feeds store inserts into the engine.
type Consumer struct {
	sub     Subscriber
	handler Handler
	window  *Window
	dedupe  *bus.DedupeCache
	source  string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewConsumer(sub Subscriber, handler Handler, opts Options) *Consumer {
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.Source == "" {
		opts.Source = "server"
	}
	return &Consumer{
		sub:     sub,
		handler: handler,
		window:  NewWindow(opts.WindowSize, 0),
		dedupe:  bus.NewDedupeCache(opts.DedupeTTL, 10000),
		source:  opts.Source,
	}
}

// Window exposes the per-room view.
func (c *Consumer) Window() *Window { return c.window }

// Run subscribes to every room and blocks until ctx is cancelled, then waits
// for in-flight jobs to observe the cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if c.sub == nil {
		return errors.New("feed: consumer has no subscriber")
	}
	unsubscribe := c.sub.SubscribeInserts("", func(msg store.Message) {
		c.Dispatch(ctx, msg)
	})
	slog.Info("feed.consumer_started", "source", c.source)

	<-ctx.Done()
	unsubscribe()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	slog.Info("feed.consumer_stopped", "source", c.source)
	return nil
}

// Dispatch records msg in the room window and, for candidates, runs the
// engine in its own goroutine. Never blocks the publisher.
func (c *Consumer) Dispatch(ctx context.Context, msg store.Message) {
	if c.dedupe.IsDuplicate(msg.ID) {
		metrics.FeedEvents.WithLabelValues(c.source, "duplicate").Inc()
		return
	}
	known := c.window.Add(msg)

	if msg.IsAIResponse || !msg.MentionsAssistant || msg.IsProvisional() {
		metrics.FeedEvents.WithLabelValues(c.source, "ignored").Inc()
		return
	}
	c.mu.Lock()
	if c.closed || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	metrics.FeedEvents.WithLabelValues(c.source, "handled").Inc()

	go func() {
		defer c.wg.Done()
		if _, err := c.handler.Handle(ctx, msg, known); err != nil && !coordinator.IsSettled(err) {
			slog.Warn("feed.handle_failed", "source", c.source, "room", msg.ChatRoomID, "message", msg.ID, "error", err)
		}
	}()
}

// ResetRoom forgets a room's window and engine state.
func (c *Consumer) ResetRoom(roomID string) {
	c.window.Reset(roomID)
	c.handler.ResetRoom(roomID)
}

// Wait blocks until every dispatched job has returned.
func (c *Consumer) Wait() { c.wg.Wait() }
