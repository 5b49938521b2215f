package feed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/internal/store/sqlite"
)

func setup(t *testing.T) (*sqlite.MessageStore, *coordinator.Engine, *atomic.Int32) {
	t.Helper()
	ms, err := sqlite.Open(":memory:", bus.New())
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	var runs atomic.Int32
	job := coordinator.JobFunc(func(ctx context.Context, roomID, messageID string) (*store.Message, error) {
		runs.Add(1)
		if existing, err := ms.FindReplyTo(ctx, messageID); err != nil || existing != nil {
			return nil, coordinator.ErrAlreadyAnswered
		}
		return ms.InsertMessage(ctx, store.NewMessage{
			Content: "on it", AuthorName: "Bruce", ChatRoomID: roomID, IsAIResponse: true, ParentMessageID: messageID,
		})
	})
	engine := coordinator.NewEngine(job, coordinator.Options{Replies: ms, Name: "feed-test"})
	t.Cleanup(engine.Shutdown)
	return ms, engine, &runs
}

func aiReplies(t *testing.T, ms store.MessageStore, room string) []store.Message {
	t.Helper()
	out, err := ms.QueryMessages(context.Background(), room, store.QueryOpts{AIOnly: true})
	require.NoError(t, err)
	return out
}

func TestConsumerRepliesToMentions(t *testing.T) {
	ms, engine, runs := setup(t)
	c := NewConsumer(ms, engine, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Subscription happens inside Run.
	time.Sleep(20 * time.Millisecond)

	_, err := ms.InsertMessage(ctx, store.NewMessage{Content: "morning", AuthorID: "u1", AuthorName: "alice", ChatRoomID: "r1"})
	require.NoError(t, err)
	trig, err := ms.InsertMessage(ctx, store.NewMessage{
		Content: "@ai news?", AuthorID: "u1", AuthorName: "alice", ChatRoomID: "r1", MentionsAssistant: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(aiReplies(t, ms, "r1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, trig.ID, aiReplies(t, ms, "r1")[0].ParentMessageID)
	assert.Equal(t, int32(1), runs.Load())

	// The reply itself was observed and recorded in the room view.
	assert.Eventually(t, func() bool {
		return coordinator.HasExistingReply(c.Window().Snapshot("r1"), trig.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestConsumerDropsRedelivery(t *testing.T) {
	ms, engine, runs := setup(t)
	c := NewConsumer(ms, engine, Options{})

	trig, err := ms.InsertMessage(context.Background(), store.NewMessage{
		Content: "@ai hi", AuthorID: "u1", AuthorName: "alice", ChatRoomID: "r1", MentionsAssistant: true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Dispatch(ctx, *trig)
	}
	c.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Len(t, aiReplies(t, ms, "r1"), 1)
}

func TestConsumerIgnoresNonCandidates(t *testing.T) {
	ms, engine, runs := setup(t)
	c := NewConsumer(ms, engine, Options{})
	ctx := context.Background()

	c.Dispatch(ctx, store.Message{ID: "m1", ChatRoomID: "r1", Content: "plain"})
	c.Dispatch(ctx, store.Message{ID: "m2", ChatRoomID: "r1", Content: "@ai", IsAIResponse: true, ParentMessageID: "x"})
	c.Dispatch(ctx, store.Message{ID: "temp_1", ChatRoomID: "r1", Content: "@ai", MentionsAssistant: true})
	c.Wait()

	assert.Zero(t, runs.Load())
	assert.Len(t, c.Window().Snapshot("r1"), 3)
}

func TestConsumerSkipsKnownReply(t *testing.T) {
	ms, engine, runs := setup(t)
	c := NewConsumer(ms, engine, Options{})
	ctx := context.Background()

	c.Dispatch(ctx, store.Message{ID: "reply", ChatRoomID: "r1", IsAIResponse: true, ParentMessageID: "m1"})
	c.Dispatch(ctx, store.Message{ID: "m1", ChatRoomID: "r1", Content: "@ai", MentionsAssistant: true})
	c.Wait()

	assert.Zero(t, runs.Load())
}

func TestWindowBounds(t *testing.T) {
	w := NewWindow(3, 2)
	for _, id := range []string{"a", "b", "c", "d", "d"} {
		w.Add(store.Message{ID: id, ChatRoomID: "r1"})
	}
	snap := w.Snapshot("r1")
	require.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].ID)
	assert.Equal(t, "d", snap[2].ID)

	w.Add(store.Message{ID: "x", ChatRoomID: "r2"})
	w.Add(store.Message{ID: "y", ChatRoomID: "r3"})
	w.mu.Lock()
	assert.LessOrEqual(t, len(w.rooms), 2)
	w.mu.Unlock()

	w.Load("r4", []store.Message{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}})
	assert.Equal(t, "2", w.Snapshot("r4")[0].ID)

	w.Reset("r4")
	assert.Empty(t, w.Snapshot("r4"))
}
