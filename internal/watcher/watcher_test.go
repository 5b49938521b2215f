package watcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/config"
	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/gateway"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

type gatewayEnv struct {
	ms   *sqlite.MessageStore
	url  string
	runs *atomic.Int32
}

func startGateway(t *testing.T) *gatewayEnv {
	t.Helper()
	feedBus := bus.New()
	ms, err := sqlite.Open(":memory:", feedBus)
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	var runs atomic.Int32
	job := coordinator.JobFunc(func(ctx context.Context, roomID, messageID string) (*store.Message, error) {
		runs.Add(1)
		if existing, err := ms.FindReplyTo(ctx, messageID); err != nil || existing != nil {
			return nil, coordinator.ErrAlreadyAnswered
		}
		return ms.InsertMessage(ctx, store.NewMessage{
			Content: "reply", AuthorName: "Bruce", ChatRoomID: roomID, IsAIResponse: true, ParentMessageID: messageID,
		})
	})
	engine := coordinator.NewEngine(job, coordinator.Options{Replies: ms, Name: "server"})
	t.Cleanup(engine.Shutdown)

	srv := gateway.NewServer(config.GatewayConfig{Token: "tok"}, feedBus, ms, engine,
		func(s string) bool { return strings.Contains(strings.ToLower(s), "@ai") })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &gatewayEnv{ms: ms, url: ts.URL, runs: &runs}
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(url, WithToken("tok"), WithUser("u1", "alice"))
	require.NoError(t, err)
	return c
}

func replies(t *testing.T, ms store.MessageStore, room string) []store.Message {
	t.Helper()
	out, err := ms.QueryMessages(context.Background(), room, store.QueryOpts{AIOnly: true})
	require.NoError(t, err)
	return out
}

func runWatcher(t *testing.T, w *Watcher, room string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, room)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcherTriggersOnMention(t *testing.T) {
	env := startGateway(t)
	c := newClient(t, env.url)
	w := New(c, Options{})
	runWatcher(t, w, "r1")

	// Two watchers on the same room still yield a single reply.
	runWatcher(t, New(newClient(t, env.url), Options{}), "r1")

	time.Sleep(100 * time.Millisecond)
	_, err := c.Send(context.Background(), "r1", "plain chatter")
	require.NoError(t, err)
	trig, err := c.Send(context.Background(), "r1", "hey @AI what's new")
	require.NoError(t, err)
	assert.True(t, trig.MentionsAssistant)

	require.Eventually(t, func() bool { return len(replies(t, env.ms, "r1")) == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, replies(t, env.ms, "r1"), 1)
	assert.Equal(t, trig.ID, replies(t, env.ms, "r1")[0].ParentMessageID)
}

func TestWatcherCatchUp(t *testing.T) {
	env := startGateway(t)
	c := newClient(t, env.url)

	missed, err := c.Send(context.Background(), "r1", "@ai are you there")
	require.NoError(t, err)

	runWatcher(t, New(c, Options{CatchUp: time.Hour}), "r1")

	require.Eventually(t, func() bool { return len(replies(t, env.ms, "r1")) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, missed.ID, replies(t, env.ms, "r1")[0].ParentMessageID)
}

func TestWatcherSwitchRoom(t *testing.T) {
	env := startGateway(t)
	c := newClient(t, env.url)
	w := New(c, Options{})
	runWatcher(t, w, "r1")
	time.Sleep(100 * time.Millisecond)

	w.SwitchRoom("r2")
	assert.Equal(t, "r2", w.Room())
	time.Sleep(200 * time.Millisecond)

	_, err := c.Send(context.Background(), "r1", "@ai old room")
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "r2", "@ai new room")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(replies(t, env.ms, "r2")) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, replies(t, env.ms, "r1"))
}

func TestClientTriggerOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   protocol.AIResponseResult
		target error
	}{
		{"answered", http.StatusOK, protocol.AIResponseResult{Status: protocol.StatusAlreadyAnswered}, coordinator.ErrAlreadyAnswered},
		{"handled", http.StatusOK, protocol.AIResponseResult{Status: protocol.StatusAlreadyHandled}, coordinator.ErrAlreadyHandled},
		{"in progress", http.StatusTooManyRequests, protocol.AIResponseResult{Status: protocol.StatusInProgress}, coordinator.ErrAlreadyInProgress},
		{"not eligible", http.StatusBadRequest, protocol.AIResponseResult{Status: protocol.StatusNotEligible}, coordinator.ErrNotEligible},
		{"missing", http.StatusNotFound, protocol.AIResponseResult{Error: "message not found"}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, protocol.PathAIResponse, r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.WriteHeader(tt.code)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer ts.Close()

			_, err := newClient(t, ts.URL).Trigger(context.Background(), "r1", "m1")
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestClientTriggerAccepted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.AIResponseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.MessageID)
		assert.Equal(t, "r1", req.ChatRoomID)
		json.NewEncoder(w).Encode(protocol.AIResponseResult{Accepted: true, Status: protocol.StatusAccepted, ReplyID: "rep"})
	}))
	defer ts.Close()

	reply, err := newClient(t, ts.URL).Trigger(context.Background(), "r1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "rep", reply.ID)
	assert.Equal(t, "m1", reply.ParentMessageID)
}

func TestNewClientRejectsScheme(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}
