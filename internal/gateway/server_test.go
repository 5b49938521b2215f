package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/config"
	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

type testEnv struct {
	ms  *sqlite.MessageStore
	srv *Server
	ts  *httptest.Server
}

func newTestEnv(t *testing.T, cfg config.GatewayConfig) *testEnv {
	t.Helper()
	feed := bus.New()
	ms, err := sqlite.Open(":memory:", feed)
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	job := coordinator.JobFunc(func(ctx context.Context, roomID, messageID string) (*store.Message, error) {
		return ms.InsertMessage(ctx, store.NewMessage{
			Content: "pong", AuthorName: "Bruce", ChatRoomID: roomID, IsAIResponse: true, ParentMessageID: messageID,
		})
	})
	engine := coordinator.NewEngine(job, coordinator.Options{Replies: ms, Name: "test"})
	t.Cleanup(engine.Shutdown)

	srv := NewServer(cfg, feed, ms, engine, func(s string) bool { return strings.Contains(s, "@ai") })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ms: ms, srv: srv, ts: ts}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})
	resp, err := http.Get(env.ts.URL + protocol.PathHealth)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	env.ms.Close()
	resp2, err := http.Get(env.ts.URL + protocol.PathHealth)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{})
	resp, err := http.Get(env.ts.URL + protocol.PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.EventFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f protocol.EventFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// A posted mention streams to the room's socket, the trigger replies once and
// the reply streams too.
func TestRoomStreamAndTrigger(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{Token: "tok"})
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + protocol.PathWS + "?room=r1&token=tok"

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.ts.URL, "http")+protocol.PathWS+"?room=r1", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readFrame(t, conn)
	assert.Equal(t, protocol.FrameTypeHello, hello.Type)
	assert.Equal(t, "r1", hello.Room)

	// Events for other rooms are not delivered.
	_, err = env.ms.InsertMessage(context.Background(), store.NewMessage{
		Content: "elsewhere", AuthorID: "u2", AuthorName: "bob", ChatRoomID: "r2",
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/rooms/r1/messages", bytes.NewBufferString(`{"content":"hey @ai"}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set(protocol.HeaderUserID, "u1")
	req.Header.Set(protocol.HeaderUserName, "alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var posted store.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&posted))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, posted.MentionsAssistant)

	ev := readFrame(t, conn)
	assert.Equal(t, protocol.EventMessageInserted, ev.Event)
	var got store.Message
	require.NoError(t, json.Unmarshal(ev.Payload, &got))
	assert.Equal(t, posted.ID, got.ID)

	trigger := func() protocol.AIResponseResult {
		body := fmt.Sprintf(`{"messageId":%q,"chatRoomId":"r1"}`, posted.ID)
		req, _ := http.NewRequest(http.MethodPost, env.ts.URL+protocol.PathAIResponse, bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer tok")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var res protocol.AIResponseResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		return res
	}
	res := trigger()
	assert.True(t, res.Accepted)
	assert.NotEmpty(t, res.ReplyID)

	ev = readFrame(t, conn)
	require.NoError(t, json.Unmarshal(ev.Payload, &got))
	assert.True(t, got.IsAIResponse)
	assert.Equal(t, posted.ID, got.ParentMessageID)
	assert.Greater(t, ev.Seq, hello.Seq)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, config.GatewayConfig{AllowedOrigins: []string{"https://chat.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+protocol.PathAIResponse, nil)
	req.Header.Set("Origin", "https://chat.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://chat.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
