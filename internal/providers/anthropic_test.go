package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchResponse = `{
  "content": [
    {"type": "server_tool_use", "id": "srvtoolu_1", "name": "web_search", "input": {"query": "aktuelle nachrichten"}},
    {"type": "web_search_tool_result", "tool_use_id": "srvtoolu_1", "content": []},
    {"type": "text", "text": "Heute gibt es "},
    {"type": "text", "text": "neue Entwicklungen.", "citations": [
      {"type": "web_search_result_location", "url": "https://a.example/news", "title": "A News", "cited_text": "..."},
      {"type": "web_search_result_location", "url": "https://b.example", "title": ""}
    ]}
  ],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 120, "output_tokens": 30, "server_tool_use": {"web_search_requests": 1}}
}`

func TestAnthropicChatWebSearch(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchResponse))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "alice: hi"},
			{Role: "user", Content: "bob: suche aktuelle Nachrichten @ai"},
		},
		WebSearch: true,
		MaxTokens: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, "Heute gibt es neue Entwicklungen.", resp.Content)
	assert.Equal(t, []Citation{
		{URL: "https://a.example/news", Title: "A News"},
		{URL: "https://b.example"},
	}, resp.Citations)
	assert.Equal(t, 1, resp.Usage.WebSearchRequests)
	assert.Equal(t, 150, resp.Usage.TotalTokens)

	assert.Equal(t, defaultClaudeModel, got["model"])
	assert.EqualValues(t, 1000, got["max_tokens"])
	tools := got["tools"].([]interface{})
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]interface{})
	assert.Equal(t, webSearchToolType, tool["type"])
	assert.EqualValues(t, webSearchMaxUses, tool["max_uses"])

	// Consecutive user turns are merged to keep roles alternating.
	msgs := got["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice: hi\n\nbob: suche aktuelle Nachrichten @ai", msgs[0].(map[string]interface{})["content"])
	assert.NotNil(t, got["system"])
}

func TestAnthropicChatWithoutSearchSendsNoTools(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello"}],"stop_reason":"max_tokens","usage":{}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL), WithAnthropicModel("claude-test"))
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "length", resp.FinishReason)
	assert.Empty(t, resp.Citations)
	assert.NotContains(t, got, "tools")
	assert.Equal(t, "claude-test", got["model"])
}

func TestAnthropicHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL), WithAnthropicRetries(3))
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
	assert.EqualValues(t, 1, calls.Load(), "4xx is not retried")
}

func TestAnthropicRetriesOverloaded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL), WithAnthropicRetries(1))
	p.retryConfig.BaseDelay = time.Millisecond
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnthropicChatCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Chat(ctx, ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
