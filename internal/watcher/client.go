package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

// Client talks to a roomclaw gateway over HTTP and WebSocket.
type Client struct {
	baseURL  *url.URL
	token    string
	userID   string
	userName string
	http     *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token (gateway token or JWT).
func WithToken(token string) ClientOption { return func(c *Client) { c.token = token } }

// WithUser sets the identity headers used in token and open auth modes.
func WithUser(id, name string) ClientOption {
	return func(c *Client) { c.userID, c.userName = id, name }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway url must be http or https, got %q", baseURL)
	}
	c := &Client{baseURL: u, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) setHeaders(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		h.Set(protocol.HeaderUserID, c.userID)
	}
	if c.userName != "" {
		h.Set(protocol.HeaderUserName, c.userName)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, fmt.Errorf("gateway rejected credentials (401)")
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

// History returns up to limit of the room's most recent messages, ascending.
func (c *Client) History(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	path := roomPath(roomID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []store.Message `json:"messages"`
		Error    string          `json:"error"`
	}
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("load history: %d %s", status, out.Error)
	}
	return out.Messages, nil
}

// Send posts a user message to the room.
func (c *Client) Send(ctx context.Context, roomID, content string) (*store.Message, error) {
	var out struct {
		store.Message
		Error string `json:"error"`
	}
	status, err := c.do(ctx, http.MethodPost, roomPath(roomID), protocol.SendMessageRequest{Content: content, AuthorName: c.userName}, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("send message: %d %s", status, out.Error)
	}
	return &out.Message, nil
}

// Trigger asks the gateway to reply to messageID and maps the outcome back
// to the coordinator's error taxonomy.
func (c *Client) Trigger(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	var res protocol.AIResponseResult
	status, err := c.do(ctx, http.MethodPost, protocol.PathAIResponse,
		protocol.AIResponseRequest{MessageID: messageID, ChatRoomID: roomID}, &res)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK && res.Accepted:
		return &store.Message{ID: res.ReplyID, ChatRoomID: roomID, IsAIResponse: true, ParentMessageID: messageID}, nil
	case res.Status == protocol.StatusAlreadyAnswered:
		return nil, coordinator.ErrAlreadyAnswered
	case res.Status == protocol.StatusAlreadyHandled:
		return nil, coordinator.ErrAlreadyHandled
	case res.Status == protocol.StatusInProgress:
		return nil, coordinator.ErrAlreadyInProgress
	case res.Status == protocol.StatusNotEligible:
		return nil, fmt.Errorf("%w: %s", coordinator.ErrNotEligible, res.Error)
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("trigger %s: %w", messageID, store.ErrNotFound)
	default:
		return nil, fmt.Errorf("trigger %s: %d %s %s", messageID, status, res.Status, res.Error)
	}
}

// Dial opens the room's event stream.
func (c *Client) Dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += protocol.PathWS
	u.RawQuery = url.Values{"room": {roomID}}.Encode()

	h := http.Header{}
	c.setHeaders(h)
	// coder/websocket rejects clients with Timeout set; ctx bounds the handshake.
	hc := &http.Client{Transport: c.http.Transport, Jar: c.http.Jar}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: h, HTTPClient: hc})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func roomPath(roomID string) string {
	return strings.Replace(protocol.PathRoomMessages, "{roomID}", url.PathEscape(roomID), 1)
}
