package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProvisionalIDPrefix marks ids generated client-side for optimistically
// rendered messages. Such ids never reach the store and never trigger a reply.
const ProvisionalIDPrefix = "temp_"

var (
	// ErrNotFound is returned when a referenced message does not exist.
	ErrNotFound = errors.New("message not found")

	// ErrDuplicateReply is returned when inserting a second assistant reply for
	// the same parent message. Backed by a unique index, so it holds across instances.
	ErrDuplicateReply = errors.New("reply already exists for parent message")
)

// Message is one persisted chat message. Immutable once stored.
type Message struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	AuthorID          string    `json:"author_id,omitempty"` // empty for assistant replies
	AuthorName        string    `json:"author_name"`
	ChatRoomID        string    `json:"chat_room_id"`
	IsAIResponse      bool      `json:"is_ai_response"`
	MentionsAssistant bool      `json:"mentioned_ai"`
	ParentMessageID   string    `json:"parent_message_id,omitempty"` // set only on assistant replies
	CreatedAt         time.Time `json:"created_at"`
}

// IsProvisional reports whether the message carries a client-generated id.
func (m Message) IsProvisional() bool { return IsProvisionalID(m.ID) }

// NewMessage holds the caller-supplied fields of an insert.
// ID and CreatedAt are always assigned by the store.
type NewMessage struct {
	Content           string `json:"content"`
	AuthorID          string `json:"author_id,omitempty"`
	AuthorName        string `json:"author_name"`
	ChatRoomID        string `json:"chat_room_id"`
	IsAIResponse      bool   `json:"is_ai_response"`
	MentionsAssistant bool   `json:"mentioned_ai"`
	ParentMessageID   string `json:"parent_message_id,omitempty"`
}

// QueryOpts filters a room query. Results are always ascending by creation time.
type QueryOpts struct {
	Limit  int  // 0 = no limit
	Recent bool // with Limit: keep the newest Limit rows instead of the oldest
	AIOnly bool // only assistant replies
}

// MessageStore is the durable, ordered message collection plus its insert feed.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg NewMessage) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	QueryMessages(ctx context.Context, roomID string, opts QueryOpts) ([]Message, error)

	// FindReplyTo returns the assistant reply to messageID, or nil when none exists.
	// Must observe inserts committed by any instance.
	FindReplyTo(ctx context.Context, messageID string) (*Message, error)

	// RepliedIDs reports which of ids already have an assistant reply.
	RepliedIDs(ctx context.Context, ids []string) (map[string]bool, error)

	DeleteRoomMessages(ctx context.Context, roomID string) (int64, error)

	// SubscribeInserts registers fn for newly inserted messages in roomID
	// ("" = every room). Delivery is at-least-once and may be lost on
	// transient disconnects. The returned func unsubscribes.
	SubscribeInserts(roomID string, fn func(Message)) (unsubscribe func())

	Ping(ctx context.Context) error
	Close() error
}

// IsProvisionalID reports whether id was generated locally rather than by the store.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalIDPrefix)
}

// NewProvisionalID returns a fresh client-side id for an optimistic message.
func NewProvisionalID() string {
	return ProvisionalIDPrefix + uuid.NewString()
}

// NewMessageID returns a store-assigned, time-ordered message id.
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Validate checks the invariants every insert must satisfy.
func (m NewMessage) Validate() error {
	switch {
	case m.ChatRoomID == "":
		return errors.New("chat_room_id is required")
	case strings.TrimSpace(m.Content) == "":
		return errors.New("content is required")
	case m.IsAIResponse && m.ParentMessageID == "":
		return errors.New("assistant reply requires parent_message_id")
	case m.IsAIResponse && m.AuthorID != "":
		return errors.New("assistant reply must not carry an author_id")
	case !m.IsAIResponse && m.ParentMessageID != "":
		return errors.New("only assistant replies may set parent_message_id")
	case IsProvisionalID(m.ParentMessageID):
		return errors.New("parent_message_id must be a store-assigned id")
	}
	return nil
}
