// Package sqlite implements store.MessageStore on an embedded SQLite database
// (standalone mode). The insert feed is in-process only.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	content           TEXT NOT NULL,
	author_id         TEXT,
	author_name       TEXT NOT NULL,
	chat_room_id      TEXT NOT NULL,
	is_ai_response    INTEGER NOT NULL DEFAULT 0,
	mentioned_ai      INTEGER NOT NULL DEFAULT 0,
	parent_message_id TEXT,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (chat_room_id, created_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_one_reply ON messages (parent_message_id) WHERE is_ai_response = 1;
`

const selectColumns = `id, content, author_id, author_name, chat_room_id, is_ai_response, mentioned_ai, parent_message_id, created_at`

// MessageStore implements store.MessageStore backed by SQLite.
type MessageStore struct {
	db   *sql.DB
	feed bus.EventPublisher
	now  func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// path ":memory:" gives a private in-memory database.
func Open(path string, feed bus.EventPublisher) (*MessageStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	if feed == nil {
		feed = bus.New()
	}
	return &MessageStore{db: db, feed: feed, now: time.Now}, nil
}

func (s *MessageStore) InsertMessage(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	msg := store.Message{
		ID:                store.NewMessageID(),
		Content:           in.Content,
		AuthorID:          in.AuthorID,
		AuthorName:        in.AuthorName,
		ChatRoomID:        in.ChatRoomID,
		IsAIResponse:      in.IsAIResponse,
		MentionsAssistant: in.MentionsAssistant,
		ParentMessageID:   in.ParentMessageID,
		CreatedAt:         s.now().UTC().Truncate(time.Microsecond),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Content, nullString(msg.AuthorID), msg.AuthorName, msg.ChatRoomID,
		msg.IsAIResponse, msg.MentionsAssistant, nullString(msg.ParentMessageID), msg.CreatedAt.UnixMicro(),
	)
	if err != nil {
		if isUniqueViolation(err) && msg.IsAIResponse {
			return nil, store.ErrDuplicateReply
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	store.PublishInserted(s.feed, msg)
	return &msg, nil
}

func (s *MessageStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) QueryMessages(ctx context.Context, roomID string, opts store.QueryOpts) ([]store.Message, error) {
	q := `SELECT ` + selectColumns + ` FROM messages WHERE chat_room_id = ?`
	args := []interface{}{roomID}
	if opts.AIOnly {
		q += ` AND is_ai_response = 1`
	}
	if opts.Recent {
		q += ` ORDER BY created_at DESC, id DESC`
	} else {
		q += ` ORDER BY created_at ASC, id ASC`
	}
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	if opts.Recent {
		reverse(out)
	}
	return out, nil
}

func (s *MessageStore) FindReplyTo(ctx context.Context, messageID string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM messages WHERE parent_message_id = ? AND is_ai_response = 1 LIMIT 1`,
		messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find reply: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) RepliedIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_message_id FROM messages WHERE is_ai_response = 1 AND parent_message_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("replied ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("replied ids: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *MessageStore) DeleteRoomMessages(ctx context.Context, roomID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_room_id = ?`, roomID)
	if err != nil {
		return 0, fmt.Errorf("delete room messages: %w", err)
	}
	n, _ := res.RowsAffected()
	s.feed.Broadcast(bus.Event{Name: bus.EventRoomCleared, Room: roomID})
	return n, nil
}

func (s *MessageStore) SubscribeInserts(roomID string, fn func(store.Message)) func() {
	return store.SubscribeFeed(s.feed, roomID, fn)
}

func (s *MessageStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *MessageStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var (
		msg       store.Message
		authorID  sql.NullString
		parentID  sql.NullString
		createdAt int64
	)
	err := row.Scan(&msg.ID, &msg.Content, &authorID, &msg.AuthorName, &msg.ChatRoomID,
		&msg.IsAIResponse, &msg.MentionsAssistant, &parentID, &createdAt)
	if err != nil {
		return nil, err
	}
	msg.AuthorID = authorID.String
	msg.ParentMessageID = parentID.String
	msg.CreatedAt = time.UnixMicro(createdAt).UTC()
	return &msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func reverse(msgs []store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
