package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/roomclaw/internal/bus"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

const messageColumns = `id, content, COALESCE(author_id, ''), author_name, chat_room_id,
	is_ai_response, mentioned_ai, COALESCE(parent_message_id, ''), created_at`

// PGMessageStore implements store.MessageStore backed by Postgres.
// Inserts reach subscribers through the LISTEN/NOTIFY listener, so every
// instance sees every insert exactly as other instances do.
type PGMessageStore struct {
	db       *sql.DB
	feed     bus.EventPublisher
	listener *Listener
}

// NewPGMessageStore creates a message store. listener may be nil when the
// process never subscribes to inserts (e.g. migrate/CLI commands).
func NewPGMessageStore(db *sql.DB, feed bus.EventPublisher, listener *Listener) *PGMessageStore {
	if feed == nil {
		feed = bus.New()
	}
	return &PGMessageStore{db: db, feed: feed, listener: listener}
}

func (s *PGMessageStore) InsertMessage(ctx context.Context, in store.NewMessage) (*store.Message, error) {
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
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, content, author_id, author_name, chat_room_id, is_ai_response, mentioned_ai, parent_message_id)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''))
		 RETURNING created_at`,
		msg.ID, msg.Content, msg.AuthorID, msg.AuthorName, msg.ChatRoomID,
		msg.IsAIResponse, msg.MentionsAssistant, msg.ParentMessageID,
	).Scan(&msg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && msg.IsAIResponse {
			return nil, store.ErrDuplicateReply
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

func (s *PGMessageStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *PGMessageStore) QueryMessages(ctx context.Context, roomID string, opts store.QueryOpts) ([]store.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE chat_room_id = $1`
	args := []interface{}{roomID}
	if opts.AIOnly {
		q += ` AND is_ai_response`
	}
	if opts.Recent {
		q += ` ORDER BY created_at DESC, id DESC`
	} else {
		q += ` ORDER BY created_at ASC, id ASC`
	}
	if opts.Limit > 0 {
		q += ` LIMIT $2`
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
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *PGMessageStore) FindReplyTo(ctx context.Context, messageID string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent_message_id = $1 AND is_ai_response LIMIT 1`,
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

func (s *PGMessageStore) RepliedIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_message_id FROM messages WHERE is_ai_response AND parent_message_id = ANY($1)`,
		pq.Array(ids))
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

func (s *PGMessageStore) DeleteRoomMessages(ctx context.Context, roomID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_room_id = $1`, roomID)
	if err != nil {
		return 0, fmt.Errorf("delete room messages: %w", err)
	}
	n, _ := res.RowsAffected()
	s.feed.Broadcast(bus.Event{Name: bus.EventRoomCleared, Room: roomID})
	return n, nil
}

func (s *PGMessageStore) SubscribeInserts(roomID string, fn func(store.Message)) func() {
	return store.SubscribeFeed(s.feed, roomID, fn)
}

func (s *PGMessageStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PGMessageStore) Close() error {
	if s.listener != nil {
		s.listener.Stop()
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	if err := row.Scan(
		&msg.ID, &msg.Content, &msg.AuthorID, &msg.AuthorName, &msg.ChatRoomID,
		&msg.IsAIResponse, &msg.MentionsAssistant, &msg.ParentMessageID, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}
