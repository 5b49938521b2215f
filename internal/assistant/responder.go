// Package assistant produces and persists the assistant's reply to one
// admitted triggering message.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-runewidth"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/providers"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/internal/tracing"
)

// Responder is the reply job run under the coordinator's admission.
// The insert of the reply is its only write; every failure before it leaves
// the store untouched.
type Responder struct {
	store    store.MessageStore
	provider providers.Provider
	cfg      Config
	search   *SearchHeuristic
}

func NewResponder(ms store.MessageStore, p providers.Provider, cfg Config) *Responder {
	cfg = cfg.withDefaults()
	return &Responder{
		store:    ms,
		provider: p,
		cfg:      cfg,
		search:   NewSearchHeuristic(cfg.SearchKeywords),
	}
}

// Name returns the assistant's display name.
func (r *Responder) Name() string { return r.cfg.Name }

// ShouldSearch reports whether text enables web search.
func (r *Responder) ShouldSearch(text string) bool { return r.search.ShouldSearch(text) }

// Run generates and stores the reply to messageID. It returns
// coordinator.ErrAlreadyAnswered when a reply exists before or appears during
// generation, store.ErrNotFound (wrapped) when the message is absent or
// belongs to another room, *StoreError and *ProviderError on failures.
func (r *Responder) Run(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	ctx, span := tracing.Tracer().Start(ctx, "assistant.run")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomID), attribute.String("message.id", messageID))

	if err := r.checkNoReply(ctx, messageID); err != nil {
		return nil, err
	}

	trigger, err := r.store.GetMessage(ctx, messageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("trigger %s: %w", messageID, store.ErrNotFound)
	case err != nil:
		return nil, &StoreError{Op: "load_trigger", Err: err}
	case trigger.ChatRoomID != roomID:
		return nil, fmt.Errorf("trigger %s in room %s: %w", messageID, roomID, store.ErrNotFound)
	}
	if err := coordinator.Eligible(*trigger); err != nil {
		return nil, err
	}

	history, err := r.store.QueryMessages(ctx, roomID, store.QueryOpts{Limit: r.cfg.ContextMessages, Recent: true})
	if err != nil {
		return nil, &StoreError{Op: "load_context", Err: err}
	}

	search := r.search.ShouldSearch(trigger.Content)
	span.SetAttributes(attribute.Bool("web_search", search), attribute.Int("context.messages", len(history)))

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Messages:    BuildPrompt(r.cfg, history, *trigger),
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		WebSearch:   search,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &ProviderError{Provider: r.provider.Name(), Err: err}
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		slog.Warn("assistant.empty_completion", "room", roomID, "message", messageID, "provider", r.provider.Name())
		text = r.cfg.FallbackReply
	}
	text = FormatCitations(text, resp.Citations)

	// A cancelled job must not persist what it generated.
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Provider: r.provider.Name(), Err: err}
	}
	if err := r.checkNoReply(ctx, messageID); err != nil {
		return nil, err
	}

	reply, err := r.store.InsertMessage(ctx, store.NewMessage{
		Content:         text,
		AuthorName:      r.cfg.Name,
		ChatRoomID:      roomID,
		IsAIResponse:    true,
		ParentMessageID: messageID,
	})
	switch {
	case errors.Is(err, store.ErrDuplicateReply):
		return nil, coordinator.ErrAlreadyAnswered
	case err != nil:
		return nil, &StoreError{Op: "insert_reply", Err: err}
	}

	slog.Info("assistant.reply_stored",
		"room", roomID,
		"message", messageID,
		"reply", reply.ID,
		"search", search,
		"citations", len(resp.Citations),
		"preview", Preview(text, 60),
	)
	return reply, nil
}

func (r *Responder) checkNoReply(ctx context.Context, messageID string) error {
	existing, err := r.store.FindReplyTo(ctx, messageID)
	if err != nil {
		return &StoreError{Op: "find_reply", Err: err}
	}
	if existing != nil {
		return coordinator.ErrAlreadyAnswered
	}
	return nil
}

// Preview truncates s to width display cells on one line, for logs.
func Preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}
