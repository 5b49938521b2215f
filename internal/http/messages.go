package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxContentBytes     = 16 << 10
)

// RoomResetter forgets per-room coordination state after a room is cleared.
type RoomResetter interface {
	ResetRoom(roomID string)
}

// MessagesHandler exposes room history for chat clients and the watcher:
// post a message, list recent messages, clear a room.
type MessagesHandler struct {
	store    store.MessageStore
	mentions func(string) bool
	resetter RoomResetter // nil = no coordinator state to reset
	auth     *Authenticator
	limiter  Limiter
}

func NewMessagesHandler(ms store.MessageStore, mentions func(string) bool, resetter RoomResetter, auth *Authenticator, limiter Limiter) *MessagesHandler {
	return &MessagesHandler{store: ms, mentions: mentions, resetter: resetter, auth: auth, limiter: limiter}
}

// RegisterRoutes registers the room message routes on the given mux.
func (h *MessagesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+protocol.PathRoomMessages, h.auth.Middleware(h.handleList))
	mux.HandleFunc("POST "+protocol.PathRoomMessages, h.auth.Middleware(h.handlePost))
	mux.HandleFunc("DELETE "+protocol.PathRoomMessages, h.auth.Middleware(h.handleClear))
}

func (h *MessagesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.store.QueryMessages(r.Context(), roomID, store.QueryOpts{Limit: limit, Recent: true})
	if err != nil {
		slog.Error("messages.list_failed", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *MessagesHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusBadRequest, protocol.HeaderUserID+" header is required")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(limitKey(r, id)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req protocol.SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxContentBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	author := strings.TrimSpace(req.AuthorName)
	if author == "" {
		author = id.DisplayName()
	}

	msg, err := h.store.InsertMessage(r.Context(), store.NewMessage{
		Content:           content,
		AuthorID:          id.UserID,
		AuthorName:        author,
		ChatRoomID:        r.PathValue("roomID"),
		MentionsAssistant: h.mentions != nil && h.mentions(content),
	})
	if err != nil {
		slog.Error("messages.insert_failed", "room", r.PathValue("roomID"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessagesHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if h.resetter != nil {
		h.resetter.ResetRoom(roomID)
	}
	n, err := h.store.DeleteRoomMessages(context.WithoutCancel(r.Context()), roomID)
	if err != nil {
		slog.Error("messages.clear_failed", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear room")
		return
	}
	slog.Info("messages.room_cleared", "room", roomID, "deleted", n)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}
