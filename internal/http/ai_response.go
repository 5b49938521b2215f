package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
	"github.com/nextlevelbuilder/roomclaw/internal/metrics"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

// ReplyTrigger runs the admitted reply job for one message. Implemented by
// *coordinator.Engine.
type ReplyTrigger interface {
	HandleID(ctx context.Context, roomID, messageID string) (*store.Message, error)
}

// AIResponseHandler serves the reply trigger endpoint called by chat clients
// after they persist a message that mentions the assistant.
type AIResponseHandler struct {
	trigger ReplyTrigger
	auth    *Authenticator
	limiter Limiter // nil = unlimited
}

func NewAIResponseHandler(trigger ReplyTrigger, auth *Authenticator, limiter Limiter) *AIResponseHandler {
	return &AIResponseHandler{trigger: trigger, auth: auth, limiter: limiter}
}

// RegisterRoutes registers the trigger route on the given mux.
func (h *AIResponseHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.PathAIResponse, h.auth.Middleware(h.handleTrigger))
}

func (h *AIResponseHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	if h.limiter != nil && !h.limiter.Allow(limitKey(r, id)) {
		metrics.RateLimitHits.WithLabelValues("ai_response").Inc()
		writeJSON(w, http.StatusTooManyRequests, protocol.AIResponseResult{
			Status: protocol.StatusRateLimited,
			Error:  "too many requests",
		})
		return
	}

	var req protocol.AIResponseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	req.ChatRoomID = strings.TrimSpace(req.ChatRoomID)
	if req.MessageID == "" || req.ChatRoomID == "" {
		writeError(w, http.StatusBadRequest, "messageId and chatRoomId are required")
		return
	}
	if store.IsProvisionalID(req.MessageID) {
		writeJSON(w, http.StatusBadRequest, protocol.AIResponseResult{
			Status: protocol.StatusNotEligible,
			Error:  "message has not been persisted yet",
		})
		return
	}

	// The reply must be produced even if the caller disconnects; engine
	// shutdown still cancels it through the task registry.
	reply, err := h.trigger.HandleID(context.WithoutCancel(r.Context()), req.ChatRoomID, req.MessageID)
	status, body := triggerResult(reply, err)
	if status >= http.StatusInternalServerError {
		slog.Error("ai_response.failed", "room", req.ChatRoomID, "message", req.MessageID, "user", id.UserID, "error", err)
	}
	writeJSON(w, status, body)
}

// triggerResult maps a coordinator outcome to the HTTP status and body.
func triggerResult(reply *store.Message, err error) (int, protocol.AIResponseResult) {
	switch {
	case err == nil:
		res := protocol.AIResponseResult{Accepted: true, Status: protocol.StatusAccepted}
		if reply != nil {
			res.ReplyID = reply.ID
		}
		return http.StatusOK, res
	case errors.Is(err, coordinator.ErrAlreadyAnswered):
		return http.StatusOK, protocol.AIResponseResult{Status: protocol.StatusAlreadyAnswered}
	case errors.Is(err, coordinator.ErrAlreadyHandled):
		return http.StatusOK, protocol.AIResponseResult{Status: protocol.StatusAlreadyHandled}
	case errors.Is(err, coordinator.ErrAlreadyInProgress):
		return http.StatusTooManyRequests, protocol.AIResponseResult{Status: protocol.StatusInProgress}
	case errors.Is(err, coordinator.ErrNotEligible):
		return http.StatusBadRequest, protocol.AIResponseResult{Status: protocol.StatusNotEligible, Error: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, protocol.AIResponseResult{Error: "message not found"}
	default:
		return http.StatusInternalServerError, protocol.AIResponseResult{Error: "failed to generate reply"}
	}
}
