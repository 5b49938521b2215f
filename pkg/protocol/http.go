package protocol

// HTTP paths and headers shared by the gateway and its clients.
const (
	PathAIResponse   = "/ai-response"
	PathRoomMessages = "/v1/rooms/{roomID}/messages"
	PathWS           = "/ws"
	PathHealth       = "/health"
	PathMetrics      = "/metrics"

	HeaderUserID   = "X-Roomclaw-User-Id"
	HeaderUserName = "X-Roomclaw-User-Name"
)

// AIResponseRequest is the body of POST /ai-response.
type AIResponseRequest struct {
	MessageID  string `json:"messageId"`
	ChatRoomID string `json:"chatRoomId"`
}

// AIResponseResult is the success-like body of POST /ai-response.
type AIResponseResult struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
	ReplyID  string `json:"replyId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SendMessageRequest is the body of POST /v1/rooms/{roomID}/messages.
type SendMessageRequest struct {
	Content    string `json:"content"`
	AuthorName string `json:"author_name,omitempty"` // overrides the identity's display name
}
