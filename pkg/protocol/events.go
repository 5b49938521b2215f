package protocol

// WebSocket event names pushed from server to client.
const (
	EventMessageInserted = "message.inserted"
	EventRoomCleared     = "room.cleared"
	EventReplyFailed     = "reply.failed"
	EventHealth          = "health"
	EventShutdown        = "shutdown"
)

// Reply outcome statuses returned by POST /ai-response.
const (
	StatusAccepted        = "accepted"
	StatusAlreadyAnswered = "already_answered"
	StatusAlreadyHandled  = "already_handled"
	StatusInProgress      = "in_progress"
	StatusRateLimited     = "rate_limited"
	StatusNotEligible     = "not_eligible"
)
