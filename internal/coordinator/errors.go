package coordinator

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

var (
	// ErrNotEligible: the message is an assistant reply, carries a
	// provisional id, or does not mention the assistant.
	ErrNotEligible = errors.New("message is not eligible for a reply")

	// ErrAlreadyAnswered: a reply to the message already exists. Success-like.
	ErrAlreadyAnswered = errors.New("message already answered")

	// ErrAlreadyInProgress: another caller holds the claim for the message.
	ErrAlreadyInProgress = errors.New("reply already in progress")

	// ErrAlreadyHandled: a job for the message already ran to an outcome in
	// this process and its claim has not expired. Success-like.
	ErrAlreadyHandled = errors.New("message already handled")
)

// IsSettled reports whether err means the caller's intent (a reply exists or
// is being produced) is already satisfied.
func IsSettled(err error) bool {
	return errors.Is(err, ErrAlreadyAnswered) || errors.Is(err, ErrAlreadyInProgress) ||
		errors.Is(err, ErrAlreadyHandled)
}

// Outcome classifies a Handle error into a short label for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "replied"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrAlreadyAnswered):
		return "already_answered"
	case errors.Is(err, ErrAlreadyInProgress):
		return "in_progress"
	case errors.Is(err, ErrAlreadyHandled):
		return "already_handled"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}
