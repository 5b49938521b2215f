// Package coordinator decides which triggering messages may run a reply job
// and guarantees at most one in-flight job per message in this process.
//
// Admission for one candidate runs in order:
//  1. reject assistant replies, provisional ids and non-mentions
//  2. reject when the known messages already contain a reply
//  3. TryAdmit on the claim table (atomic, never blocks)
//  4. optionally take a cross-instance lease, run the job, release
//
// The job's own store check and the store's unique reply index are the
// authoritative backstop; everything here only suppresses duplicates cheaply.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/roomclaw/internal/metrics"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
	"github.com/nextlevelbuilder/roomclaw/internal/tracing"
)

// Job produces and persists the reply to one admitted message.
type Job interface {
	Run(ctx context.Context, roomID, messageID string) (*store.Message, error)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, roomID, messageID string) (*store.Message, error)

func (f JobFunc) Run(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	return f(ctx, roomID, messageID)
}

// ReplyIndex answers batch existence checks against the store.
type ReplyIndex interface {
	RepliedIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

// Options configures an Engine. Zero values give an in-memory claim table
// without expiry, no lease, drop-on-failure and 4 concurrent batch jobs.
type Options struct {
	Claims        Claims
	Lease         Lease      // nil = single-instance admission only
	Replies       ReplyIndex // nil = HandleBatch skips the batch pre-check
	Retry         RetryPolicy
	MaxConcurrent int
	// Name labels log lines ("server", "watcher").
	Name string
}

// Engine is the dedup/coordination service. Safe for concurrent use.
type Engine struct {
	job           Job
	claims        Claims
	lease         Lease
	replies       ReplyIndex
	tasks         *TaskRegistry
	retry         RetryPolicy
	maxConcurrent int
	name          string
}

func NewEngine(job Job, opts Options) *Engine {
	if opts.Claims == nil {
		opts.Claims = NewMemoryClaims(0, 0)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Name == "" {
		opts.Name = "engine"
	}
	return &Engine{
		job:           job,
		claims:        opts.Claims,
		lease:         opts.Lease,
		replies:       opts.Replies,
		tasks:         NewTaskRegistry(),
		retry:         opts.Retry,
		maxConcurrent: opts.MaxConcurrent,
		name:          opts.Name,
	}
}

// Claims exposes the claim table.
func (e *Engine) Claims() Claims { return e.claims }

// Tasks exposes the in-flight task registry.
func (e *Engine) Tasks() *TaskRegistry { return e.tasks }

// Eligible reports whether msg may ever trigger a reply.
func Eligible(msg store.Message) error {
	switch {
	case msg.IsAIResponse:
		return fmt.Errorf("%w: assistant reply", ErrNotEligible)
	case msg.ID == "" || store.IsProvisionalID(msg.ID):
		return fmt.Errorf("%w: provisional id %q", ErrNotEligible, msg.ID)
	case !msg.MentionsAssistant:
		return fmt.Errorf("%w: no mention", ErrNotEligible)
	}
	return nil
}

// HasExistingReply scans messages for an assistant reply to messageID.
func HasExistingReply(messages []store.Message, messageID string) bool {
	for i := range messages {
		if messages[i].IsAIResponse && messages[i].ParentMessageID == messageID {
			return true
		}
	}
	return false
}

// Handle runs the admission procedure for msg against the locally known
// messages and, when admitted, the job. It returns the persisted reply on
// success. ErrNotEligible and the settled errors (see IsSettled) mean no
// job ran. The claim is released only after the job's outcome is known.
func (e *Engine) Handle(ctx context.Context, msg store.Message, known []store.Message) (*store.Message, error) {
	if err := Eligible(msg); err != nil {
		metrics.Admissions.WithLabelValues("not_eligible").Inc()
		return nil, err
	}
	if HasExistingReply(known, msg.ID) {
		metrics.Admissions.WithLabelValues("already_answered").Inc()
		return nil, ErrAlreadyAnswered
	}
	return e.admitAndRun(ctx, msg.ChatRoomID, msg.ID)
}

// HandleID is Handle for callers that only hold ids (the HTTP trigger).
// The job itself loads and verifies the message.
func (e *Engine) HandleID(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	if messageID == "" || store.IsProvisionalID(messageID) {
		metrics.Admissions.WithLabelValues("not_eligible").Inc()
		return nil, fmt.Errorf("%w: provisional id %q", ErrNotEligible, messageID)
	}
	return e.admitAndRun(ctx, roomID, messageID)
}

func (e *Engine) admitAndRun(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	gen, held := e.claims.Admit(roomID, messageID)
	if gen == 0 {
		if held == Completed {
			metrics.Admissions.WithLabelValues("already_handled").Inc()
			return nil, ErrAlreadyHandled
		}
		metrics.Admissions.WithLabelValues("in_progress").Inc()
		return nil, ErrAlreadyInProgress
	}
	defer e.claims.Complete(roomID, messageID, gen)

	token, err := e.acquireLease(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	metrics.Admissions.WithLabelValues("admitted").Inc()

	ctx, span := tracing.Tracer().Start(ctx, "coordinator.handle")
	span.SetAttributes(
		attribute.String("room.id", roomID),
		attribute.String("message.id", messageID),
		attribute.String("engine", e.name),
	)
	defer span.End()

	taskCtx, done := e.tasks.Start(ctx, roomID, messageID)
	defer done()

	start := time.Now()
	reply, err := e.retry.Do(taskCtx, func(ctx context.Context) (*store.Message, error) {
		return e.job.Run(ctx, roomID, messageID)
	})
	outcome := Outcome(err)
	metrics.Jobs.WithLabelValues(outcome).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	e.releaseLease(roomID, messageID, token, err == nil || errors.Is(err, ErrAlreadyAnswered))

	switch outcome {
	case "replied":
		replyID := ""
		if reply != nil {
			replyID = reply.ID
		}
		slog.Info("coordinator.replied", "engine", e.name, "room", roomID, "message", messageID, "reply", replyID,
			"duration_ms", time.Since(start).Milliseconds())
	case "already_answered", "cancelled":
		slog.Debug("coordinator.job_skipped", "engine", e.name, "room", roomID, "message", messageID, "outcome", outcome)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("coordinator.job_failed", "engine", e.name, "room", roomID, "message", messageID, "error", err)
	}
	return reply, err
}

func (e *Engine) acquireLease(ctx context.Context, roomID, messageID string) (string, error) {
	if e.lease == nil {
		return "", nil
	}
	token, state, err := e.lease.Acquire(ctx, roomID, messageID)
	if err != nil {
		slog.Warn("coordinator.lease_unavailable", "engine", e.name, "room", roomID, "message", messageID, "error", err)
		return "", nil
	}
	switch state {
	case LeaseDone:
		metrics.Admissions.WithLabelValues("already_answered").Inc()
		return "", ErrAlreadyAnswered
	case LeaseHeld:
		metrics.Admissions.WithLabelValues("lease_held").Inc()
		return "", ErrAlreadyInProgress
	}
	return token, nil
}

func (e *Engine) releaseLease(roomID, messageID, token string, completed bool) {
	if e.lease == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.lease.Release(ctx, roomID, messageID, token, completed); err != nil {
		slog.Warn("coordinator.lease_release_failed", "engine", e.name, "room", roomID, "message", messageID, "error", err)
	}
}

// Result is one candidate's outcome from HandleBatch.
type Result struct {
	MessageID string
	Reply     *store.Message
	Err       error
}

// HandleBatch evaluates every candidate independently with bounded
// concurrency. Results are in input order; one candidate's failure never
// affects another.
func (e *Engine) HandleBatch(ctx context.Context, candidates, known []store.Message) []Result {
	results := make([]Result, len(candidates))
	answered := e.batchReplied(ctx, candidates)

	var g errgroup.Group
	g.SetLimit(e.maxConcurrent)
	for i, msg := range candidates {
		results[i].MessageID = msg.ID
		if answered[msg.ID] {
			metrics.Admissions.WithLabelValues("already_answered").Inc()
			results[i].Err = ErrAlreadyAnswered
			continue
		}
		g.Go(func() error {
			results[i].Reply, results[i].Err = e.Handle(ctx, msg, known)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) batchReplied(ctx context.Context, candidates []store.Message) map[string]bool {
	if e.replies == nil || len(candidates) < 2 {
		return nil
	}
	ids := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if Eligible(m) == nil {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	answered, err := e.replies.RepliedIDs(ctx, ids)
	if err != nil {
		slog.Warn("coordinator.batch_check_failed", "engine", e.name, "count", len(ids), "error", err)
		return nil
	}
	return answered
}

// Cancel aborts the in-flight job for messageID in roomID, if any.
func (e *Engine) Cancel(roomID, messageID string) bool {
	return e.tasks.Cancel(roomID, messageID)
}

// ResetRoom cancels in-flight jobs of roomID and forgets its claims. Used
// when a client switches away from a room.
func (e *Engine) ResetRoom(roomID string) {
	n := e.tasks.CancelRoom(roomID)
	e.claims.ResetRoom(roomID)
	slog.Debug("coordinator.room_reset", "engine", e.name, "room", roomID, "cancelled", n)
}

// Shutdown cancels every in-flight job.
func (e *Engine) Shutdown() {
	e.tasks.CancelAll()
}
