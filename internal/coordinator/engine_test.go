package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

type countingJob struct {
	mu    sync.Mutex
	runs  map[string]int
	block chan struct{} // when set, Run waits on it or ctx
	err   error
}

func newCountingJob() *countingJob {
	return &countingJob{runs: make(map[string]int)}
}

func (j *countingJob) Run(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	j.mu.Lock()
	j.runs[messageID]++
	j.mu.Unlock()

	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if j.err != nil {
		return nil, j.err
	}
	return &store.Message{ID: "reply-" + messageID, ChatRoomID: roomID, IsAIResponse: true, ParentMessageID: messageID}, nil
}

func (j *countingJob) count(id string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs[id]
}

func trigger(id string) store.Message {
	return store.Message{ID: id, ChatRoomID: "r1", Content: "hey @ai what's new", MentionsAssistant: true}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name string
		msg  store.Message
		ok   bool
	}{
		{"mention", trigger("m1"), true},
		{"no mention", store.Message{ID: "m1", ChatRoomID: "r1"}, false},
		{"provisional id", store.Message{ID: "temp_123", ChatRoomID: "r1", MentionsAssistant: true}, false},
		{"assistant reply", store.Message{ID: "m1", ChatRoomID: "r1", IsAIResponse: true, MentionsAssistant: true, Content: "@ai"}, false},
		{"empty id", store.Message{ChatRoomID: "r1", MentionsAssistant: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Eligible(tt.msg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotEligible)
			}
		})
	}
}

func TestHandleProvisionalNeverAdmits(t *testing.T) {
	job := newCountingJob()
	claims := NewMemoryClaims(0, 0)
	e := NewEngine(job, Options{Claims: claims})

	for _, mentions := range []bool{true, false} {
		msg := store.Message{ID: store.NewProvisionalID(), ChatRoomID: "r1", MentionsAssistant: mentions}
		_, err := e.Handle(context.Background(), msg, nil)
		assert.ErrorIs(t, err, ErrNotEligible)
		assert.Equal(t, Unclaimed, claims.State("r1", msg.ID))
	}

	_, err := e.HandleID(context.Background(), "r1", "temp_abc")
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, 0, claims.Len())
}

func TestHandleAssistantReplyNeverAdmits(t *testing.T) {
	job := newCountingJob()
	claims := NewMemoryClaims(0, 0)
	e := NewEngine(job, Options{Claims: claims})

	msg := store.Message{ID: "m9", ChatRoomID: "r1", Content: "@ai", IsAIResponse: true, MentionsAssistant: true, ParentMessageID: "m1"}
	_, err := e.Handle(context.Background(), msg, nil)
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, 0, claims.Len())
	assert.Equal(t, 0, job.count("m9"))
}

func TestHandleKnownReplyShortCircuits(t *testing.T) {
	job := newCountingJob()
	e := NewEngine(job, Options{})

	known := []store.Message{
		trigger("m1"),
		{ID: "x", ChatRoomID: "r1", IsAIResponse: true, ParentMessageID: "m1"},
	}
	_, err := e.Handle(context.Background(), trigger("m1"), known)
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
	assert.True(t, IsSettled(err))
	assert.Equal(t, 0, job.count("m1"))
}

func TestHandleDuplicateDelivery(t *testing.T) {
	job := newCountingJob()
	job.block = make(chan struct{})
	e := NewEngine(job, Options{})

	var wg sync.WaitGroup
	var replied, inProgress atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Handle(context.Background(), trigger("m2"), nil)
			switch {
			case err == nil:
				replied.Add(1)
			case errors.Is(err, ErrAlreadyInProgress):
				inProgress.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return job.count("m2") == 1 && inProgress.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(job.block)
	wg.Wait()

	assert.EqualValues(t, 1, replied.Load())
	assert.Equal(t, 1, job.count("m2"))

	// A redelivery after completion is still rejected, as settled.
	_, err := e.Handle(context.Background(), trigger("m2"), nil)
	assert.ErrorIs(t, err, ErrAlreadyHandled)
	assert.True(t, IsSettled(err))
	assert.Equal(t, "already_handled", Outcome(err))
	assert.Equal(t, 1, job.count("m2"))
}

func TestHandleReleasesAfterFailure(t *testing.T) {
	job := newCountingJob()
	job.err = errors.New("insert failed")
	claims := NewMemoryClaims(0, 0)
	e := NewEngine(job, Options{Claims: claims})

	_, err := e.Handle(context.Background(), trigger("m4"), nil)
	require.Error(t, err)
	assert.Equal(t, "failed", Outcome(err))
	assert.Equal(t, Completed, claims.State("r1", "m4"))

	// A fresh claim table admits the message again.
	fresh := NewEngine(newCountingJob(), Options{})
	reply, err := fresh.Handle(context.Background(), trigger("m4"), nil)
	require.NoError(t, err)
	assert.Equal(t, "m4", reply.ParentMessageID)
}

func TestHandleIDOtherRoomLeavesJobRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	job := JobFunc(func(ctx context.Context, roomID, messageID string) (*store.Message, error) {
		if roomID != "r1" {
			return nil, fmt.Errorf("get %s: %w", messageID, store.ErrNotFound)
		}
		started <- struct{}{}
		select {
		case <-release:
			return &store.Message{ID: "reply-" + messageID, ChatRoomID: roomID, IsAIResponse: true, ParentMessageID: messageID}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	e := NewEngine(job, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := e.HandleID(context.Background(), "r1", "m1")
		errc <- err
	}()
	<-started

	_, err := e.HandleID(context.Background(), "r2", "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.HandleID(context.Background(), "r1", "m1")
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	close(release)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("room r1 job did not finish")
	}
	assert.False(t, e.Cancel("r2", "m1"))
}

func TestResetRoomCancelsInFlight(t *testing.T) {
	job := newCountingJob()
	job.block = make(chan struct{})
	claims := NewMemoryClaims(0, 0)
	e := NewEngine(job, Options{Claims: claims})

	errc := make(chan error, 1)
	go func() {
		_, err := e.Handle(context.Background(), trigger("m3"), nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return e.Tasks().Active() == 1 }, time.Second, 5*time.Millisecond)

	e.ResetRoom("r1")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, "cancelled", Outcome(err))
	case <-time.After(time.Second):
		t.Fatal("job was not cancelled")
	}
	assert.Equal(t, 0, e.Tasks().Active())
	assert.Equal(t, Unclaimed, claims.State("r1", "m3"))
}

func TestHandleBatchIndependent(t *testing.T) {
	job := newCountingJob()
	replies := replyIndexFunc(func(ids []string) map[string]bool {
		return map[string]bool{"b": true}
	})
	e := NewEngine(job, Options{Replies: replies, MaxConcurrent: 2})

	batch := []store.Message{trigger("a"), trigger("b"), trigger("c"), {ID: "d", ChatRoomID: "r1"}, trigger("a")}
	results := e.HandleBatch(context.Background(), batch, nil)
	require.Len(t, results, len(batch))

	assert.Equal(t, "a", results[0].MessageID)
	assert.ErrorIs(t, results[1].Err, ErrAlreadyAnswered)
	assert.NoError(t, results[2].Err)
	assert.ErrorIs(t, results[3].Err, ErrNotEligible)

	// The duplicate "a" entries: exactly one job.
	ok := 0
	for _, i := range []int{0, 4} {
		if results[i].Err == nil {
			ok++
		} else {
			assert.True(t, errors.Is(results[i].Err, ErrAlreadyInProgress) || errors.Is(results[i].Err, ErrAlreadyHandled),
				"got %v", results[i].Err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, job.count("a"))
	assert.Equal(t, 0, job.count("b"))
	assert.Equal(t, 1, job.count("c"))
}

type replyIndexFunc func(ids []string) map[string]bool

func (f replyIndexFunc) RepliedIDs(_ context.Context, ids []string) (map[string]bool, error) {
	return f(ids), nil
}

func TestRunSweeperInvalidSchedule(t *testing.T) {
	e := NewEngine(newCountingJob(), Options{})
	err := e.RunSweeper(context.Background(), "not a cron")
	assert.Error(t, err)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	e := NewEngine(newCountingJob(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunSweeper(ctx, "") }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
