package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/pipeline"
)

func pollResult(group string, values map[string]interface{}) *domain.PollResult {
	return domain.NewPollResult("PLC1", group, time.Now(), time.Millisecond, values, nil)
}

// TestQueue_FIFO verifies results come out in push order.
func TestQueue_FIFO(t *testing.T) {
	q := pipeline.NewQueue(4, 10*time.Millisecond)
	ctx := context.Background()

	for _, g := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, pollResult(g, nil)); err != nil {
			t.Fatalf("push %s: %v", g, err)
		}
	}
	if q.Len() != 3 || q.Cap() != 4 {
		t.Errorf("expected len 3 cap 4, got %d %d", q.Len(), q.Cap())
	}

	for _, want := range []string{"a", "b", "c"} {
		r, ok := q.Pop(ctx, 10*time.Millisecond)
		if !ok {
			t.Fatalf("expected result %s", want)
		}
		if r.GroupID() != want {
			t.Errorf("expected %s, got %s", want, r.GroupID())
		}
	}
	if _, ok := q.Pop(ctx, 10*time.Millisecond); ok {
		t.Error("expected empty queue")
	}
}

// TestQueue_FullRejects verifies a full queue refuses after the push timeout
// and keeps the queued results.
func TestQueue_FullRejects(t *testing.T) {
	q := pipeline.NewQueue(1, 30*time.Millisecond)
	ctx := context.Background()

	if err := q.Push(ctx, pollResult("first", nil)); err != nil {
		t.Fatalf("push: %v", err)
	}

	start := time.Now()
	err := q.Push(ctx, pollResult("second", nil))
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected push to wait for the timeout, took %s", elapsed)
	}
	if q.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", q.Dropped())
	}

	r, _ := q.TryPop()
	if r == nil || r.GroupID() != "first" {
		t.Errorf("expected the oldest result to survive, got %v", r)
	}
}

// TestQueue_PushWaitsForSpace verifies a push succeeds when a pop frees
// space within the timeout.
func TestQueue_PushWaitsForSpace(t *testing.T) {
	q := pipeline.NewQueue(1, time.Second)
	ctx := context.Background()
	_ = q.Push(ctx, pollResult("first", nil))

	time.AfterFunc(20*time.Millisecond, func() { q.TryPop() })

	if err := q.Push(ctx, pollResult("second", nil)); err != nil {
		t.Fatalf("expected push to succeed once space frees up, got %v", err)
	}
}

// TestQueue_Closed verifies pushes fail after Close but queued results remain.
func TestQueue_Closed(t *testing.T) {
	q := pipeline.NewQueue(2, 0)
	_ = q.Push(context.Background(), pollResult("kept", nil))
	q.Close()

	if err := q.Push(context.Background(), pollResult("late", nil)); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if r, ok := q.TryPop(); !ok || r.GroupID() != "kept" {
		t.Error("expected queued result to remain poppable")
	}
}
