// Package pipeline moves poll results from the polling units to storage:
// a bounded acquisition queue, a lossy overflow buffer, the drain worker
// between them and the storage writer behind the buffer.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// Queue defaults.
const (
	DefaultQueueCapacity = 10000
	DefaultPushTimeout   = 200 * time.Millisecond
)

// Queue is the bounded FIFO between polling units and the drain worker.
// A full queue applies backpressure: Push waits briefly and then refuses the
// result instead of overwriting older ones.
type Queue struct {
	items       chan *domain.PollResult
	pushTimeout time.Duration
	dropped     atomic.Uint64
	closed      atomic.Bool
}

// NewQueue creates a queue. Non-positive arguments select the defaults.
func NewQueue(capacity int, pushTimeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}
	return &Queue{
		items:       make(chan *domain.PollResult, capacity),
		pushTimeout: pushTimeout,
	}
}

// Push enqueues a result, waiting up to the push timeout for space.
// It fails with ErrQueueFull when the queue stays full and ErrQueueClosed
// after Close.
func (q *Queue) Push(ctx context.Context, result *domain.PollResult) error {
	if q.closed.Load() {
		return domain.ErrQueueClosed
	}

	select {
	case q.items <- result:
		return nil
	default:
	}

	timer := time.NewTimer(q.pushTimeout)
	defer timer.Stop()

	select {
	case q.items <- result:
		return nil
	case <-timer.C:
		q.dropped.Add(1)
		return domain.ErrQueueFull
	case <-ctx.Done():
		q.dropped.Add(1)
		return ctx.Err()
	}
}

// Pop waits up to timeout for the next result.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*domain.PollResult, bool) {
	select {
	case r := <-q.items:
		return r, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-q.items:
		return r, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// TryPop returns the next result without waiting.
func (q *Queue) TryPop() (*domain.PollResult, bool) {
	select {
	case r := <-q.items:
		return r, true
	default:
		return nil, false
	}
}

// Close makes further pushes fail. Results already queued stay poppable.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Len returns the number of queued results.
func (q *Queue) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.items) }

// Dropped returns how many pushes were refused.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
