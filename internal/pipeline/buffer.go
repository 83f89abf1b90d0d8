package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// Buffer defaults.
const (
	DefaultBufferCapacity = 100000
	DefaultBatchThreshold = 500
)

// Buffer is a fixed-capacity FIFO ring of tag records. Put never blocks:
// when the ring is full the oldest record is evicted and counted.
type Buffer struct {
	mu        sync.Mutex
	records   []domain.TagRecord
	head      int // oldest record
	size      int
	maxLen    int
	threshold int

	overflow atomic.Uint64
	ready    chan struct{}
}

// NewBuffer creates a buffer. Ready is signalled once Len reaches threshold.
func NewBuffer(capacity, threshold int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	if threshold <= 0 || threshold > capacity {
		threshold = min(DefaultBatchThreshold, capacity)
	}
	return &Buffer{
		records:   make([]domain.TagRecord, capacity),
		threshold: threshold,
		ready:     make(chan struct{}, 1),
	}
}

// Put appends one record.
func (b *Buffer) Put(rec domain.TagRecord) {
	b.PutAll([]domain.TagRecord{rec})
}

// PutAll appends records in order under one lock.
func (b *Buffer) PutAll(recs []domain.TagRecord) {
	if len(recs) == 0 {
		return
	}

	b.mu.Lock()
	capacity := len(b.records)
	var evicted uint64
	for _, rec := range recs {
		if b.size == capacity {
			b.records[b.head] = rec
			b.head = (b.head + 1) % capacity
			evicted++
			continue
		}
		b.records[(b.head+b.size)%capacity] = rec
		b.size++
	}
	if b.size > b.maxLen {
		b.maxLen = b.size
	}
	full := b.size >= b.threshold
	b.mu.Unlock()

	if evicted > 0 {
		b.overflow.Add(evicted)
	}
	if full {
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
}

// TakeBatch removes and returns up to limit of the oldest records.
func (b *Buffer) TakeBatch(limit int) []domain.TagRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(limit, b.size)
	if n <= 0 {
		return nil
	}

	capacity := len(b.records)
	out := make([]domain.TagRecord, n)
	for i := 0; i < n; i++ {
		idx := (b.head + i) % capacity
		out[i] = b.records[idx]
		b.records[idx] = domain.TagRecord{}
	}
	b.head = (b.head + n) % capacity
	b.size -= n
	return out
}

// Ready is signalled when the buffer reaches its batch threshold.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Threshold returns the batch threshold.
func (b *Buffer) Threshold() int { return b.threshold }

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.records) }

// MaxLen returns the highest occupancy seen.
func (b *Buffer) MaxLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLen
}

// Overflow returns how many records were evicted.
func (b *Buffer) Overflow() uint64 { return b.overflow.Load() }
