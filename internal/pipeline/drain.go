package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

const drainPollTimeout = 100 * time.Millisecond

// LiveSink receives every record as it leaves the queue. It is a side tap
// for dashboards and must not block for long.
type LiveSink interface {
	PublishRecords(ctx context.Context, records []domain.TagRecord) error
}

// Drainer moves poll results from the queue into the buffer, one result at
// a time, expanding each into tag records.
type Drainer struct {
	queue  *Queue
	buffer *Buffer
	live   LiveSink
	logger zerolog.Logger

	results atomic.Uint64
	records atomic.Uint64
}

// NewDrainer creates a drain worker. live may be nil.
func NewDrainer(queue *Queue, buffer *Buffer, live LiveSink, logger zerolog.Logger) *Drainer {
	return &Drainer{
		queue:  queue,
		buffer: buffer,
		live:   live,
		logger: logger.With().Str("component", "drain-worker").Logger(),
	}
}

// Run drains until ctx is cancelled and then moves whatever is still queued.
func (d *Drainer) Run(ctx context.Context) {
	d.logger.Info().Msg("Drain worker started")

	for {
		r, ok := d.queue.Pop(ctx, drainPollTimeout)
		if ok {
			d.handle(ctx, r)
			continue
		}
		if ctx.Err() != nil {
			break
		}
	}

	n := d.DrainRemaining()
	d.logger.Info().Int("final_results", n).Msg("Drain worker stopped")
}

// DrainRemaining moves every queued result into the buffer without waiting
// and returns how many were moved.
func (d *Drainer) DrainRemaining() int {
	n := 0
	for {
		r, ok := d.queue.TryPop()
		if !ok {
			return n
		}
		d.handle(context.Background(), r)
		n++
	}
}

func (d *Drainer) handle(ctx context.Context, r *domain.PollResult) {
	records := r.Records()
	d.buffer.PutAll(records)
	d.results.Add(1)
	d.records.Add(uint64(len(records)))

	if d.live == nil || len(records) == 0 {
		return
	}
	if err := d.live.PublishRecords(ctx, records); err != nil {
		d.logger.Debug().Err(err).Str("group", r.GroupID()).Msg("Live publish failed")
	}
}

// Results returns how many poll results were drained.
func (d *Drainer) Results() uint64 { return d.results.Load() }

// Records returns how many tag records were put into the buffer.
func (d *Drainer) Records() uint64 { return d.records.Load() }
