package metrics

import (
	"sync"
	"time"
)

// RollingWindow keeps batch write samples for a fixed trailing period.
type RollingWindow struct {
	mu      sync.Mutex
	period  time.Duration
	samples []sample
	now     func() time.Time
}

type sample struct {
	at      time.Time
	size    int
	latency time.Duration
}

// NewRollingWindow creates a window covering period.
func NewRollingWindow(period time.Duration) *RollingWindow {
	return &RollingWindow{period: period, now: time.Now}
}

// Add records one batch.
func (w *RollingWindow) Add(size int, latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	w.samples = append(w.samples, sample{at: now, size: size, latency: latency})
}

// Averages returns the mean batch size and latency over the window and the
// number of batches it holds.
func (w *RollingWindow) Averages() (avgSize float64, avgLatency time.Duration, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())

	n = len(w.samples)
	if n == 0 {
		return 0, 0, 0
	}
	var size int
	var latency time.Duration
	for _, s := range w.samples {
		size += s.size
		latency += s.latency
	}
	return float64(size) / float64(n), latency / time.Duration(n), n
}

func (w *RollingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Snapshot is a point-in-time view of the pipeline for the status endpoint.
type Snapshot struct {
	QueueLen     int    `json:"queue_len"`
	QueueCap     int    `json:"queue_cap"`
	QueueDropped uint64 `json:"queue_dropped"`

	BufferLen      int    `json:"buffer_len"`
	BufferCap      int    `json:"buffer_cap"`
	BufferMaxLen   int    `json:"buffer_max_len"`
	BufferOverflow uint64 `json:"buffer_overflow"`

	WindowBatches     int     `json:"window_batches"`
	AvgBatchSize      float64 `json:"avg_batch_size"`
	AvgWriteLatencyMs float64 `json:"avg_write_latency_ms"`

	WriteSuccesses uint64 `json:"write_successes"`
	WriteFailures  uint64 `json:"write_failures"`
	Duplicates     uint64 `json:"duplicates"`
	BackupFiles    uint64 `json:"backup_files"`
	BackupRecords  uint64 `json:"backup_records"`

	PollCycles           uint64 `json:"poll_cycles"`
	PollFailures         uint64 `json:"poll_failures"`
	SkippedTicks         uint64 `json:"skipped_ticks"`
	TriggersFired        uint64 `json:"triggers_fired"`
	TriggersDeduplicated uint64 `json:"triggers_deduplicated"`
}

// Snapshot collects the current values. Safe on a nil Registry.
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}

	var s Snapshot
	r.pipelineMu.RLock()
	if r.queue != nil {
		s.QueueLen = r.queue.Len()
		s.QueueCap = r.queue.Cap()
		s.QueueDropped = r.queue.Dropped()
	}
	if r.buffer != nil {
		s.BufferLen = r.buffer.Len()
		s.BufferCap = r.buffer.Cap()
		s.BufferMaxLen = r.buffer.MaxLen()
		s.BufferOverflow = r.buffer.Overflow()
	}
	r.pipelineMu.RUnlock()

	avgSize, avgLatency, n := r.window.Averages()
	s.WindowBatches = n
	s.AvgBatchSize = avgSize
	s.AvgWriteLatencyMs = float64(avgLatency) / float64(time.Millisecond)

	s.WriteSuccesses = r.writeSuccesses.Load()
	s.WriteFailures = r.writeFailures.Load()
	s.Duplicates = r.duplicates.Load()
	s.BackupFiles = r.backupFiles.Load()
	s.BackupRecords = r.backupRecords.Load()
	s.PollCycles = r.pollCycles.Load()
	s.PollFailures = r.pollFailures.Load()
	s.SkippedTicks = r.skippedTicks.Load()
	s.TriggersFired = r.triggersFired.Load()
	s.TriggersDeduplicated = r.triggersDedup.Load()
	return s
}
