package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

// Sink performs one bulk insert. Rows that already exist are skipped and
// reported as duplicates, not as an error.
type Sink interface {
	WriteBatch(ctx context.Context, records []domain.TagRecord) (domain.WriteResult, error)
}

// Backup stores a batch the sink could not take and returns where it went.
type Backup interface {
	Write(records []domain.TagRecord, attemptedAt time.Time) (string, error)
}

// WriterConfig holds the storage writer settings.
type WriterConfig struct {
	// WriteInterval is the longest time records wait between writes
	WriteInterval time.Duration

	// BatchThreshold triggers a write as soon as the buffer holds this many records
	BatchThreshold int

	// MaxBatchSize caps the records in one insert
	MaxBatchSize int

	// Retry controls attempts after a failed insert
	Retry RetryPolicy
}

// DefaultWriterConfig returns the default writer settings.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		WriteInterval:  500 * time.Millisecond,
		BatchThreshold: DefaultBatchThreshold,
		MaxBatchSize:   500,
		Retry:          DefaultRetryPolicy(),
	}
}

func (c WriterConfig) withDefaults() WriterConfig {
	d := DefaultWriterConfig()
	if c.WriteInterval <= 0 {
		c.WriteInterval = d.WriteInterval
	}
	if c.BatchThreshold <= 0 {
		c.BatchThreshold = d.BatchThreshold
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.Retry.InitialWait <= 0 {
		c.Retry.InitialWait = d.Retry.InitialWait
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	return c
}

// WriterStats is a snapshot of the writer counters.
type WriterStats struct {
	Batches        uint64
	Records        uint64
	Duplicates     uint64
	Retries        uint64
	FailedBatches  uint64
	BackupFiles    uint64
	BackupRecords  uint64
	LostRecords    uint64
	LastBackupPath string
	LastFailure    *domain.WriteError
}

// Writer turns buffered records into sink inserts. Batches are formed and
// written strictly in buffer order by a single goroutine. A batch the sink
// keeps refusing is written to the backup and the writer moves on.
type Writer struct {
	config  WriterConfig
	buffer  *Buffer
	sink    Sink
	backup  Backup
	logger  zerolog.Logger
	metrics *metrics.Registry

	batches       atomic.Uint64
	records       atomic.Uint64
	duplicates    atomic.Uint64
	retries       atomic.Uint64
	failed        atomic.Uint64
	backupFiles   atomic.Uint64
	backupRecords atomic.Uint64
	lost          atomic.Uint64
	lastBackup    atomic.Value // string
	lastFailure   atomic.Pointer[domain.WriteError]
}

// NewWriter creates a storage writer. metricsReg may be nil.
func NewWriter(config WriterConfig, buffer *Buffer, sink Sink, backup Backup, logger zerolog.Logger, metricsReg *metrics.Registry) *Writer {
	return &Writer{
		config:  config.withDefaults(),
		buffer:  buffer,
		sink:    sink,
		backup:  backup,
		logger:  logger.With().Str("component", "storage-writer").Logger(),
		metrics: metricsReg,
	}
}

// Run writes batches until ctx is cancelled. A write is due when the write
// interval has passed since the last one or the buffer reached the batch
// threshold. Records left in the buffer are handled by Flush.
func (w *Writer) Run(ctx context.Context) {
	w.logger.Info().
		Dur("interval", w.config.WriteInterval).
		Int("threshold", w.config.BatchThreshold).
		Int("max_batch", w.config.MaxBatchSize).
		Msg("Storage writer started")

	ticker := time.NewTicker(w.config.WriteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Int("buffered", w.buffer.Len()).Msg("Storage writer stopped")
			return
		case <-ticker.C:
			w.cycle(ctx)
		case <-w.buffer.Ready():
			w.cycle(ctx)
			ticker.Reset(w.config.WriteInterval)
		}
	}
}

// cycle writes one batch, and keeps going while the buffer stays at or
// above the threshold.
func (w *Writer) cycle(ctx context.Context) {
	for ctx.Err() == nil {
		batch := w.takeBatch()
		if batch == nil {
			return
		}
		w.writeBatch(ctx, batch)
		if w.buffer.Len() < w.config.BatchThreshold {
			return
		}
	}
}

// Flush writes everything still buffered. Once ctx is done the remaining
// batches go straight to the backup.
func (w *Writer) Flush(ctx context.Context) {
	flushed := 0
	for {
		batch := w.takeBatch()
		if batch == nil {
			break
		}
		flushed += len(batch.Records)
		if ctx.Err() != nil {
			w.toBackup(batch, ctx.Err())
			continue
		}
		w.writeBatch(ctx, batch)
	}
	w.logger.Info().Int("records", flushed).Msg("Storage writer flushed")
}

func (w *Writer) takeBatch() *domain.WriteBatch {
	records := w.buffer.TakeBatch(w.config.MaxBatchSize)
	if len(records) == 0 {
		return nil
	}
	return &domain.WriteBatch{Records: records, FormedAt: time.Now()}
}

// writeBatch inserts one batch with retries and falls back to the backup.
func (w *Writer) writeBatch(ctx context.Context, batch *domain.WriteBatch) {
	var result domain.WriteResult
	start := time.Now()
	records := batch.Records

	var err error
	batch.Attempts, err = w.config.Retry.Do(ctx, func() error {
		var err error
		result, err = w.sink.WriteBatch(ctx, records)
		return err
	}, func(attempt int, wait time.Duration, err error) {
		w.retries.Add(1)
		if w.metrics != nil {
			w.metrics.RecordWriteRetry()
		}
		w.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Int("records", len(records)).
			Msg("Batch write failed, retrying")
	})
	if err != nil {
		w.toBackup(batch, err)
		return
	}

	latency := time.Since(start)
	w.batches.Add(1)
	w.records.Add(uint64(result.Inserted))
	w.duplicates.Add(uint64(result.Duplicates))
	if w.metrics != nil {
		w.metrics.RecordWrite(len(records), result.Duplicates, latency)
	}
	if result.Duplicates > 0 {
		w.logger.Warn().
			Int("duplicates", result.Duplicates).
			Int("inserted", result.Inserted).
			Msg("Batch contained rows already stored")
	}
	w.logger.Debug().
		Int("records", len(records)).
		Int("attempts", batch.Attempts).
		Dur("latency", latency).
		Dur("buffered_for", start.Sub(batch.FormedAt)).
		Msg("Batch written")
}

func (w *Writer) toBackup(batch *domain.WriteBatch, cause error) {
	records := batch.Records
	w.failed.Add(1)
	if w.metrics != nil {
		w.metrics.RecordWriteFailure()
	}
	werr := &domain.WriteError{Attempts: batch.Attempts, Records: len(records), Err: cause}
	w.lastFailure.Store(werr)

	path, err := w.backup.Write(records, time.Now())
	if err != nil {
		w.lost.Add(uint64(len(records)))
		w.logger.Error().
			Err(err).
			AnErr("write_error", werr).
			Int("records", len(records)).
			Msg("Backup write failed, records lost")
		return
	}

	w.backupFiles.Add(1)
	w.backupRecords.Add(uint64(len(records)))
	w.lastBackup.Store(path)
	if w.metrics != nil {
		w.metrics.RecordBackup(len(records))
	}
	w.logger.Warn().
		Err(werr).
		Str("file", path).
		Int("records", len(records)).
		Time("formed_at", batch.FormedAt).
		Msg("Batch written to backup")
}

// Stats returns the writer counters.
func (w *Writer) Stats() WriterStats {
	s := WriterStats{
		Batches:       w.batches.Load(),
		Records:       w.records.Load(),
		Duplicates:    w.duplicates.Load(),
		Retries:       w.retries.Load(),
		FailedBatches: w.failed.Load(),
		BackupFiles:   w.backupFiles.Load(),
		BackupRecords: w.backupRecords.Load(),
		LostRecords:   w.lost.Load(),
		LastFailure:   w.lastFailure.Load(),
	}
	if p, ok := w.lastBackup.Load().(string); ok {
		s.LastBackupPath = p
	}
	return s
}
