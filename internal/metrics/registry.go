// Package metrics provides Prometheus metrics for the acquisition engine.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collector"

// QueueStats is the read side of the acquisition queue.
type QueueStats interface {
	Len() int
	Cap() int
	Dropped() uint64
}

// BufferStats is the read side of the overflow buffer.
type BufferStats interface {
	Len() int
	Cap() int
	MaxLen() int
	Overflow() uint64
}

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	factory promauto.Factory

	// Connection metrics
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionLatency  prometheus.Histogram
	PoolConnections    *prometheus.GaugeVec
	CircuitBreakerOpen *prometheus.GaugeVec
	AcquireErrors      *prometheus.CounterVec

	// Polling metrics
	PollsTotal           *prometheus.CounterVec
	PollDuration         *prometheus.HistogramVec
	PollErrors           *prometheus.CounterVec
	PointsRead           prometheus.Counter
	TicksSkipped         *prometheus.CounterVec
	TriggersFired        *prometheus.CounterVec
	TriggersDeduplicated *prometheus.CounterVec
	QueueRejects         *prometheus.CounterVec

	// Storage metrics
	WriteBatches     *prometheus.CounterVec
	WriteLatency     prometheus.Histogram
	WriteBatchSize   prometheus.Histogram
	WriteRetries     prometheus.Counter
	DuplicateRecords prometheus.Counter
	BackupFiles      prometheus.Counter
	BackupRecords    prometheus.Counter

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter

	// Device metrics
	DevicesRegistered prometheus.Gauge
	DevicesOnline     prometheus.Gauge

	window *RollingWindow

	pipelineMu sync.RWMutex
	queue      QueueStats
	buffer     BufferStats

	writeSuccesses atomic.Uint64
	writeFailures  atomic.Uint64
	duplicates     atomic.Uint64
	backupFiles    atomic.Uint64
	backupRecords  atomic.Uint64
	pollCycles     atomic.Uint64
	pollFailures   atomic.Uint64
	skippedTicks   atomic.Uint64
	triggersFired  atomic.Uint64
	triggersDedup  atomic.Uint64
}

// NewRegistry creates a metrics registry with every metric registered on reg.
// A nil reg leaves the metrics unregistered, which suits tests.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)

	r := &Registry{
		factory: f,
		window:  NewRollingWindow(5 * time.Minute),

		// Connection metrics
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "melsec",
			Name:      "connections_total",
			Help:      "Total number of PLC connection attempts",
		}, []string{"device", "result"}),
		ConnectionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "melsec",
			Name:      "connection_latency_seconds",
			Help:      "PLC connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PoolConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "melsec",
			Name:      "pool_connections",
			Help:      "Pooled connections per device by state",
		}, []string{"device", "state"}),
		CircuitBreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "melsec",
			Name:      "circuit_breaker_open",
			Help:      "1 while the device circuit breaker is open",
		}, []string{"device"}),
		AcquireErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "melsec",
			Name:      "acquire_errors_total",
			Help:      "Failed connection acquisitions by reason",
		}, []string{"device", "error_type"}),

		// Polling metrics
		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of polling cycles",
		}, []string{"group", "status"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "duration_seconds",
			Help:      "Polling cycle duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"group"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "errors_total",
			Help:      "Failed address reads by error type",
		}, []string{"device", "error_type"}),
		PointsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "points_read_total",
			Help:      "Total number of values read",
		}),
		TicksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "ticks_skipped_total",
			Help:      "Fixed-interval slots skipped because a cycle overran",
		}, []string{"group"}),
		TriggersFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "triggers_fired_total",
			Help:      "Handshake triggers that caused a read",
		}, []string{"group"}),
		TriggersDeduplicated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "triggers_deduplicated_total",
			Help:      "Handshake triggers absorbed by the dedup window",
		}, []string{"group"}),
		QueueRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "queue_rejects_total",
			Help:      "Polling results dropped because the acquisition queue was full",
		}, []string{"group"}),

		// Storage metrics
		WriteBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "batches_total",
			Help:      "Batch writes by outcome",
		}, []string{"status"}),
		WriteLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "Latency of successful batch writes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		WriteBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "batch_size",
			Help:      "Records per written batch",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		WriteRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "retries_total",
			Help:      "Batch write retries",
		}),
		DuplicateRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "duplicate_records_total",
			Help:      "Records ignored by the sink as duplicates",
		}),
		BackupFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "backup_files_total",
			Help:      "Backup files written after exhausted retries",
		}),
		BackupRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "backup_records_total",
			Help:      "Records written to backup files",
		}),

		// MQTT metrics
		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnections",
		}),

		// Device metrics
		DevicesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of registered devices",
		}),
		DevicesOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "online",
			Help:      "Number of devices with at least one connected client",
		}),
	}

	return r
}

// AttachPipeline exposes queue and buffer occupancy. It must be called at
// most once per Registry.
func (r *Registry) AttachPipeline(q QueueStats, b BufferStats) {
	r.pipelineMu.Lock()
	r.queue = q
	r.buffer = b
	r.pipelineMu.Unlock()

	r.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "queue", Name: "length",
		Help: "Poll results waiting in the acquisition queue",
	}, func() float64 { return float64(q.Len()) })
	r.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "dropped_total",
		Help: "Poll results rejected by a full acquisition queue",
	}, func() float64 { return float64(q.Dropped()) })
	r.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "length",
		Help: "Records waiting in the overflow buffer",
	}, func() float64 { return float64(b.Len()) })
	r.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "max_length",
		Help: "Highest overflow buffer occupancy seen",
	}, func() float64 { return float64(b.MaxLen()) })
	r.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "overflow_total",
		Help: "Records evicted from a full overflow buffer",
	}, func() float64 { return float64(b.Overflow()) })
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(device string, success bool, latency float64) {
	result := "success"
	if !success {
		result = "error"
	}
	r.ConnectionsTotal.WithLabelValues(device, result).Inc()
	r.ConnectionLatency.Observe(latency)
}

// UpdatePoolConnections updates the pooled connection gauges of one device.
func (r *Registry) UpdatePoolConnections(device string, connected, leased int) {
	r.PoolConnections.WithLabelValues(device, "connected").Set(float64(connected))
	r.PoolConnections.WithLabelValues(device, "leased").Set(float64(leased))
}

// UpdateCircuitBreaker records the breaker state of one device.
func (r *Registry) UpdateCircuitBreaker(device string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	r.CircuitBreakerOpen.WithLabelValues(device).Set(v)
}

// RecordAcquireError records a failed lease acquisition.
func (r *Registry) RecordAcquireError(device, errorType string) {
	r.AcquireErrors.WithLabelValues(device, errorType).Inc()
}

// RecordPoll records one polling cycle.
func (r *Registry) RecordPoll(group string, duration time.Duration, values, errs int) {
	status := "success"
	switch {
	case values == 0 && errs > 0:
		status = "error"
		r.pollFailures.Add(1)
	case errs > 0:
		status = "partial"
	}
	r.pollCycles.Add(1)
	r.PollsTotal.WithLabelValues(group, status).Inc()
	r.PollDuration.WithLabelValues(group).Observe(duration.Seconds())
	r.PointsRead.Add(float64(values))
}

// RecordReadError records a failed address read.
func (r *Registry) RecordReadError(device, errorType string) {
	r.PollErrors.WithLabelValues(device, errorType).Inc()
}

// RecordSkippedTicks records fixed-interval slots lost to an overrun.
func (r *Registry) RecordSkippedTicks(group string, n int) {
	r.skippedTicks.Add(uint64(n))
	r.TicksSkipped.WithLabelValues(group).Add(float64(n))
}

// RecordTrigger records a handshake trigger observation.
func (r *Registry) RecordTrigger(group string, fired bool) {
	if fired {
		r.triggersFired.Add(1)
		r.TriggersFired.WithLabelValues(group).Inc()
		return
	}
	r.triggersDedup.Add(1)
	r.TriggersDeduplicated.WithLabelValues(group).Inc()
}

// RecordQueueReject records a poll result the queue refused.
func (r *Registry) RecordQueueReject(group string) {
	r.QueueRejects.WithLabelValues(group).Inc()
}

// RecordWrite records a batch write that reached the sink.
func (r *Registry) RecordWrite(size, duplicates int, latency time.Duration) {
	r.writeSuccesses.Add(1)
	r.duplicates.Add(uint64(duplicates))
	r.WriteBatches.WithLabelValues("success").Inc()
	r.WriteLatency.Observe(latency.Seconds())
	r.WriteBatchSize.Observe(float64(size))
	r.DuplicateRecords.Add(float64(duplicates))
	r.window.Add(size, latency)
}

// RecordWriteFailure records a batch whose retries were exhausted.
func (r *Registry) RecordWriteFailure() {
	r.writeFailures.Add(1)
	r.WriteBatches.WithLabelValues("failed").Inc()
}

// RecordWriteRetry records one retry of a batch write.
func (r *Registry) RecordWriteRetry() {
	r.WriteRetries.Inc()
}

// RecordBackup records a backup file.
func (r *Registry) RecordBackup(records int) {
	r.backupFiles.Add(1)
	r.backupRecords.Add(uint64(records))
	r.BackupFiles.Inc()
	r.BackupRecords.Add(float64(records))
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTReconnect records an MQTT reconnection.
func (r *Registry) RecordMQTTReconnect() {
	r.MQTTReconnects.Inc()
}

// UpdateDeviceCount updates the device count gauges.
func (r *Registry) UpdateDeviceCount(registered, online int) {
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesOnline.Set(float64(online))
}
