package melsec

import (
	"sync/atomic"
	"time"
)

// ClientStats tracks client performance counters.
type ClientStats struct {
	ReadCount     atomic.Uint64
	WriteCount    atomic.Uint64
	ErrorCount    atomic.Uint64
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	TotalReadTime atomic.Int64 // nanoseconds
}

// ClientStatsSnapshot is a copy of ClientStats for monitoring.
type ClientStatsSnapshot struct {
	ReadCount     uint64
	WriteCount    uint64
	ErrorCount    uint64
	BytesSent     uint64
	BytesReceived uint64
	AvgReadTimeMs float64
}

// PoolConfig holds configuration for one device's connection pool.
type PoolConfig struct {
	// Size is the exact number of connections kept per device
	Size int

	// HealthCheckPeriod is how often idle connections are probed
	HealthCheckPeriod time.Duration

	// HealthGrace bounds one health probe round trip
	HealthGrace time.Duration

	// ReconnectBaseDelay is the first reconnect backoff; each failure doubles it
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the reconnect backoff
	ReconnectMaxDelay time.Duration

	// ReconnectMaxAttempts stops reconnecting after this many failures (0 = unlimited)
	ReconnectMaxAttempts int

	// MaxGap is the widest gap of unrequested points merged into one read
	MaxGap int
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:               2,
		HealthCheckPeriod:  10 * time.Second,
		HealthGrace:        time.Second,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		MaxGap:             DefaultMaxGap,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = d.HealthCheckPeriod
	}
	if c.HealthGrace <= 0 {
		c.HealthGrace = d.HealthGrace
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.MaxGap < 0 {
		c.MaxGap = 0
	}
	return c
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Size               int
	Connected          int
	Leased             int
	Idle               int
	CircuitBreakerOpen bool
	Reconnects         uint64
	AcquireTimeouts    uint64
}
