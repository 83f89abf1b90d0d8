package domain

import (
	"context"
	"time"
)

// Lease is an exclusive hold on one pooled device connection.
// Release must be called exactly once; further calls are no-ops.
type Lease interface {
	// ReadBatch reads every request. The returned result is never nil and
	// holds one outcome per request; the error is non-nil only when the
	// connection itself failed.
	ReadBatch(ctx context.Context, requests []RegisterRequest) (*BatchResult, error)

	// WriteBit sets or clears one bit (a bit device or a bit of a word).
	WriteBit(ctx context.Context, register RegisterRequest, value bool) error

	// Release returns the connection to its pool.
	Release()
}

// ConnectionSource hands out leases for configured devices.
type ConnectionSource interface {
	Acquire(ctx context.Context, deviceCode string, timeout time.Duration) (Lease, error)
}

// ConfigSource is the read-only accessor for devices and groups.
type ConfigSource interface {
	Load(ctx context.Context) (*ConfigSnapshot, error)
}
