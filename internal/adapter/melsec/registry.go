package melsec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultShutdownGrace bounds ShutdownAll when the context has no deadline.
const DefaultShutdownGrace = 5 * time.Second

// Registry owns one ConnectionPool per enabled device.
type Registry struct {
	config  PoolConfig
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	pools  map[string]*ConnectionPool
	closed bool
}

// NewRegistry creates a registry and a pool for every enabled device.
func NewRegistry(ctx context.Context, devices []domain.DeviceDescriptor, config PoolConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Registry, error) {
	r := &Registry{
		config:  config,
		logger:  logger.With().Str("component", "pool-registry").Logger(),
		metrics: metricsReg,
		pools:   make(map[string]*ConnectionPool, len(devices)),
	}
	for _, d := range devices {
		if _, err := r.AddDevice(ctx, d); err != nil {
			_ = r.ShutdownAll(ctx)
			return nil, err
		}
	}
	return r, nil
}

// AddDevice builds a pool for a newly enabled device. Adding an unchanged
// descriptor again is a no-op; a different descriptor under an existing code
// fails with ErrDeviceExists. Disabled devices are ignored. It reports whether
// a pool was created.
func (r *Registry) AddDevice(ctx context.Context, device domain.DeviceDescriptor) (bool, error) {
	if err := device.Validate(); err != nil {
		return false, err
	}
	if !device.Enabled {
		return false, nil
	}

	r.mu.RLock()
	existing, ok := r.pools[device.Code]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return false, domain.ErrServiceStopped
	}
	if ok {
		if existing.Device().Equal(device) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", domain.ErrDeviceExists, device.Code)
	}

	pool := NewConnectionPool(ctx, device, r.config, r.logger, r.metrics)

	r.mu.Lock()
	if _, raced := r.pools[device.Code]; raced || r.closed {
		r.mu.Unlock()
		_ = pool.Close(0)
		if raced {
			return false, nil
		}
		return false, domain.ErrServiceStopped
	}
	r.pools[device.Code] = pool
	r.mu.Unlock()

	r.logger.Info().Str("device", device.Code).Str("variant", string(device.Variant)).Msg("Added device pool")
	r.publishDeviceCount()
	return true, nil
}

// ReplaceDevice swaps the pool of a changed device. The old pool is closed
// with grace; callers stop the affected polling units first.
func (r *Registry) ReplaceDevice(ctx context.Context, device domain.DeviceDescriptor, grace time.Duration) error {
	r.mu.Lock()
	old, ok := r.pools[device.Code]
	if ok {
		delete(r.pools, device.Code)
	}
	r.mu.Unlock()

	if ok {
		if err := old.Close(grace); err != nil {
			r.logger.Warn().Err(err).Str("device", device.Code).Msg("Error closing replaced pool")
		}
	}
	_, err := r.AddDevice(ctx, device)
	r.publishDeviceCount()
	return err
}

// RemoveDevice closes and forgets the pool of a device.
func (r *Registry) RemoveDevice(code string, grace time.Duration) error {
	r.mu.Lock()
	pool, ok := r.pools[code]
	delete(r.pools, code)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, code)
	}
	r.publishDeviceCount()
	return pool.Close(grace)
}

// GetPool returns the pool of a device.
func (r *Registry) GetPool(code string) (*ConnectionPool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool, ok := r.pools[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, code)
	}
	return pool, nil
}

// Acquire implements domain.ConnectionSource.
func (r *Registry) Acquire(ctx context.Context, code string, timeout time.Duration) (domain.Lease, error) {
	pool, err := r.GetPool(code)
	if err != nil {
		return nil, err
	}
	lease, err := pool.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Descriptor returns the descriptor of a registered device.
func (r *Registry) Descriptor(code string) (domain.DeviceDescriptor, bool) {
	pool, err := r.GetPool(code)
	if err != nil {
		return domain.DeviceDescriptor{}, false
	}
	return pool.Device(), true
}

// Devices returns the health of every pool, sorted by device code.
func (r *Registry) Devices() []domain.DeviceHealth {
	r.mu.RLock()
	out := make([]domain.DeviceHealth, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.Health())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceCode < out[j].DeviceCode })
	return out
}

// DegradedDevices returns the codes of degraded pools.
func (r *Registry) DegradedDevices() []string {
	var codes []string
	for _, h := range r.Devices() {
		if h.Degraded {
			codes = append(codes, h.DeviceCode)
		}
	}
	return codes
}

// HealthCheck implements the health.Checker interface. The registry is
// unhealthy only when every device is degraded.
func (r *Registry) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return domain.ErrServiceStopped
	}
	if len(r.pools) == 0 {
		return nil
	}
	for _, p := range r.pools {
		if !p.IsDegraded() {
			return nil
		}
	}
	return fmt.Errorf("%w: all %d devices", domain.ErrPoolDegraded, len(r.pools))
}

// ShutdownAll closes every pool in parallel. Leases get until the context
// deadline to come back, after which sockets are force-closed.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pools := make([]*ConnectionPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.pools = make(map[string]*ConnectionPool)
	r.mu.Unlock()

	grace := DefaultShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		grace = time.Until(deadline)
		if grace < 0 {
			grace = 0
		}
	}

	var g errgroup.Group
	for _, p := range pools {
		p := p
		g.Go(func() error {
			return p.Close(grace)
		})
	}
	err := g.Wait()

	r.publishDeviceCount()
	r.logger.Info().Int("pools", len(pools)).Msg("All connection pools closed")
	return err
}

func (r *Registry) publishDeviceCount() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := 0
	for _, p := range r.pools {
		if !p.IsDegraded() {
			online++
		}
	}
	r.metrics.UpdateDeviceCount(len(r.pools), online)
}
