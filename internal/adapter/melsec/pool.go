package melsec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ConnectionPool keeps exactly Size clients for one device. Free clients sit
// in a buffered channel; a client is in the channel, leased, or held by the
// health loop, never two at once.
type ConnectionPool struct {
	device  domain.DeviceDescriptor
	config  PoolConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker

	clients []*pooledConn
	free    chan *pooledConn

	mu      sync.RWMutex // guards closed and lastErr
	closed  bool
	lastErr error
	done    chan struct{}
	wg      sync.WaitGroup

	leased          atomic.Int32
	reconnects      atomic.Uint64
	acquireTimeouts atomic.Uint64
}

// pooledConn wraps a Client with reconnect state. The fields are only touched
// by whoever currently holds the connection.
type pooledConn struct {
	client    *Client
	failures  int
	nextTry   time.Time
	gaveUp    bool
	connected bool // has connected at least once
}

// NewConnectionPool creates the pool, connects what it can and starts the
// health loop. Devices that are down at startup leave the pool degraded
// rather than failing construction.
func NewConnectionPool(ctx context.Context, device domain.DeviceDescriptor, config PoolConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *ConnectionPool {
	config = config.withDefaults()

	p := &ConnectionPool{
		device:  device,
		config:  config,
		logger:  logger.With().Str("component", "melsec-pool").Str("device", device.Code).Logger(),
		metrics: metricsReg,
		clients: make([]*pooledConn, 0, config.Size),
		free:    make(chan *pooledConn, config.Size),
		done:    make(chan struct{}),
	}
	p.breaker = p.createCircuitBreaker()

	var wg sync.WaitGroup
	for i := 0; i < config.Size; i++ {
		pc := &pooledConn{client: NewClient(device, config.MaxGap, logger)}
		p.clients = append(p.clients, pc)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.connect(ctx, pc)
		}()
	}
	wg.Wait()

	for _, pc := range p.clients {
		p.free <- pc
	}

	p.logger.Info().
		Int("pool_size", config.Size).
		Int("connected", p.connectedCount()).
		Msg("Created connection pool with per-device circuit breaker")

	p.wg.Add(1)
	go p.healthCheckLoop()

	return p
}

// createCircuitBreaker creates the device's circuit breaker. Only
// connection-level failures count against it.
func (p *ConnectionPool) createCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("melsec-%s", p.device.Code),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if p.metrics != nil {
				p.metrics.UpdateCircuitBreaker(p.device.Code, to == gobreaker.StateOpen)
			}
		},
	})
}

// Device returns the descriptor the pool serves.
func (p *ConnectionPool) Device() domain.DeviceDescriptor {
	return p.device
}

// Acquire leases a connected client, waiting up to timeout for one to come
// free. Free clients that are disconnected and still in reconnect backoff are
// held aside while Acquire keeps waiting for a healthy one. Acquire fails fast
// with ErrPoolDegraded only when no client in the pool is connected.
func (p *ConnectionPool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if p.isClosed() {
		return nil, domain.ErrPoolClosed
	}
	if p.breaker.State() == gobreaker.StateOpen {
		p.recordAcquireError(domain.ErrCircuitBreakerOpen)
		return nil, domain.ErrCircuitBreakerOpen
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var skipped []*pooledConn
	defer func() {
		for _, s := range skipped {
			p.free <- s
		}
	}()

	var lastErr error
	for {
		var retryC <-chan time.Time
		var retry *time.Timer
		if wait, ok := nextRetry(skipped); ok {
			retry = time.NewTimer(wait)
			retryC = retry.C
		}

		var pc *pooledConn
		select {
		case pc = <-p.free:
		case <-retryC:
		case <-timer.C:
			p.acquireTimeouts.Add(1)
			p.recordAcquireError(domain.ErrPoolTimeout)
			return nil, domain.ErrPoolTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, domain.ErrPoolClosed
		}
		if retry != nil {
			retry.Stop()
		}
		if pc != nil {
			skipped = append(skipped, pc)
		}

		for i := len(skipped) - 1; i >= 0; i-- {
			c := skipped[i]
			ok := c.client.IsConnected()
			if !ok && !c.gaveUp && !time.Now().Before(c.nextTry) {
				if lastErr = p.connect(ctx, c); lastErr == nil {
					ok = true
				}
			}
			if ok {
				skipped = append(skipped[:i], skipped[i+1:]...)
				return p.lease(c)
			}
		}

		if p.connectedCount() == 0 {
			err := p.degradedError(lastErr)
			p.recordAcquireError(err)
			return nil, err
		}
	}
}

// nextRetry returns how long until the earliest held-aside client is due for
// another dial attempt.
func nextRetry(skipped []*pooledConn) (time.Duration, bool) {
	var earliest time.Time
	for _, pc := range skipped {
		if pc.gaveUp {
			continue
		}
		if earliest.IsZero() || pc.nextTry.Before(earliest) {
			earliest = pc.nextTry
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (p *ConnectionPool) lease(pc *pooledConn) (*Lease, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.free <- pc
		return nil, domain.ErrPoolClosed
	}
	p.leased.Add(1)
	return &Lease{pool: p, pc: pc}, nil
}

func (p *ConnectionPool) degradedError(cause error) error {
	if cause == nil {
		cause = p.LastError()
	}
	if cause == nil {
		return domain.ErrPoolDegraded
	}
	return fmt.Errorf("%w: %v", domain.ErrPoolDegraded, cause)
}

// connect dials one client and updates its backoff state.
func (p *ConnectionPool) connect(ctx context.Context, pc *pooledConn) error {
	start := time.Now()
	err := pc.client.Connect(ctx)
	if p.metrics != nil {
		p.metrics.RecordConnection(p.device.Code, err == nil, time.Since(start).Seconds())
	}

	if err != nil {
		pc.failures++
		pc.nextTry = time.Now().Add(p.backoff(pc.failures))
		p.setLastError(err)
		if p.config.ReconnectMaxAttempts > 0 && pc.failures >= p.config.ReconnectMaxAttempts {
			pc.gaveUp = true
			p.logger.Error().Err(err).Int("attempts", pc.failures).Msg("Giving up reconnecting client")
		} else {
			p.logger.Warn().Err(err).Int("attempt", pc.failures).Time("next_try", pc.nextTry).Msg("Failed to connect client")
		}
		return err
	}

	if pc.connected {
		p.reconnects.Add(1)
		p.logger.Info().Int("failed_attempts", pc.failures).Msg("Client reconnected")
	}
	pc.connected = true
	pc.failures = 0
	pc.nextTry = time.Time{}
	return nil
}

// backoff returns base * 2^(failures-1), capped at the configured maximum.
func (p *ConnectionPool) backoff(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	delay := p.config.ReconnectBaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.config.ReconnectMaxDelay {
			return p.config.ReconnectMaxDelay
		}
	}
	if delay > p.config.ReconnectMaxDelay {
		delay = p.config.ReconnectMaxDelay
	}
	return delay
}

// release returns a leased client to the free set.
func (p *ConnectionPool) release(pc *pooledConn) {
	p.leased.Add(-1)
	p.free <- pc
}

// healthCheckLoop periodically probes idle clients and reconnects broken ones.
func (p *ConnectionPool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.checkIdleClients()
			p.publishMetrics()
		}
	}
}

// checkIdleClients takes every idle client out of the free set, checks it and
// puts it straight back. Leased clients are never touched.
func (p *ConnectionPool) checkIdleClients() {
	var idle []*pooledConn
drain:
	for i := 0; i < p.config.Size; i++ {
		select {
		case pc := <-p.free:
			idle = append(idle, pc)
		default:
			break drain
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, pc := range idle {
		if ctx.Err() == nil {
			p.checkClient(ctx, pc)
		}
		p.free <- pc
	}
}

func (p *ConnectionPool) checkClient(ctx context.Context, pc *pooledConn) {
	if pc.client.IsConnected() {
		if pc.client.IsHealthy(ctx, p.config.HealthGrace) {
			return
		}
		p.logger.Warn().Msg("Health probe failed, closing client")
		_ = pc.client.Close()
		if pc.nextTry.IsZero() {
			pc.nextTry = time.Now()
		}
	}

	if pc.gaveUp || time.Now().Before(pc.nextTry) {
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.device.Timeout)
	defer cancel()
	_ = p.connect(connectCtx, pc)
}

func (p *ConnectionPool) publishMetrics() {
	if p.metrics == nil {
		return
	}
	p.metrics.UpdatePoolConnections(p.device.Code, p.connectedCount(), int(p.leased.Load()))
}

// IsDegraded reports whether the pool cannot currently serve reads: the
// breaker is open or no client is connected.
func (p *ConnectionPool) IsDegraded() bool {
	return p.breaker.State() == gobreaker.StateOpen || p.connectedCount() == 0
}

func (p *ConnectionPool) connectedCount() int {
	n := 0
	for _, pc := range p.clients {
		if pc.client.IsConnected() {
			n++
		}
	}
	return n
}

// Stats returns pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	return PoolStats{
		Size:               p.config.Size,
		Connected:          p.connectedCount(),
		Leased:             int(p.leased.Load()),
		Idle:               len(p.free),
		CircuitBreakerOpen: p.breaker.State() == gobreaker.StateOpen,
		Reconnects:         p.reconnects.Load(),
		AcquireTimeouts:    p.acquireTimeouts.Load(),
	}
}

// Health returns the monitoring view of the pool.
func (p *ConnectionPool) Health() domain.DeviceHealth {
	stats := p.Stats()
	h := domain.DeviceHealth{
		DeviceCode:         p.device.Code,
		PoolSize:           stats.Size,
		Connected:          stats.Connected,
		Leased:             stats.Leased,
		CircuitBreakerOpen: stats.CircuitBreakerOpen,
		Degraded:           p.IsDegraded(),
	}
	switch {
	case stats.Connected == 0:
		h.Status = domain.DeviceStatusOffline
	case h.Degraded || stats.Connected < stats.Size:
		h.Status = domain.DeviceStatusDegraded
	default:
		h.Status = domain.DeviceStatusOnline
	}
	if err := p.LastError(); err != nil {
		h.LastError = err.Error()
	}
	return h
}

// HealthCheck implements the health.Checker interface.
func (p *ConnectionPool) HealthCheck(ctx context.Context) error {
	if p.isClosed() {
		return domain.ErrPoolClosed
	}
	if p.IsDegraded() {
		return p.degradedError(nil)
	}
	return nil
}

// LastError returns the most recent connection failure.
func (p *ConnectionPool) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func (p *ConnectionPool) setLastError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *ConnectionPool) recordAcquireError(err error) {
	if p.metrics != nil {
		p.metrics.RecordAcquireError(p.device.Code, domain.ErrorKind(err))
	}
}

// Close stops the health loop, waits up to grace for leases to come back and
// then closes every socket, including those still leased.
func (p *ConnectionPool) Close(grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	deadline := time.Now().Add(grace)
	for p.leased.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := p.leased.Load(); n > 0 {
		p.logger.Warn().Int32("leased", n).Msg("Grace period expired, force-closing leased connections")
	}

	var lastErr error
	for _, pc := range p.clients {
		if err := pc.client.Close(); err != nil {
			lastErr = err
		}
	}

	if p.metrics != nil {
		p.metrics.UpdatePoolConnections(p.device.Code, 0, 0)
	}
	p.logger.Info().Msg("Connection pool closed")
	return lastErr
}

// Lease is an exclusive hold on one pooled client.
type Lease struct {
	pool *ConnectionPool
	pc   *pooledConn
	once sync.Once
}

// ReadBatch reads through the device circuit breaker.
func (l *Lease) ReadBatch(ctx context.Context, reqs []domain.RegisterRequest) (*domain.BatchResult, error) {
	var res *domain.BatchResult
	_, err := l.pool.breaker.Execute(func() (interface{}, error) {
		r, err := l.pc.client.ReadBatch(ctx, reqs)
		res = r
		return nil, err
	})
	err = breakerError(err)

	if res == nil {
		res = domain.NewBatchResult(len(reqs))
		for _, r := range reqs {
			res.Fail(r.Elements(), err)
		}
	}
	if err != nil && l.pool.metrics != nil {
		l.pool.metrics.RecordReadError(l.pool.device.Code, domain.ErrorKind(err))
	}
	return res, err
}

// WriteBit writes one bit through the device circuit breaker.
func (l *Lease) WriteBit(ctx context.Context, reg domain.RegisterRequest, value bool) error {
	var writeErr error
	_, err := l.pool.breaker.Execute(func() (interface{}, error) {
		writeErr = l.pc.client.WriteBit(ctx, reg, value)
		if isConnectionLevel(writeErr) {
			return nil, writeErr
		}
		// Device-reported errors do not count against the breaker.
		return nil, nil
	})
	if err != nil {
		return breakerError(err)
	}
	return writeErr
}

// Release returns the client to the pool. Calls after the first are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.pc)
	})
}

// breakerError maps gobreaker rejections onto ErrCircuitBreakerOpen.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrCircuitBreakerOpen
	}
	return err
}

func isConnectionLevel(err error) bool {
	return errors.Is(err, domain.ErrConnectionClosed)
}
