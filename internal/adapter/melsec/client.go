package melsec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// Client owns one TCP session to one PLC. Transactions on a client are
// serialized; the pool guarantees a client is leased to one caller at a time.
type Client struct {
	device    domain.DeviceDescriptor
	maxGap    int
	logger    zerolog.Logger
	dialer    net.Dialer
	mu        sync.RWMutex // guards conn, reader and lastError
	opMu      sync.Mutex   // serializes request/response round trips
	conn      net.Conn
	reader    *bufio.Reader
	connected atomic.Bool
	lastError error
	lastUsed  atomic.Int64
	stats     ClientStats
}

// NewClient creates a disconnected client for the device.
func NewClient(device domain.DeviceDescriptor, maxGap int, logger zerolog.Logger) *Client {
	c := &Client{
		device: device,
		maxGap: maxGap,
		logger: logger.With().Str("device", device.Code).Str("address", device.Address()).Logger(),
	}
	c.lastUsed.Store(time.Now().UnixNano())
	return c
}

// Connect opens the socket. Failures are returned as *domain.ConnectError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.device.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.device.Address())
	if err != nil {
		ce := classifyDialError(c.device.Address(), err)
		c.lastError = ce
		return ce
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 4096)
	c.connected.Store(true)
	c.lastError = nil
	c.lastUsed.Store(time.Now().UnixNano())

	c.logger.Debug().Msg("Connected to PLC")
	return nil
}

// classifyDialError maps a dial failure onto a ConnectError kind.
func classifyDialError(address string, err error) *domain.ConnectError {
	kind := domain.ConnectOther

	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		kind = domain.ConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = domain.ConnectRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH), errors.As(err, &dnsErr):
		kind = domain.ConnectUnreachable
	}
	return &domain.ConnectError{Kind: kind, Address: address, Err: err}
}

// Close releases the socket. It is idempotent and may be called while a
// round trip is in flight, which then fails.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	c.connected.Store(false)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// fail closes the socket after a transport failure.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.lastError = err
	_ = c.closeLocked()
	c.mu.Unlock()

	c.stats.ErrorCount.Add(1)
	c.logger.Warn().Err(err).Msg("Connection to PLC lost")
}

// IsConnected returns true if the client currently holds a socket.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// LastError returns the most recent connection-level error.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// LastUsed returns when the client last completed a round trip.
func (c *Client) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// ReadBatch reads every request, one wire transaction per planned span.
// End codes and bad frames fail only the addresses of their span. A transport
// failure closes the socket, fails all remaining addresses and is returned
// as the error. The result is never nil.
func (c *Client) ReadBatch(ctx context.Context, reqs []domain.RegisterRequest) (*domain.BatchResult, error) {
	start := time.Now()
	defer func() {
		c.stats.TotalReadTime.Add(time.Since(start).Nanoseconds())
	}()

	result := domain.NewBatchResult(len(reqs))
	spans := PlanSpans(reqs, c.maxGap)

	if !c.IsConnected() {
		for _, span := range spans {
			result.Fail(span.Requests, domain.ErrConnectionClosed)
		}
		return result, domain.ErrConnectionClosed
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	for i, span := range spans {
		if err := ctx.Err(); err != nil {
			for _, rest := range spans[i:] {
				result.Fail(rest.Requests, err)
			}
			return result, nil
		}

		values, fatal, err := c.readSpan(ctx, span)
		if fatal {
			connErr := fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
			for _, rest := range spans[i:] {
				result.Fail(rest.Requests, connErr)
			}
			return result, connErr
		}
		if err != nil {
			c.stats.ErrorCount.Add(1)
			c.logger.Debug().Err(err).Str("span", span.Key()).Msg("Span read failed")
			result.Fail(span.Requests, err)
			continue
		}

		for _, r := range span.Requests {
			v, err := DecodeScalar(span.slice(values, r), r)
			if err != nil {
				result.Errors[r.Key()] = err
				continue
			}
			result.Values[r.Key()] = v
		}
	}

	c.stats.ReadCount.Add(1)
	return result, nil
}

// readSpan performs one batch read. fatal reports a transport failure after
// which the socket has been closed.
func (c *Client) readSpan(ctx context.Context, span Span) ([]uint16, bool, error) {
	frame, err := EncodeReadRequest(c.device, span)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.roundTrip(ctx, frame)
	if err != nil {
		c.fail(err)
		return nil, true, err
	}
	values, err := DecodeReadResponse(resp, c.device.Variant, span.Count, span.Width())
	return values, false, err
}

// WriteBit sets or clears one bit. A bit of a word register is written by
// reading the word and writing it back with the bit changed.
func (c *Client) WriteBit(ctx context.Context, reg domain.RegisterRequest, value bool) error {
	if !c.IsConnected() {
		return domain.ErrConnectionClosed
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	var word uint16
	if value {
		word = 1
	}

	if !reg.Type.IsBit() {
		if reg.Bit == nil {
			return &domain.EncodingError{Reason: fmt.Sprintf("%s is not a bit address", reg.Key())}
		}
		current, fatal, err := c.readSpan(ctx, Span{Type: reg.Type, Start: reg.Address, Count: 1})
		if fatal {
			return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
		}
		if err != nil {
			return err
		}
		word = encodeBit(current[0], *reg.Bit, value)
	}

	frame, err := EncodeWriteRequest(c.device, reg.Type, reg.Address, []uint16{word})
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, frame)
	if err != nil {
		c.fail(err)
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}
	if err := DecodeWriteResponse(resp, c.device.Variant); err != nil {
		c.stats.ErrorCount.Add(1)
		return err
	}

	c.stats.WriteCount.Add(1)
	return nil
}

// IsHealthy reports whether the client is connected and a probe read of the
// device's probe register succeeds within grace.
func (c *Client) IsHealthy(ctx context.Context, grace time.Duration) bool {
	if !c.IsConnected() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	res, err := c.ReadBatch(probeCtx, []domain.RegisterRequest{c.device.Probe})
	return err == nil && len(res.Errors) == 0
}

// roundTrip writes one request frame and reads one response frame. The
// deadline is the earlier of the context deadline and the device timeout.
func (c *Client) roundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	c.mu.RLock()
	conn, reader := c.conn, c.reader
	c.mu.RUnlock()

	if conn == nil {
		return nil, domain.ErrConnectionClosed
	}

	deadline := time.Now().Add(c.device.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	n, err := conn.Write(frame)
	c.stats.BytesSent.Add(uint64(n))
	if err != nil {
		return nil, err
	}

	resp, err := ReadResponseFrame(reader, c.device.Variant)
	if err != nil {
		return nil, err
	}
	c.stats.BytesReceived.Add(uint64(len(resp)))
	c.lastUsed.Store(time.Now().UnixNano())
	return resp, nil
}

// Stats returns a copy of the client counters.
func (c *Client) Stats() ClientStatsSnapshot {
	s := ClientStatsSnapshot{
		ReadCount:     c.stats.ReadCount.Load(),
		WriteCount:    c.stats.WriteCount.Load(),
		ErrorCount:    c.stats.ErrorCount.Load(),
		BytesSent:     c.stats.BytesSent.Load(),
		BytesReceived: c.stats.BytesReceived.Load(),
	}
	if s.ReadCount > 0 {
		s.AvgReadTimeMs = float64(c.stats.TotalReadTime.Load()) / float64(s.ReadCount) / 1e6
	}
	return s
}

// Device returns the descriptor the client was built for.
func (c *Client) Device() domain.DeviceDescriptor {
	return c.device
}
