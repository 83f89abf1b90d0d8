package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/melsec"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/service"
	"github.com/rs/zerolog"
)

// collector is a ResultSink that keeps every result.
type collector struct {
	mu      sync.Mutex
	results []*domain.PollResult
	err     error
}

func (c *collector) Push(_ context.Context, r *domain.PollResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.results = append(c.results, r)
	return nil
}

func (c *collector) all() []*domain.PollResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.PollResult(nil), c.results...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// fakeLease returns every requested register as int16(1) after an optional
// delay taken from the source.
type fakeLease struct {
	src *fakeSource
}

func (l *fakeLease) ReadBatch(ctx context.Context, reqs []domain.RegisterRequest) (*domain.BatchResult, error) {
	l.src.mu.Lock()
	l.src.reads = append(l.src.reads, time.Now())
	var delay time.Duration
	if len(l.src.delays) > 0 {
		delay = l.src.delays[0]
		l.src.delays = l.src.delays[1:]
	}
	l.src.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	res := domain.NewBatchResult(len(reqs))
	for _, r := range reqs {
		for _, e := range r.Elements() {
			res.Values[e.Key()] = int16(1)
		}
	}
	return res, nil
}

func (l *fakeLease) WriteBit(context.Context, domain.RegisterRequest, bool) error { return nil }

func (l *fakeLease) Release() {}

// fakeSource is a ConnectionSource and DeviceRegistry without a network.
type fakeSource struct {
	mu         sync.Mutex
	reads      []time.Time
	delays     []time.Duration
	acquireErr error
	panicMsg   string

	added    []string
	replaced []string
	removed  []string
}

func (s *fakeSource) Acquire(context.Context, string, time.Duration) (domain.Lease, error) {
	s.mu.Lock()
	err, msg := s.acquireErr, s.panicMsg
	s.mu.Unlock()
	if msg != "" {
		panic(msg)
	}
	if err != nil {
		return nil, err
	}
	return &fakeLease{src: s}, nil
}

func (s *fakeSource) AddDevice(_ context.Context, d domain.DeviceDescriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, d.Code)
	return true, nil
}

func (s *fakeSource) ReplaceDevice(_ context.Context, d domain.DeviceDescriptor, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, d.Code)
	return nil
}

func (s *fakeSource) RemoveDevice(code string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, code)
	return nil
}

func (s *fakeSource) readTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.reads...)
}

func reg(t domain.RegisterType, address int, dt domain.DataType) domain.RegisterRequest {
	return domain.RegisterRequest{Type: t, Address: address, DataType: dt, Count: 1}
}

func fixedGroup(id, device string, interval time.Duration) domain.PollingGroupConfig {
	return domain.PollingGroupConfig{
		ID:         id,
		DeviceCode: device,
		Mode:       domain.ModeFixed,
		Enabled:    true,
		Interval:   interval,
		Registers: []domain.RegisterRequest{
			reg(domain.RegisterD, 0, domain.DataTypeInt16),
			reg(domain.RegisterD, 1, domain.DataTypeInt16),
			reg(domain.RegisterD, 2, domain.DataTypeInt16),
		},
	}
}

func handshakeGroup(id, device string, window time.Duration, autoReset bool) domain.PollingGroupConfig {
	return domain.PollingGroupConfig{
		ID:                  id,
		DeviceCode:          device,
		Mode:                domain.ModeHandshake,
		Enabled:             true,
		Registers:           []domain.RegisterRequest{reg(domain.RegisterD, 10, domain.DataTypeInt16)},
		Trigger:             reg(domain.RegisterM, 100, domain.DataTypeBool),
		TriggerPollInterval: 100 * time.Millisecond,
		DedupWindow:         window,
		AutoResetTrigger:    autoReset,
	}
}

func testOptions() service.UnitOptions {
	return service.UnitOptions{AcquireTimeout: time.Second, StopTimeout: 2 * time.Second}
}

// startSimulator runs a fake PLC and a registry holding one pool for it.
func startSimulator(t *testing.T, code string) (*melsec.Simulator, *melsec.Registry) {
	t.Helper()
	sim, err := melsec.NewSimulator("127.0.0.1:0", domain.Variant3E, zerolog.Nop())
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	t.Cleanup(func() { _ = sim.Close() })

	cfg := melsec.DefaultPoolConfig()
	cfg.Size = 2
	cfg.HealthCheckPeriod = time.Hour
	registry, err := melsec.NewRegistry(context.Background(), []domain.DeviceDescriptor{sim.Descriptor(code)}, cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.ShutdownAll(context.Background()) })
	return sim, registry
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

var errAcquire = errors.New("device unreachable")
