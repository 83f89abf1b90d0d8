// Package service runs the polling units: one goroutine per polling group,
// reading its registers through the device pools on a fixed schedule or on
// a PLC handshake trigger, and pushing every cycle's result downstream.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a polling unit.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateErrored  State = "errored"
)

// ResultSink accepts the result of every polling cycle.
type ResultSink interface {
	Push(ctx context.Context, result *domain.PollResult) error
}

// UnitOptions holds the settings shared by all polling units.
type UnitOptions struct {
	// AcquireTimeout bounds the wait for a pooled connection
	AcquireTimeout time.Duration

	// StopTimeout is the default wait for a unit to finish its cycle
	StopTimeout time.Duration
}

// DefaultUnitOptions returns the default unit settings.
func DefaultUnitOptions() UnitOptions {
	return UnitOptions{
		AcquireTimeout: 2 * time.Second,
		StopTimeout:    5 * time.Second,
	}
}

func (o UnitOptions) withDefaults() UnitOptions {
	d := DefaultUnitOptions()
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = d.AcquireTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	return o
}

// unitStats tracks per-unit counters.
type unitStats struct {
	cycles              atomic.Uint64
	failedCycles        atomic.Uint64
	consecutiveFailures atomic.Uint64
	skippedTicks        atomic.Uint64
	queueDrops          atomic.Uint64
	valuesRead          atomic.Uint64
	triggersFired       atomic.Uint64
	triggersDeduped     atomic.Uint64
	triggerErrors       atomic.Uint64
}

// PollingUnit polls one group. Its configuration is fixed for its lifetime;
// a changed group gets a new unit.
type PollingUnit struct {
	group   domain.PollingGroupConfig
	source  domain.ConnectionSource
	sink    ResultSink
	options UnitOptions
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	lastCycle time.Time
	lastError error
	startedAt time.Time

	manual chan struct{}
	stats  unitStats
}

// UnitStatus is a snapshot of a unit for the monitoring surface.
type UnitStatus struct {
	GroupID             string             `json:"group_id"`
	Name                string             `json:"name,omitempty"`
	DeviceCode          string             `json:"device_code"`
	Mode                domain.PollingMode `json:"mode"`
	Enabled             bool               `json:"enabled"`
	State               State              `json:"state"`
	Registers           int                `json:"registers"`
	StartedAt           time.Time          `json:"started_at,omitempty"`
	LastCycle           time.Time          `json:"last_cycle,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
	Cycles              uint64             `json:"cycles"`
	FailedCycles        uint64             `json:"failed_cycles"`
	ConsecutiveFailures uint64             `json:"consecutive_failures"`
	SkippedTicks        uint64             `json:"skipped_ticks"`
	QueueDrops          uint64             `json:"queue_drops"`
	ValuesRead          uint64             `json:"values_read"`
	TriggersFired       uint64             `json:"triggers_fired"`
	TriggersDeduped     uint64             `json:"triggers_deduped"`
	TriggerErrors       uint64             `json:"trigger_errors"`
}

// NewPollingUnit creates a stopped unit for a validated group.
func NewPollingUnit(
	group domain.PollingGroupConfig,
	source domain.ConnectionSource,
	sink ResultSink,
	options UnitOptions,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingUnit {
	group.Normalize()
	return &PollingUnit{
		group:   group,
		source:  source,
		sink:    sink,
		options: options.withDefaults(),
		logger: logger.With().
			Str("component", "polling-unit").
			Str("group", group.ID).
			Str("device", group.DeviceCode).
			Logger(),
		metrics: metricsReg,
		state:   StateStopped,
		manual:  make(chan struct{}, 1),
	}
}

// Group returns the unit's configuration.
func (u *PollingUnit) Group() domain.PollingGroupConfig { return u.group }

// State returns the current lifecycle state.
func (u *PollingUnit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Start launches the worker goroutine. Only stopped or errored units start.
func (u *PollingUnit) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateStopped, StateErrored:
	case StateRunning, StateStarting:
		return nil
	default:
		return fmt.Errorf("%w: group %s is %s", domain.ErrInvalidState, u.group.ID, u.state)
	}

	u.state = StateStarting
	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.done = make(chan struct{})
	u.startedAt = time.Now()
	u.stats.consecutiveFailures.Store(0)

	// Drop a manual trigger left over from a previous run.
	select {
	case <-u.manual:
	default:
	}

	go u.run(runCtx, u.done)

	u.state = StateRunning
	u.logger.Info().Str("mode", string(u.group.Mode)).Msg("Polling unit started")
	return nil
}

// Stop cancels the worker and waits up to timeout for the current cycle to
// finish. On timeout the unit stays in stopping and reaches stopped once the
// cycle returns.
func (u *PollingUnit) Stop(timeout time.Duration) error {
	u.mu.Lock()
	switch u.state {
	case StateStopped:
		u.mu.Unlock()
		return nil
	case StateErrored:
		u.state = StateStopped
		u.mu.Unlock()
		return nil
	}
	if u.state != StateStopping {
		u.state = StateStopping
		u.cancel()
	}
	done := u.done
	u.mu.Unlock()

	if timeout <= 0 {
		timeout = u.options.StopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		u.logger.Info().Msg("Polling unit stopped")
		return nil
	case <-timer.C:
		u.logger.Warn().Dur("timeout", timeout).Msg("Polling unit did not stop in time")
		return fmt.Errorf("%w: group %s", domain.ErrStopTimeout, u.group.ID)
	}
}

// Wait blocks until the worker goroutine has exited.
func (u *PollingUnit) Wait() {
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()
	if done != nil {
		<-done
	}
}

// TriggerNow requests an immediate full read of a running handshake group.
// Requests are merged into the dedup window like trigger bit observations.
func (u *PollingUnit) TriggerNow() error {
	if u.group.Mode != domain.ModeHandshake {
		return fmt.Errorf("%w: group %s", domain.ErrNotHandshake, u.group.ID)
	}
	if st := u.State(); st != StateRunning {
		return fmt.Errorf("%w: group %s is %s", domain.ErrInvalidState, u.group.ID, st)
	}
	select {
	case u.manual <- struct{}{}:
	default:
		// A request is already pending.
	}
	return nil
}

// run is the worker goroutine. A panic moves the unit to errored; every
// other exit leaves it stopped.
func (u *PollingUnit) run(ctx context.Context, done chan struct{}) {
	final := StateStopped
	defer func() {
		if r := recover(); r != nil {
			final = StateErrored
			err := fmt.Errorf("%w: %v", domain.ErrUnitFaulted, r)
			u.setLastError(err)
			u.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Polling unit faulted")
		}

		u.mu.Lock()
		if u.done == done {
			u.state = final
		}
		u.mu.Unlock()
		close(done)
	}()

	switch u.group.Mode {
	case domain.ModeHandshake:
		u.runHandshake(ctx)
	default:
		u.runFixed(ctx)
	}
}

// poll acquires a connection and runs one full read cycle.
func (u *PollingUnit) poll(ctx context.Context) {
	start := time.Now()
	lease, err := u.source.Acquire(ctx, u.group.DeviceCode, u.options.AcquireTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		u.emitFailure(ctx, start, err)
		return
	}
	defer lease.Release()

	u.readAndEmit(ctx, lease, start)
}

// readAndEmit performs the full batched read on a leased connection and
// pushes the result.
func (u *PollingUnit) readAndEmit(ctx context.Context, lease domain.Lease, start time.Time) {
	res, err := lease.ReadBatch(ctx, u.group.Registers)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	if res == nil {
		res = domain.NewBatchResult(0)
	}
	if err != nil {
		u.setLastError(err)
	}
	u.emit(ctx, domain.NewPollResult(u.group.DeviceCode, u.group.ID, start, time.Since(start), res.Values, res.Errors))
}

// emitFailure records a cycle that could not reach the device: every
// address carries the same error.
func (u *PollingUnit) emitFailure(ctx context.Context, start time.Time, err error) {
	u.setLastError(err)
	errs := make(map[string]error)
	for _, k := range u.group.Keys() {
		errs[k] = err
	}
	u.emit(ctx, domain.NewPollResult(u.group.DeviceCode, u.group.ID, start, time.Since(start), nil, errs))
}

func (u *PollingUnit) emit(ctx context.Context, result *domain.PollResult) {
	u.stats.cycles.Add(1)
	u.stats.valuesRead.Add(uint64(result.ValueCount()))

	u.mu.Lock()
	u.lastCycle = result.Timestamp()
	u.mu.Unlock()

	if result.ErrorCount() > 0 {
		u.stats.failedCycles.Add(1)
		n := u.stats.consecutiveFailures.Add(1)
		u.logger.Debug().
			Int("values", result.ValueCount()).
			Int("errors", result.ErrorCount()).
			Uint64("consecutive_failures", n).
			Msg("Poll cycle had errors")
	} else {
		u.stats.consecutiveFailures.Store(0)
		u.setLastError(nil)
		u.logger.Debug().
			Int("values", result.ValueCount()).
			Dur("duration", result.Elapsed()).
			Msg("Poll cycle completed")
	}

	if u.metrics != nil {
		u.metrics.RecordPoll(u.group.ID, result.Elapsed(), result.ValueCount(), result.ErrorCount())
	}

	// The push uses a background context so that a stop does not discard a
	// cycle that already completed.
	if err := u.sink.Push(context.WithoutCancel(ctx), result); err != nil {
		u.stats.queueDrops.Add(1)
		if u.metrics != nil {
			u.metrics.RecordQueueReject(u.group.ID)
		}
		u.logger.Warn().Err(err).Int("records", result.Len()).Msg("Poll result dropped: acquisition queue full")
	}
}

func (u *PollingUnit) setLastError(err error) {
	u.mu.Lock()
	u.lastError = err
	u.mu.Unlock()
}

// Status returns a snapshot of the unit.
func (u *PollingUnit) Status() UnitStatus {
	u.mu.Lock()
	st := UnitStatus{
		GroupID:    u.group.ID,
		Name:       u.group.Name,
		DeviceCode: u.group.DeviceCode,
		Mode:       u.group.Mode,
		Enabled:    u.group.Enabled,
		State:      u.state,
		Registers:  len(u.group.Keys()),
		StartedAt:  u.startedAt,
		LastCycle:  u.lastCycle,
	}
	if u.lastError != nil {
		st.LastError = u.lastError.Error()
	}
	u.mu.Unlock()

	st.Cycles = u.stats.cycles.Load()
	st.FailedCycles = u.stats.failedCycles.Load()
	st.ConsecutiveFailures = u.stats.consecutiveFailures.Load()
	st.SkippedTicks = u.stats.skippedTicks.Load()
	st.QueueDrops = u.stats.queueDrops.Load()
	st.ValuesRead = u.stats.valuesRead.Load()
	st.TriggersFired = u.stats.triggersFired.Load()
	st.TriggersDeduped = u.stats.triggersDeduped.Load()
	st.TriggerErrors = u.stats.triggerErrors.Load()
	return st
}
