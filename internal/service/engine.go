package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

// DeviceRegistry is the connection source plus the pool lifecycle the engine
// drives on reload.
type DeviceRegistry interface {
	domain.ConnectionSource
	AddDevice(ctx context.Context, device domain.DeviceDescriptor) (bool, error)
	ReplaceDevice(ctx context.Context, device domain.DeviceDescriptor, grace time.Duration) error
	RemoveDevice(code string, grace time.Duration) error
}

// ControlResult is returned by every control operation.
type ControlResult struct {
	GroupID string `json:"group_id"`
	OK      bool   `json:"ok"`
	State   State  `json:"state"`
	Error   string `json:"error,omitempty"`
}

// ReloadSummary lists what a reload changed.
type ReloadSummary struct {
	DevicesAdded   []string `json:"devices_added,omitempty"`
	DevicesChanged []string `json:"devices_changed,omitempty"`
	DevicesRemoved []string `json:"devices_removed,omitempty"`
	GroupsAdded    []string `json:"groups_added,omitempty"`
	GroupsChanged  []string `json:"groups_changed,omitempty"`
	GroupsRemoved  []string `json:"groups_removed,omitempty"`
}

// Engine owns the polling units and exposes the control surface.
type Engine struct {
	registry DeviceRegistry
	sink     ResultSink
	options  UnitOptions
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// reloadMu serializes reloads; mu guards the fields below.
	reloadMu sync.Mutex
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	units    map[string]*PollingUnit
	devices  map[string]domain.DeviceDescriptor
	stopped  bool
}

// NewEngine creates an engine with no groups. Call Reload to load a
// configuration and Start to begin polling.
func NewEngine(registry DeviceRegistry, sink ResultSink, options UnitOptions, logger zerolog.Logger, metricsReg *metrics.Registry) *Engine {
	return &Engine{
		registry: registry,
		sink:     sink,
		options:  options.withDefaults(),
		logger:   logger.With().Str("component", "polling-engine").Logger(),
		metrics:  metricsReg,
		units:    make(map[string]*PollingUnit),
		devices:  make(map[string]domain.DeviceDescriptor),
	}
}

// Start binds the engine to ctx and starts every enabled group.
func (e *Engine) Start(ctx context.Context) []ControlResult {
	e.mu.Lock()
	if e.ctx == nil {
		e.ctx, e.cancel = context.WithCancel(ctx)
	}
	e.mu.Unlock()

	results := e.StartAll()
	e.logger.Info().Int("groups", len(results)).Msg("Polling engine started")
	return results
}

// Stop stops every unit and refuses further control requests.
func (e *Engine) Stop(timeout time.Duration) error {
	results := e.StopAll(timeout)

	e.mu.Lock()
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	units := e.sortedUnitsLocked()
	e.mu.Unlock()

	// Units that missed the timeout exit once the context is cancelled.
	for _, u := range units {
		u.Wait()
	}

	var errs []error
	for _, r := range results {
		if !r.OK {
			errs = append(errs, fmt.Errorf("group %s: %s", r.GroupID, r.Error))
		}
	}
	e.logger.Info().Msg("Polling engine stopped")
	return errors.Join(errs...)
}

// StartGroup starts one group.
func (e *Engine) StartGroup(id string) ControlResult {
	u, ctx, err := e.lookup(id)
	if err != nil {
		return failed(id, StateStopped, err)
	}
	if !u.Group().Enabled {
		return failed(id, u.State(), fmt.Errorf("%w: group %s is disabled", domain.ErrInvalidState, id))
	}
	if err := u.Start(ctx); err != nil {
		return failed(id, u.State(), err)
	}
	return succeeded(id, u.State())
}

// StopGroup stops one group, waiting up to timeout for its current cycle.
func (e *Engine) StopGroup(id string, timeout time.Duration) ControlResult {
	u, _, err := e.lookup(id)
	if err != nil {
		return failed(id, StateStopped, err)
	}
	if err := u.Stop(timeout); err != nil {
		return failed(id, u.State(), err)
	}
	return succeeded(id, u.State())
}

// RestartGroup stops and starts one group.
func (e *Engine) RestartGroup(id string) ControlResult {
	if r := e.StopGroup(id, e.options.StopTimeout); !r.OK {
		return r
	}
	return e.StartGroup(id)
}

// TriggerGroup requests an immediate read of a handshake group.
func (e *Engine) TriggerGroup(id string) ControlResult {
	u, _, err := e.lookup(id)
	if err != nil {
		return failed(id, StateStopped, err)
	}
	if err := u.TriggerNow(); err != nil {
		return failed(id, u.State(), err)
	}
	return succeeded(id, u.State())
}

// StartAll starts every enabled group.
func (e *Engine) StartAll() []ControlResult {
	e.mu.Lock()
	units := e.sortedUnitsLocked()
	e.mu.Unlock()

	results := make([]ControlResult, 0, len(units))
	for _, u := range units {
		if !u.Group().Enabled {
			continue
		}
		results = append(results, e.StartGroup(u.Group().ID))
	}
	return results
}

// StopAll stops every group concurrently, each bounded by timeout.
func (e *Engine) StopAll(timeout time.Duration) []ControlResult {
	e.mu.Lock()
	units := e.sortedUnitsLocked()
	e.mu.Unlock()

	results := make([]ControlResult, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(i int, u *PollingUnit) {
			defer wg.Done()
			id := u.Group().ID
			if err := u.Stop(timeout); err != nil {
				results[i] = failed(id, u.State(), err)
				return
			}
			results[i] = succeeded(id, u.State())
		}(i, u)
	}
	wg.Wait()
	return results
}

// Units returns a status snapshot of every unit, by priority then ID.
func (e *Engine) Units() []UnitStatus {
	e.mu.Lock()
	units := e.sortedUnitsLocked()
	e.mu.Unlock()

	out := make([]UnitStatus, len(units))
	for i, u := range units {
		out[i] = u.Status()
	}
	return out
}

// Unit returns the status of one unit.
func (e *Engine) Unit(id string) (UnitStatus, error) {
	e.mu.Lock()
	u, ok := e.units[id]
	e.mu.Unlock()
	if !ok {
		return UnitStatus{}, fmt.Errorf("%w: %s", domain.ErrGroupNotFound, id)
	}
	return u.Status(), nil
}

// Reload applies a new configuration snapshot. The whole snapshot is
// validated first; an invalid one changes nothing. Units of changed or
// removed groups and of groups on changed or removed devices are taken out
// of the engine and stopped before their pools are touched. Changed groups
// get a new unit which runs if the old one was running or the group is newly
// enabled. A replacement whose predecessor missed the stop timeout is left
// stopped. Stopping units and swapping pools happen without holding the
// engine lock, so status and control calls for other groups keep working.
func (e *Engine) Reload(ctx context.Context, snapshot *domain.ConfigSnapshot) (ReloadSummary, error) {
	var summary ReloadSummary
	if err := snapshot.Validate(); err != nil {
		return summary, fmt.Errorf("%w: %w", domain.ErrReloadFailed, err)
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	newDevices := make(map[string]domain.DeviceDescriptor, len(snapshot.Devices))
	for _, d := range snapshot.Devices {
		newDevices[d.Code] = d
	}
	newGroups := make(map[string]domain.PollingGroupConfig, len(snapshot.Groups))
	for _, g := range snapshot.Groups {
		g.Normalize()
		newGroups[g.ID] = g
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return summary, domain.ErrServiceStopped
	}

	// Devices whose pools go away or get replaced.
	touched := make(map[string]bool)
	for code, old := range e.devices {
		d, ok := newDevices[code]
		switch {
		case !ok:
			touched[code] = true
			summary.DevicesRemoved = append(summary.DevicesRemoved, code)
		case !d.Equal(old):
			touched[code] = true
			summary.DevicesChanged = append(summary.DevicesChanged, code)
		}
	}
	var addDevices []domain.DeviceDescriptor
	for code, d := range newDevices {
		if _, known := e.devices[code]; !known {
			addDevices = append(addDevices, d)
		}
	}

	// Take out every unit that must not keep running against the old config.
	retiring := make(map[string]*PollingUnit)
	replaced := make(map[string]domain.PollingGroupConfig)
	wasRunning := make(map[string]bool)
	for id, u := range e.units {
		g, ok := newGroups[id]
		if ok && !touched[u.Group().DeviceCode] && reflect.DeepEqual(g, u.Group()) {
			continue
		}
		st := u.State()
		wasRunning[id] = st == StateRunning || st == StateStarting
		retiring[id] = u
		delete(e.units, id)
		if ok {
			replaced[id] = u.Group()
		} else {
			summary.GroupsRemoved = append(summary.GroupsRemoved, id)
		}
	}
	e.mu.Unlock()

	errs := e.stopRetiring(retiring)
	stuck := make(map[string]bool)
	for _, err := range errs {
		var se *retireError
		if errors.As(err, &se) {
			stuck[se.group] = true
		}
	}

	grace := e.options.StopTimeout
	for _, code := range summary.DevicesRemoved {
		if err := e.registry.RemoveDevice(code, grace); err != nil && !errors.Is(err, domain.ErrDeviceNotFound) {
			errs = append(errs, err)
		}
	}
	for _, code := range summary.DevicesChanged {
		if err := e.registry.ReplaceDevice(ctx, newDevices[code], grace); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range addDevices {
		if _, err := e.registry.AddDevice(ctx, d); err != nil {
			errs = append(errs, err)
			continue
		}
		summary.DevicesAdded = append(summary.DevicesAdded, d.Code)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = newDevices

	for id, g := range newGroups {
		if _, kept := e.units[id]; kept {
			continue
		}

		u := NewPollingUnit(g, e.registry, e.sink, e.options, e.logger, e.metrics)
		e.units[id] = u

		start := g.Enabled && newDevices[g.DeviceCode].Enabled
		if prev, ok := replaced[id]; ok {
			summary.GroupsChanged = append(summary.GroupsChanged, id)
			start = start && (wasRunning[id] || !prev.Enabled)
		} else {
			summary.GroupsAdded = append(summary.GroupsAdded, id)
		}
		if stuck[id] {
			e.logger.Warn().Str("group", id).Msg("Previous unit still running, replacement left stopped")
			continue
		}
		if start && e.ctx != nil && !e.stopped {
			if err := u.Start(e.ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}

	sortSummary(&summary)
	e.logger.Info().
		Strs("devices_added", summary.DevicesAdded).
		Strs("devices_changed", summary.DevicesChanged).
		Strs("devices_removed", summary.DevicesRemoved).
		Strs("groups_added", summary.GroupsAdded).
		Strs("groups_changed", summary.GroupsChanged).
		Strs("groups_removed", summary.GroupsRemoved).
		Msg("Configuration reloaded")

	if len(errs) > 0 {
		return summary, fmt.Errorf("%w: %w", domain.ErrReloadFailed, errors.Join(errs...))
	}
	return summary, nil
}

// retireError names a unit that did not stop within the stop timeout.
type retireError struct {
	group string
	err   error
}

func (r *retireError) Error() string { return r.err.Error() }
func (r *retireError) Unwrap() error { return r.err }

// stopRetiring stops the given units concurrently, each bounded by the stop
// timeout.
func (e *Engine) stopRetiring(units map[string]*PollingUnit) []error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for id, u := range units {
		wg.Add(1)
		go func(id string, u *PollingUnit) {
			defer wg.Done()
			if err := u.Stop(e.options.StopTimeout); err != nil {
				e.logger.Warn().Err(err).Str("group", id).Msg("Unit did not stop in time during reload")
				mu.Lock()
				errs = append(errs, &retireError{group: id, err: err})
				mu.Unlock()
			}
		}(id, u)
	}
	wg.Wait()
	return errs
}

func (e *Engine) lookup(id string) (*PollingUnit, context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, nil, domain.ErrServiceStopped
	}
	u, ok := e.units[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrGroupNotFound, id)
	}
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return u, ctx, nil
}

func (e *Engine) sortedUnitsLocked() []*PollingUnit {
	units := make([]*PollingUnit, 0, len(e.units))
	for _, u := range e.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool {
		a, b := units[i].Group(), units[j].Group()
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return units
}

func sortSummary(s *ReloadSummary) {
	for _, l := range [][]string{s.DevicesAdded, s.DevicesChanged, s.DevicesRemoved, s.GroupsAdded, s.GroupsChanged, s.GroupsRemoved} {
		sort.Strings(l)
	}
}

func succeeded(id string, st State) ControlResult {
	return ControlResult{GroupID: id, OK: true, State: st}
}

func failed(id string, st State, err error) ControlResult {
	return ControlResult{GroupID: id, State: st, Error: err.Error()}
}
