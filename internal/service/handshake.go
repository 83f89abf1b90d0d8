package service

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// handshake holds the trigger state of one handshake run.
type handshake struct {
	lastFire time.Time
	failing  bool
}

// due reports whether a trigger observed at now falls outside the dedup
// window of the last fire.
func (h *handshake) due(now time.Time, window time.Duration) bool {
	return h.lastFire.IsZero() || now.Sub(h.lastFire) >= window
}

// runHandshake samples the trigger bit every TriggerPollInterval. A set bit
// fires one full read unless the previous fire is less than DedupWindow ago.
// Manual requests share the window: inside it they are absorbed and the
// window restarts from the request.
func (u *PollingUnit) runHandshake(ctx context.Context) {
	ticker := time.NewTicker(u.group.TriggerPollInterval)
	defer ticker.Stop()

	var hs handshake
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.manual:
			u.manualTrigger(ctx, &hs)
		case <-ticker.C:
			u.checkTrigger(ctx, &hs)
		}
	}
}

// checkTrigger reads the trigger bit and fires when it is set and due.
func (u *PollingUnit) checkTrigger(ctx context.Context, hs *handshake) {
	lease, err := u.source.Acquire(ctx, u.group.DeviceCode, u.options.AcquireTimeout)
	if err != nil {
		u.triggerFailed(ctx, hs, err)
		return
	}
	defer lease.Release()

	set, err := u.readTrigger(ctx, lease)
	if err != nil {
		u.triggerFailed(ctx, hs, err)
		return
	}
	if hs.failing {
		hs.failing = false
		u.logger.Info().Msg("Trigger bit readable again")
	}
	if !set {
		return
	}

	now := time.Now()
	if !hs.due(now, u.group.DedupWindow) {
		u.stats.triggersDeduped.Add(1)
		if u.metrics != nil {
			u.metrics.RecordTrigger(u.group.ID, false)
		}
		return
	}

	hs.lastFire = now
	u.fire(ctx, lease, now, "plc")

	if u.group.AutoResetTrigger && ctx.Err() == nil {
		if err := lease.WriteBit(ctx, u.group.Trigger, false); err != nil {
			u.stats.triggerErrors.Add(1)
			u.setLastError(err)
			u.logger.Warn().Err(err).Str("trigger", u.group.Trigger.Key()).Msg("Failed to reset trigger bit")
		}
	}
}

// manualTrigger handles an operator request.
func (u *PollingUnit) manualTrigger(ctx context.Context, hs *handshake) {
	now := time.Now()
	if !hs.due(now, u.group.DedupWindow) {
		hs.lastFire = now
		u.stats.triggersDeduped.Add(1)
		if u.metrics != nil {
			u.metrics.RecordTrigger(u.group.ID, false)
		}
		u.logger.Info().Msg("Manual trigger absorbed by dedup window")
		return
	}
	hs.lastFire = now

	lease, err := u.source.Acquire(ctx, u.group.DeviceCode, u.options.AcquireTimeout)
	if err != nil {
		if ctx.Err() == nil {
			u.stats.triggersFired.Add(1)
			u.emitFailure(ctx, now, err)
		}
		return
	}
	defer lease.Release()

	u.fire(ctx, lease, now, "manual")
}

func (u *PollingUnit) fire(ctx context.Context, lease domain.Lease, at time.Time, source string) {
	u.stats.triggersFired.Add(1)
	if u.metrics != nil {
		u.metrics.RecordTrigger(u.group.ID, true)
	}
	u.logger.Debug().Str("source", source).Msg("Trigger fired")
	u.readAndEmit(ctx, lease, at)
}

// readTrigger returns the current state of the trigger bit.
func (u *PollingUnit) readTrigger(ctx context.Context, lease domain.Lease) (bool, error) {
	res, err := lease.ReadBatch(ctx, []domain.RegisterRequest{u.group.Trigger})
	if err != nil {
		return false, err
	}
	key := u.group.Trigger.Key()
	if rerr, ok := res.Errors[key]; ok {
		return false, rerr
	}
	v, ok := res.Values[key].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s returned %T", domain.ErrTriggerNotReady, key, res.Values[key])
	}
	return v, nil
}

func (u *PollingUnit) triggerFailed(ctx context.Context, hs *handshake, err error) {
	if ctx.Err() != nil {
		return
	}
	u.stats.triggerErrors.Add(1)
	u.setLastError(err)
	if !hs.failing {
		hs.failing = true
		u.logger.Warn().Err(err).Str("trigger", u.group.Trigger.Key()).Msg("Failed to read trigger bit")
	}
}
