package service

import (
	"context"
	"time"
)

// runFixed polls on a grid anchored at the start time: cycle n is due at
// start + n*interval. A cycle that overruns one or more slots is followed
// immediately by the next one and the missed slots are counted as skipped.
func (u *PollingUnit) runFixed(ctx context.Context) {
	interval := u.group.Interval
	start := time.Now()
	var slot int64

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		u.poll(ctx)
		if ctx.Err() != nil {
			return
		}

		slot++
		next := start.Add(time.Duration(slot) * interval)
		now := time.Now()
		if now.After(next) {
			missed := int64(now.Sub(next)/interval) + 1
			slot += missed - 1
			u.recordSkipped(missed)
			timer.Reset(0)
			continue
		}
		timer.Reset(next.Sub(now))
	}
}

func (u *PollingUnit) recordSkipped(n int64) {
	u.stats.skippedTicks.Add(uint64(n))
	if u.metrics != nil {
		u.metrics.RecordSkippedTicks(u.group.ID, int(n))
	}
	u.logger.Warn().
		Int64("skipped", n).
		Dur("interval", u.group.Interval).
		Msg("Poll overran its interval")
}
