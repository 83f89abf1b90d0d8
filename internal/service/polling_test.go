package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/service"
	"github.com/rs/zerolog"
)

func newUnit(t *testing.T, g domain.PollingGroupConfig, src domain.ConnectionSource, sink service.ResultSink) *service.PollingUnit {
	t.Helper()
	u := service.NewPollingUnit(g, src, sink, testOptions(), zerolog.Nop(), nil)
	t.Cleanup(func() { _ = u.Stop(2 * time.Second) })
	return u
}

// TestPollingUnit_FixedReadsSimulator verifies a fixed group reads every
// register from a live device and emits GOOD records.
func TestPollingUnit_FixedReadsSimulator(t *testing.T) {
	sim, registry := startSimulator(t, "PLC1")
	sim.SetWord(domain.RegisterD, 0, 10)
	sim.SetWord(domain.RegisterD, 1, 20)
	sim.SetWord(domain.RegisterD, 2, 30)

	sink := &collector{}
	u := newUnit(t, fixedGroup("g1", "PLC1", 50*time.Millisecond), registry, sink)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return sink.len() >= 3 }) {
		t.Fatalf("expected at least 3 cycles, got %d", sink.len())
	}
	if err := u.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	r := sink.all()[0]
	records := r.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := map[string]int16{"D0": 10, "D1": 20, "D2": 30}
	for _, rec := range records {
		if rec.Quality != domain.QualityGood {
			t.Errorf("expected GOOD for %s, got %s (%s)", rec.Address, rec.Quality, rec.Error)
		}
		if rec.Value != want[rec.Address] {
			t.Errorf("expected %s = %d, got %v", rec.Address, want[rec.Address], rec.Value)
		}
	}

	st := u.Status()
	if st.State != service.StateStopped {
		t.Errorf("expected stopped, got %s", st.State)
	}
	if st.Cycles != uint64(sink.len()) {
		t.Errorf("expected %d cycles, got %d", sink.len(), st.Cycles)
	}
	if st.FailedCycles != 0 {
		t.Errorf("expected no failed cycles, got %d", st.FailedCycles)
	}
}

// TestPollingUnit_FixedOverrunSkipsOneTick verifies an overrunning poll is
// followed immediately by the next and counted as exactly one skipped tick.
func TestPollingUnit_FixedOverrunSkipsOneTick(t *testing.T) {
	src := &fakeSource{delays: []time.Duration{120 * time.Millisecond}}
	sink := &collector{}
	u := newUnit(t, fixedGroup("g1", "PLC1", 100*time.Millisecond), src, sink)

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	_ = u.Stop(time.Second)

	if got := u.Status().SkippedTicks; got != 1 {
		t.Errorf("expected 1 skipped tick, got %d", got)
	}
	reads := src.readTimes()
	if len(reads) < 2 {
		t.Fatalf("expected at least 2 reads, got %d", len(reads))
	}
	gap := reads[1].Sub(reads[0])
	if gap > 160*time.Millisecond {
		t.Errorf("expected the second poll right after the overrun, gap %s", gap)
	}
}

// TestPollingUnit_FixedNoDrift verifies cycles stay on the start-anchored
// grid even though each poll takes time.
func TestPollingUnit_FixedNoDrift(t *testing.T) {
	delays := make([]time.Duration, 20)
	for i := range delays {
		delays[i] = 5 * time.Millisecond
	}
	src := &fakeSource{delays: delays}
	u := newUnit(t, fixedGroup("g1", "PLC1", 50*time.Millisecond), src, &collector{})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return len(src.readTimes()) >= 10 }) {
		t.Fatalf("expected 10 reads, got %d", len(src.readTimes()))
	}
	_ = u.Stop(time.Second)

	reads := src.readTimes()
	elapsed := reads[9].Sub(reads[0])
	if elapsed < 445*time.Millisecond || elapsed > 485*time.Millisecond {
		t.Errorf("expected the 10th poll about 450ms after the first, got %s", elapsed)
	}
	if u.Status().SkippedTicks != 0 {
		t.Errorf("expected no skipped ticks, got %d", u.Status().SkippedTicks)
	}
}

// TestPollingUnit_HandshakeDedup verifies a trigger bit held set for three
// seconds with a one second window fires exactly three reads.
func TestPollingUnit_HandshakeDedup(t *testing.T) {
	sim, registry := startSimulator(t, "PLC1")
	sim.SetWord(domain.RegisterD, 10, 99)
	sim.SetBit(domain.RegisterM, 100, nil, true)

	sink := &collector{}
	u := newUnit(t, handshakeGroup("hs", "PLC1", time.Second, false), registry, sink)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(2950 * time.Millisecond)
	if err := u.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := sink.len(); got != 3 {
		t.Errorf("expected 3 full reads, got %d", got)
	}
	st := u.Status()
	if st.TriggersFired != 3 {
		t.Errorf("expected 3 fired triggers, got %d", st.TriggersFired)
	}
	if st.TriggersDeduped == 0 {
		t.Error("expected suppressed observations inside the window")
	}
	for _, r := range sink.all() {
		if v, _ := r.Value("D10"); v != int16(99) {
			t.Errorf("expected D10 = 99, got %v", v)
		}
	}
}

// TestPollingUnit_HandshakeAutoReset verifies the trigger bit is cleared
// after the read and a new rising edge fires again.
func TestPollingUnit_HandshakeAutoReset(t *testing.T) {
	sim, registry := startSimulator(t, "PLC1")
	sim.SetBit(domain.RegisterM, 100, nil, true)

	sink := &collector{}
	u := newUnit(t, handshakeGroup("hs", "PLC1", 50*time.Millisecond, true), registry, sink)
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return sink.len() == 1 && !sim.Bit(domain.RegisterM, 100, nil) }) {
		t.Fatalf("expected one read and a cleared trigger, reads=%d bit=%v", sink.len(), sim.Bit(domain.RegisterM, 100, nil))
	}
	time.Sleep(300 * time.Millisecond)
	if sink.len() != 1 {
		t.Fatalf("expected no read while the bit is clear, got %d", sink.len())
	}

	sim.SetBit(domain.RegisterM, 100, nil, true)
	if !waitFor(t, 2*time.Second, func() bool { return sink.len() == 2 }) {
		t.Errorf("expected a second read after the bit was set again, got %d", sink.len())
	}
}

// TestPollingUnit_TriggerNow verifies manual triggers share the dedup window.
func TestPollingUnit_TriggerNow(t *testing.T) {
	sim, registry := startSimulator(t, "PLC1")
	sim.SetBit(domain.RegisterM, 100, nil, false)

	sink := &collector{}
	u := newUnit(t, handshakeGroup("hs", "PLC1", time.Second, false), registry, sink)

	if err := u.TriggerNow(); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on a stopped unit, got %v", err)
	}
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := u.TriggerNow(); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return sink.len() == 1 }) {
		t.Fatalf("expected one read after the manual trigger, got %d", sink.len())
	}

	if err := u.TriggerNow(); err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return u.Status().TriggersDeduped == 1 }) {
		t.Fatalf("expected the second request to be absorbed, deduped=%d", u.Status().TriggersDeduped)
	}
	if sink.len() != 1 {
		t.Errorf("expected still one read, got %d", sink.len())
	}
}

// TestPollingUnit_TriggerNowFixed verifies fixed groups refuse manual triggers.
func TestPollingUnit_TriggerNowFixed(t *testing.T) {
	u := newUnit(t, fixedGroup("g1", "PLC1", time.Second), &fakeSource{}, &collector{})
	if err := u.TriggerNow(); !errors.Is(err, domain.ErrNotHandshake) {
		t.Errorf("expected ErrNotHandshake, got %v", err)
	}
}

// TestPollingUnit_AcquireFailure verifies an unreachable device yields
// whole-cycle errors and the unit keeps running.
func TestPollingUnit_AcquireFailure(t *testing.T) {
	src := &fakeSource{acquireErr: errAcquire}
	sink := &collector{}
	u := newUnit(t, fixedGroup("g1", "PLC1", 20*time.Millisecond), src, sink)

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return sink.len() >= 3 }) {
		t.Fatalf("expected at least 3 cycles, got %d", sink.len())
	}

	st := u.Status()
	if st.State != service.StateRunning {
		t.Errorf("expected running, got %s", st.State)
	}
	if st.ConsecutiveFailures < 3 {
		t.Errorf("expected at least 3 consecutive failures, got %d", st.ConsecutiveFailures)
	}
	if !strings.Contains(st.LastError, "unreachable") {
		t.Errorf("expected last error to be recorded, got %q", st.LastError)
	}

	r := sink.all()[0]
	if !r.Failed() || r.ErrorCount() != 3 {
		t.Errorf("expected all 3 addresses failed, got %d errors", r.ErrorCount())
	}
	for _, rec := range r.Records() {
		if rec.Quality != domain.QualityBad {
			t.Errorf("expected BAD for %s, got %s", rec.Address, rec.Quality)
		}
	}
}

// TestPollingUnit_PanicMovesToErrored verifies a fault stops only that unit
// and the unit can be started again.
func TestPollingUnit_PanicMovesToErrored(t *testing.T) {
	src := &fakeSource{panicMsg: "boom"}
	u := newUnit(t, fixedGroup("g1", "PLC1", 20*time.Millisecond), src, &collector{})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return u.State() == service.StateErrored }) {
		t.Fatalf("expected errored, got %s", u.State())
	}
	if !strings.Contains(u.Status().LastError, "boom") {
		t.Errorf("expected panic in last error, got %q", u.Status().LastError)
	}

	src.mu.Lock()
	src.panicMsg = ""
	src.mu.Unlock()
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if u.State() != service.StateRunning {
		t.Errorf("expected running after restart, got %s", u.State())
	}
}

// TestPollingUnit_StopTimeout verifies Stop gives up on a stuck cycle and
// the unit still reaches stopped once the cycle ends.
func TestPollingUnit_StopTimeout(t *testing.T) {
	src := &fakeSource{delays: []time.Duration{400 * time.Millisecond}}
	u := newUnit(t, fixedGroup("g1", "PLC1", time.Second), src, &collector{})

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return len(src.readTimes()) == 1 }) {
		t.Fatal("expected the first read to begin")
	}

	err := u.Stop(50 * time.Millisecond)
	if !errors.Is(err, domain.ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if u.State() != service.StateStopping {
		t.Errorf("expected stopping, got %s", u.State())
	}
	u.Wait()
	if u.State() != service.StateStopped {
		t.Errorf("expected stopped, got %s", u.State())
	}
}

// TestPollingUnit_QueueFullCounted verifies rejected results are counted.
func TestPollingUnit_QueueFullCounted(t *testing.T) {
	sink := &collector{err: domain.ErrQueueFull}
	u := newUnit(t, fixedGroup("g1", "PLC1", 20*time.Millisecond), &fakeSource{}, sink)

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return u.Status().QueueDrops >= 2 }) {
		t.Errorf("expected queue drops to be counted, got %d", u.Status().QueueDrops)
	}
	if u.State() != service.StateRunning {
		t.Errorf("expected the unit to keep running, got %s", u.State())
	}
}
