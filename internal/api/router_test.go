package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/api"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/health"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/nexus-edge/plc-acquisition/internal/service"
	"github.com/rs/zerolog"
)

type fakeEngine struct {
	mu          sync.Mutex
	units       map[string]service.UnitStatus
	calls       []string
	stopTimeout time.Duration
	reloaded    *domain.ConfigSnapshot
	reloadErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{units: map[string]service.UnitStatus{
		"line1": {GroupID: "line1", DeviceCode: "PLC1", Mode: domain.ModeFixed, State: service.StateRunning, Enabled: true},
		"press": {GroupID: "press", DeviceCode: "PLC1", Mode: domain.ModeHandshake, State: service.StateErrored, LastError: "boom"},
	}}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) StartGroup(id string) service.ControlResult {
	f.record("start " + id)
	return service.ControlResult{GroupID: id, OK: true, State: service.StateRunning}
}

func (f *fakeEngine) StopGroup(id string, timeout time.Duration) service.ControlResult {
	f.record("stop " + id)
	f.mu.Lock()
	f.stopTimeout = timeout
	f.mu.Unlock()
	return service.ControlResult{GroupID: id, OK: true, State: service.StateStopped}
}

func (f *fakeEngine) RestartGroup(id string) service.ControlResult {
	f.record("restart " + id)
	return service.ControlResult{GroupID: id, OK: true, State: service.StateRunning}
}

func (f *fakeEngine) TriggerGroup(id string) service.ControlResult {
	f.record("trigger " + id)
	if f.units[id].Mode != domain.ModeHandshake {
		return service.ControlResult{GroupID: id, State: service.StateRunning, Error: domain.ErrNotHandshake.Error()}
	}
	return service.ControlResult{GroupID: id, OK: true, State: service.StateRunning}
}

func (f *fakeEngine) StartAll() []service.ControlResult {
	f.record("start-all")
	return []service.ControlResult{f.StartGroup("line1")}
}

func (f *fakeEngine) StopAll(timeout time.Duration) []service.ControlResult {
	f.record("stop-all")
	return []service.ControlResult{f.StopGroup("line1", timeout), f.StopGroup("press", timeout)}
}

func (f *fakeEngine) Units() []service.UnitStatus {
	return []service.UnitStatus{f.units["line1"], f.units["press"]}
}

func (f *fakeEngine) Unit(id string) (service.UnitStatus, error) {
	u, ok := f.units[id]
	if !ok {
		return u, fmt.Errorf("%w: %s", domain.ErrGroupNotFound, id)
	}
	return u, nil
}

func (f *fakeEngine) Reload(_ context.Context, s *domain.ConfigSnapshot) (service.ReloadSummary, error) {
	if f.reloadErr != nil {
		return service.ReloadSummary{}, f.reloadErr
	}
	f.reloaded = s
	return service.ReloadSummary{GroupsAdded: []string{"new"}}, nil
}

type fakeDevices struct{}

func (fakeDevices) Devices() []domain.DeviceHealth {
	return []domain.DeviceHealth{
		{DeviceCode: "PLC1", Status: domain.DeviceStatusOnline, PoolSize: 2, Connected: 2},
		{DeviceCode: "PLC2", Status: domain.DeviceStatusDegraded, Degraded: true, CircuitBreakerOpen: true},
	}
}

type fakeStats struct{}

func (fakeStats) Snapshot() metrics.Snapshot {
	return metrics.Snapshot{QueueLen: 3, QueueCap: 10000, BufferLen: 42}
}

type sourceFunc func(ctx context.Context) (*domain.ConfigSnapshot, error)

func (f sourceFunc) Load(ctx context.Context) (*domain.ConfigSnapshot, error) { return f(ctx) }

func newServer(t *testing.T, engine *fakeEngine, source domain.ConfigSource) http.Handler {
	t.Helper()
	h := api.NewAPIHandler(engine, fakeDevices{}, fakeStats{}, source, 3*time.Second, zerolog.Nop())
	checker := health.NewChecker(health.Config{ServiceName: "collector"})
	return api.NewRouter(h, api.NewMiddleware(1024, zerolog.Nop()), checker, nil)
}

func do(t *testing.T, srv http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// TestRouter_Status verifies the status summary counts states and degraded
// devices.
func TestRouter_Status(t *testing.T) {
	srv := newServer(t, newFakeEngine(), nil)

	rec := do(t, srv, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp api.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Groups != 2 || resp.GroupsByState[service.StateErrored] != 1 {
		t.Errorf("unexpected group counts %+v", resp)
	}
	if len(resp.DegradedDevices) != 1 || resp.DegradedDevices[0] != "PLC2" {
		t.Errorf("expected PLC2 degraded, got %v", resp.DegradedDevices)
	}
	if resp.Pipeline.BufferLen != 42 {
		t.Errorf("expected pipeline snapshot, got %+v", resp.Pipeline)
	}
	if len(resp.Failing) != 1 || resp.Failing[0].GroupID != "press" {
		t.Errorf("expected press failing, got %+v", resp.Failing)
	}
}

// TestRouter_Groups verifies listing and lookup of groups.
func TestRouter_Groups(t *testing.T) {
	srv := newServer(t, newFakeEngine(), nil)

	rec := do(t, srv, http.MethodGet, "/api/groups")
	var units []service.UnitStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &units); err != nil || len(units) != 2 {
		t.Fatalf("expected 2 units, got %s (%v)", rec.Body.String(), err)
	}

	rec = do(t, srv, http.MethodGet, "/api/groups/press")
	var u service.UnitStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil || u.LastError != "boom" {
		t.Errorf("unexpected unit %s", rec.Body.String())
	}

	if rec := do(t, srv, http.MethodGet, "/api/groups/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// TestRouter_Control verifies control endpoints map to engine operations
// and results.
func TestRouter_Control(t *testing.T) {
	tests := []struct {
		path string
		code int
		call string
	}{
		{"/api/groups/line1/start", http.StatusOK, "start line1"},
		{"/api/groups/line1/stop", http.StatusOK, "stop line1"},
		{"/api/groups/line1/restart", http.StatusOK, "restart line1"},
		{"/api/groups/press/trigger", http.StatusOK, "trigger press"},
		{"/api/groups/line1/trigger", http.StatusConflict, "trigger line1"},
		{"/api/groups/ghost/start", http.StatusNotFound, ""},
		{"/api/groups/line1/stop?timeout=soon", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			engine := newFakeEngine()
			rec := do(t, newServer(t, engine, nil), http.MethodPost, tt.path)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			if tt.call == "" {
				if len(engine.calls) != 0 {
					t.Errorf("expected no engine call, got %v", engine.calls)
				}
				return
			}
			if len(engine.calls) != 1 || engine.calls[0] != tt.call {
				t.Errorf("expected %q, got %v", tt.call, engine.calls)
			}
		})
	}
}

// TestRouter_StopTimeout verifies the default and explicit stop waits.
func TestRouter_StopTimeout(t *testing.T) {
	engine := newFakeEngine()
	srv := newServer(t, engine, nil)

	do(t, srv, http.MethodPost, "/api/groups/line1/stop")
	if engine.stopTimeout != 3*time.Second {
		t.Errorf("expected default 3s, got %s", engine.stopTimeout)
	}
	do(t, srv, http.MethodPost, "/api/groups/stop-all?timeout=250ms")
	if engine.stopTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", engine.stopTimeout)
	}

	rec := do(t, srv, http.MethodPost, "/api/groups/start-all")
	var results []service.ControlResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil || len(results) != 1 || !results[0].OK {
		t.Errorf("unexpected start-all response %s", rec.Body.String())
	}
}

// TestRouter_Reload verifies reload loads from the source and reports
// rejection.
func TestRouter_Reload(t *testing.T) {
	snap := &domain.ConfigSnapshot{}

	engine := newFakeEngine()
	srv := newServer(t, engine, sourceFunc(func(context.Context) (*domain.ConfigSnapshot, error) { return snap, nil }))
	rec := do(t, srv, http.MethodPost, "/api/config/reload")
	if rec.Code != http.StatusOK || engine.reloaded != snap {
		t.Errorf("expected reload applied, got %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"groups_added":["new"]`) {
		t.Errorf("expected summary in body, got %s", rec.Body.String())
	}

	engine = newFakeEngine()
	engine.reloadErr = fmt.Errorf("%w: %w", domain.ErrReloadFailed, domain.ErrIntervalTooShort)
	srv = newServer(t, engine, sourceFunc(func(context.Context) (*domain.ConfigSnapshot, error) { return snap, nil }))
	if rec := do(t, srv, http.MethodPost, "/api/config/reload"); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}

	srv = newServer(t, newFakeEngine(), sourceFunc(func(context.Context) (*domain.ConfigSnapshot, error) {
		return nil, errors.New("yaml: line 3")
	}))
	if rec := do(t, srv, http.MethodPost, "/api/config/reload"); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a bad file, got %d", rec.Code)
	}

	srv = newServer(t, newFakeEngine(), nil)
	if rec := do(t, srv, http.MethodPost, "/api/config/reload"); rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 without a source, got %d", rec.Code)
	}
}

// TestRouter_HealthAndDevices verifies the probes and device listing are
// mounted.
func TestRouter_HealthAndDevices(t *testing.T) {
	srv := newServer(t, newFakeEngine(), nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		if rec := do(t, srv, http.MethodGet, path); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := do(t, srv, http.MethodGet, "/api/devices")
	var devices []domain.DeviceHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil || len(devices) != 2 {
		t.Errorf("unexpected devices %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/api/topics")
	var overview api.TopicsOverview
	if err := json.Unmarshal(rec.Body.Bytes(), &overview); err != nil {
		t.Fatalf("decode topics: %v", err)
	}
	if len(overview.Routes) != 0 || len(overview.Subscriptions) != 0 {
		t.Errorf("expected empty topics without MQTT, got %+v", overview)
	}
}
