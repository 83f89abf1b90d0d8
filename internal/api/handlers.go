// Package api provides the HTTP monitoring and control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/nexus-edge/plc-acquisition/internal/service"
	"github.com/nexus-edge/plc-acquisition/pkg/logging"
	"github.com/rs/zerolog"
)

// =============================================================================
// Middleware
// =============================================================================

// Middleware wraps handlers with request limits and logging.
type Middleware struct {
	maxBodySize int64
	logger      zerolog.Logger
}

// NewMiddleware creates a new middleware. A maxBodySize of 0 disables the
// body limit.
func NewMiddleware(maxBodySize int64, logger zerolog.Logger) *Middleware {
	return &Middleware{
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("component", "api-middleware").Logger(),
	}
}

// LimitRequestBody caps the request body size.
func (m *Middleware) LimitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.maxBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// LogRequests logs every control request at Info and reads at Debug.
func (m *Middleware) LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logger := logging.WithRequestContext(m.logger, middleware.GetReqID(r.Context()), r.Method, r.URL.Path)
		event := logger.Debug()
		if r.Method != http.MethodGet {
			event = logger.Info()
		}
		if ww.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}

// =============================================================================
// Handlers
// =============================================================================

// Engine is the control and monitoring view of the polling engine.
type Engine interface {
	StartGroup(id string) service.ControlResult
	StopGroup(id string, timeout time.Duration) service.ControlResult
	RestartGroup(id string) service.ControlResult
	TriggerGroup(id string) service.ControlResult
	StartAll() []service.ControlResult
	StopAll(timeout time.Duration) []service.ControlResult
	Units() []service.UnitStatus
	Unit(id string) (service.UnitStatus, error)
	Reload(ctx context.Context, snapshot *domain.ConfigSnapshot) (service.ReloadSummary, error)
}

// DeviceMonitor reports connection pool health per device.
type DeviceMonitor interface {
	Devices() []domain.DeviceHealth
}

// StatsProvider reports pipeline and write statistics.
type StatsProvider interface {
	Snapshot() metrics.Snapshot
}

// APIHandler serves the /api endpoints.
type APIHandler struct {
	engine        Engine
	devices       DeviceMonitor
	stats         StatsProvider
	source        domain.ConfigSource
	stopTimeout   time.Duration
	startedAt     time.Time
	logger        zerolog.Logger
	topicTracker  TopicTracker
	subscriptions SubscriptionProvider
}

// NewAPIHandler creates a new API handler. source may be nil, in which case
// reload requests are rejected.
func NewAPIHandler(engine Engine, devices DeviceMonitor, stats StatsProvider, source domain.ConfigSource, stopTimeout time.Duration, logger zerolog.Logger) *APIHandler {
	if stopTimeout <= 0 {
		stopTimeout = service.DefaultUnitOptions().StopTimeout
	}
	return &APIHandler{
		engine:      engine,
		devices:     devices,
		stats:       stats,
		source:      source,
		stopTimeout: stopTimeout,
		startedAt:   time.Now(),
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// SetTopicTracker wires in the live publisher (optional).
func (h *APIHandler) SetTopicTracker(tracker TopicTracker) {
	h.topicTracker = tracker
}

// SetSubscriptionProvider wires in the command handler (optional).
func (h *APIHandler) SetSubscriptionProvider(provider SubscriptionProvider) {
	h.subscriptions = provider
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Timestamp       time.Time             `json:"timestamp"`
	Uptime          string                `json:"uptime"`
	Groups          int                   `json:"groups"`
	GroupsByState   map[service.State]int `json:"groups_by_state"`
	Devices         int                   `json:"devices"`
	DegradedDevices []string              `json:"degraded_devices"`
	Pipeline        metrics.Snapshot      `json:"pipeline"`
	Failing         []service.UnitStatus  `json:"failing,omitempty"`
}

// StatusHandler returns the overall engine status.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	units := h.engine.Units()
	devices := h.devices.Devices()

	resp := StatusResponse{
		Timestamp:       time.Now(),
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		Groups:          len(units),
		GroupsByState:   make(map[service.State]int),
		Devices:         len(devices),
		DegradedDevices: []string{},
		Pipeline:        h.stats.Snapshot(),
	}
	for _, u := range units {
		resp.GroupsByState[u.State]++
		if u.State == service.StateErrored || u.ConsecutiveFailures > 0 {
			resp.Failing = append(resp.Failing, u)
		}
	}
	for _, d := range devices {
		if d.Degraded {
			resp.DegradedDevices = append(resp.DegradedDevices, d.DeviceCode)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListGroupsHandler returns every polling unit.
func (h *APIHandler) ListGroupsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Units())
}

// GetGroupHandler returns one polling unit.
func (h *APIHandler) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Unit(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListDevicesHandler returns pool health for every device.
func (h *APIHandler) ListDevicesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.devices.Devices())
}

// StartGroupHandler starts one group.
func (h *APIHandler) StartGroupHandler(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.engine.StartGroup)
}

// StopGroupHandler stops one group. An optional ?timeout= duration
// overrides the default stop wait.
func (h *APIHandler) StopGroupHandler(w http.ResponseWriter, r *http.Request) {
	timeout, ok := h.timeoutParam(w, r)
	if !ok {
		return
	}
	h.control(w, r, func(id string) service.ControlResult {
		return h.engine.StopGroup(id, timeout)
	})
}

// RestartGroupHandler restarts one group.
func (h *APIHandler) RestartGroupHandler(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.engine.RestartGroup)
}

// TriggerGroupHandler requests an immediate read of a handshake group.
func (h *APIHandler) TriggerGroupHandler(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.engine.TriggerGroup)
}

// StartAllHandler starts every enabled group.
func (h *APIHandler) StartAllHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.StartAll())
}

// StopAllHandler stops every group.
func (h *APIHandler) StopAllHandler(w http.ResponseWriter, r *http.Request) {
	timeout, ok := h.timeoutParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.StopAll(timeout))
}

// ReloadHandler rereads the configuration source and applies it.
func (h *APIHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusNotImplemented, "no configuration source")
		return
	}

	snapshot, err := h.source.Load(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to load configuration for reload")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	summary, err := h.engine.Reload(r.Context(), snapshot)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Configuration reload rejected")
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.Info().
		Strs("groups_changed", summary.GroupsChanged).
		Strs("devices_changed", summary.DevicesChanged).
		Msg("Configuration reloaded")
	writeJSON(w, http.StatusOK, summary)
}

func (h *APIHandler) control(w http.ResponseWriter, r *http.Request, op func(id string) service.ControlResult) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Unit(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	result := op(id)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (h *APIHandler) timeoutParam(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return h.stopTimeout, true
	}
	timeout, err := time.ParseDuration(raw)
	if err != nil || timeout <= 0 {
		writeError(w, http.StatusBadRequest, "invalid timeout "+raw)
		return 0, false
	}
	return timeout, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrServiceStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrReloadFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
