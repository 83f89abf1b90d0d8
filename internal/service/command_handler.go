package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// Controller is the control surface the command handler drives.
type Controller interface {
	StartGroup(id string) ControlResult
	StopGroup(id string, timeout time.Duration) ControlResult
	RestartGroup(id string) ControlResult
	TriggerGroup(id string) ControlResult
}

// CommandHandler accepts group control commands over MQTT.
// Commands go through a bounded queue and are executed one at a time.
type CommandHandler struct {
	mqttClient   mqtt.Client
	controller   Controller
	logger       zerolog.Logger
	config       CommandConfig
	stats        *CommandStats
	running      atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	commandQueue chan ControlCommand
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// CommandTopicPrefix is the MQTT topic prefix for commands
	// Default: "plc/cmd"
	CommandTopicPrefix string

	// ResponseTopicPrefix is the MQTT topic prefix for responses
	// Default: "plc/cmd/response"
	ResponseTopicPrefix string

	// StopTimeout is used by stop commands that do not carry their own
	StopTimeout time.Duration

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement determines if responses should be published
	EnableAcknowledgement bool

	// CommandQueueSize is the max number of commands to queue before applying back-pressure
	CommandQueueSize int
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		CommandTopicPrefix:    "plc/cmd",
		ResponseTopicPrefix:   "plc/cmd/response",
		StopTimeout:           5 * time.Second,
		QoS:                   1,
		EnableAcknowledgement: true,
		CommandQueueSize:      100,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// Command actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionTrigger = "trigger"
)

// ControlCommand is one control request.
type ControlCommand struct {
	// RequestID is echoed in the response for correlation
	RequestID string `json:"request_id,omitempty"`

	GroupID string `json:"group_id"`
	Action  string `json:"action"`

	// TimeoutMs overrides the stop timeout
	TimeoutMs int `json:"timeout_ms,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ControlResponse is published after a command ran or was rejected.
type ControlResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Action    string        `json:"action"`
	Result    ControlResult `json:"result"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ms"`
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(mqttClient mqtt.Client, controller Controller, config CommandConfig, logger zerolog.Logger) *CommandHandler {
	ctx, cancel := context.WithCancel(context.Background())

	d := DefaultCommandConfig()
	if config.CommandTopicPrefix == "" {
		config.CommandTopicPrefix = d.CommandTopicPrefix
	}
	if config.ResponseTopicPrefix == "" {
		config.ResponseTopicPrefix = d.ResponseTopicPrefix
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = d.StopTimeout
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = d.CommandQueueSize
	}

	return &CommandHandler{
		mqttClient:   mqttClient,
		controller:   controller,
		logger:       logger.With().Str("component", "command-handler").Logger(),
		config:       config,
		stats:        &CommandStats{},
		ctx:          ctx,
		cancel:       cancel,
		commandQueue: make(chan ControlCommand, config.CommandQueueSize),
	}
}

// SubscribedTopics returns the MQTT topic patterns this handler subscribes to.
func (h *CommandHandler) SubscribedTopics() []string {
	return []string{fmt.Sprintf("%s/group/+/+", h.config.CommandTopicPrefix)}
}

// Start starts the queue processor and subscribes to the command topics.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	h.wg.Add(1)
	go h.processCommandQueue()

	// Topic pattern: plc/cmd/group/{group_id}/{action}
	for _, topic := range h.SubscribedTopics() {
		token := h.mqttClient.Subscribe(topic, h.config.QoS, h.handleMessage)
		if token.Wait() && token.Error() != nil {
			h.cancel()
			h.wg.Wait()
			return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
		}
	}

	h.running.Store(true)
	h.logger.Info().Str("topic_prefix", h.config.CommandTopicPrefix).Msg("Command handler started")
	return nil
}

// Stop unsubscribes and waits for the queue processor.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.mqttClient.Unsubscribe(h.SubscribedTopics()...)
	h.cancel()
	h.wg.Wait()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// Stats returns the handler counters.
func (h *CommandHandler) Stats() *CommandStats { return h.stats }

func (h *CommandHandler) processCommandQueue() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			h.drainCommandQueue()
			return
		case cmd := <-h.commandQueue:
			h.execute(cmd)
		}
	}
}

// drainCommandQueue rejects what is left on shutdown.
func (h *CommandHandler) drainCommandQueue() {
	for {
		select {
		case cmd := <-h.commandQueue:
			h.stats.CommandsRejected.Add(1)
			h.respond(cmd, failed(cmd.GroupID, StateStopped, domain.ErrServiceStopped), 0)
		default:
			return
		}
	}
}

// handleMessage parses a command.
// Topic: plc/cmd/group/{group_id}/{action}
// Payload: optional JSON {"request_id": "...", "timeout_ms": 1000}
func (h *CommandHandler) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	h.enqueue(msg.Topic(), msg.Payload())
}

func (h *CommandHandler) enqueue(topic string, payload []byte) {
	h.stats.CommandsReceived.Add(1)

	rest := strings.TrimPrefix(topic, h.config.CommandTopicPrefix+"/group/")
	parts := strings.Split(rest, "/")
	if rest == topic || len(parts) != 2 || parts[0] == "" {
		h.logger.Warn().Str("topic", topic).Msg("Invalid command topic format")
		h.stats.CommandsRejected.Add(1)
		return
	}

	var cmd ControlCommand
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			h.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to parse control command")
			h.stats.CommandsRejected.Add(1)
			return
		}
	}
	cmd.GroupID = parts[0]
	cmd.Action = parts[1]
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}

	select {
	case h.commandQueue <- cmd:
	default:
		h.logger.Warn().
			Str("group", cmd.GroupID).
			Str("action", cmd.Action).
			Msg("Command rejected: queue full (back-pressure)")
		h.stats.CommandsRejected.Add(1)
		h.respond(cmd, failed(cmd.GroupID, "", fmt.Errorf("command queue full, try again later")), 0)
	}
}

func (h *CommandHandler) execute(cmd ControlCommand) {
	start := time.Now()

	var result ControlResult
	switch cmd.Action {
	case ActionStart:
		result = h.controller.StartGroup(cmd.GroupID)
	case ActionStop:
		timeout := h.config.StopTimeout
		if cmd.TimeoutMs > 0 {
			timeout = time.Duration(cmd.TimeoutMs) * time.Millisecond
		}
		result = h.controller.StopGroup(cmd.GroupID, timeout)
	case ActionRestart:
		result = h.controller.RestartGroup(cmd.GroupID)
	case ActionTrigger:
		result = h.controller.TriggerGroup(cmd.GroupID)
	default:
		result = failed(cmd.GroupID, "", fmt.Errorf("%w: %q", domain.ErrUnknownCommand, cmd.Action))
	}

	if result.OK {
		h.stats.CommandsSucceeded.Add(1)
	} else {
		h.stats.CommandsFailed.Add(1)
	}
	h.logger.Info().
		Str("group", cmd.GroupID).
		Str("action", cmd.Action).
		Bool("ok", result.OK).
		Str("state", string(result.State)).
		Str("error", result.Error).
		Msg("Control command executed")

	h.respond(cmd, result, time.Since(start))
}

// respond publishes the outcome to {response_prefix}/{group_id}.
func (h *CommandHandler) respond(cmd ControlCommand, result ControlResult, duration time.Duration) {
	if !h.config.EnableAcknowledgement {
		return
	}

	payload, err := json.Marshal(ControlResponse{
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		Result:    result,
		Timestamp: time.Now(),
		Duration:  duration / time.Millisecond,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal control response")
		return
	}

	topic := fmt.Sprintf("%s/%s", h.config.ResponseTopicPrefix, cmd.GroupID)
	token := h.mqttClient.Publish(topic, h.config.QoS, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to publish control response")
		}
	}()
}
