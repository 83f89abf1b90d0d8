// Package mqtt fans tag records out to an MQTT broker for live dashboards.
// It sits beside the storage path: records are queued without blocking,
// buffered while the broker is unreachable and dropped oldest-first when the
// buffer is full.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/nexus-edge/plc-acquisition/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher publishes tag records to the broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	everConnected atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         publisherCounters
	topicMu       sync.RWMutex
	topicStats    map[string]*TopicStat
}

// TopicStat tracks publish activity for a given topic.
type TopicStat struct {
	Topic            string    `json:"topic"`
	Count            uint64    `json:"count"`
	LastPublished    time.Time `json:"last_published"`
	LastPayloadBytes int       `json:"last_payload_bytes"`
}

// Config holds MQTT publisher configuration.
type Config struct {
	Enabled        bool
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

type publisherCounters struct {
	published atomic.Uint64
	failed    atomic.Uint64
	buffered  atomic.Uint64
	dropped   atomic.Uint64
	bytesSent atomic.Uint64
	reconnect atomic.Uint64
}

// PublisherStats is a snapshot of the publisher counters.
type PublisherStats struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesBuffered  uint64 `json:"messages_buffered"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "plc-collector",
		TopicPrefix:    "plc/live",
		CleanSession:   true,
		QoS:            0,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher. Call Connect before use.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	d := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = d.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = d.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = d.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = d.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = d.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = d.TopicPrefix
	}
	config.TopicPrefix = strings.TrimRight(config.TopicPrefix, "/")

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		topicStats:    make(map[string]*TopicStat),
	}
}

// recordPayload is the compact JSON body of one record.
type recordPayload struct {
	Value     interface{} `json:"v,omitempty"`
	Quality   string      `json:"q"`
	Timestamp int64       `json:"ts"`
	Group     string      `json:"g,omitempty"`
	Error     string      `json:"e,omitempty"`
}

// Topic returns {prefix}/{device}/{address} for a record.
func (p *Publisher) Topic(r domain.TagRecord) string {
	return p.config.TopicPrefix + "/" + r.DeviceCode + "/" + r.Address
}

// Payload renders a record as compact JSON with a millisecond timestamp.
func Payload(r domain.TagRecord) ([]byte, error) {
	return json.Marshal(recordPayload{
		Value:     r.Value,
		Quality:   string(r.Quality),
		Timestamp: r.Timestamp.UnixMilli(),
		Group:     r.GroupID,
		Error:     r.Error,
	})
}

// PublishRecords queues the records for publishing. It never blocks: when
// the buffer is full the oldest message is dropped.
func (p *Publisher) PublishRecords(_ context.Context, records []domain.TagRecord) error {
	var firstErr error
	for _, r := range records {
		payload, err := Payload(r)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to serialize %s: %w", r.Address, err)
			}
			continue
		}
		p.enqueue(&BufferedMessage{
			Topic:     p.Topic(r),
			Payload:   payload,
			QoS:       p.config.QoS,
			Retained:  p.config.RetainMessages,
			Timestamp: time.Now(),
		})
	}
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
	return firstErr
}

func (p *Publisher) enqueue(msg *BufferedMessage) {
	for {
		select {
		case p.messageBuffer <- msg:
			p.stats.buffered.Add(1)
			return
		default:
		}
		select {
		case <-p.messageBuffer:
			if p.stats.dropped.Add(1)%1000 == 1 {
				p.logger.Warn().Uint64("dropped", p.stats.dropped.Load()).Msg("Buffer full, dropped oldest message")
			}
		default:
		}
	}
}

// ActiveTopics returns the most recently published topics, sorted by recency.
// If limit <= 0, a default limit of 200 is used.
func (p *Publisher) ActiveTopics(limit int) []TopicStat {
	if limit <= 0 {
		limit = 200
	}

	p.topicMu.RLock()
	out := make([]TopicStat, 0, len(p.topicStats))
	for _, stat := range p.topicStats {
		out = append(out, *stat)
	}
	p.topicMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPublished.After(out[j].LastPublished)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (p *Publisher) recordTopicPublish(topic string, payloadBytes int) {
	now := time.Now()

	p.topicMu.Lock()
	defer p.topicMu.Unlock()

	stat, ok := p.topicStats[topic]
	if !ok {
		const maxTrackedTopics = 10000
		if len(p.topicStats) >= maxTrackedTopics {
			p.evictOldestTopicsLocked(maxTrackedTopics / 10)
		}
		stat = &TopicStat{Topic: topic}
		p.topicStats[topic] = stat
	}
	stat.Count++
	stat.LastPublished = now
	stat.LastPayloadBytes = payloadBytes
}

// evictOldestTopicsLocked removes the N oldest topics from the stats map.
// Must be called with topicMu held.
func (p *Publisher) evictOldestTopicsLocked(count int) {
	if count <= 0 || len(p.topicStats) == 0 {
		return
	}

	type topicAge struct {
		topic string
		time  time.Time
	}
	topics := make([]topicAge, 0, len(p.topicStats))
	for topic, stat := range p.topicStats {
		topics = append(topics, topicAge{topic: topic, time: stat.LastPublished})
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].time.Before(topics[j].time)
	})

	if count > len(topics) {
		count = len(topics)
	}
	for i := 0; i < count; i++ {
		delete(p.topicStats, topics[i].topic)
	}
}

// Connect establishes the connection to the MQTT broker and starts the
// buffer processor.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.start(client)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// start attaches a connected client and launches the buffer processor.
func (p *Publisher) start(client pahomqtt.Client) {
	p.mu.Lock()
	p.client = client
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.connected.Store(true)
	p.everConnected.Store(true)

	p.wg.Add(1)
	go p.processBuffer()
}

// Disconnect publishes what it can within a few seconds and disconnects.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// publishRaw publishes one message and waits for the broker's ack.
func (p *Publisher) publishRaw(ctx context.Context, msg *BufferedMessage) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	var err error
	select {
	case success := <-publishDone:
		if !success {
			err = fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		} else if token.Error() != nil {
			err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	latency := time.Since(start)
	if err != nil {
		p.stats.failed.Add(1)
		if p.metrics != nil {
			p.metrics.RecordMQTTPublish(false, latency.Seconds())
		}
		return err
	}

	p.stats.published.Add(1)
	p.stats.bytesSent.Add(uint64(len(msg.Payload)))
	p.recordTopicPublish(msg.Topic, len(msg.Payload))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, latency.Seconds())
	}
	return nil
}

// processBuffer publishes queued messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	p.mu.RLock()
	done := p.done
	p.mu.RUnlock()

	for {
		if !p.connected.Load() {
			select {
			case <-done:
				p.drainBuffer()
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		select {
		case <-done:
			p.drainBuffer()
			return
		case msg := <-p.messageBuffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg); err != nil {
				p.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("Failed to publish live value")
			}
			cancel()
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
			}
			cancel()
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(_ pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
	p.stats.reconnect.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTReconnect()
	}
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		MessagesPublished: p.stats.published.Load(),
		MessagesFailed:    p.stats.failed.Load(),
		MessagesBuffered:  p.stats.buffered.Load(),
		MessagesDropped:   p.stats.dropped.Load(),
		BytesSent:         p.stats.bytesSent.Load(),
		ReconnectCount:    p.stats.reconnect.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(_ context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client. The command handler uses it to
// subscribe to control topics.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}
