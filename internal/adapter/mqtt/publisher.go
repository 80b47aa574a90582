// Package mqtt publishes telemetry samples to an MQTT broker with
// automatic reconnection and message buffering. Samples produced while
// the broker is away are buffered and flushed on reconnect; when the
// buffer fills, the oldest sample is dropped first.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	BufferSize     int
	PublishTimeout time.Duration

	// TopicPrefix roots every topic, e.g. "testrig/bench1".
	TopicPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "testrig",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
		TopicPrefix:    "testrig",
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize == 0 {
		c.BufferSize = 1000
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "testrig"
	}
	return c
}

// bufferedMessage is one payload waiting for the broker to come back.
type bufferedMessage struct {
	topic   string
	payload []byte
}

// Stats tracks publisher activity.
type Stats struct {
	Published atomic.Uint64
	Failed    atomic.Uint64
	Buffered  atomic.Uint64
}

// Publisher sends telemetry samples to the broker.
type Publisher struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	client    pahomqtt.Client
	connected atomic.Bool
	buffer    chan bufferedMessage
	done      chan struct{}
	wg        sync.WaitGroup
	stats     Stats
}

// NewPublisher builds a publisher. Connect must be called before samples
// reach the broker; samples published earlier are buffered.
func NewPublisher(cfg Config, logger zerolog.Logger) *Publisher {
	cfg = cfg.withDefaults()
	return &Publisher{
		cfg:    cfg,
		logger: logger.With().Str("component", "mqtt-publisher").Logger(),
		buffer: make(chan bufferedMessage, cfg.BufferSize),
	}
}

// Connect establishes the broker connection and starts the buffer drain
// loop.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.cfg.BrokerURL)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(p.cfg.KeepAlive)
	opts.SetConnectTimeout(p.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.cfg.ReconnectDelay)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.connected.Store(true)
		p.logger.Info().Msg("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := pahomqtt.NewClient(opts)

	p.logger.Info().Str("broker", p.cfg.BrokerURL).Msg("Connecting to MQTT broker")
	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.cfg.ConnectTimeout)
	}()
	select {
	case ok := <-connectDone:
		if !ok {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.mu.Lock()
	p.client = client
	p.done = make(chan struct{})
	p.mu.Unlock()
	p.connected.Store(true)

	p.wg.Add(1)
	go p.processBuffer()

	return nil
}

// Disconnect stops the drain loop and closes the broker connection.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	done := p.done
	client := p.client
	p.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
		p.wg.Wait()
	}

	if client != nil && client.IsConnected() {
		client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// PublishSample sends one telemetry sample to <prefix>/telemetry. When the
// broker is away the sample is buffered.
func (p *Publisher) PublishSample(ctx context.Context, sample domain.TelemetrySample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encoding telemetry sample: %w", err)
	}

	topic := p.cfg.TopicPrefix + "/telemetry"
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload)
}

// PublishSweepEvent announces a completed sweep on <prefix>/sweeps.
func (p *Publisher) PublishSweepEvent(ctx context.Context, sweep domain.Sweep) error {
	event := struct {
		ID        string    `json:"id"`
		SessionID string    `json:"session_id"`
		Index     int       `json:"index"`
		StartedAt time.Time `json:"started_at"`
		Channels  int       `json:"channels"`
	}{
		ID:        sweep.ID.String(),
		SessionID: sweep.SessionID.String(),
		Index:     sweep.Index,
		StartedAt: sweep.StartedAt,
		Channels:  len(sweep.Waveforms),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding sweep event: %w", err)
	}

	topic := p.cfg.TopicPrefix + "/sweeps"
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload)
}

func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Publish(topic, p.cfg.QoS, false, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.cfg.PublishTimeout)
	}()
	select {
	case ok := <-publishDone:
		if !ok {
			p.stats.Failed.Add(1)
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.stats.Failed.Add(1)
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.stats.Failed.Add(1)
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.Published.Add(1)
	return nil
}

func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := bufferedMessage{topic: topic, payload: payload}
	select {
	case p.buffer <- msg:
		p.stats.Buffered.Add(1)
		return nil
	default:
		// Drop the oldest sample; the newest reading matters most.
		select {
		case <-p.buffer:
			p.buffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	p.mu.RLock()
	done := p.done
	p.mu.RUnlock()

	for {
		select {
		case <-done:
			return
		case msg := <-p.buffer:
			if !p.connected.Load() {
				// Put it back and wait for the broker.
				select {
				case p.buffer <- msg:
				default:
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
			if err := p.publishRaw(ctx, msg.topic, msg.payload); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to publish buffered message")
			}
			cancel()
		}
	}
}

// IsConnected reports whether the broker connection is up.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// BufferedCount returns the number of messages waiting for the broker.
func (p *Publisher) BufferedCount() int {
	return len(p.buffer)
}

// HealthCheck reports broker connectivity.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
