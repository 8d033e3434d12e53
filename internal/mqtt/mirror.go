package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// publisher is the slice of *autopaho.ConnectionManager the mirror
// publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// ChatHandler receives one inbound chat message. It runs on its own
// goroutine and may block for the length of a turn.
type ChatHandler func(ctx context.Context, agentID, sessionID, content string)

// Mirror owns the broker connection. It publishes envelopes from a bus
// subscription and optionally dispatches inbound chat.
type Mirror struct {
	cfg     config.MQTTConfig
	prefix  string
	logger  *slog.Logger
	chat    ChatHandler
	limiter *messageRateLimiter

	mu sync.Mutex
	cm *autopaho.ConnectionManager

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a Mirror but does not connect. Call [Mirror.Start] to
// connect and begin mirroring.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = config.DefaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "parley-" + uuid.NewString()[:8]
	}
	logger = logger.With("component", "mqtt")
	return &Mirror{
		cfg:     cfg,
		prefix:  prefix,
		logger:  logger,
		limiter: newMessageRateLimiter(int64(cfg.InputRateLimit), time.Minute, logger),
	}
}

// SetChatHandler installs the inbound chat sink. It only takes effect
// when accept_input is enabled.
func (m *Mirror) SetChatHandler(h ChatHandler) {
	m.chat = h
}

// Start connects to the broker and publishes every envelope read from
// envelopes until ctx is cancelled or the channel closes.
func (m *Mirror) Start(ctx context.Context, envelopes <-chan events.Envelope) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
			m.subscribeInput(ctx, cm)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}
	if m.acceptsInput() {
		pahoCfg.ClientConfig.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				m.receive(ctx, pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		}
		go m.limiter.start(ctx)
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying; envelopes published meanwhile fail
		// and are counted.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.run(ctx, cm, envelopes)
	return nil
}

// Stop publishes "offline" and disconnects.
func (m *Mirror) Stop(ctx context.Context) error {
	cm := m.conn()
	if cm == nil {
		return nil
	}
	m.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Ping reports whether the broker connection is up, waiting until ctx
// ends for a reconnect in progress.
func (m *Mirror) Ping(ctx context.Context) error {
	cm := m.conn()
	if cm == nil {
		return errors.New("mqtt mirror not started")
	}
	return cm.AwaitConnection(ctx)
}

func (m *Mirror) conn() *autopaho.ConnectionManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cm
}

// Stats reports how many envelopes were published and how many
// publishes failed.
func (m *Mirror) Stats() (published, failed int64) {
	return m.published.Load(), m.failed.Load()
}

func (m *Mirror) run(ctx context.Context, pub publisher, envelopes <-chan events.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			m.publishEnvelope(ctx, pub, env)
		}
	}
}

func (m *Mirror) publishEnvelope(ctx context.Context, pub publisher, env events.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("mqtt marshal envelope", "type", env.Type, "error", err)
		m.failed.Add(1)
		return
	}
	topic := m.EnvelopeTopic(env)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		m.failed.Add(1)
		m.logger.Debug("mqtt envelope publish failed", "topic", topic, "error", err)
		return
	}
	m.published.Add(1)
}

func (m *Mirror) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

// EnvelopeTopic returns <prefix>/<agent>/<session>/<type>. Envelopes
// without an agent or session use "_" for that level.
func (m *Mirror) EnvelopeTopic(env events.Envelope) string {
	return m.prefix + "/" + topicLevel(env.AgentID) + "/" + topicLevel(env.SessionID) + "/" + env.Type
}

func (m *Mirror) availabilityTopic() string {
	return m.prefix + "/status"
}

func (m *Mirror) inputFilter() string {
	return m.prefix + "/+/input"
}

// topicLevel makes s safe as a single topic level: wildcards and level
// separators are replaced.
func topicLevel(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
