package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// inputMessage is the JSON form of an inbound chat payload.
type inputMessage struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

func (m *Mirror) acceptsInput() bool {
	return m.cfg.AcceptInput && m.chat != nil
}

func (m *Mirror) subscribeInput(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !m.acceptsInput() {
		return
	}
	filter := m.inputFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		m.logger.Warn("mqtt input subscribe failed", "topic", filter, "error", err)
		return
	}
	m.logger.Info("mqtt input subscribed", "topic", filter)
}

// receive dispatches one inbound message. Turns can take minutes, so
// the handler runs on its own goroutine and the paho callback returns
// immediately.
func (m *Mirror) receive(ctx context.Context, topic string, payload []byte) {
	agentID, sessionID, content, err := m.parseInput(topic, payload)
	if err != nil {
		m.logger.Debug("mqtt input ignored", "topic", topic, "error", err)
		return
	}
	if !m.limiter.allow() {
		return
	}
	m.logger.Debug("mqtt input received",
		"agent", agentID,
		"session", sessionID,
		"payload_size", len(payload),
	)
	go m.chat(ctx, agentID, sessionID, content)
}

// parseInput extracts the agent from <prefix>/<agent>/input and the
// session and content from the payload.
func (m *Mirror) parseInput(topic string, payload []byte) (agentID, sessionID, content string, err error) {
	rest, ok := strings.CutPrefix(topic, m.prefix+"/")
	if !ok {
		return "", "", "", errors.New("topic outside prefix")
	}
	agentID, ok = strings.CutSuffix(rest, "/input")
	if !ok || agentID == "" || strings.Contains(agentID, "/") {
		return "", "", "", errors.New("not an input topic")
	}

	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var in inputMessage
		if err := json.Unmarshal([]byte(trimmed), &in); err != nil {
			return "", "", "", err
		}
		sessionID, content = in.SessionID, strings.TrimSpace(in.Content)
	} else {
		content = trimmed
	}
	if content == "" {
		return "", "", "", errors.New("empty content")
	}
	return agentID, sessionID, content, nil
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt input dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether the current message is within the limit. A
// limit of zero or less allows everything.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if r.limit > 0 && n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
