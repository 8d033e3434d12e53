// Package router fans envelopes out to the observer connections that
// subscribed to a conversation.
//
// Each registered connection gets its own writer goroutine draining a
// bounded FIFO queue, so one slow or dead observer never stalls the
// others and envelopes reach each connection in the order they were
// delivered. Subscriptions map (agent, session) keys to connections,
// with an inverse index by connection for teardown.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// DefaultQueueSize is the per-connection send queue length used when
// none is configured.
const DefaultQueueSize = 256

// ErrUnknownConn is returned when subscribing a connection that was
// never registered or has already disconnected.
var ErrUnknownConn = errors.New("unknown connection")

// errQueueFull is the drop reason for an observer that fell too far
// behind.
var errQueueFull = errors.New("send queue full")

// Key identifies one conversation observers can subscribe to.
type Key struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

// Writer sends one serialized envelope to an observer. Writers are only
// ever called from the connection's own writer goroutine. If a Writer
// also implements io.Closer, it is closed when the router drops the
// connection.
type Writer interface {
	Write(ctx context.Context, data []byte) error
}

// Metrics receives delivery counters. All methods must be safe for
// concurrent use.
type Metrics interface {
	EnvelopeRouted(envType string, fallback bool, targets int)
	ConnectionDropped(reason string)
}

// Router tracks observer connections and their subscriptions.
type Router struct {
	mu    sync.Mutex
	conns map[string]*peer
	// subs is the forward table: key -> connection set. A key with no
	// connections is deleted, never left empty.
	subs map[Key]map[string]struct{}
	// byConn is the inverse index: connection -> keys. A connection is
	// present iff it is linked to at least one key.
	byConn map[string]map[Key]struct{}

	queueSize int
	metrics   Metrics
	logger    *slog.Logger
}

// New creates a router. queueSize bounds each connection's pending
// envelopes; zero or less selects [DefaultQueueSize].
func New(logger *slog.Logger, queueSize int) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Router{
		conns:     make(map[string]*peer),
		subs:      make(map[Key]map[string]struct{}),
		byConn:    make(map[string]map[Key]struct{}),
		queueSize: queueSize,
		logger:    logger,
	}
}

// SetMetrics installs a metrics sink.
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

// Register adds an active connection and starts its writer goroutine.
// Registering an ID that is already active replaces the old connection.
func (r *Router) Register(connID string, w Writer) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:     connID,
		w:      w,
		queue:  make(chan []byte, r.queueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	old := r.conns[connID]
	r.conns[connID] = p
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	go r.writeLoop(ctx, p)
	r.logger.Debug("observer registered", "conn", connID)
}

// Subscribe links connID to (agentID, sessionID). Subscribing twice is
// a no-op.
func (r *Router) Subscribe(connID, agentID, sessionID string) error {
	key := Key{AgentID: agentID, SessionID: sessionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return fmt.Errorf("subscribe %s: %w", connID, ErrUnknownConn)
	}
	set, ok := r.subs[key]
	if !ok {
		set = make(map[string]struct{})
		r.subs[key] = set
	}
	set[connID] = struct{}{}

	keys, ok := r.byConn[connID]
	if !ok {
		keys = make(map[Key]struct{})
		r.byConn[connID] = keys
	}
	keys[key] = struct{}{}
	return nil
}

// Unsubscribe unlinks connID from (agentID, sessionID). Unsubscribing a
// link that does not exist is a no-op.
func (r *Router) Unsubscribe(connID, agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlinkLocked(connID, Key{AgentID: agentID, SessionID: sessionID})
}

func (r *Router) unlinkLocked(connID string, key Key) {
	if set, ok := r.subs[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.subs, key)
		}
	}
	if keys, ok := r.byConn[connID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// OnDisconnect removes the connection from every key it was subscribed
// to and stops its writer. Safe to call more than once.
func (r *Router) OnDisconnect(connID string) {
	r.mu.Lock()
	p := r.conns[connID]
	delete(r.conns, connID)
	for key := range r.byConn[connID] {
		if set, ok := r.subs[key]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.subs, key)
			}
		}
	}
	delete(r.byConn, connID)
	r.mu.Unlock()

	if p != nil {
		p.close()
		r.logger.Debug("observer disconnected", "conn", connID)
	}
}

// Deliver sends env to every connection subscribed to (agentID,
// sessionID). When nobody is subscribed yet, env goes to every active
// connection instead, so observers of a brand new session still see its
// first envelopes. It returns the number of connections targeted.
func (r *Router) Deliver(agentID, sessionID string, env events.Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode envelope",
			"type", env.Type,
			"agent", agentID,
			"session", sessionID,
			"error", err,
		)
		return 0
	}

	key := Key{AgentID: agentID, SessionID: sessionID}
	r.mu.Lock()
	set := r.subs[key]
	fallback := len(set) == 0
	var targets []*peer
	if fallback {
		targets = make([]*peer, 0, len(r.conns))
		for _, p := range r.conns {
			targets = append(targets, p)
		}
	} else {
		targets = make([]*peer, 0, len(set))
		for id := range set {
			if p, ok := r.conns[id]; ok {
				targets = append(targets, p)
			}
		}
	}
	r.mu.Unlock()

	r.send(targets, data)
	if r.metrics != nil {
		r.metrics.EnvelopeRouted(env.Type, fallback, len(targets))
	}
	r.logger.Log(context.Background(), config.LevelTrace, "envelope routed",
		"type", env.Type,
		"agent", agentID,
		"session", sessionID,
		"targets", len(targets),
		"fallback", fallback,
	)
	return len(targets)
}

// BroadcastAll sends env to every active connection regardless of
// subscriptions.
func (r *Router) BroadcastAll(env events.Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode envelope", "type", env.Type, "error", err)
		return 0
	}
	r.mu.Lock()
	targets := make([]*peer, 0, len(r.conns))
	for _, p := range r.conns {
		targets = append(targets, p)
	}
	r.mu.Unlock()

	r.send(targets, data)
	if r.metrics != nil {
		r.metrics.EnvelopeRouted(env.Type, true, len(targets))
	}
	return len(targets)
}

// SendTo queues env for one connection only, behind anything already
// queued for it. It reports false if connID is not registered.
func (r *Router) SendTo(connID string, env events.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode envelope", "type", env.Type, "error", err)
		return false
	}
	r.mu.Lock()
	p, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.send([]*peer{p}, data)
	return true
}

// send enqueues data on each target. A full queue drops that
// connection only.
func (r *Router) send(targets []*peer, data []byte) {
	for _, p := range targets {
		if !p.enqueue(data) {
			r.drop(p, errQueueFull)
		}
	}
}

// drop disconnects a connection after a delivery failure.
func (r *Router) drop(p *peer, reason error) {
	r.mu.Lock()
	current := r.conns[p.id] == p
	r.mu.Unlock()
	if !current {
		p.close()
		return
	}

	r.logger.Warn("dropping observer connection", "conn", p.id, "error", reason)
	if r.metrics != nil {
		label := "write_error"
		if errors.Is(reason, errQueueFull) {
			label = "queue_full"
		}
		r.metrics.ConnectionDropped(label)
	}
	r.OnDisconnect(p.id)
	if c, ok := p.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Debug("close after drop failed", "conn", p.id, "error", err)
		}
	}
}

func (r *Router) writeLoop(ctx context.Context, p *peer) {
	defer close(p.done)
	for data := range p.queue {
		if ctx.Err() != nil {
			return
		}
		if err := p.w.Write(ctx, data); err != nil {
			if ctx.Err() == nil {
				r.drop(p, err)
			}
			return
		}
	}
}

// Subscribers returns the connection IDs subscribed to (agentID,
// sessionID), sorted.
func (r *Router) Subscribers(agentID, sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[Key{AgentID: agentID, SessionID: sessionID}]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns the keys connID is subscribed to.
func (r *Router) Subscriptions(connID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.byConn[connID]))
	for k := range r.byConn[connID] {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// ConnCount returns the number of active connections.
func (r *Router) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// KeyCount returns the number of keys with at least one subscriber.
func (r *Router) KeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// peer is one registered connection and its send queue.
type peer struct {
	id     string
	w      Writer
	queue  chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// enqueue adds data to the queue without blocking. It reports false
// only when the queue is full; enqueueing on a closed peer is a silent
// no-op.
func (p *peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true
	}
	select {
	case p.queue <- data:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.queue)
}
