// Package metrics exposes parley's Prometheus counters. Everything is
// registered on a private registry so tests and multiple servers in one
// process never collide.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/parley/internal/events"
)

const namespace = "parley"

// Metrics holds the collectors. It implements the router's metrics
// sink and can follow the event bus for orchestration counters.
type Metrics struct {
	reg *prometheus.Registry

	routed      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	responses   *prometheus.CounterVec
	errors      *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	agentCalls  *prometheus.CounterVec
	delegations *prometheus.CounterVec
	dependency  *prometheus.GaugeVec
}

// New creates and registers every collector. Gauges that read live
// state are added later with [Metrics.GaugeFunc].
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_routed_total",
			Help:      "Envelopes handed to the router, by type and delivery mode.",
		}, []string{"type", "mode"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_deliveries_total",
			Help:      "Per-connection envelope deliveries, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Observer connections dropped after a delivery failure.",
		}, []string{"reason"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_responses_total",
			Help:      "agent_response envelopes emitted, by agent and action.",
		}, []string{"agent", "action"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Error-severity agent responses, by agent.",
		}, []string{"agent"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Sessions created and closed, by agent.",
		}, []string{"agent", "event"}),
		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Nested agent calls, by caller and target.",
		}, []string{"caller", "target"}),
		delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Fire-and-forget delegations, by caller and target.",
		}, []string{"caller", "target"}),
		dependency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "1 when an external service answered its last probe.",
		}, []string{"service"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.routed, m.deliveries, m.dropped, m.responses,
		m.errors, m.sessions, m.agentCalls, m.delegations,
		m.dependency,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape
// time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// DependencyUp records the reachability of an external service.
func (m *Metrics) DependencyUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.dependency.WithLabelValues(service).Set(v)
}

// EnvelopeRouted counts one router delivery decision.
func (m *Metrics) EnvelopeRouted(envType string, fallback bool, targets int) {
	mode := "targeted"
	if fallback {
		mode = "broadcast"
	}
	m.routed.WithLabelValues(envType, mode).Inc()
	if targets > 0 {
		m.deliveries.WithLabelValues(envType).Add(float64(targets))
	}
}

// ConnectionDropped counts one dropped observer.
func (m *Metrics) ConnectionDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// Observe updates the orchestration counters from one envelope.
func (m *Metrics) Observe(env events.Envelope) {
	switch b := env.Body.(type) {
	case events.AgentResponse:
		m.responses.WithLabelValues(env.AgentID, b.Action).Inc()
		if b.Severity == events.SeverityError {
			m.errors.WithLabelValues(env.AgentID).Inc()
		}
	case events.SessionCreated:
		m.sessions.WithLabelValues(env.AgentID, "created").Inc()
	case events.SessionClosed:
		m.sessions.WithLabelValues(env.AgentID, "closed").Inc()
	case events.AgentCallAnnouncement:
		// Calls are announced to both sessions; count the caller's copy.
		if b.CallingAgent == env.AgentID {
			m.agentCalls.WithLabelValues(b.CallingAgent, b.CalleeAgent).Inc()
		}
	case events.DelegationAnnouncement:
		m.delegations.WithLabelValues(b.DelegatingAgent, b.DelegatedAgent).Inc()
	}
}

// Follow observes envelopes from ch until it closes or ctx ends.
func (m *Metrics) Follow(ctx context.Context, ch <-chan events.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(env)
		}
	}
}
