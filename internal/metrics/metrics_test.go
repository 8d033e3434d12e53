package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/parley/internal/events"
)

func TestEnvelopeRouted(t *testing.T) {
	m := New()
	m.EnvelopeRouted(events.TypeAgentResponse, false, 2)
	m.EnvelopeRouted(events.TypeAgentResponse, true, 3)
	m.EnvelopeRouted(events.TypeSessionCreated, true, 0)

	if got := testutil.ToFloat64(m.routed.WithLabelValues(events.TypeAgentResponse, "targeted")); got != 1 {
		t.Errorf("targeted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.routed.WithLabelValues(events.TypeAgentResponse, "broadcast")); got != 1 {
		t.Errorf("broadcast = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues(events.TypeAgentResponse)); got != 5 {
		t.Errorf("deliveries = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues(events.TypeSessionCreated)); got != 0 {
		t.Errorf("deliveries with no targets = %v, want 0", got)
	}
}

func TestConnectionDropped(t *testing.T) {
	m := New()
	m.ConnectionDropped("send queue full")
	m.ConnectionDropped("send queue full")
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("send queue full")); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
}

func TestDependencyUp(t *testing.T) {
	m := New()
	m.DependencyUp("ollama", true)
	m.DependencyUp("mqtt", true)
	m.DependencyUp("mqtt", false)

	if got := testutil.ToFloat64(m.dependency.WithLabelValues("ollama")); got != 1 {
		t.Errorf("ollama = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dependency.WithLabelValues("mqtt")); got != 0 {
		t.Errorf("mqtt = %v, want 0", got)
	}
}

func TestObserve(t *testing.T) {
	m := New()
	m.Observe(events.New("coordinator", "Coordinator", "s1", events.SessionCreated{}))
	m.Observe(events.New("coordinator", "Coordinator", "s1", events.AgentResponse{Action: "CHAT_RESPONSE", Severity: events.SeverityInfo}))
	m.Observe(events.New("coordinator", "Coordinator", "s1", events.AgentResponse{Action: "CHAT_RESPONSE", Severity: events.SeverityError}))

	call := events.AgentCallAnnouncement{CallingAgent: "coordinator", CalleeAgent: "researcher", ExpectsReturn: true}
	m.Observe(events.New("coordinator", "Coordinator", "s1", call))
	m.Observe(events.New("researcher", "Researcher", "s2", call))

	m.Observe(events.New("writer", "Writer", "s3", events.DelegationAnnouncement{DelegatingAgent: "coordinator", DelegatedAgent: "writer"}))
	m.Observe(events.New("coordinator", "Coordinator", "s1", events.SessionClosed{Reason: "closed"}))

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"responses", testutil.ToFloat64(m.responses.WithLabelValues("coordinator", "CHAT_RESPONSE")), 2},
		{"errors", testutil.ToFloat64(m.errors.WithLabelValues("coordinator")), 1},
		{"created", testutil.ToFloat64(m.sessions.WithLabelValues("coordinator", "created")), 1},
		{"closed", testutil.ToFloat64(m.sessions.WithLabelValues("coordinator", "closed")), 1},
		{"calls counted once", testutil.ToFloat64(m.agentCalls.WithLabelValues("coordinator", "researcher")), 1},
		{"delegations", testutil.ToFloat64(m.delegations.WithLabelValues("coordinator", "writer")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestFollowStopsOnClose(t *testing.T) {
	m := New()
	ch := make(chan events.Envelope, 2)
	ch <- events.New("a", "A", "s1", events.SessionCreated{})
	close(ch)

	done := make(chan struct{})
	go func() {
		m.Follow(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after channel closed")
	}
	if got := testutil.ToFloat64(m.sessions.WithLabelValues("a", "created")); got != 1 {
		t.Errorf("created = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.GaugeFunc("sessions_active", "Live sessions.", func() float64 { return 3 })
	m.ConnectionDropped("write failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"parley_sessions_active 3",
		`parley_connections_dropped_total{reason="write failed"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
