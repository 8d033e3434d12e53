package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
)

// recordingWriter captures every envelope written to one connection.
type recordingWriter struct {
	mu     sync.Mutex
	got    []map[string]any
	fail   error
	block  chan struct{}
	closed bool
}

func (w *recordingWriter) Write(ctx context.Context, data []byte) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	w.got = append(w.got, m)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) messages() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]map[string]any, len(w.got))
	copy(out, w.got)
	return out
}

func (w *recordingWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func note(msg string) events.Envelope {
	return events.New("coordinator", "Coordinator", "s1", events.Notification{NotificationType: "test", Message: msg})
}

// checkInvariants asserts the forward table has no empty sets and the
// inverse index mirrors it exactly.
func checkInvariants(t *testing.T, r *Router) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, set := range r.subs {
		if len(set) == 0 {
			t.Errorf("key %v maps to an empty set", key)
		}
		for conn := range set {
			if _, ok := r.byConn[conn][key]; !ok {
				t.Errorf("forward entry %v -> %s missing from inverse index", key, conn)
			}
		}
	}
	for conn, keys := range r.byConn {
		if len(keys) == 0 {
			t.Errorf("connection %s in inverse index with no keys", conn)
		}
		for key := range keys {
			if _, ok := r.subs[key][conn]; !ok {
				t.Errorf("inverse entry %s -> %v has no forward entry", conn, key)
			}
		}
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	r := New(nil, 0)
	r.Register("c1", &recordingWriter{})

	for range 3 {
		if err := r.Subscribe("c1", "a", "s1"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	if got := r.Subscribers("a", "s1"); len(got) != 1 || got[0] != "c1" {
		t.Errorf("Subscribers = %v, want [c1]", got)
	}

	r.Unsubscribe("c1", "a", "s1")
	r.Unsubscribe("c1", "a", "s1")
	if r.KeyCount() != 0 {
		t.Errorf("KeyCount = %d after unsubscribe, want 0", r.KeyCount())
	}
	if got := r.Subscriptions("c1"); len(got) != 0 {
		t.Errorf("Subscriptions(c1) = %v, want none", got)
	}
	checkInvariants(t, r)
}

func TestSubscribe_UnknownConn(t *testing.T) {
	r := New(nil, 0)
	if err := r.Subscribe("ghost", "a", "s1"); !errors.Is(err, ErrUnknownConn) {
		t.Errorf("Subscribe unregistered: err = %v, want ErrUnknownConn", err)
	}
	checkInvariants(t, r)
}

func TestOnDisconnect_RemovesEverywhere(t *testing.T) {
	r := New(nil, 0)
	r.Register("c1", &recordingWriter{})
	r.Register("c2", &recordingWriter{})
	r.Subscribe("c1", "a", "s1")
	r.Subscribe("c1", "a", "s2")
	r.Subscribe("c1", "b", "s3")
	r.Subscribe("c2", "a", "s1")

	r.OnDisconnect("c1")
	r.OnDisconnect("c1")

	if got := r.Subscribers("a", "s1"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("Subscribers(a,s1) = %v, want [c2]", got)
	}
	if r.KeyCount() != 1 {
		t.Errorf("KeyCount = %d, want 1 (emptied keys deleted)", r.KeyCount())
	}
	if r.ConnCount() != 1 {
		t.Errorf("ConnCount = %d, want 1", r.ConnCount())
	}
	checkInvariants(t, r)
}

func TestInvariants_RandomOps(t *testing.T) {
	r := New(nil, 0)
	rng := rand.New(rand.NewSource(42))
	conns := []string{"c1", "c2", "c3", "c4"}
	agents := []string{"a", "b"}
	sessions := []string{"s1", "s2", "s3"}
	registered := make(map[string]bool)

	for i := range 2000 {
		c := conns[rng.Intn(len(conns))]
		a := agents[rng.Intn(len(agents))]
		s := sessions[rng.Intn(len(sessions))]
		switch rng.Intn(4) {
		case 0:
			if !registered[c] {
				r.Register(c, &recordingWriter{})
				registered[c] = true
			}
		case 1:
			err := r.Subscribe(c, a, s)
			if registered[c] && err != nil {
				t.Fatalf("op %d: Subscribe(%s): %v", i, c, err)
			}
		case 2:
			r.Unsubscribe(c, a, s)
		case 3:
			r.OnDisconnect(c)
			registered[c] = false
		}
		checkInvariants(t, r)
	}
}

func TestDeliver_Targeted(t *testing.T) {
	r := New(nil, 0)
	w1, w2, w3 := &recordingWriter{}, &recordingWriter{}, &recordingWriter{}
	r.Register("c1", w1)
	r.Register("c2", w2)
	r.Register("c3", w3)
	r.Subscribe("c1", "coordinator", "s1")
	r.Subscribe("c2", "coordinator", "s1")
	r.Subscribe("c3", "coordinator", "other")

	if n := r.Deliver("coordinator", "s1", note("targeted")); n != 2 {
		t.Errorf("Deliver targeted %d connections, want 2", n)
	}

	waitFor(t, "subscribers to receive", func() bool {
		return len(w1.messages()) == 1 && len(w2.messages()) == 1
	})
	// Give a stray delivery to c3 a chance to show up.
	time.Sleep(20 * time.Millisecond)
	if got := w3.messages(); len(got) != 0 {
		t.Errorf("unsubscribed connection received %v", got)
	}
}

func TestDeliver_FallbackBroadcast(t *testing.T) {
	r := New(nil, 0)
	w1, w2 := &recordingWriter{}, &recordingWriter{}
	r.Register("c1", w1)
	r.Register("c2", w2)
	r.Subscribe("c2", "coordinator", "other")

	if n := r.Deliver("coordinator", "new-session", note("first")); n != 2 {
		t.Errorf("fallback targeted %d connections, want 2", n)
	}
	waitFor(t, "every connection to receive", func() bool {
		return len(w1.messages()) == 1 && len(w2.messages()) == 1
	})
}

func TestSendTo(t *testing.T) {
	r := New(nil, 0)
	w1, w2 := &recordingWriter{}, &recordingWriter{}
	r.Register("c1", w1)
	r.Register("c2", w2)

	if !r.SendTo("c1", note("direct")) {
		t.Fatal("SendTo registered connection = false")
	}
	if r.SendTo("ghost", note("lost")) {
		t.Error("SendTo unknown connection = true")
	}
	waitFor(t, "direct send", func() bool { return len(w1.messages()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := w2.messages(); len(got) != 0 {
		t.Errorf("other connection received %v", got)
	}
}

func TestDeliver_LogsAtTraceLevel(t *testing.T) {
	for _, tt := range []struct {
		level slog.Level
		want  bool
	}{
		{config.LevelTrace, true},
		{slog.LevelDebug, false},
	} {
		var buf bytes.Buffer
		r := New(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level})), 0)
		r.Deliver("a", "s", note("traced"))
		if got := strings.Contains(buf.String(), "envelope routed"); got != tt.want {
			t.Errorf("logger at %v: routed line logged = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestDeliver_NoConnections(t *testing.T) {
	r := New(nil, 0)
	if n := r.Deliver("a", "s", note("void")); n != 0 {
		t.Errorf("Deliver with no connections = %d, want 0", n)
	}
}

func TestDeliver_PreservesOrder(t *testing.T) {
	r := New(nil, 0)
	w := &recordingWriter{}
	r.Register("c1", w)
	r.Subscribe("c1", "coordinator", "s1")

	const n = 100
	for i := range n {
		r.Deliver("coordinator", "s1", note(fmt.Sprintf("m%d", i)))
	}
	waitFor(t, "all envelopes", func() bool { return len(w.messages()) == n })
	for i, m := range w.messages() {
		if want := fmt.Sprintf("m%d", i); m["message"] != want {
			t.Fatalf("envelope %d = %v, want %s", i, m["message"], want)
		}
	}
}

func TestDeliver_WriteErrorDropsOnlyThatConnection(t *testing.T) {
	r := New(nil, 0)
	bad := &recordingWriter{fail: errors.New("broken pipe")}
	good := &recordingWriter{}
	r.Register("bad", bad)
	r.Register("good", good)
	r.Subscribe("bad", "a", "s1")
	r.Subscribe("good", "a", "s1")

	r.Deliver("a", "s1", note("one"))
	waitFor(t, "bad connection to be dropped", func() bool { return r.ConnCount() == 1 })
	waitFor(t, "dropped writer to be closed", bad.isClosed)

	r.Deliver("a", "s1", note("two"))
	waitFor(t, "good connection to receive both", func() bool { return len(good.messages()) == 2 })
	if got := r.Subscribers("a", "s1"); len(got) != 1 || got[0] != "good" {
		t.Errorf("Subscribers = %v, want [good]", got)
	}
	checkInvariants(t, r)
}

func TestDeliver_QueueOverflowDrops(t *testing.T) {
	r := New(nil, 2)
	slow := &recordingWriter{block: make(chan struct{})}
	fast := &recordingWriter{}
	r.Register("slow", slow)
	r.Register("fast", fast)

	// The slow writer holds at most one envelope while blocked and two
	// more fill its queue, so five envelopes must overflow it. Waiting on
	// the fast writer after each send keeps its queue from filling.
	for i := range 5 {
		r.BroadcastAll(note(fmt.Sprintf("m%d", i)))
		waitFor(t, "fast connection to receive", func() bool { return len(fast.messages()) == i+1 })
	}
	waitFor(t, "slow connection to be dropped", func() bool { return r.ConnCount() == 1 })
	close(slow.block)
}

type countingMetrics struct {
	mu      sync.Mutex
	routed  map[bool]int
	dropped map[string]int
}

func (m *countingMetrics) EnvelopeRouted(_ string, fallback bool, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routed[fallback]++
}

func (m *countingMetrics) ConnectionDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func TestMetrics(t *testing.T) {
	r := New(nil, 0)
	m := &countingMetrics{routed: make(map[bool]int), dropped: make(map[string]int)}
	r.SetMetrics(m)
	r.Register("c1", &recordingWriter{})
	r.Deliver("a", "s1", note("fallback"))
	r.Subscribe("c1", "a", "s1")
	r.Deliver("a", "s1", note("targeted"))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routed[true] != 1 || m.routed[false] != 1 {
		t.Errorf("routed = %v, want one fallback and one targeted", m.routed)
	}
}

func TestConcurrentOps(t *testing.T) {
	r := New(nil, 0)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			for j := range 50 {
				r.Register(id, &recordingWriter{})
				r.Subscribe(id, "a", fmt.Sprintf("s%d", j%3))
				r.Deliver("a", fmt.Sprintf("s%d", j%3), note("x"))
				if j%7 == 0 {
					r.OnDisconnect(id)
				}
			}
			r.OnDisconnect(id)
		}()
	}
	wg.Wait()

	checkInvariants(t, r)
	if r.ConnCount() != 0 || r.KeyCount() != 0 {
		t.Errorf("after all disconnects: conns=%d keys=%d", r.ConnCount(), r.KeyCount())
	}
}
