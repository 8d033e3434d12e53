// Package connwatch tracks the reachability of parley's external
// dependencies: the Ollama server behind the model invoker and the
// MQTT broker behind the envelope mirror.
//
// httpkit retries individual dial failures; connwatch covers outages
// that last seconds to minutes. Each [Watcher] probes one service,
// backing off exponentially while it is down and polling at a steady
// interval while it is up. State transitions are logged and reported
// through [Manager.OnChange].
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. It returns nil when
// the service is healthy and must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first retry delay after a failed probe (default 2s).
	Initial time.Duration
	// Max caps retry delay growth (default 60s).
	Max time.Duration
	// Poll is the interval between probes while the service is up
	// (default 60s).
	Poll time.Duration
	// Timeout bounds each probe (default 10s).
	Timeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 60s while down and a
// 60s poll while up.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     60 * time.Second,
		Poll:    60 * time.Second,
		Timeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Status is the health of one watched service as reported by the
// health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since,omitzero"`
}

// Watcher probes a single service until its context ends.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	logger  *slog.Logger
	changed func(name string, ready bool, err error)

	mu     sync.Mutex
	status Status

	cancel context.CancelFunc
	done   chan struct{}
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.backoff.Poll
		if err != nil {
			wait = delay
			delay *= 2
			if delay > w.backoff.Max {
				delay = w.backoff.Max
			}
		} else {
			delay = w.backoff.Initial
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the outcome, reporting transitions.
// The first probe always counts as a transition so callers learn the
// initial state.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	w.mu.Lock()
	first := w.status.Checks == 0
	wasReady := w.status.Ready
	w.status.Checks++
	w.status.LastCheck = now
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	transition := first || wasReady != w.status.Ready
	if transition {
		w.status.Since = now
	}
	w.mu.Unlock()

	if !transition {
		if err != nil {
			w.logger.Debug("service still unreachable", "service", w.name, "error", err)
		}
		return err
	}

	switch {
	case err == nil && first:
		w.logger.Info("service connected", "service", w.name)
	case err == nil:
		w.logger.Info("service recovered", "service", w.name)
	case first:
		w.logger.Warn("service unreachable at startup, retrying in background", "service", w.name, "error", err)
	default:
		w.logger.Warn("service became unreachable", "service", w.name, "error", err)
	}
	if w.changed != nil {
		w.changed(w.name, err == nil, err)
	}
	return err
}

// Manager owns a set of watchers keyed by service name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	onChange func(name string, ready bool, err error)
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// OnChange installs a hook called synchronously from the probing
// goroutine whenever a service changes state, including its first
// probe. Install it before calling [Manager.Watch].
func (m *Manager) OnChange(fn func(name string, ready bool, err error)) {
	m.onChange = fn
}

// Watch starts probing a service in the background. Watching a name
// that is already watched replaces the old watcher. It panics on an
// empty name or a nil probe.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, backoff Backoff) *Watcher {
	if name == "" {
		panic("connwatch: empty service name")
	}
	if probe == nil {
		panic("connwatch: nil probe for " + name)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: backoff.withDefaults(),
		logger:  m.logger,
		changed: m.onChange,
		status:  Status{Name: name},
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready. A manager
// with nothing to watch is healthy.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
