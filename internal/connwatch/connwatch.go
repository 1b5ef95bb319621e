// Package connwatch tracks the connection state of the agent's network
// sessions and drives their reconnect loops.
//
// Every session (the network link and the broker session layered on top
// of it) owns a [Tracker], an explicit Disconnected → Connecting →
// Connected state machine. Transitions are logged and fanned out to
// change listeners, which feed the health endpoints, metrics and the
// event bus.
//
// Reconnects use [Retry]: a fixed delay between attempts, no growth and
// no attempt limit. The wait runs on a [backoff.Timer] so it can be
// cancelled through the context and replaced in tests.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection state of a single session.
type State int32

// Session states.
const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ServiceStatus is the state of a tracked session, suitable for JSON
// serialization in health endpoints.
type ServiceStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Ready      bool      `json:"ready"`
	LastChange time.Time `json:"last_change"`
	LastError  string    `json:"last_error,omitempty"`
	Attempts   int64     `json:"attempts"`
	Connects   int64     `json:"connects"`
}

// ChangeFunc observes a state transition. It runs synchronously on the
// goroutine that caused the transition and must not block.
type ChangeFunc func(name string, from, to State, err error)

// Tracker holds the state machine for one session. Safe for concurrent
// use: the control loop mutates it, status readers query it.
type Tracker struct {
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	lastErr    error
	lastChange time.Time
	attempts   int64
	connects   int64
	listeners  []ChangeFunc
}

// NewTracker returns a tracker in the Disconnected state.
func NewTracker(name string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		name:       name,
		logger:     logger,
		lastChange: time.Now(),
	}
}

// Name returns the session name.
func (t *Tracker) Name() string { return t.name }

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsReady reports whether the session is Connected.
func (t *Tracker) IsReady() bool {
	return t.State() == Connected
}

// LastError returns the error that caused the most recent drop or failed
// attempt, or nil once connected.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Status returns a snapshot of the session state.
func (t *Tracker) Status() ServiceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ServiceStatus{
		Name:       t.name,
		State:      t.state.String(),
		Ready:      t.state == Connected,
		LastChange: t.lastChange,
		Attempts:   t.attempts,
		Connects:   t.connects,
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}

// OnChange registers a transition listener.
func (t *Tracker) OnChange(fn ChangeFunc) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Connecting marks the start of a connection attempt.
func (t *Tracker) Connecting() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
	t.transition(Connecting, nil)
}

// Connected marks a successful connection.
func (t *Tracker) Connected() {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()
	t.transition(Connected, nil)
}

// Down marks the session Disconnected. err is the cause, or nil for a
// deliberate close.
func (t *Tracker) Down(err error) {
	t.transition(Disconnected, err)
}

func (t *Tracker) transition(to State, err error) {
	t.mu.Lock()
	from := t.state
	if from == to && err == nil {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.lastErr = err
	if from != to {
		t.lastChange = time.Now()
	}
	listeners := make([]ChangeFunc, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	if from == to {
		return
	}

	switch {
	case to == Connected:
		t.logger.Info("session connected", "session", t.name)
	case from == Connected && to == Disconnected:
		t.logger.Warn("session lost", "session", t.name, "error", err)
	default:
		t.logger.Debug("session state changed",
			"session", t.name,
			"from", from.String(),
			"to", to.String(),
			"error", err,
		)
	}

	for _, fn := range listeners {
		fn(t.name, from, to, err)
	}
}

// RetryConfig controls a fixed-delay reconnect loop.
type RetryConfig struct {
	// Name identifies the session in log output.
	Name string

	// Delay is the constant wait between failed attempts.
	Delay time.Duration

	// Timer runs the waits. Nil uses a real timer.
	Timer backoff.Timer

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Retry calls op until it returns nil, returns an error wrapped with
// [backoff.Permanent], or ctx is cancelled. There is no attempt limit.
// On cancellation it returns ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return op(ctx)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("connect attempt failed, retrying",
			"session", cfg.Name,
			"attempt", attempt,
			"retry_in", next.String(),
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(cfg.Delay), ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, cfg.Timer)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil && attempt > 1 {
		logger.Info("connected after retries", "session", cfg.Name, "attempts", attempt)
	}
	return err
}

// Manager keeps the named trackers of all sessions.
type Manager struct {
	mu        sync.RWMutex
	trackers  map[string]*Tracker
	listeners []ChangeFunc
	logger    *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		trackers: make(map[string]*Tracker),
		logger:   logger,
	}
}

// Track returns the tracker for name, creating it on first use. Listeners
// registered with [Manager.OnChange] are attached to new trackers.
//
// Panics if name is empty.
func (m *Manager) Track(name string) *Tracker {
	if name == "" {
		panic("connwatch: tracker name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.trackers[name]; ok {
		return t
	}
	t := NewTracker(name, m.logger)
	for _, fn := range m.listeners {
		t.OnChange(fn)
	}
	m.trackers[name] = t
	return t
}

// OnChange registers fn on every current and future tracker.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
	for _, t := range m.trackers {
		t.OnChange(fn)
	}
}

// Names returns the tracked session names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.trackers))
	for name := range m.trackers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the status of all tracked sessions.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.trackers))
	for name, t := range m.trackers {
		status[name] = t.Status()
	}
	return status
}

// Ready reports whether at least one session is tracked and all of them
// are Connected.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.trackers) == 0 {
		return false
	}
	for _, t := range m.trackers {
		if !t.IsReady() {
			return false
		}
	}
	return true
}
