package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nugget/smartfarm-agent/internal/connwatch"
)

type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer { return &instantTimer{c: make(chan time.Time, 1)} }

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

// flakyDialer fails the first failures dials, then hands out pipe ends.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	calls    int
	peers    []net.Conn
}

func (d *flakyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	d.peers = append(d.peers, server)
	return client, nil
}

func (d *flakyDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestSession(t *testing.T, d Dialer, timer *instantTimer) (*Session, *connwatch.Tracker) {
	t.Helper()
	tracker := connwatch.NewTracker("link", slog.Default())
	cfg := Config{
		Address:    "broker.local:8883",
		RetryDelay: 500 * time.Millisecond,
		Dialer:     d,
	}
	if timer != nil {
		cfg.Timer = timer
	}
	s, err := New(cfg, tracker, slog.Default())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s, tracker
}

func TestEnsureConnected_RetriesWithFixedDelay(t *testing.T) {
	d := &flakyDialer{failures: 3}
	timer := newInstantTimer()
	s, tracker := newTestSession(t, d, timer)

	if s.IsConnected() {
		t.Fatal("new session reports connected")
	}
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error: %v", err)
	}

	if !s.IsConnected() || s.Conn() == nil {
		t.Error("session not connected after EnsureConnected")
	}
	if d.Calls() != 4 {
		t.Errorf("dial calls = %d, want 4", d.Calls())
	}
	for i, delay := range timer.delays {
		if delay != 500*time.Millisecond {
			t.Errorf("retry delay[%d] = %s, want 500ms", i, delay)
		}
	}
	if len(timer.delays) != 3 {
		t.Errorf("retry waits = %d, want 3", len(timer.delays))
	}

	st := tracker.Status()
	if !st.Ready || st.Attempts != 4 || st.Connects != 1 {
		t.Errorf("tracker status = %+v", st)
	}
}

func TestEnsureConnected_NoopWhenConnected(t *testing.T) {
	d := &flakyDialer{}
	s, _ := newTestSession(t, d, newInstantTimer())

	for range 3 {
		if err := s.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected() error: %v", err)
		}
	}
	if d.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1", d.Calls())
	}
}

func TestEnsureConnected_Cancelled(t *testing.T) {
	d := &flakyDialer{failures: 1 << 30}
	s, tracker := newTestSession(t, d, nil)
	s.cfg.RetryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.EnsureConnected(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureConnected() = %v, want context.DeadlineExceeded", err)
	}
	if s.IsConnected() {
		t.Error("session connected after cancelled EnsureConnected")
	}
	if tracker.State() != connwatch.Disconnected {
		t.Errorf("tracker state = %s, want disconnected", tracker.State())
	}
}

func TestReset_DropsAndRedials(t *testing.T) {
	d := &flakyDialer{}
	s, tracker := newTestSession(t, d, newInstantTimer())

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := s.Conn()

	cause := errors.New("broker went away")
	s.Reset(cause)

	if s.IsConnected() {
		t.Error("connected after Reset")
	}
	if !errors.Is(tracker.LastError(), cause) {
		t.Errorf("tracker LastError = %v, want %v", tracker.LastError(), cause)
	}
	if _, err := first.Write([]byte("x")); err == nil {
		t.Error("old connection still writable after Reset")
	}

	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.Calls() != 2 {
		t.Errorf("dial calls = %d, want 2", d.Calls())
	}
}

func TestClose_StopsDialing(t *testing.T) {
	s, _ := newTestSession(t, &flakyDialer{}, newInstantTimer())
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureConnected(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("EnsureConnected after Close = %v, want ErrClosed", err)
	}
}

func TestNewDialer(t *testing.T) {
	plain, err := NewDialer(Config{Address: "broker.local:1883"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := plain.(*net.Dialer); !ok {
		t.Errorf("plain dialer is %T, want *net.Dialer", plain)
	}

	secure, err := NewDialer(Config{Address: "broker.local:8883", TLS: true})
	if err != nil {
		t.Fatal(err)
	}
	td, ok := secure.(*tls.Dialer)
	if !ok {
		t.Fatalf("tls dialer is %T, want *tls.Dialer", secure)
	}
	if td.Config.ServerName != "broker.local" {
		t.Errorf("ServerName = %q, want broker.local", td.Config.ServerName)
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Error("New() with empty address should error")
	}
}
