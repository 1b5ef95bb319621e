// Package transport maintains the network link to the MQTT broker.
//
// The link is a plain TCP or TLS stream. [Session.EnsureConnected]
// redials with a fixed delay until it succeeds or the context ends;
// the broker session on top calls [Session.Reset] whenever it decides
// the link is unusable.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nugget/smartfarm-agent/internal/connwatch"
)

// ErrClosed is returned by EnsureConnected after Close.
var ErrClosed = errors.New("transport: session closed")

// Dialer opens a network connection. *net.Dialer and *tls.Dialer both
// satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Config configures a link session.
type Config struct {
	// Address is the broker host:port.
	Address string

	// TLS enables a TLS link. ServerName defaults to the host part of
	// Address.
	TLS                bool
	InsecureSkipVerify bool

	// RetryDelay is the fixed wait between failed dials (default 500ms).
	RetryDelay time.Duration

	// DialTimeout bounds a single dial (default 5s).
	DialTimeout time.Duration

	// Dialer overrides the dialer built from the fields above.
	Dialer Dialer

	// Timer overrides the retry timer. Nil uses a real timer.
	Timer backoff.Timer
}

// NewDialer returns the dialer for cfg: a *tls.Dialer when TLS is set,
// otherwise a *net.Dialer.
func NewDialer(cfg Config) (Dialer, error) {
	base := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	if !cfg.TLS {
		return base, nil
	}
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("split broker address: %w", err)
	}
	return &tls.Dialer{
		NetDialer: base,
		Config: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // bench brokers with self-signed certs
		},
	}, nil
}

// Session owns the link. Only the control loop dials and resets; status
// readers may call IsConnected concurrently.
type Session struct {
	cfg     Config
	dialer  Dialer
	tracker *connwatch.Tracker
	logger  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// New creates a disconnected link session. tracker receives the state
// transitions; it may be created from a [connwatch.Manager].
func New(cfg Config, tracker *connwatch.Tracker, logger *slog.Logger) (*Session, error) {
	if cfg.Address == "" {
		return nil, errors.New("transport: address is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = connwatch.NewTracker("link", logger)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		var err error
		if dialer, err = NewDialer(cfg); err != nil {
			return nil, err
		}
	}

	return &Session{
		cfg:     cfg,
		dialer:  dialer,
		tracker: tracker,
		logger:  logger,
	}, nil
}

// IsConnected reports whether the link is up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Conn returns the live connection, or nil when disconnected.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// EnsureConnected returns immediately if the link is up. Otherwise it
// dials, waiting RetryDelay between failures, until a dial succeeds or
// ctx is cancelled.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("connecting link", "address", s.cfg.Address, "tls", s.cfg.TLS)

	return connwatch.Retry(ctx, connwatch.RetryConfig{
		Name:   s.tracker.Name(),
		Delay:  s.cfg.RetryDelay,
		Timer:  s.cfg.Timer,
		Logger: s.logger,
	}, s.dial)
}

func (s *Session) dial(ctx context.Context) error {
	s.tracker.Connecting()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", s.cfg.Address)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", s.cfg.Address, err)
		s.tracker.Down(err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		s.tracker.Down(nil)
		return backoff.Permanent(ErrClosed)
	}
	s.conn = conn
	s.mu.Unlock()

	s.tracker.Connected()
	s.logger.Debug("link established",
		"local", conn.LocalAddr().String(),
		"remote", conn.RemoteAddr().String(),
	)
	return nil
}

// Reset closes the current connection (if any) and marks the link
// Disconnected. cause is recorded as the reason.
func (s *Session) Reset(cause error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("link close failed", "error", err)
	}
	s.tracker.Down(cause)
}

// Close drops the link and prevents further dials.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Reset(nil)
	return nil
}
