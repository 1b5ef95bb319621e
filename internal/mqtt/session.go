package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/connwatch"
	"github.com/nugget/smartfarm-agent/internal/events"
	"github.com/nugget/smartfarm-agent/internal/metrics"
)

var (
	// ErrNotConnected is logged when a publish is attempted without a
	// broker session.
	ErrNotConnected = errors.New("mqtt: not connected")

	errLinkDown     = errors.New("network link down")
	errClientClosed = errors.New("client stopped")
)

// Link is the network link the session runs on. *transport.Session
// satisfies it.
type Link interface {
	EnsureConnected(ctx context.Context) error
	IsConnected() bool
	Conn() net.Conn
	Reset(cause error)
}

// BootAnnouncement is published to the data topic after every
// successful connect.
type BootAnnouncement struct {
	Booted bool `json:"booted"`
}

// Config configures a broker session.
type Config struct {
	Topics         Topics
	ClientIDPrefix string
	Username       string
	Password       string

	// KeepAlive is sent in CONNECT (default 90s).
	KeepAlive time.Duration
	// ConnectTimeout bounds the handshake and each publish (default 10s).
	ConnectTimeout time.Duration
	// RetryDelay is the fixed wait after a failed handshake (default 5s).
	RetryDelay time.Duration

	// QueueSize is the inbound queue capacity (default 64). Messages
	// arriving while the queue is full are dropped.
	QueueSize int
	// RateLimit caps inbound messages per RateInterval (default 100/s).
	RateLimit    int64
	RateInterval time.Duration

	// Factory builds the broker client (default NewPahoClient).
	Factory ClientFactory
	// Timer overrides the retry timer. Nil uses a real timer.
	Timer backoff.Timer
}

type message struct {
	topic   string
	payload []byte
}

// Session is the broker session. EnsureConnected, Poll, Publish and
// Close are meant to be called from the control loop; IsConnected may
// be called from anywhere.
type Session struct {
	cfg     Config
	link    Link
	tracker *connwatch.Tracker
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	handler MessageHandler
	limiter *messageRateLimiter
	inbound chan message

	mu       sync.Mutex
	client   BrokerClient
	clientID string
	gen      uint64
	lost     error
}

// Option customises a Session.
type Option func(*Session)

// WithMetrics records publishes and inbound outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithEvents publishes boot announcements on b.
func WithEvents(b *events.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithTracker reports state transitions to t.
func WithTracker(t *connwatch.Tracker) Option {
	return func(s *Session) { s.tracker = t }
}

// ConfigFromBroker maps the broker section of the agent config.
func ConfigFromBroker(deviceID string, b config.BrokerConfig) Config {
	return Config{
		Topics:         NewTopics(deviceID),
		ClientIDPrefix: b.ClientIDPrefix,
		Username:       b.Username,
		Password:       b.Password,
		KeepAlive:      b.KeepAlive,
		ConnectTimeout: b.ConnectTimeout,
		RetryDelay:     b.RetryDelay,
	}
}

// New creates a disconnected session on link.
func New(cfg Config, link Link, logger *slog.Logger, opts ...Option) *Session {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 90 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = time.Second
	}
	if cfg.Factory == nil {
		cfg.Factory = NewPahoClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:     cfg,
		link:    link,
		logger:  logger,
		handler: defaultMessageHandler(logger),
		limiter: newMessageRateLimiter(cfg.RateLimit, cfg.RateInterval, logger),
		inbound: make(chan message, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = connwatch.NewTracker("broker", logger)
	}
	return s
}

// SetHandler replaces the inbound message handler. Call before the loop
// starts.
func (s *Session) SetHandler(h MessageHandler) {
	s.handler = h
}

// Topics returns the session's topic set.
func (s *Session) Topics() Topics {
	return s.cfg.Topics
}

// ClientID returns the identifier of the current (or last) connection.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// IsConnected reports whether the broker session is up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.lost == nil
}

// EnsureConnected returns immediately when the session is healthy.
// Otherwise it runs the connect sequence (link, handshake, subscribe,
// boot announcement) until it succeeds, waiting RetryDelay between
// failures. It returns a non-nil error only when ctx ends.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.checkHealth()
	if s.IsConnected() {
		return nil
	}

	return connwatch.Retry(ctx, connwatch.RetryConfig{
		Name:   s.tracker.Name(),
		Delay:  s.cfg.RetryDelay,
		Timer:  s.cfg.Timer,
		Logger: s.logger,
	}, s.connect)
}

// checkHealth tears down a session whose client reported an error,
// shut down, or whose link went away.
func (s *Session) checkHealth() {
	s.mu.Lock()
	c := s.client
	if c == nil {
		s.mu.Unlock()
		return
	}
	cause := s.lost
	if cause == nil {
		select {
		case <-c.Done():
			cause = errClientClosed
		default:
		}
	}
	if cause == nil && !s.link.IsConnected() {
		cause = errLinkDown
	}
	if cause == nil {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.lost = nil
	s.mu.Unlock()

	// The broker session must be down before its link is.
	s.tracker.Down(cause)
	s.link.Reset(cause)
}

// connect is a single connection attempt.
func (s *Session) connect(ctx context.Context) error {
	if err := s.link.EnsureConnected(ctx); err != nil {
		return backoff.Permanent(err)
	}

	s.tracker.Connecting()
	clientID := NewClientID(s.cfg.ClientIDPrefix)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.lost = nil
	s.clientID = clientID
	s.mu.Unlock()

	c := s.cfg.Factory(s.link.Conn(), clientID, ClientHooks{
		OnMessage: func(topic string, payload []byte) { s.enqueue(topic, payload) },
		OnDown:    func(err error) { s.markLost(gen, err) },
	})

	hctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	s.logger.Debug("mqtt handshake", "client_id", clientID)
	ca, err := c.Connect(hctx, &paho.Connect{
		ClientID:     clientID,
		KeepAlive:    uint16(s.cfg.KeepAlive / time.Second),
		CleanStart:   true,
		Username:     s.cfg.Username,
		UsernameFlag: s.cfg.Username != "",
		Password:     []byte(s.cfg.Password),
		PasswordFlag: s.cfg.Password != "",
	})
	if err != nil {
		if ca != nil {
			err = fmt.Errorf("connect rejected (reason code %d): %w", ca.ReasonCode, err)
		} else {
			err = fmt.Errorf("connect: %w", err)
		}
		return s.fail(err)
	}

	if err := s.subscribe(hctx, c); err != nil {
		_ = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return s.fail(err)
	}

	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	s.tracker.Connected()
	s.logger.Info("mqtt connected to broker", "client_id", clientID)

	s.announceBoot(ctx)
	return nil
}

func (s *Session) subscribe(ctx context.Context, c BrokerClient) error {
	topics := s.cfg.Topics.Subscriptions()
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 0})
	}

	sa, err := c.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if sa != nil {
		for i, code := range sa.Reasons {
			if code >= 0x80 && i < len(topics) {
				return fmt.Errorf("subscribe %s: rejected (reason code %d)", topics[i], code)
			}
		}
	}
	s.logger.Debug("mqtt subscribed", "topics", topics)
	return nil
}

// fail drops the link after a failed attempt so the next attempt starts
// from a fresh connection.
func (s *Session) fail(err error) error {
	s.tracker.Down(err)
	s.link.Reset(err)
	return err
}

func (s *Session) markLost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.lost != nil {
		return
	}
	s.lost = err
}

func (s *Session) announceBoot(ctx context.Context) {
	payload, err := json.Marshal(BootAnnouncement{Booted: true})
	if err != nil {
		s.logger.Error("marshal boot announcement", "error", err)
		return
	}
	ok := s.Publish(ctx, s.cfg.Topics.Data, payload)
	s.bus.Emit(events.SourceBroker, events.KindBoot, map[string]any{
		"client_id": s.ClientID(),
		"published": ok,
	})
}

// enqueue runs on the client's reader goroutine.
func (s *Session) enqueue(topic string, payload []byte) {
	kind := s.cfg.Topics.Kind(topic)
	if !s.limiter.allow() {
		s.metrics.Inbound(kind, "rate_limited")
		return
	}

	s.logger.Log(context.Background(), config.LevelTrace, "mqtt inbound payload",
		"topic", topic, "payload", string(payload))

	select {
	case s.inbound <- message{topic: topic, payload: payload}:
		s.metrics.Inbound(kind, "queued")
	default:
		s.metrics.Inbound(kind, "dropped")
		s.logger.Warn("mqtt inbound queue full, message dropped", "topic", topic)
	}
}

// Poll delivers the messages queued at the time of the call to the
// handler and returns how many were delivered. It never blocks.
func (s *Session) Poll(ctx context.Context) int {
	pending := len(s.inbound)
	for i := range pending {
		select {
		case m := <-s.inbound:
			s.handler(ctx, m.topic, m.payload)
		default:
			return i
		}
	}
	return pending
}

// Publish sends payload to topic at QoS 0. It reports whether the
// message was handed to the broker connection; failures are logged and
// not retried.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) bool {
	kind := s.cfg.Topics.Kind(topic)

	s.mu.Lock()
	c := s.client
	lost := s.lost
	s.mu.Unlock()

	if c == nil || lost != nil {
		s.metrics.Published(kind, false)
		s.logger.Warn("mqtt publish skipped", "topic", topic, "error", ErrNotConnected)
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if _, err := c.Publish(pctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		s.metrics.Published(kind, false)
		s.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}

	s.metrics.Published(kind, true)
	s.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "payload", string(payload))
	return true
}

// Close sends DISCONNECT if connected and drops the link.
func (s *Session) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.gen++
	s.mu.Unlock()

	var err error
	if c != nil {
		err = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		s.logger.Info("mqtt disconnected from broker")
	}
	s.tracker.Down(nil)
	s.link.Reset(nil)
	return err
}
