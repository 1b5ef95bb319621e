package mqtt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MessageHandler receives inbound messages from [Session.Poll]. It runs
// on the control loop goroutine.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// defaultMessageHandler logs the topic and size of each message until a
// real handler is installed with [Session.SetHandler].
func defaultMessageHandler(logger *slog.Logger) MessageHandler {
	return func(ctx context.Context, topic string, payload []byte) {
		logger.DebugContext(ctx, "mqtt message received",
			"topic", topic,
			"payload_size", len(payload),
		)
	}
}

// messageRateLimiter drops inbound messages beyond limit per interval.
// The window is rolled forward lazily on the next message, so no
// background goroutine is needed.
type messageRateLimiter struct {
	limit    int64
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int64
	dropped     int64
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// allow counts a message and reports whether it fits in the current
// window. When a window with drops closes, a warning is logged.
func (r *messageRateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.windowStart) >= r.interval {
		if r.dropped > 0 {
			r.logger.Warn("mqtt messages dropped due to rate limit",
				"received", r.count,
				"dropped", r.dropped,
				"interval", r.interval.String(),
				"limit", r.limit,
			)
		}
		r.windowStart = now
		r.count = 0
		r.dropped = 0
	}

	r.count++
	if r.count > r.limit {
		r.dropped++
		return false
	}
	return true
}
