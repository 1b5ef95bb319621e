// Package events is the agent's in-process event bus. Components (the
// network sessions, the command dispatcher, the control loop) publish
// what they did; the websocket stream and tests consume it.
//
// The bus never blocks a publisher: a subscriber whose buffer is full
// misses the event. A short history is kept so that a new subscriber
// can be brought up to date. All methods are safe on a nil *Bus.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceLink    = "link"
	SourceBroker  = "broker"
	SourceCommand = "command"
	SourceControl = "control"
)

// Kinds.
const (
	// KindStateChange: session state transition.
	// Data: from, to, error.
	KindStateChange = "state_change"
	// KindBoot: boot announcement published after a broker connect.
	KindBoot = "boot"

	// KindCommand: a command was executed.
	// Data: action plus the command fields.
	KindCommand = "command"
	// KindCommandRejected: an inbound command could not be parsed.
	// Data: reason, error.
	KindCommandRejected = "command_rejected"
	// KindAck: a state acknowledgment was published.
	// Data: state, enable, published.
	KindAck = "ack"
	// KindThresholds: thresholds changed.
	// Data: temperature, humidity, moisture.
	KindThresholds = "thresholds"
	// KindSnapshot: an on-demand reading was published.
	KindSnapshot = "snapshot"

	// KindTelemetry: a control cycle published a reading.
	// Data: temperature, humidity, moisture, published.
	KindTelemetry = "telemetry"
	// KindSensorFault: a control cycle was skipped.
	KindSensorFault = "sensor_fault"
	// KindIndicator: the status indicator changed.
	// Data: indicator.
	KindIndicator = "indicator"
)

// DefaultHistory is the number of events kept for replay.
const DefaultHistory = 50

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus with a bounded history.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back to
	// the channel stored in subs, so Unsubscribe can take <-chan Event.
	recvToSend map[<-chan Event]chan Event

	history []Event
	next    int
	full    bool
	now     func() time.Time
}

// New creates a bus that keeps the last historySize events. A size of
// zero or less disables history.
func New(historySize int) *Bus {
	b := &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		now:        time.Now,
	}
	if historySize > 0 {
		b.history = make([]Event, historySize)
	}
	return b
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: b.now(), Source: source, Kind: kind, Data: data})
}

// Publish records e in the history and offers it to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) > 0 {
		b.history[b.next] = e
		b.next = (b.next + 1) % len(b.history)
		if b.next == 0 {
			b.full = true
		}
	}

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns the retained history, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		return append([]Event(nil), b.history[:b.next]...)
	}
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	out = append(out, b.history[:b.next]...)
	return out
}

// Subscribe returns a channel that receives events published from now
// on. The caller must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
