package mqtt

import (
	"strings"

	"github.com/google/uuid"
)

// Topics are the fixed topic names derived from a device identity.
type Topics struct {
	Commands        string
	Forecast        string
	Data            string
	DataForTelegram string
}

// NewTopics derives the topic set for deviceID.
func NewTopics(deviceID string) Topics {
	base := "devices/" + deviceID + "/"
	return Topics{
		Commands:        base + "commands",
		Forecast:        base + "forecast",
		Data:            base + "data",
		DataForTelegram: base + "data_for_telegram",
	}
}

// Subscriptions returns the topics the session subscribes to on every
// connect.
func (t Topics) Subscriptions() []string {
	return []string{t.Commands, t.Forecast}
}

// Kind returns the last topic segment, used as a low-cardinality label.
func (t Topics) Kind(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// NewClientID returns prefix followed by eight random hex digits. A new
// identifier is generated for every connection attempt so a half-open
// session left on the broker never collides with the new one.
func NewClientID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
