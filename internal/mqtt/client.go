package mqtt

import (
	"context"
	"fmt"
	"net"

	"github.com/eclipse/paho.golang/paho"
)

// BrokerClient is the subset of *paho.Client the session uses.
type BrokerClient interface {
	Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(d *paho.Disconnect) error
	// Done is closed when the client has shut down.
	Done() <-chan struct{}
}

// ClientHooks are the callbacks a client reports into. Both run on the
// client's own goroutines.
type ClientHooks struct {
	OnMessage func(topic string, payload []byte)
	OnDown    func(err error)
}

// ClientFactory builds a client bound to an established connection.
type ClientFactory func(conn net.Conn, clientID string, hooks ClientHooks) BrokerClient

// NewPahoClient is the production [ClientFactory].
func NewPahoClient(conn net.Conn, clientID string, hooks ClientHooks) BrokerClient {
	return paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				hooks.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			hooks.OnDown(fmt.Errorf("client error: %w", err))
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			reason := ""
			if d.Properties != nil {
				reason = d.Properties.ReasonString
			}
			hooks.OnDown(fmt.Errorf("broker sent disconnect (reason code %d) %s", d.ReasonCode, reason))
		},
	})
}
