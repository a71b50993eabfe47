package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valkey-io/valkey-go"
)

// Envelope carries an event between nodes.
type Envelope struct {
	Node       string   `json:"node"`
	Recipients []string `json:"recipients"`
	Event      Event    `json:"event"`
}

// Relay moves envelopes between nodes that each hold part of the session
// registry. Delivery is best effort, like local fanout.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls fn for each envelope until ctx is cancelled or the
	// subscription fails.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close()
}

// ValkeyRelay is a Relay over valkey pub/sub.
type ValkeyRelay struct {
	client  valkey.Client
	channel string
	log     logrus.FieldLogger
}

// NewValkeyRelay connects to the valkey server at addr.
func NewValkeyRelay(addr, channel string, log logrus.FieldLogger) (*ValkeyRelay, error) {
	if addr == "" {
		return nil, fmt.Errorf("fanout: valkey address is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("fanout: valkey channel is required")
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("fanout: connect valkey %s: %w", addr, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ValkeyRelay{client: client, channel: channel, log: log}, nil
}

// Publish implements Relay.
func (r *ValkeyRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fanout: encode envelope: %w", err)
	}
	cmd := r.client.B().Publish().Channel(r.channel).Message(string(data)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("fanout: valkey publish: %w", err)
	}
	return nil
}

// Subscribe implements Relay.
func (r *ValkeyRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	cmd := r.client.B().Subscribe().Channel(r.channel).Build()
	return r.client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Message), &env); err != nil {
			r.log.WithError(err).Warn("fanout: dropping malformed relay envelope")
			return
		}
		fn(env)
	})
}

// Roster returns a cluster session roster sharing the relay's connection.
func (r *ValkeyRelay) Roster(ttl time.Duration) *ValkeyRoster {
	return NewValkeyRoster(r.client, r.channel+":presence", ttl)
}

// Close implements Relay.
func (r *ValkeyRelay) Close() { r.client.Close() }
