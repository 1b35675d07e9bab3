package gossip

import "context"

// Transport moves envelopes between cluster members. Published messages
// are also delivered to the publisher's own subscriptions.
type Transport interface {
	Subscribe(topic string) (<-chan *Msg, error)
	Publish(ctx context.Context, topic string, m *Msg) error
}
