package node

import (
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/nodepool"
	"github.com/tcfw/btcbridge/pkg/storage"
)

type NodeOption func(*Node) error

// WithStore replaces the pebble store opened under the data dir.
func WithStore(s storage.Store) NodeOption {
	return func(n *Node) error {
		n.store = s
		return nil
	}
}

func WithLogger(l *logrus.Entry) NodeOption {
	return func(n *Node) error {
		n.logger = l
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) NodeOption {
	return func(n *Node) error {
		n.metrics = m
		return nil
	}
}

// WithTransport skips the libp2p host and gossips over t instead.
func WithTransport(t gossip.Transport) NodeOption {
	return func(n *Node) error {
		n.transport = t
		return nil
	}
}

// WithHomeNetwork replaces the gRPC home network client.
func WithHomeNetwork(h HomeNetwork) NodeOption {
	return func(n *Node) error {
		n.home = h
		return nil
	}
}

// WithPool replaces the upstream pool built from config.
func WithPool(p *nodepool.Pool) NodeOption {
	return func(n *Node) error {
		n.pool = p
		return nil
	}
}
