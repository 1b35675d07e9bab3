package node

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	connmgriFace "github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/config"
)

type p2pHost struct {
	host host.Host

	peerStore peerstore.Peerstore
	connMgr   connmgriFace.ConnManager
	pubsub    *pubsub.PubSub
	dht       *dht.IpfsDHT
	discovery *routing.RoutingDiscovery

	logger *logrus.Entry
}

// PeerInfo is a connected libp2p peer, tagged with its member id when it
// belongs to the cluster.
type PeerInfo struct {
	ID     string   `json:"id"`
	Member string   `json:"member,omitempty"`
	Addrs  []string `json:"addrs"`
}

func newP2PHost(ctx context.Context, cfg *config.Config, l *logrus.Entry) (*p2pHost, error) {
	var err error
	h := &p2pHost{logger: l}

	id, err := getIdentity(cfg, l)
	if err != nil {
		return nil, err
	}

	listeningAddrs, err := buildListeningAddrs(cfg)
	if err != nil {
		return nil, err
	}

	h.connMgr, err = connmgr.NewConnManager(
		cfg.P2P.Connections.PeersCountLow,
		cfg.P2P.Connections.PeersCountHigh,
	)
	if err != nil {
		return nil, err
	}

	h.peerStore, err = pstoremem.NewPeerstore()
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		id,
		listeningAddrs,
		libp2p.DefaultTransports,
		libp2p.DefaultResourceManager,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.ConnectionManager(h.connMgr),
		libp2p.Peerstore(h.peerStore),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	}

	if cfg.P2P.Relay {
		opts = append(opts, libp2p.EnableRelay(), libp2p.EnableHolePunching())
	}

	h.host, err = libp2p.NewWithoutDefaults(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating libp2p host")
	}

	h.dht, err = dht.New(ctx, h.host, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		return nil, errors.Wrap(err, "initing DHT")
	}
	if err := h.dht.Bootstrap(ctx); err != nil {
		return nil, errors.Wrap(err, "bootstrapping DHT")
	}

	h.discovery = routing.NewRoutingDiscovery(h.dht)

	h.pubsub, err = newGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	return h, nil
}

func newGossipSub(ctx context.Context, h *p2pHost) (*pubsub.PubSub, error) {
	p, err := pubsub.NewGossipSub(ctx, h.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithDiscovery(h.discovery),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating gossipsub router")
	}

	return p, nil
}

func buildListeningAddrs(cfg *config.Config) (libp2p.Option, error) {
	maAddrs := []multiaddr.Multiaddr{}

	for _, addr := range cfg.P2P.ListenAddrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		maAddrs = append(maAddrs, maddr)
	}

	return libp2p.ListenAddrs(maAddrs...), nil
}

// resolveAddrs parses addrs and expands /dnsaddr and /dns entries.
func resolveAddrs(ctx context.Context, addrs []string) ([]peer.AddrInfo, error) {
	var maddrs []multiaddr.Multiaddr

	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing multiaddr %q", addr)
		}

		if !madns.Matches(ma) {
			maddrs = append(maddrs, ma)
			continue
		}

		resolved, err := madns.Resolve(ctx, ma)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %s", addr)
		}
		maddrs = append(maddrs, resolved...)
	}

	return peer.AddrInfosFromP2pAddrs(maddrs...)
}

// connect dials every peer in parallel. Failures are logged, not returned;
// gossipsub will keep trying through discovery.
func (h *p2pHost) connect(ctx context.Context, peers []peer.AddrInfo, kind string) {
	var wg sync.WaitGroup

	for _, pi := range peers {
		if pi.ID == h.host.ID() {
			continue
		}

		pi := pi
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := h.host.Connect(ctx, pi); err != nil {
				h.logger.WithField("peer", pi.String()).WithError(err).Warnf("failed to connect to %s peer", kind)
			} else {
				h.logger.WithField("peer", pi.ID.String()).Debugf("connection established with %s peer", kind)
			}
		}()
	}

	wg.Wait()
}

// rendezvous is the DHT key every member of a cluster provides, derived
// from the sorted member ids.
func rendezvous(network string, memberIDs []string) (cid.Cid, error) {
	key := "bridged/" + network
	for _, id := range memberIDs {
		key += "/" + id
	}

	mh, err := multihash.Sum([]byte(key), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}

	return cid.NewCidV1(cid.Raw, mh), nil
}

// findMembers advertises this node under the cluster key and connects to
// every provider that is a known member.
func (h *p2pHost) findMembers(ctx context.Context, key cid.Cid, isMember func(peer.ID) bool) error {
	if err := h.dht.Provide(ctx, key, true); err != nil {
		return errors.Wrap(err, "providing cluster key")
	}

	var found []peer.AddrInfo
	for pi := range h.dht.FindProvidersAsync(ctx, key, 0) {
		if pi.ID == h.host.ID() || !isMember(pi.ID) {
			continue
		}
		if h.host.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}
		found = append(found, pi)
	}

	h.connect(ctx, found, "member")

	return nil
}

func (h *p2pHost) peers(memberOf func(peer.ID) string) []PeerInfo {
	conns := h.host.Network().Peers()
	out := make([]PeerInfo, 0, len(conns))

	for _, id := range conns {
		pi := PeerInfo{ID: id.String(), Member: memberOf(id)}
		for _, a := range h.host.Peerstore().Addrs(id) {
			pi.Addrs = append(pi.Addrs, a.String())
		}
		out = append(out, pi)
	}

	return out
}

func (h *p2pHost) watchEvents(memberOf func(peer.ID) string) {
	sub, err := h.host.EventBus().Subscribe(event.WildcardSubscription)
	if err != nil {
		h.logger.WithError(err).Error("subscribing to p2p events")
		return
	}

	defer sub.Close()
	for e := range sub.Out() {
		switch evt := e.(type) {
		case event.EvtLocalAddressesUpdated:
			for _, addr := range evt.Current {
				if addr.Action != event.Maintained {
					actionStr := "added"
					if addr.Action == event.Removed {
						actionStr = "removed"
					}
					h.logger.WithField("addr", addr.Address.String()).WithField("action", actionStr).Info("updated reachability")
				}
			}
		case event.EvtPeerConnectednessChanged:
			if m := memberOf(evt.Peer); m != "" {
				h.logger.WithFields(logrus.Fields{
					"member": m,
					"peer":   evt.Peer.String(),
					"state":  evt.Connectedness.String(),
				}).Info("member connectedness changed")
			}
		default:
			h.logger.WithField("event", e).Debugf("unhandled event %T", evt)
		}
	}
}

func (h *p2pHost) Close() error {
	if err := h.dht.Close(); err != nil {
		h.logger.WithError(err).Warn("closing DHT")
	}
	return h.host.Close()
}
