package node

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/consensus"
	"github.com/tcfw/btcbridge/internal/dispatch"
	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/homenet"
	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/nodepool"
	"github.com/tcfw/btcbridge/internal/poller"
	"github.com/tcfw/btcbridge/internal/storage"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/internal/validation"
	"github.com/tcfw/btcbridge/internal/withdraw"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/cryptography"
	storageIface "github.com/tcfw/btcbridge/pkg/storage"
)

// HomeNetwork is everything the node needs from the home network.
type HomeNetwork interface {
	dispatch.HomeNetwork
	withdraw.HomeNetwork
}

// Node wires the upstream pool, poller, validation, agreement, dispatch and
// withdrawal components of one bridge member.
type Node struct {
	cfg     *config.Config
	params  *chaincfg.Params
	logger  *logrus.Entry
	metrics *metrics.Metrics

	store     storageIface.Store
	p2p       *p2pHost
	transport gossip.Transport
	members   *gossip.Members
	signer    *gossip.Signer
	home      HomeNetwork

	pool        *nodepool.Pool
	poller      *poller.Poller
	coord       *consensus.Coordinator
	engine      *validation.Engine
	dispatcher  *dispatch.Dispatcher
	custody     *withdraw.Custody
	withdrawals *withdraw.Manager

	closers []func() error
}

func (n *Node) Config() *config.Config              { return n.cfg }
func (n *Node) Store() storageIface.Store           { return n.store }
func (n *Node) Pool() *nodepool.Pool                { return n.pool }
func (n *Node) Poller() *poller.Poller              { return n.poller }
func (n *Node) Coordinator() *consensus.Coordinator { return n.coord }
func (n *Node) Engine() *validation.Engine          { return n.engine }
func (n *Node) Dispatcher() *dispatch.Dispatcher    { return n.dispatcher }
func (n *Node) Metrics() *metrics.Metrics           { return n.metrics }
func (n *Node) Members() *gossip.Members            { return n.members }
func (n *Node) Custody() *withdraw.Custody          { return n.custody }
func (n *Node) Withdrawals() *withdraw.Manager      { return n.withdrawals }
func (n *Node) Self() string                        { return n.signer.ID() }

// NewNode builds every component from cfg. Nothing runs until Run.
func NewNode(ctx context.Context, cfg *config.Config, opts ...NodeOption) (*Node, error) {
	var err error

	n := &Node{cfg: cfg}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}

	if n.logger == nil {
		n.logger = logging.Component("node")
	}
	if n.metrics == nil {
		n.metrics = metrics.Bridge()
	}

	n.params, err = cfg.ChainParams()
	if err != nil {
		return nil, err
	}

	if err := n.setupCluster(); err != nil {
		n.Close()
		return nil, err
	}

	if n.store == nil {
		s, err := storage.NewPebbleStore(cfg.DataDir("db"))
		if err != nil {
			return nil, errors.Wrap(err, "initing storage")
		}
		n.store = s
		n.closers = append(n.closers, s.Close)
	}

	if err := n.setupPipeline(ctx); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

func (n *Node) setupCluster() error {
	var err error
	cfg := n.cfg

	if len(cfg.Consensus.Members) == 0 {
		return errors.New("no cluster members configured")
	}

	n.members, err = gossip.MembersFromConfig(cfg.Consensus.Members)
	if err != nil {
		return errors.Wrap(err, "loading members")
	}

	key, err := cryptography.ParseBls12381PrivateKey(cfg.Consensus.SigningKey)
	if err != nil {
		return errors.Wrap(err, "parsing consensus signing key")
	}
	n.signer = gossip.NewSigner(cfg.Consensus.Self, key)

	self, _ := n.members.Get(cfg.Consensus.Self)
	if pub, ok := key.Public().(*cryptography.Bls12381PublicKey); !ok || !pub.Point.Equal(self.BLSKey.Point) {
		return errors.New("consensus signing key does not match the configured member key")
	}

	// custody needs every member's bitcoin key
	if n.custody, err = withdraw.CustodyFromMembers(cfg.Withdrawals.Threshold, n.members, n.params); err != nil {
		n.logger.WithError(err).Warn("custody address unavailable, withdrawals disabled")
		n.custody = nil
	} else {
		n.logger.WithField("address", n.custody.Address().String()).Info("custody address")
	}

	return nil
}

func (n *Node) setupPipeline(ctx context.Context) error {
	var err error
	cfg := n.cfg

	if n.pool == nil {
		n.pool, err = nodepool.NewFromConfig(ctx, cfg.Upstream, n.metrics)
		if err != nil {
			return errors.Wrap(err, "building upstream pool")
		}
		n.closers = append(n.closers, func() error { n.pool.Close(); return nil })
	}

	filter, err := n.trackedScripts()
	if err != nil {
		return err
	}

	n.poller = poller.New(n.pool, n.store, filter, poller.Options{
		Interval:          cfg.Deposits.PollInterval,
		MaxBlocksPerCycle: cfg.Deposits.MaxBlocksPerCycle,
		StartHeight:       cfg.Deposits.StartHeight,
		ReorgWindow:       cfg.Deposits.ReorgWindow,
		Rescan:            cfg.Deposits.ReorgWindow,
		Metrics:           n.metrics,
	})

	if n.transport == nil {
		n.p2p, err = newP2PHost(ctx, cfg, logging.Component("p2p"))
		if err != nil {
			return errors.Wrap(err, "starting p2p host")
		}
		n.closers = append(n.closers, n.p2p.Close)
		n.transport = gossip.NewPubSub(ctx, n.p2p.pubsub)
	}

	n.coord, err = consensus.New(n.signer, n.members, n.transport, consensus.Options{
		Threshold:   cfg.Consensus.Threshold,
		VoteTimeout: cfg.Consensus.VoteTimeout,
		Metrics:     n.metrics,
	})
	if err != nil {
		return errors.Wrap(err, "creating coordinator")
	}

	if n.home == nil {
		c, err := homenet.Dial(ctx, cfg.HomeNet.Endpoint, cfg.Consensus.Self, cfg.HomeNet.Timeout)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, c.Close)
		n.home = c
	}

	n.dispatcher = dispatch.New(n.store, n.home, dispatch.Options{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		MinBackoff:  cfg.Dispatch.MinBackoff,
		MaxBackoff:  cfg.Dispatch.MaxBackoff,
		Interval:    cfg.Dispatch.Interval,
		Gates:       []dispatch.Gate{n.poller, n.pool},
		OnDelivered: func(fp bridge.Fingerprint) { n.engine.MarkDispatched(fp) },
		Metrics:     n.metrics,
	})

	if err := n.setupWithdrawals(); err != nil {
		return err
	}

	engineOpts := validation.Options{
		Confirmations: cfg.Deposits.Confirmations,
		DustThreshold: cfg.Deposits.DustThreshold,
		Tracked:       filter,
		Retain:        cfg.Deposits.ReorgWindow,
		Metrics:       n.metrics,
	}
	if n.custody != nil {
		engineOpts.CustodyScript = n.custody.PkScript()
		engineOpts.Custody = n.store
	}
	if n.withdrawals != nil {
		engineOpts.IsOwnTx = n.withdrawals.IsOwnTx
	}
	n.engine = validation.New(n.coord, n.dispatcher, engineOpts)

	return nil
}

// trackedScripts builds the deposit filter from the configured addresses
// and, unless disabled, the custody address.
func (n *Node) trackedScripts() (*poller.ScriptFilter, error) {
	var scripts [][]byte

	for _, addr := range n.cfg.Deposits.TrackedAddresses {
		s, err := withdraw.DestinationScript(addr, n.params)
		if err != nil {
			return nil, errors.Wrapf(err, "tracked address %s", addr)
		}
		scripts = append(scripts, s)
	}

	if n.cfg.Deposits.TrackCustody && n.custody != nil {
		scripts = append(scripts, n.custody.PkScript())
	}

	if len(scripts) == 0 {
		return nil, errors.New("no deposit addresses to track")
	}

	return poller.NewScriptFilter(scripts...), nil
}

func (n *Node) setupWithdrawals() error {
	cfg := n.cfg

	if n.custody == nil {
		return nil
	}
	if cfg.Withdrawals.SigningKey == "" {
		n.logger.Warn("no withdrawal signing key, withdrawals disabled")
		return nil
	}

	sk, err := cryptography.ParseSecp256k1PrivateKey(cfg.Withdrawals.SigningKey)
	if err != nil {
		return errors.Wrap(err, "parsing withdrawal signing key")
	}
	if err := n.checkBTCKey(sk.PrivateKey); err != nil {
		return err
	}

	opts := withdraw.OptionsFromConfig(cfg.Withdrawals, n.params)
	opts.Metrics = n.metrics

	n.withdrawals, err = withdraw.New(
		n.store,
		withdraw.NewPoolChain(n.pool),
		n.poller,
		n.home,
		n.transport,
		n.signer,
		n.members,
		n.custody,
		sk.PrivateKey,
		opts,
	)
	if err != nil {
		return errors.Wrap(err, "creating withdrawal manager")
	}

	return nil
}

func (n *Node) checkBTCKey(sk *btcec.PrivateKey) error {
	self, _ := n.members.Get(n.signer.ID())
	if self.BTCKey == nil || !self.BTCKey.PublicKey.IsEqual(sk.PubKey()) {
		return errors.New("withdrawal signing key does not match the configured member key")
	}
	return nil
}

// memberOf maps a libp2p peer to its member id, or "".
func (n *Node) memberOf(id peer.ID) string {
	for _, m := range n.members.List() {
		if m.PeerID == id {
			return m.ID
		}
	}
	return ""
}

// Peers lists connected libp2p peers. It is empty when the node gossips
// over an injected transport.
func (n *Node) Peers() []PeerInfo {
	if n.p2p == nil {
		return nil
	}
	return n.p2p.peers(n.memberOf)
}

func (n *Node) bootstrap(ctx context.Context) {
	if n.p2p == nil {
		return
	}

	n.logger.WithField("addrs", n.p2p.host.Addrs()).WithField("id", n.p2p.host.ID().String()).Info("starting p2p")

	go n.p2p.watchEvents(n.memberOf)

	peers, err := resolveAddrs(ctx, n.cfg.P2P.BootstrapPeers)
	if err != nil {
		n.logger.WithError(err).Warn("bad bootstrap peers")
	}
	if len(peers) == 0 {
		n.logger.Debug("no bootstrapping peers")
	}
	n.p2p.connect(ctx, peers, "bootstrap")

	var memberAddrs []string
	for _, m := range n.cfg.Consensus.Members {
		if m.ID == n.signer.ID() {
			continue
		}
		memberAddrs = append(memberAddrs, m.Addrs...)
	}
	members, err := resolveAddrs(ctx, memberAddrs)
	if err != nil {
		n.logger.WithError(err).Warn("bad member addrs")
	}
	n.p2p.connect(ctx, members, "member")

	key, err := rendezvous(n.cfg.Network, n.members.IDs())
	if err != nil {
		n.logger.WithError(err).Warn("building rendezvous key")
		return
	}
	go func() {
		if err := n.p2p.findMembers(ctx, key, func(id peer.ID) bool { return n.memberOf(id) != "" }); err != nil && ctx.Err() == nil {
			n.logger.WithError(err).Warn("member discovery")
		}
	}()
}

func (n *Node) Close() error {
	var first error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	n.closers = nil
	return first
}
