package node

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/homenet"
	"github.com/tcfw/btcbridge/internal/nodepool/nodepooltest"
	"github.com/tcfw/btcbridge/internal/storage"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/cryptography"
	storageIface "github.com/tcfw/btcbridge/pkg/storage"
)

type testCluster struct {
	cfgs     []*config.Config
	hub      *gossip.Hub
	sim      *homenet.Sim
	chain    *nodepooltest.Chain
	upstream []*nodepooltest.Node
	stores   []storageIface.Store
	nodes    []*Node
}

func dialSim(t *testing.T, sim *homenet.Sim, self string) *homenet.Client {
	lis := bufconn.Listen(1 << 20)
	g := homenet.NewGRPCServer(sim, nil)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	c, err := homenet.Dial(context.Background(), "bufnet", self, time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func testConfigs(t *testing.T, n, threshold int) []*config.Config {
	var members []config.Member
	var blsKeys, btcKeys []string

	for i := 0; i < n; i++ {
		bls := cryptography.NewBls12381PrivateKey()
		btc, err := cryptography.NewSecp256k1PrivateKey()
		require.NoError(t, err)

		blsPub, err := cryptography.EncodeMultibase(bls.Public())
		require.NoError(t, err)
		btcPub, err := cryptography.EncodeMultibase(btc.Public())
		require.NoError(t, err)
		blsPriv, err := cryptography.EncodePrivateMultibase(bls)
		require.NoError(t, err)
		btcPriv, err := cryptography.EncodePrivateMultibase(btc)
		require.NoError(t, err)

		members = append(members, config.Member{ID: fmt.Sprintf("m%d", i), BLSKey: blsPub, BTCKey: btcPub})
		blsKeys = append(blsKeys, blsPriv)
		btcKeys = append(btcKeys, btcPriv)
	}

	cfgs := make([]*config.Config, n)
	for i := range cfgs {
		cfgs[i] = &config.Config{
			Network: "regtest",
			P2P:     &config.P2P{},
			Deposits: &config.Deposits{
				Confirmations:     2,
				DustThreshold:     546,
				TrackCustody:      true,
				PollInterval:      20 * time.Millisecond,
				MaxBlocksPerCycle: 10,
				ReorgWindow:       10,
			},
			Consensus: &config.Consensus{
				Self:        members[i].ID,
				Threshold:   threshold,
				VoteTimeout: 10 * time.Second,
				SigningKey:  blsKeys[i],
				Members:     members,
			},
			Dispatch: &config.Dispatch{
				MaxAttempts: 3,
				MinBackoff:  10 * time.Millisecond,
				MaxBackoff:  50 * time.Millisecond,
				Interval:    20 * time.Millisecond,
			},
			Withdrawals: &config.Withdrawals{
				Threshold:    threshold,
				SigningKey:   btcKeys[i],
				PollInterval: 50 * time.Millisecond,
			},
		}
	}

	return cfgs
}

func newTestCluster(t *testing.T, n, threshold int) *testCluster {
	c := &testCluster{
		cfgs:  testConfigs(t, n, threshold),
		hub:   gossip.NewHub(),
		sim:   homenet.NewSim(),
		chain: nodepooltest.NewChain("a", 100),
	}
	c.upstream = nodepooltest.Nodes(c.chain, 3)

	for i := range c.cfgs {
		store, err := storage.NewMemPebbleStore()
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		c.stores = append(c.stores, store)

		c.nodes = append(c.nodes, c.newNode(t, i))
	}

	c.sim.Members = c.nodes[0].Members()
	c.sim.Threshold = threshold

	return c
}

func (c *testCluster) newNode(t *testing.T, i int) *Node {
	cfg := c.cfgs[i]
	n, err := NewNode(context.Background(), cfg,
		WithStore(c.stores[i]),
		WithPool(nodepooltest.NewPool(t, 2, c.upstream...)),
		WithTransport(c.hub.Endpoint(cfg.Consensus.Self)),
		WithHomeNetwork(dialSim(t, c.sim, cfg.Consensus.Self)),
	)
	require.NoError(t, err)
	return n
}

// restart replaces member i with a fresh node over the same store.
func (c *testCluster) restart(t *testing.T, i int) *Node {
	c.nodes[i] = c.newNode(t, i)
	return c.nodes[i]
}

// start runs n until the returned stop is called or the test ends.
func (c *testCluster) start(t *testing.T, n *Node) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("node did not stop")
			}
		})
	}
	t.Cleanup(stop)

	return stop
}

func (c *testCluster) run(t *testing.T) []func() {
	stops := make([]func(), len(c.nodes))
	for i, n := range c.nodes {
		stops[i] = c.start(t, n)
	}
	return stops
}

func (c *testCluster) mineDeposit(script []byte, value int64) {
	c.chain.Mine(bridge.Tx{
		TxID:    strings.Repeat("d", 64),
		Outputs: []bridge.TxOut{{Index: 0, Value: value, Script: script}},
	})
	c.chain.Mine()
	c.chain.Mine()
}

func utxoCount(n *Node) int {
	utxos, err := n.Store().ListUTXOs(context.Background())
	if err != nil {
		return -1
	}
	return len(utxos)
}

func TestNewNodeChecksKeys(t *testing.T) {
	cfgs := testConfigs(t, 2, 2)
	cfgs[0].Consensus.SigningKey = cfgs[1].Consensus.SigningKey

	store, err := storage.NewMemPebbleStore()
	require.NoError(t, err)
	defer store.Close()

	_, err = NewNode(context.Background(), cfgs[0],
		WithStore(store),
		WithPool(nodepooltest.NewPool(t, 1, nodepooltest.Nodes(nodepooltest.NewChain("a", 1), 1)...)),
		WithTransport(gossip.NewHub().Endpoint("m0")),
		WithHomeNetwork(dialSim(t, homenet.NewSim(), "m0")),
	)
	assert.ErrorContains(t, err, "does not match")
}

func TestNodeCustodyIsShared(t *testing.T) {
	c := newTestCluster(t, 4, 3)

	addr := c.nodes[0].Custody().Address().String()
	for _, n := range c.nodes[1:] {
		assert.Equal(t, addr, n.Custody().Address().String())
		assert.NotNil(t, n.Withdrawals())
	}
}

func TestDepositReachesHomeNetwork(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	c.run(t)

	// let every poller settle on the current tip first
	time.Sleep(200 * time.Millisecond)

	c.mineDeposit(c.nodes[0].Custody().PkScript(), 25_000_000)

	require.Eventually(t, func() bool {
		return len(c.sim.Events()) == 1
	}, 10*time.Second, 20*time.Millisecond)

	ev := c.sim.Events()[0]
	assert.Equal(t, int64(25_000_000), ev.Deposit.Amount)
	assert.GreaterOrEqual(t, len(ev.Certificate.Voters), 3)

	// the agreed custody deposit becomes spendable on every member
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			if utxoCount(n) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRestartedMemberCatchesUpOnAgreedDeposit(t *testing.T) {
	c := newTestCluster(t, 4, 3)
	stops := c.run(t)

	// every poller records the current tip before m3 goes down
	time.Sleep(200 * time.Millisecond)
	stops[3]()
	c.hub.SetDrop(func(to string, _ *gossip.Msg) bool { return to == "m3" })

	c.mineDeposit(c.nodes[0].Custody().PkScript(), 25_000_000)

	require.Eventually(t, func() bool {
		if len(c.sim.Events()) != 1 {
			return false
		}
		for _, n := range c.nodes[:3] {
			if utxoCount(n) != 1 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, utxoCount(c.nodes[3]))

	// m3 comes back with only its store and rescans the missed blocks
	c.hub.SetDrop(nil)
	n := c.restart(t, 3)
	c.start(t, n)

	require.Eventually(t, func() bool {
		return utxoCount(n) == 1
	}, 10*time.Second, 20*time.Millisecond)

	evs := c.sim.Events()
	require.Len(t, evs, 1)
	r, ok := n.Coordinator().Round(evs[0].Fingerprint)
	require.True(t, ok)
	assert.Equal(t, "agreed", r.State)
}
