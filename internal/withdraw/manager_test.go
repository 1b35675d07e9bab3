package withdraw

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/nodepool/nodepooltest"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/cryptography"
	"github.com/tcfw/btcbridge/pkg/storage"
)

type fakeHome struct {
	mu       sync.Mutex
	requests []bridge.WithdrawalRequest
	reports  map[string][]bridge.WithdrawalStatus
	reasons  map[string]string
}

func newFakeHome() *fakeHome {
	return &fakeHome{reports: map[string][]bridge.WithdrawalStatus{}, reasons: map[string]string{}}
}

func (h *fakeHome) add(r bridge.WithdrawalRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests = append(h.requests, r)
}

func (h *fakeHome) ListPendingWithdrawals(context.Context) ([]bridge.WithdrawalRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]bridge.WithdrawalRequest(nil), h.requests...), nil
}

func (h *fakeHome) ReportWithdrawalStatus(_ context.Context, id string, st bridge.WithdrawalStatus, txid, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reports[id] = append(h.reports[id], st)
	if reason != "" {
		h.reasons[id] = reason
	}
	return nil
}

func (h *fakeHome) statuses(id string) []bridge.WithdrawalStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]bridge.WithdrawalStatus(nil), h.reports[id]...)
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched map[string]bool
}

func (w *fakeWatcher) Watch(txid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[txid] = true
}

func (w *fakeWatcher) Unwatch(txid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, txid)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	cluster *gossip.Cluster
	custody *Custody
	keys    []*btcec.PrivateKey
	chain   *nodepooltest.Chain
	nodes   []*nodepooltest.Node
	home    *fakeHome
	stores  []*storage.MemStore
	mgrs    []*Manager
	watcher *fakeWatcher
	opts    Options

	now time.Time
}

func newHarness(t *testing.T, n, threshold int, tweak func(*Options)) *harness {
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		cluster: gossip.NewCluster(n),
		chain:   nodepooltest.NewChain("a", 100),
		home:    newFakeHome(),
		watcher: &fakeWatcher{watched: map[string]bool{}},
		now:     time.Unix(1700000000, 0),
		opts: Options{
			SignTimeout:       time.Minute,
			Confirmations:     3,
			FeeRateCap:        100,
			MaxFee:            100_000,
			DefaultConfTarget: 6,
			BumpAfter:         time.Hour,
			BumpFactor:        1.5,
			ChangeDust:        546,
			RebroadcastPeriod: time.Minute,
			Params:            testParams,
		},
	}
	if tweak != nil {
		tweak(&h.opts)
	}

	for _, id := range h.cluster.Members.IDs() {
		k, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		m, _ := h.cluster.Members.Get(id)
		m.BTCKey = &cryptography.Secp256k1PublicKey{PublicKey: k.PubKey()}
		h.keys = append(h.keys, k)
	}

	var err error
	h.custody, err = CustodyFromMembers(threshold, h.cluster.Members, testParams)
	require.NoError(t, err)

	h.nodes = nodepooltest.Nodes(h.chain, 3)
	chain := NewPoolChain(nodepooltest.NewPool(t, 2, h.nodes...))

	for i := range h.cluster.Signers {
		store := storage.NewMemStore()
		for j, v := range []int64{30_000_000, 20_000_000} {
			u := testUTXO(h.custody, j+1, v)
			require.NoError(t, store.PutUTXO(h.ctx, &u))
		}
		h.stores = append(h.stores, store)
		h.mgrs = append(h.mgrs, h.newManager(i, store, chain))
	}

	return h
}

func (h *harness) newManager(i int, store *storage.MemStore, chain Chain) *Manager {
	m, err := New(store, chain, h.watcher, h.home, h.cluster.Transport(i), h.cluster.Signers[i], h.cluster.Members, h.custody, h.keys[i], h.opts)
	require.NoError(h.t, err)
	m.now = func() time.Time { return h.now }
	return m
}

func (h *harness) request(id string, amount int64) bridge.WithdrawalRequest {
	r := bridge.WithdrawalRequest{
		RequestID:          id,
		DestinationAddress: testAddress(h.t),
		Amount:             amount,
		FeePolicy:          bridge.FeePolicy{ConfTarget: 3},
	}
	h.home.add(r)
	return r
}

func (h *harness) builder(id string) *Manager {
	b := ElectBuilder(id, h.cluster.Members)
	for _, m := range h.mgrs {
		if m.signer.ID() == b {
			return m
		}
	}
	h.t.Fatalf("no manager for %s", b)
	return nil
}

// pump delivers queued signing messages until every inbox is empty.
func (h *harness) pump() {
	for moved := true; moved; {
		moved = false
		for _, m := range h.mgrs {
			for drained := false; !drained; {
				select {
				case msg := <-m.inbox:
					m.OnMsg(h.ctx, msg)
					moved = true
				default:
					drained = true
				}
			}
		}
	}
}

func (h *harness) tick() {
	for _, m := range h.mgrs {
		m.Tick(h.ctx)
	}
	h.pump()
}

func (h *harness) index(m *Manager) int {
	for i, o := range h.mgrs {
		if o == m {
			return i
		}
	}
	h.t.Fatal("unknown manager")
	return -1
}

func (h *harness) record(m *Manager, id string) bridge.Withdrawal {
	w, ok := m.Get(id)
	require.True(h.t, ok, "no record of %s", id)
	return w
}

func (h *harness) broadcasts() int {
	n := 0
	for _, node := range h.nodes {
		n += int(node.Broadcasts.Load())
	}
	return n
}

// confirm mines raw and enough blocks on top, then feeds every manager.
func (h *harness) confirm(txid string, raw []byte, depth int) {
	_, err := h.chain.MineRaw(raw)
	require.NoError(h.t, err)
	for i := 1; i < depth; i++ {
		h.chain.Mine()
	}

	st, err := h.nodes[0].TxStatus(h.ctx, txid)
	require.NoError(h.t, err)
	require.True(h.t, st.Confirmed)

	for _, m := range h.mgrs {
		m.OnTxStatus(h.ctx, h.chain.Tip(), []bridge.TxStatus{*st})
	}
}

func TestWithdrawalCompletes(t *testing.T) {
	h := newHarness(t, 4, 3, nil)
	h.request("w1", 10_000_000)

	h.tick()

	b := h.builder("w1")
	w := h.record(b, "w1")
	require.Equal(t, bridge.WithdrawalBroadcast, w.Request.Status)
	require.NotNil(t, w.Signed)
	assert.GreaterOrEqual(t, len(w.Signed.CollectedSignatures), 3)
	assert.True(t, w.Broadcasted)
	assert.Equal(t, 3, h.broadcasts(), "one submission per pool node")
	assert.True(t, b.IsOwnTx(w.TxID))
	assert.True(t, h.watcher.watched[w.TxID])

	verifyTx(t, w.Signed.RawTx, w.Inputs)

	tx, err := deserializeTx(w.Signed.RawTx)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), tx.TxOut[0].Value)
	assert.Equal(t, int64(30_000_000), tx.TxOut[0].Value+tx.TxOut[1].Value+w.Fee)

	// further ticks do not send it again
	h.tick()
	assert.Equal(t, 3, h.broadcasts())

	h.confirm(w.TxID, w.Signed.RawTx, 3)

	for _, m := range h.mgrs {
		assert.Equal(t, bridge.WithdrawalConfirmed, h.record(m, "w1").Request.Status, m.signer.ID())
	}
	assert.Equal(t, []bridge.WithdrawalStatus{
		bridge.WithdrawalBuilding,
		bridge.WithdrawalAwaitingSignatures,
		bridge.WithdrawalSigned,
		bridge.WithdrawalBroadcast,
		bridge.WithdrawalConfirmed,
	}, h.home.statuses("w1"))
	assert.False(t, h.watcher.watched[w.TxID])

	utxos, err := h.stores[0].ListUTXOs(h.ctx)
	require.NoError(t, err)
	var total int64
	for _, u := range utxos {
		total += u.Value
		assert.Empty(t, u.Reserved)
	}
	assert.Len(t, utxos, 2, "spent input replaced by change")
	assert.Equal(t, int64(50_000_000-10_000_000)-w.Fee, total)
}

// Three of five signatures are needed and only two shares arrive before the
// timeout.
func TestSignatureShortfallStalls(t *testing.T) {
	h := newHarness(t, 5, 3, nil)
	h.request("w1", 10_000_000)

	b := h.builder("w1")
	ally := ""
	for _, id := range h.cluster.Members.IDs() {
		if id != b.signer.ID() {
			ally = id
			break
		}
	}
	h.cluster.Hub.SetDrop(func(to string, m *gossip.Msg) bool {
		return to != b.signer.ID() && to != ally
	})

	h.tick()
	w := h.record(b, "w1")
	assert.Equal(t, bridge.WithdrawalAwaitingSignatures, w.Request.Status)
	assert.Equal(t, 2, w.SignatureCount())
	assert.False(t, w.Stalled)

	h.now = h.now.Add(h.opts.SignTimeout + time.Second)
	h.tick()

	w = h.record(b, "w1")
	assert.Equal(t, bridge.WithdrawalAwaitingSignatures, w.Request.Status)
	assert.True(t, w.Stalled)
	assert.Nil(t, w.Signed)
	assert.Zero(t, h.broadcasts(), "never broadcast short of the threshold")
	require.Len(t, b.Stalled(), 1)

	// the partition heals and the republished request completes it
	h.cluster.Hub.SetDrop(nil)
	h.tick()

	w = h.record(b, "w1")
	assert.Equal(t, bridge.WithdrawalBroadcast, w.Request.Status)
	assert.False(t, w.Stalled)
	assert.Empty(t, b.Stalled())
	verifyTx(t, w.Signed.RawTx, w.Inputs)
}

func TestTerminalFailures(t *testing.T) {
	t.Run("fee rate cap", func(t *testing.T) {
		h := newHarness(t, 4, 3, nil)
		for _, n := range h.nodes {
			n.SetFeeRate(150)
		}
		h.request("w1", 10_000_000)
		h.tick()

		w := h.record(h.builder("w1"), "w1")
		assert.Equal(t, bridge.WithdrawalFailed, w.Request.Status)
		assert.Contains(t, w.FailReason, bridge.ErrFeeRateCap.Error())
		assert.Contains(t, h.home.statuses("w1"), bridge.WithdrawalFailed)
	})

	t.Run("request cap below estimate", func(t *testing.T) {
		h := newHarness(t, 4, 3, nil)
		r := bridge.WithdrawalRequest{RequestID: "w1", DestinationAddress: testAddress(t), Amount: 1_000_000, FeePolicy: bridge.FeePolicy{MaxFeeRate: 5}}
		h.home.add(r)
		h.tick()

		w := h.record(h.builder("w1"), "w1")
		assert.Equal(t, bridge.WithdrawalFailed, w.Request.Status)
		assert.Contains(t, w.FailReason, bridge.ErrFeeRateCap.Error())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		h := newHarness(t, 4, 3, nil)
		h.request("w1", 60_000_000)
		h.tick()

		b := h.builder("w1")
		w := h.record(b, "w1")
		assert.Equal(t, bridge.WithdrawalFailed, w.Request.Status)
		assert.Contains(t, w.FailReason, bridge.ErrInsufficientFunds.Error())

		// nothing stays reserved and further ticks leave it alone
		h.tick()
		assert.Equal(t, bridge.WithdrawalFailed, h.record(b, "w1").Request.Status)
		utxos, _ := h.stores[0].ListUTXOs(h.ctx)
		for _, u := range utxos {
			assert.Empty(t, u.Reserved)
		}
	})

	t.Run("bad address", func(t *testing.T) {
		h := newHarness(t, 4, 3, nil)
		h.home.add(bridge.WithdrawalRequest{RequestID: "w1", DestinationAddress: "nope", Amount: 1_000})
		h.tick()

		w := h.record(h.builder("w1"), "w1")
		assert.Equal(t, bridge.WithdrawalFailed, w.Request.Status)
	})
}

func TestDoubleSpendDetected(t *testing.T) {
	h := newHarness(t, 4, 3, nil)
	h.request("w1", 10_000_000)
	h.tick()

	b := h.builder("w1")
	w := h.record(b, "w1")
	require.Equal(t, bridge.WithdrawalBroadcast, w.Request.Status)

	h.chain.Mine(bridge.Tx{
		TxID:   strings.Repeat("f", 64),
		Inputs: []bridge.OutPoint{w.Inputs[0].OutPoint},
	})
	h.tick()

	w = h.record(b, "w1")
	assert.Equal(t, bridge.WithdrawalFailed, w.Request.Status)
	assert.Contains(t, w.FailReason, bridge.ErrDoubleSpend.Error())
	assert.False(t, b.IsOwnTx(w.TxID))

	utxos, _ := h.stores[h.index(b)].ListUTXOs(h.ctx)
	for _, u := range utxos {
		assert.NotEqual(t, w.Inputs[0].OutPoint, u.OutPoint)
	}
}

func TestReplaceByFee(t *testing.T) {
	h := newHarness(t, 4, 3, nil)
	h.request("w1", 10_000_000)
	h.tick()

	b := h.builder("w1")
	first := h.record(b, "w1")
	require.Equal(t, bridge.WithdrawalBroadcast, first.Request.Status)

	h.now = h.now.Add(h.opts.BumpAfter + time.Second)
	h.tick()

	w := h.record(b, "w1")
	assert.Equal(t, bridge.WithdrawalBroadcast, w.Request.Status)
	assert.Equal(t, uint32(1), w.Attempt)
	assert.Equal(t, []string{first.TxID}, w.Replaced)
	assert.NotEqual(t, first.TxID, w.TxID)
	assert.InDelta(t, first.FeeRate*1.5, w.FeeRate, 0.001)
	assert.Greater(t, w.Fee, first.Fee)
	require.NotNil(t, w.Signed)
	assert.True(t, w.Broadcasted)
	verifyTx(t, w.Signed.RawTx, w.Inputs)
	assert.Equal(t, 6, h.broadcasts())

	// the original wins the race
	h.confirm(first.TxID, first.Signed.RawTx, 3)

	w = h.record(b, "w1")
	assert.Equal(t, bridge.WithdrawalConfirmed, w.Request.Status)
	assert.Equal(t, first.TxID, w.TxID)
	assert.False(t, b.IsOwnTx(w.Replaced[0]))
}

func TestReplacementAboveCapFails(t *testing.T) {
	h := newHarness(t, 4, 3, func(o *Options) { o.FeeRateCap = 12 })
	h.request("w1", 10_000_000)
	h.tick()

	b := h.builder("w1")
	first := h.record(b, "w1")
	require.Equal(t, bridge.WithdrawalBroadcast, first.Request.Status)

	h.now = h.now.Add(h.opts.BumpAfter + time.Second)
	h.tick()

	w := h.record(b, "w1")
	assert.Equal(t, bridge.WithdrawalFailed, w.Request.Status)
	assert.Contains(t, w.FailReason, bridge.ErrFeeRateCap.Error())
	assert.True(t, b.IsOwnTx(first.TxID), "broadcast transaction still tracked")
}

func TestRestartDoesNotRebroadcast(t *testing.T) {
	h := newHarness(t, 4, 3, nil)
	h.request("w1", 10_000_000)
	h.tick()

	b := h.builder("w1")
	w := h.record(b, "w1")
	require.Equal(t, bridge.WithdrawalBroadcast, w.Request.Status)
	sent := h.broadcasts()

	idx := h.index(b)
	restarted := h.newManager(idx, h.stores[idx], b.chain)
	require.NoError(t, restarted.Load(h.ctx))
	assert.True(t, restarted.IsOwnTx(w.TxID))

	restarted.Tick(h.ctx)
	assert.Equal(t, sent, h.broadcasts())
	assert.Equal(t, bridge.WithdrawalBroadcast, h.record(restarted, "w1").Request.Status)
}

func TestSignerChecksProposal(t *testing.T) {
	h := newHarness(t, 4, 3, nil)
	r := h.request("w1", 10_000_000)

	b := h.builder("w1")
	var s *Manager
	for _, m := range h.mgrs {
		if m != b {
			s = m
			break
		}
	}
	s.Tick(h.ctx)

	dest, err := DestinationScript(r.DestinationAddress, testParams)
	require.NoError(t, err)
	inputs := []bridge.UTXO{testUTXO(h.custody, 1, 30_000_000)}

	proposal := func(amount, change int64, inputs []bridge.UTXO) *gossip.SignRequest {
		tx, _, err := buildTx(inputs, dest, amount, change, h.custody)
		require.NoError(t, err)
		raw, err := serializeTx(tx)
		require.NoError(t, err)
		return &gossip.SignRequest{RequestID: "w1", UnsignedTx: raw, Inputs: inputs, FeeRate: 10}
	}

	sign := func(from string, req *gossip.SignRequest) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.onSignRequest(h.ctx, from, req)
	}
	builder := b.signer.ID()

	// wrong amount
	assert.Error(t, sign(builder, proposal(11_000_000, 18_990_000, inputs)))
	// fee far above the cap
	assert.ErrorIs(t, sign(builder, proposal(10_000_000, 19_000_000, inputs)), bridge.ErrFeeRateCap)
	// input outside custody
	foreign := []bridge.UTXO{testUTXO(h.custody, 9, 30_000_000)}
	assert.Error(t, sign(builder, proposal(10_000_000, 19_990_000, foreign)))
	// not the elected builder
	assert.Error(t, sign(s.signer.ID(), proposal(10_000_000, 19_990_000, inputs)))
	// unknown request
	bogus := proposal(10_000_000, 19_990_000, inputs)
	bogus.RequestID = "w9"
	assert.Error(t, sign(builder, bogus))

	assert.NoError(t, sign(builder, proposal(10_000_000, 19_990_000, inputs)))
	w := h.record(s, "w1")
	assert.Equal(t, bridge.WithdrawalAwaitingSignatures, w.Request.Status)
	assert.True(t, s.IsOwnTx(w.TxID))
}

func TestElectBuilderIsStable(t *testing.T) {
	c := gossip.NewCluster(5)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("req-%d", i)
		b := ElectBuilder(id, c.Members)
		assert.Equal(t, b, ElectBuilder(id, c.Members))
		seen[b] = true
	}
	assert.Greater(t, len(seen), 1)
}
