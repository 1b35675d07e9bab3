package validation

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/btcbridge/internal/consensus"
	"github.com/tcfw/btcbridge/internal/poller"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

var (
	tracked = bytes.Repeat([]byte{0xaa}, 22)
	custody = bytes.Repeat([]byte{0xcc}, 34)
	other   = bytes.Repeat([]byte{0xee}, 22)
)

type fakeCoord struct {
	mu        sync.Mutex
	agree     bool
	proposed  []bridge.Fingerprint
	retracted []bridge.Fingerprint
}

func (c *fakeCoord) Propose(_ context.Context, d bridge.Deposit) ([]*consensus.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp, err := d.Fingerprint()
	if err != nil {
		return nil, err
	}
	c.proposed = append(c.proposed, fp)

	if !c.agree {
		return nil, nil
	}
	return []*consensus.Result{{
		Fingerprint: fp,
		Slot:        d.Slot(),
		Outcome:     consensus.OutcomeAgreed,
		Deposit:     d,
		Certificate: &bridge.Certificate{Voters: []string{"m0", "m1", "m2"}},
	}}, nil
}

func (c *fakeCoord) Retract(_ context.Context, fp bridge.Fingerprint, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retracted = append(c.retracted, fp)
	return nil
}

type fakeSink struct {
	mu         sync.Mutex
	enqueued   []bridge.Fingerprint
	retracted  []bridge.Fingerprint
	dispatched map[bridge.Fingerprint]bool
}

func (s *fakeSink) Enqueue(_ context.Context, fp bridge.Fingerprint, _ bridge.Deposit, _ *bridge.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enqueued = append(s.enqueued, fp)
	return nil
}

func (s *fakeSink) Retract(_ context.Context, fp bridge.Fingerprint, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dispatched[fp] {
		return bridge.ErrAlreadyDispatched
	}
	s.retracted = append(s.retracted, fp)
	return nil
}

func txid(n int) string {
	return strings.Repeat(fmt.Sprintf("%02x", n), 32)
}

func observation(height, confs int64, txs ...bridge.Tx) *bridge.ChainObservation {
	return &bridge.ChainObservation{
		SourceNodeID:  "a",
		BlockHeight:   height,
		BlockHash:     fmt.Sprintf("main-%d", height),
		Transactions:  txs,
		Confirmations: confs,
	}
}

func payment(n int, value int64, script []byte) bridge.Tx {
	return bridge.Tx{
		TxID:    txid(n),
		Index:   uint32(n),
		Outputs: []bridge.TxOut{{Index: 0, Value: value, Script: script}},
	}
}

func fp(t *testing.T, tx bridge.Tx) bridge.Fingerprint {
	f, err := bridge.NewFingerprint(tx.TxID, tx.Outputs[0].Index, tx.Outputs[0].Value, tx.Outputs[0].Script)
	require.NoError(t, err)
	return f
}

func newEngine(coord *fakeCoord, sink *fakeSink, mut func(*Options)) *Engine {
	opts := Options{
		Confirmations: 6,
		DustThreshold: 546,
		Tracked:       poller.NewScriptFilter(tracked, custody),
		CustodyScript: custody,
	}
	if mut != nil {
		mut(&opts)
	}
	return New(coord, sink, opts)
}

func TestDepositReachesDepthAndIsForwardedOnce(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoord{agree: true}
	sink := &fakeSink{}
	e := newEngine(coord, sink, nil)

	tx := payment(1, 100_000_000, tracked)
	f := fp(t, tx)

	e.Apply(ctx, &poller.Update{Tip: 100, Observations: []*bridge.ChainObservation{observation(100, 1, tx)}})

	ev, ok := e.Event(f)
	require.True(t, ok)
	assert.Equal(t, bridge.DepositObserved, ev.Status)
	assert.EqualValues(t, 1, ev.Confirmations)

	for tip := int64(101); tip <= 104; tip++ {
		e.Apply(ctx, &poller.Update{Tip: tip})
	}
	ev, _ = e.Event(f)
	assert.Equal(t, bridge.DepositObserved, ev.Status)
	assert.EqualValues(t, 5, ev.Confirmations)
	assert.Empty(t, coord.proposed)

	e.Apply(ctx, &poller.Update{Tip: 105})
	ev, _ = e.Event(f)
	assert.Equal(t, bridge.DepositAgreed, ev.Status)
	assert.EqualValues(t, 6, ev.Confirmations)
	assert.Equal(t, []bridge.Fingerprint{f}, coord.proposed)
	assert.Equal(t, []bridge.Fingerprint{f}, sink.enqueued)

	// later polls and a duplicate agreement change nothing
	e.Apply(ctx, &poller.Update{Tip: 106, Observations: []*bridge.ChainObservation{observation(100, 7, tx)}})
	e.OnResult(ctx, &consensus.Result{Fingerprint: f, Slot: bridge.OutPoint{TxID: tx.TxID}.Slot(), Outcome: consensus.OutcomeAgreed})
	assert.Len(t, sink.enqueued, 1)
	assert.Len(t, coord.proposed, 1)

	e.MarkDispatched(f)
	ev, _ = e.Event(f)
	assert.Equal(t, bridge.DepositDispatched, ev.Status)
}

func TestConfirmationsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	e := newEngine(&fakeCoord{}, &fakeSink{}, nil)

	tx := payment(1, 10_000, tracked)
	e.Apply(ctx, &poller.Update{Tip: 104, Observations: []*bridge.ChainObservation{observation(100, 5, tx)}})

	// a lagging upstream reports a lower tip
	e.Apply(ctx, &poller.Update{Tip: 102, Observations: []*bridge.ChainObservation{observation(100, 3, tx)}})

	ev, ok := e.Event(fp(t, tx))
	require.True(t, ok)
	assert.EqualValues(t, 5, ev.Confirmations)
}

func TestPolicyDrops(t *testing.T) {
	ctx := context.Background()
	e := newEngine(&fakeCoord{}, &fakeSink{}, nil)

	dust := payment(1, 100, tracked)
	untracked := payment(2, 10_000, other)
	empty := bridge.Tx{TxID: txid(3), Outputs: []bridge.TxOut{{Index: 0, Value: 0, Script: tracked}}}

	e.Apply(ctx, &poller.Update{Tip: 100, Observations: []*bridge.ChainObservation{observation(100, 1, dust, untracked, empty)}})
	assert.Empty(t, e.Events())

	assert.ErrorIs(t, e.Check(dust.Outputs[0]), bridge.ErrDust)
	assert.ErrorIs(t, e.Check(untracked.Outputs[0]), bridge.ErrUntrackedScript)
	assert.ErrorIs(t, e.Check(empty.Outputs[0]), bridge.ErrMalformed)
	assert.NoError(t, e.Check(bridge.TxOut{Value: 546, Script: tracked}))

	e.mu.Lock()
	_, remembered := e.dropped[fp(t, dust)]
	e.mu.Unlock()
	assert.True(t, remembered)
}

func TestOwnTransactionsIgnored(t *testing.T) {
	ctx := context.Background()
	change := payment(4, 50_000, custody)

	e := newEngine(&fakeCoord{}, &fakeSink{}, func(o *Options) {
		o.IsOwnTx = func(id string) bool { return id == change.TxID }
	})

	e.Apply(ctx, &poller.Update{Tip: 100, Observations: []*bridge.ChainObservation{observation(100, 1, change)}})
	assert.Empty(t, e.Events())
}

func TestExpiredRoundIsProposedAgain(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoord{}
	e := newEngine(coord, &fakeSink{}, func(o *Options) { o.Confirmations = 1 })

	tx := payment(1, 10_000, tracked)
	f := fp(t, tx)

	e.Apply(ctx, &poller.Update{Tip: 100, Observations: []*bridge.ChainObservation{observation(100, 1, tx)}})
	ev, _ := e.Event(f)
	assert.Equal(t, bridge.DepositVoting, ev.Status)

	e.Apply(ctx, &poller.Update{Tip: 101})
	assert.Len(t, coord.proposed, 1, "voting rounds are not proposed twice")

	e.OnResult(ctx, &consensus.Result{Fingerprint: f, Slot: bridge.OutPoint{TxID: tx.TxID}.Slot(), Outcome: consensus.OutcomeExpired})
	ev, _ = e.Event(f)
	assert.Equal(t, bridge.DepositCandidate, ev.Status)

	e.Apply(ctx, &poller.Update{Tip: 102})
	assert.Len(t, coord.proposed, 2)
}

func TestRejectedIsRemembered(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoord{}
	e := newEngine(coord, &fakeSink{}, func(o *Options) { o.Confirmations = 1 })

	tx := payment(1, 10_000, tracked)
	f := fp(t, tx)
	obs := observation(100, 1, tx)

	e.Apply(ctx, &poller.Update{Tip: 100, Observations: []*bridge.ChainObservation{obs}})
	e.OnResult(ctx, &consensus.Result{Fingerprint: f, Slot: bridge.OutPoint{TxID: tx.TxID}.Slot(), Outcome: consensus.OutcomeRejected})

	_, ok := e.Event(f)
	assert.False(t, ok)

	e.Apply(ctx, &poller.Update{Tip: 101, Observations: []*bridge.ChainObservation{obs}})
	_, ok = e.Event(f)
	assert.False(t, ok)
	assert.Len(t, coord.proposed, 1)
}

func TestReorgInvalidatesAndRetracts(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoord{agree: true}

	dispatched := payment(1, 10_000, tracked)
	agreed := payment(2, 20_000, tracked)
	voting := payment(3, 30_000, tracked)
	observed := payment(4, 40_000, tracked)
	below := payment(5, 50_000, tracked)

	sink := &fakeSink{dispatched: map[bridge.Fingerprint]bool{fp(t, dispatched): true}}
	e := newEngine(coord, sink, nil)

	e.Apply(ctx, &poller.Update{Tip: 110, Observations: []*bridge.ChainObservation{
		observation(99, 12, below),
		observation(101, 10, dispatched),
		observation(102, 9, agreed),
	}})
	e.MarkDispatched(fp(t, dispatched))

	coord.agree = false
	e.Apply(ctx, &poller.Update{Tip: 110, Observations: []*bridge.ChainObservation{
		observation(104, 7, voting),
		observation(110, 1, observed),
	}})

	status := func(tx bridge.Tx) bridge.DepositStatus {
		ev, ok := e.Event(fp(t, tx))
		if !ok {
			return 0
		}
		return ev.Status
	}
	require.Equal(t, bridge.DepositDispatched, status(dispatched))
	require.Equal(t, bridge.DepositAgreed, status(agreed))
	require.Equal(t, bridge.DepositAgreed, status(below))
	require.Equal(t, bridge.DepositVoting, status(voting))
	require.Equal(t, bridge.DepositObserved, status(observed))

	e.Apply(ctx, &poller.Update{Tip: 110, Fork: &poller.ForkSignal{Height: 100, Reason: "test"}})

	assert.Equal(t, bridge.DepositAgreed, status(below), "below the fork is untouched")
	assert.Equal(t, bridge.DepositDispatched, status(dispatched), "dispatched events stay")
	assert.Zero(t, status(agreed))
	assert.Zero(t, status(voting))
	assert.Zero(t, status(observed))

	assert.Equal(t, []bridge.Fingerprint{fp(t, agreed)}, sink.retracted)
	assert.ElementsMatch(t, []bridge.Fingerprint{fp(t, agreed), fp(t, voting)}, coord.retracted)

	// the same deposit mined again on the new branch starts over
	e.Apply(ctx, &poller.Update{Tip: 111, Observations: []*bridge.ChainObservation{observation(105, 7, voting)}})
	ev, ok := e.Event(fp(t, voting))
	require.True(t, ok)
	assert.Equal(t, bridge.DepositVoting, ev.Status)
	assert.EqualValues(t, 105, ev.Deposit.BlockHeight)
}

func TestCustodyDepositsRecorded(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newEngine(&fakeCoord{agree: true}, &fakeSink{}, func(o *Options) {
		o.Confirmations = 1
		o.Custody = store
	})

	tx := payment(1, 75_000, custody)
	user := payment(2, 75_000, tracked)
	e.Apply(ctx, &poller.Update{Tip: 100, Observations: []*bridge.ChainObservation{observation(100, 1, tx, user)}})

	utxos, err := store.ListUTXOs(ctx)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, bridge.OutPoint{TxID: tx.TxID, Vout: 0}, utxos[0].OutPoint)
	assert.EqualValues(t, 75_000, utxos[0].Value)

	e.Apply(ctx, &poller.Update{Tip: 100, Fork: &poller.ForkSignal{Height: 100}})
	utxos, err = store.ListUTXOs(ctx)
	require.NoError(t, err)
	assert.Empty(t, utxos)
}
