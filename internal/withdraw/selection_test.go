package withdraw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

func TestLargestFirst(t *testing.T) {
	c, _ := testCustody(t, 3, 2)
	sz := newSizer(c, make([]byte, 22))

	utxos := []bridge.UTXO{testUTXO(c, 1, 20_000), testUTXO(c, 2, 500_000), testUTXO(c, 3, 60_000)}

	sel, err := SelectLargestFirst(utxos, 100_000, 2, sz, 546)
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 1)
	assert.Equal(t, int64(500_000), sel.Inputs[0].Value)
	assert.Equal(t, feeFor(sz.vsize(1, true), 2), sel.Fee)
	assert.Equal(t, int64(500_000-100_000)-sel.Fee, sel.Change)

	sel, err = SelectLargestFirst(utxos, 550_000, 2, sz, 546)
	require.NoError(t, err)
	assert.Len(t, sel.Inputs, 2)
}

func TestLargestFirstFoldsDustChangeIntoFee(t *testing.T) {
	c, _ := testCustody(t, 3, 2)
	sz := newSizer(c, make([]byte, 22))

	noChange := feeFor(sz.vsize(1, false), 1)
	utxos := []bridge.UTXO{testUTXO(c, 1, 100_000+noChange+100)}

	sel, err := SelectLargestFirst(utxos, 100_000, 1, sz, 546)
	require.NoError(t, err)
	assert.Zero(t, sel.Change)
	assert.Equal(t, noChange+100, sel.Fee)
}

func TestBranchAndBoundAvoidsChange(t *testing.T) {
	c, _ := testCustody(t, 3, 2)
	sz := newSizer(c, make([]byte, 22))

	exact := 100_000 + feeFor(sz.vsize(0, false), 1) + feeFor(sz.input, 1) + 10
	utxos := []bridge.UTXO{testUTXO(c, 1, 1_000_000), testUTXO(c, 2, exact), testUTXO(c, 3, 30_000)}

	sel, err := SelectBranchAndBound(utxos, 100_000, 1, sz, 546)
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 1)
	assert.Equal(t, exact, sel.Inputs[0].Value)
	assert.Zero(t, sel.Change)
	assert.Equal(t, exact-100_000, sel.Fee)

	lf, err := SelectLargestFirst(utxos, 100_000, 1, sz, 546)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), lf.Inputs[0].Value)
	assert.Positive(t, lf.Change)
}

func TestBranchAndBoundFallsBack(t *testing.T) {
	c, _ := testCustody(t, 3, 2)
	sz := newSizer(c, make([]byte, 22))

	utxos := []bridge.UTXO{testUTXO(c, 1, 1_000_000)}
	sel, err := SelectBranchAndBound(utxos, 100_000, 1, sz, 546)
	require.NoError(t, err)
	assert.Positive(t, sel.Change)
}

func TestInsufficientFunds(t *testing.T) {
	c, _ := testCustody(t, 3, 2)
	sz := newSizer(c, make([]byte, 22))
	utxos := []bridge.UTXO{testUTXO(c, 1, 50_000), testUTXO(c, 2, 50_000)}

	_, err := SelectLargestFirst(utxos, 100_000, 1, sz, 546)
	assert.ErrorIs(t, err, bridge.ErrInsufficientFunds)

	_, err = SelectBranchAndBound(utxos, 100_000, 1, sz, 546)
	assert.ErrorIs(t, err, bridge.ErrInsufficientFunds)

	_, _, err = spendFor(utxos, 100_000, 1, sz, 546)
	assert.ErrorIs(t, err, bridge.ErrInsufficientFunds)
}

func TestBroadcastCache(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := newBroadcastCache(time.Minute, 2, func() time.Time { return now })

	c.Add("t1", []byte{1}, []bridge.BroadcastResult{{NodeID: "a"}, {NodeID: "b", Error: "down"}})
	due := c.Due()
	require.Len(t, due, 1)
	assert.Equal(t, []string{"b"}, due[0].nodes)

	c.Accepted("t1", "b")
	assert.Empty(t, c.Due())

	c.Add("t2", []byte{2}, []bridge.BroadcastResult{{NodeID: "a", Error: "x"}})
	c.Add("t3", []byte{3}, []bridge.BroadcastResult{{NodeID: "a", Error: "x"}})
	assert.Equal(t, 2, c.Len(), "oldest evicted at capacity")

	now = now.Add(2 * time.Minute)
	assert.Empty(t, c.Due())
	assert.Zero(t, c.Len())
}
