// Package storagetest holds behaviour checks shared by every Store
// implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

const txA = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func outboxEntry(t *testing.T, script byte, height int64, idx uint32) *bridge.OutboxEntry {
	d := bridge.Deposit{
		TxID:        txA,
		Vout:        uint32(height)*10 + idx,
		Amount:      1000,
		Script:      []byte{0x00, script},
		BlockHeight: height,
		TxIndex:     idx,
	}
	fp, err := d.Fingerprint()
	require.NoError(t, err)

	return &bridge.OutboxEntry{
		Fingerprint: fp,
		Deposit:     d,
		Status:      bridge.OutboxPending,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run exercises s against the Store contract.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("withdrawals", func(t *testing.T) { testWithdrawals(t, newStore(t)) })
	t.Run("utxos", func(t *testing.T) { testUTXOs(t, newStore(t)) })
	t.Run("chain", func(t *testing.T) { testChain(t, newStore(t)) })
}

func testOutbox(t *testing.T, s storage.Store) {
	ctx := context.Background()

	late := outboxEntry(t, 1, 105, 0)
	early := outboxEntry(t, 1, 100, 3)
	earlier := outboxEntry(t, 1, 100, 1)
	other := outboxEntry(t, 2, 50, 0)

	for _, e := range []*bridge.OutboxEntry{late, early, other, earlier} {
		created, err := s.PutOutbox(ctx, e)
		require.NoError(t, err)
		assert.True(t, created)
	}

	created, err := s.PutOutbox(ctx, early)
	require.NoError(t, err)
	assert.False(t, created, "second insert must not overwrite")

	list, err := s.ListOutbox(ctx, bridge.OutboxPending)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, earlier.Fingerprint, list[0].Fingerprint)
	assert.Equal(t, early.Fingerprint, list[1].Fingerprint)
	assert.Equal(t, late.Fingerprint, list[2].Fingerprint)
	assert.Equal(t, other.Fingerprint, list[3].Fingerprint)

	early.Status = bridge.OutboxDispatched
	early.Attempts = 1
	require.NoError(t, s.UpdateOutbox(ctx, early))

	got, err := s.GetOutbox(ctx, early.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, bridge.OutboxDispatched, got.Status)
	assert.Equal(t, 1, got.Attempts)

	pending, err := s.ListOutbox(ctx, bridge.OutboxPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	all, err := s.ListOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = s.GetOutbox(ctx, bridge.Fingerprint("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.UpdateOutbox(ctx, &bridge.OutboxEntry{Fingerprint: "missing"}), storage.ErrNotFound)
}

func testWithdrawals(t *testing.T, s storage.Store) {
	ctx := context.Background()

	w := &bridge.Withdrawal{
		Request: bridge.WithdrawalRequest{
			RequestID:          "req-1",
			DestinationAddress: "bcrt1qexample",
			Amount:             10_000_000,
			Status:             bridge.WithdrawalPending,
		},
		Signatures: map[string][][]byte{"a": {{0x01}}},
	}
	require.NoError(t, s.PutWithdrawal(ctx, w))

	w.Request.Status = bridge.WithdrawalBuilding
	require.NoError(t, s.PutWithdrawal(ctx, w))

	got, err := s.GetWithdrawal(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, bridge.WithdrawalBuilding, got.Request.Status)
	assert.Equal(t, [][]byte{{0x01}}, got.Signatures["a"])

	require.NoError(t, s.PutWithdrawal(ctx, &bridge.Withdrawal{Request: bridge.WithdrawalRequest{RequestID: "req-0"}}))

	list, err := s.ListWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "req-0", list[0].Request.RequestID)

	_, err = s.GetWithdrawal(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUTXOs(t *testing.T, s storage.Store) {
	ctx := context.Background()

	a := &bridge.UTXO{OutPoint: bridge.OutPoint{TxID: txA, Vout: 0}, Value: 100}
	b := &bridge.UTXO{OutPoint: bridge.OutPoint{TxID: txA, Vout: 1}, Value: 200}

	require.NoError(t, s.PutUTXO(ctx, a))
	require.NoError(t, s.PutUTXO(ctx, b))

	b.Reserved = "req-1"
	require.NoError(t, s.PutUTXO(ctx, b))

	list, err := s.ListUTXOs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "req-1", list[1].Reserved)

	require.NoError(t, s.DeleteUTXO(ctx, a.OutPoint))
	list, err = s.ListUTXOs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testChain(t *testing.T, s storage.Store) {
	ctx := context.Background()

	h, err := s.LastHeight(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)

	require.NoError(t, s.SetLastHeight(ctx, "node-a", 120))
	h, err = s.LastHeight(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, int64(120), h)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.PutHeader(ctx, &storage.Header{Height: i, Hash: string(rune('a' + i))}))
	}

	require.NoError(t, s.DeleteHeadersFrom(ctx, 4))

	_, err = s.GetHeader(ctx, 4)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	hd, err := s.GetHeader(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "d", hd.Hash)
}
