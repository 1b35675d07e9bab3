package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
	"github.com/tcfw/btcbridge/pkg/storage/storagetest"
)

func TestPebbleStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := NewMemPebbleStore()
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPebbleSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewPebbleStore(dir)
	require.NoError(t, err)

	d := bridge.Deposit{
		TxID:        "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b",
		Amount:      50_000_000,
		Script:      []byte{0x00, 0x20},
		BlockHeight: 100,
	}
	fp, err := d.Fingerprint()
	require.NoError(t, err)

	_, err = s.PutOutbox(ctx, &bridge.OutboxEntry{Fingerprint: fp, Deposit: d, Status: bridge.OutboxDispatched})
	require.NoError(t, err)
	require.NoError(t, s.SetLastHeight(ctx, "n1", 106))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.GetOutbox(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, bridge.OutboxDispatched, e.Status)

	h, err := s.LastHeight(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(106), h)
}

func TestTypedKey(t *testing.T) {
	assert.Equal(t, []byte{byte(utxoTPrefix), 'a', ':', 'b'}, typedKey(utxoTPrefix, "a", "b"))
	assert.Equal(t, []byte{byte(utxoTPrefix)}, typedKey(utxoTPrefix))
}
