package bridge

import (
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestFingerprintDeterministic(t *testing.T) {
	script := []byte{0x00, 0x20, 0x01, 0x02}

	a, err := NewFingerprint(testTxID, 1, 50_000_000, script)
	require.NoError(t, err)
	b, err := NewFingerprint(testTxID, 1, 50_000_000, script)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, a.Valid())

	c, err := cid.Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.Raw), c.Prefix().Codec)
}

func TestFingerprintCoversEveryField(t *testing.T) {
	script := []byte{0x00, 0x14, 0xaa}
	base, err := NewFingerprint(testTxID, 0, 1000, script)
	require.NoError(t, err)

	variants := []func() (Fingerprint, error){
		func() (Fingerprint, error) { return NewFingerprint(testTxID, 1, 1000, script) },
		func() (Fingerprint, error) { return NewFingerprint(testTxID, 0, 1001, script) },
		func() (Fingerprint, error) { return NewFingerprint(testTxID, 0, 1000, []byte{0x00, 0x14, 0xab}) },
		func() (Fingerprint, error) {
			return NewFingerprint(strings.Repeat("0", 63)+"1", 0, 1000, script)
		},
	}

	for i, v := range variants {
		fp, err := v()
		require.NoError(t, err)
		assert.NotEqual(t, base, fp, "variant %d", i)
	}
}

func TestFingerprintRejectsBadTxID(t *testing.T) {
	_, err := NewFingerprint("zz", 0, 1, nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseOutPoint(t *testing.T) {
	op, err := ParseOutPoint(testTxID + ":7")
	require.NoError(t, err)
	assert.Equal(t, OutPoint{TxID: testTxID, Vout: 7}, op)
	assert.Equal(t, Slot(testTxID+":7"), op.Slot())

	_, err = ParseOutPoint("nocolon")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWithdrawalForwardOnly(t *testing.T) {
	w := &Withdrawal{Request: WithdrawalRequest{Status: WithdrawalPending}}

	assert.NoError(t, w.Advance(WithdrawalBuilding))
	assert.NoError(t, w.Advance(WithdrawalAwaitingSignatures))
	assert.ErrorIs(t, w.Advance(WithdrawalBuilding), ErrInvalidTransition)
	assert.ErrorIs(t, w.Advance(WithdrawalAwaitingSignatures), ErrInvalidTransition)

	assert.NoError(t, w.Fail(ErrDoubleSpend))
	assert.Equal(t, WithdrawalFailed, w.Request.Status)
	assert.Equal(t, ErrDoubleSpend.Error(), w.FailReason)

	assert.ErrorIs(t, w.Advance(WithdrawalConfirmed), ErrInvalidTransition)
}

func TestParseWithdrawalStatus(t *testing.T) {
	s, err := ParseWithdrawalStatus("awaiting-signatures")
	require.NoError(t, err)
	assert.Equal(t, WithdrawalAwaitingSignatures, s)

	_, err = ParseWithdrawalStatus("nope")
	assert.Error(t, err)
}

func TestTxStatusConfirmations(t *testing.T) {
	s := &TxStatus{Confirmed: true, BlockHeight: 100}
	assert.Equal(t, int64(7), s.Confirmations(106))
	assert.Equal(t, int64(0), (&TxStatus{}).Confirmations(106))
}

func TestOutboxOrdering(t *testing.T) {
	mk := func(script byte, h int64, idx uint32) *OutboxEntry {
		return &OutboxEntry{Deposit: Deposit{Script: []byte{script}, BlockHeight: h, TxIndex: idx}}
	}

	assert.True(t, mk(1, 100, 5).Less(mk(1, 101, 0)))
	assert.True(t, mk(1, 100, 1).Less(mk(1, 100, 2)))
	assert.False(t, mk(2, 1, 0).Less(mk(1, 100, 0)))
}
