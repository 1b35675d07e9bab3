package withdraw

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// Opt-in RBF without relative locktime.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// ElectBuilder picks the member that builds and broadcasts a request. Every
// member computes the same answer from the sorted membership.
func ElectBuilder(requestID string, members *gossip.Members) string {
	ids := members.IDs()
	if len(ids) == 0 {
		return ""
	}
	sum := sha3.Sum256([]byte(requestID))
	return ids[binary.BigEndian.Uint64(sum[:8])%uint64(len(ids))]
}

// DestinationScript decodes a withdrawal address for the given network.
func DestinationScript(addr string, params *chaincfg.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, errors.Wrapf(bridge.ErrMalformed, "address %q: %s", addr, err)
	}
	if !a.IsForNet(params) {
		return nil, errors.Wrapf(bridge.ErrMalformed, "address %q is not for %s", addr, params.Name)
	}
	return txscript.PayToAddrScript(a)
}

func sortInputs(in []bridge.UTXO) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].OutPoint.TxID != in[j].OutPoint.TxID {
			return in[i].OutPoint.TxID < in[j].OutPoint.TxID
		}
		return in[i].OutPoint.Vout < in[j].OutPoint.Vout
	})
}

// buildTx assembles the unsigned spend. The destination is always output 0
// and change, when present, goes back to custody as output 1.
func buildTx(inputs []bridge.UTXO, dest []byte, amount, change int64, custody *Custody) (*wire.MsgTx, int32, error) {
	tx := wire.NewMsgTx(2)

	for _, in := range inputs {
		h, err := chainhash.NewHashFromStr(in.OutPoint.TxID)
		if err != nil {
			return nil, 0, errors.Wrap(bridge.ErrMalformed, err.Error())
		}
		txin := wire.NewTxIn(wire.NewOutPoint(h, in.OutPoint.Vout), nil, nil)
		txin.Sequence = rbfSequence
		tx.AddTxIn(txin)
	}

	tx.AddTxOut(wire.NewTxOut(amount, dest))

	changeIndex := int32(-1)
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(change, custody.PkScript()))
		changeIndex = 1
	}

	return tx, changeIndex, nil
}

// spendFor prices a spend of inputs at rate, with change when it clears
// dust.
func spendFor(inputs []bridge.UTXO, amount int64, rate float64, sz sizer, changeDust int64) (fee, change int64, err error) {
	var total int64
	for _, in := range inputs {
		total += in.Value
	}

	withChange := feeFor(sz.vsize(len(inputs), true), rate)
	if c := total - amount - withChange; c >= changeDust {
		return withChange, c, nil
	}

	if total-amount < feeFor(sz.vsize(len(inputs), false), rate) {
		return 0, 0, errors.Wrapf(bridge.ErrInsufficientFunds, "inputs %d cannot pay %d at %.2f sat/vB", total, amount, rate)
	}
	return total - amount, 0, nil
}

// maxFeeAt is the most a spend of n inputs may pay at rate. Change under
// dust is allowed to go to the fee.
func maxFeeAt(n int, rate float64, sz sizer, changeDust int64) int64 {
	return feeFor(sz.vsize(n, true), rate) + changeDust + 1
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
	}
	return tx, nil
}

// checkProposal validates an unsigned transaction from the builder against
// this member's own view of the request and its custody set.
func (m *Manager) checkProposal(w *bridge.Withdrawal, req *gossip.SignRequest, custody map[bridge.OutPoint]*bridge.UTXO) (*wire.MsgTx, error) {
	tx, err := deserializeTx(req.UnsignedTx)
	if err != nil {
		return nil, err
	}
	if len(tx.TxIn) != len(req.Inputs) || len(tx.TxIn) == 0 {
		return nil, errors.Wrap(bridge.ErrMalformed, "inputs do not match prevouts")
	}

	var total int64
	for i, in := range tx.TxIn {
		prev := req.Inputs[i]
		if in.PreviousOutPoint.Hash.String() != prev.OutPoint.TxID || in.PreviousOutPoint.Index != prev.OutPoint.Vout {
			return nil, errors.Wrapf(bridge.ErrMalformed, "input %d does not match its prevout", i)
		}

		own, ok := custody[prev.OutPoint]
		if !ok {
			return nil, errors.Errorf("input %s is not in custody", prev.OutPoint)
		}
		if own.Value != prev.Value || !bytes.Equal(own.Script, m.custody.PkScript()) {
			return nil, errors.Errorf("input %s differs from custody record", prev.OutPoint)
		}
		if own.Reserved != "" && own.Reserved != w.Request.RequestID {
			return nil, errors.Errorf("input %s reserved by %s", prev.OutPoint, own.Reserved)
		}
		total += own.Value
	}

	dest, err := DestinationScript(w.Request.DestinationAddress, m.opts.Params)
	if err != nil {
		return nil, err
	}

	if len(tx.TxOut) < 1 || len(tx.TxOut) > 2 {
		return nil, errors.Errorf("%d outputs", len(tx.TxOut))
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, dest) || tx.TxOut[0].Value != w.Request.Amount {
		return nil, errors.New("first output does not pay the request")
	}

	var out int64
	for i, o := range tx.TxOut {
		if i > 0 && !bytes.Equal(o.PkScript, m.custody.PkScript()) {
			return nil, errors.Errorf("output %d does not return to custody", i)
		}
		out += o.Value
	}

	fee := total - out
	if fee <= 0 {
		return nil, errors.New("no fee")
	}
	if m.opts.MaxFee > 0 && fee > m.opts.MaxFee {
		return nil, errors.Wrapf(bridge.ErrFeeRateCap, "fee %d above %d", fee, m.opts.MaxFee)
	}

	if rc := m.rateCap(&w.Request); rc > 0 {
		sz := newSizer(m.custody, dest)
		if limit := maxFeeAt(len(tx.TxIn), rc, sz, m.opts.ChangeDust); fee > limit {
			return nil, errors.Wrapf(bridge.ErrFeeRateCap, "fee %d above %d at the cap", fee, limit)
		}
	}

	return tx, nil
}
