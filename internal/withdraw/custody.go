package withdraw

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

var (
	ErrBadShare = errors.New("bad signature share")
)

// Custody is the threshold-of-n P2WSH multisig holding bridged funds. Keys are
// ordered by their compressed encoding, so every member derives the same
// script.
type Custody struct {
	threshold int
	members   []string
	keys      []*btcec.PublicKey
	index     map[string]int

	script   []byte
	pkScript []byte
	address  btcutil.Address
}

func NewCustody(threshold int, keys map[string]*btcec.PublicKey, params *chaincfg.Params) (*Custody, error) {
	if threshold < 1 || threshold > len(keys) {
		return nil, errors.Errorf("threshold %d outside 1..%d", threshold, len(keys))
	}

	type entry struct {
		id  string
		key *btcec.PublicKey
		ser []byte
	}
	entries := make([]entry, 0, len(keys))
	for id, k := range keys {
		entries = append(entries, entry{id, k, k.SerializeCompressed()})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].ser, entries[j].ser) < 0 })

	c := &Custody{threshold: threshold, index: map[string]int{}}

	addrs := make([]*btcutil.AddressPubKey, 0, len(entries))
	for i, e := range entries {
		a, err := btcutil.NewAddressPubKey(e.ser, params)
		if err != nil {
			return nil, errors.Wrapf(err, "member %s key", e.id)
		}
		addrs = append(addrs, a)
		c.members = append(c.members, e.id)
		c.keys = append(c.keys, e.key)
		c.index[e.id] = i
	}

	script, err := txscript.MultiSigScript(addrs, threshold)
	if err != nil {
		return nil, errors.Wrap(err, "building multisig script")
	}
	c.script = script

	c.address, err = btcutil.NewAddressWitnessScriptHash(chainhash.HashB(script), params)
	if err != nil {
		return nil, err
	}
	c.pkScript, err = txscript.PayToAddrScript(c.address)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// CustodyFromMembers builds the custody script from the members' bitcoin
// keys.
func CustodyFromMembers(threshold int, ms *gossip.Members, params *chaincfg.Params) (*Custody, error) {
	keys := map[string]*btcec.PublicKey{}
	for _, m := range ms.List() {
		if m.BTCKey == nil {
			return nil, errors.Errorf("member %s has no bitcoin key", m.ID)
		}
		keys[m.ID] = m.BTCKey.PublicKey
	}
	return NewCustody(threshold, keys, params)
}

func (c *Custody) Threshold() int           { return c.threshold }
func (c *Custody) Script() []byte           { return c.script }
func (c *Custody) PkScript() []byte         { return c.pkScript }
func (c *Custody) Address() btcutil.Address { return c.address }

// InputVSize is the virtual size of one spend of the custody output.
func (c *Custody) InputVSize() int64 {
	// outpoint, empty script sig, sequence
	base := int64(36 + 1 + 4)
	// item count, dummy, threshold sigs of at most 73 bytes, the script
	witness := int64(1 + 1 + c.threshold*(1+73))
	witness += int64(wire.VarIntSerializeSize(uint64(len(c.script))) + len(c.script))
	return base + (witness+3)/4
}

func prevOuts(inputs []bridge.UTXO) (*txscript.MultiPrevOutFetcher, error) {
	f := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		h, err := chainhash.NewHashFromStr(in.OutPoint.TxID)
		if err != nil {
			return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
		}
		f.AddPrevOut(*wire.NewOutPoint(h, in.OutPoint.Vout), wire.NewTxOut(in.Value, in.Script))
	}
	return f, nil
}

func (c *Custody) sigHashes(tx *wire.MsgTx, inputs []bridge.UTXO) ([][]byte, error) {
	if len(tx.TxIn) != len(inputs) {
		return nil, errors.Errorf("%d inputs, %d prevouts", len(tx.TxIn), len(inputs))
	}

	fetcher, err := prevOuts(inputs)
	if err != nil {
		return nil, err
	}
	cache := txscript.NewTxSigHashes(tx, fetcher)

	out := make([][]byte, len(inputs))
	for i, in := range inputs {
		h, err := txscript.CalcWitnessSigHash(c.script, cache, txscript.SigHashAll, tx, i, in.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "sighash %d", i)
		}
		out[i] = h
	}
	return out, nil
}

// Sign produces one SIGHASH_ALL signature per input.
func (c *Custody) Sign(tx *wire.MsgTx, inputs []bridge.UTXO, key *btcec.PrivateKey) ([][]byte, error) {
	hashes, err := c.sigHashes(tx, inputs)
	if err != nil {
		return nil, err
	}

	sigs := make([][]byte, len(hashes))
	for i, h := range hashes {
		sig := ecdsa.Sign(key, h).Serialize()
		sigs[i] = append(sig, byte(txscript.SigHashAll))
	}
	return sigs, nil
}

// VerifyShare checks a member's signatures against the transaction.
func (c *Custody) VerifyShare(tx *wire.MsgTx, inputs []bridge.UTXO, member string, sigs [][]byte) error {
	i, ok := c.index[member]
	if !ok {
		return errors.Wrapf(ErrBadShare, "%s holds no custody key", member)
	}
	key := c.keys[i]

	hashes, err := c.sigHashes(tx, inputs)
	if err != nil {
		return err
	}
	if len(sigs) != len(hashes) {
		return errors.Wrapf(ErrBadShare, "%d signatures for %d inputs", len(sigs), len(hashes))
	}

	for n, s := range sigs {
		if len(s) < 2 || s[len(s)-1] != byte(txscript.SigHashAll) {
			return errors.Wrapf(ErrBadShare, "input %d sighash type", n)
		}
		sig, err := ecdsa.ParseDERSignature(s[:len(s)-1])
		if err != nil {
			return errors.Wrapf(ErrBadShare, "input %d: %s", n, err)
		}
		if !sig.Verify(hashes[n], key) {
			return errors.Wrapf(ErrBadShare, "input %d does not verify", n)
		}
	}

	return nil
}

// Finalize attaches witnesses built from the first threshold shares in script
// key order.
func (c *Custody) Finalize(tx *wire.MsgTx, shares map[string][][]byte) error {
	var signers []string
	for _, id := range c.members {
		if _, ok := shares[id]; ok {
			signers = append(signers, id)
		}
		if len(signers) == c.threshold {
			break
		}
	}
	if len(signers) < c.threshold {
		return errors.Errorf("%d of %d signatures", len(signers), c.threshold)
	}

	for i, in := range tx.TxIn {
		w := wire.TxWitness{nil}
		for _, id := range signers {
			if len(shares[id]) != len(tx.TxIn) {
				return errors.Wrapf(ErrBadShare, "share from %s", id)
			}
			w = append(w, shares[id][i])
		}
		in.Witness = append(w, c.script)
	}

	return nil
}
