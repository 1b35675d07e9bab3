package bridge

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
)

// Fingerprint deterministically identifies a chain event. It is the CIDv1
// (raw codec, sha2-256) of the event's canonical encoding.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Valid reports whether f parses as a CID.
func (f Fingerprint) Valid() bool {
	_, err := cid.Parse(string(f))
	return err == nil
}

// Slot is the logical position a fingerprint claims on chain. Fingerprints
// sharing a slot are mutually exclusive.
type Slot string

type OutPoint struct {
	TxID string `msgpack:"t"`
	Vout uint32 `msgpack:"v"`
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

func (o OutPoint) Slot() Slot {
	return Slot(o.String())
}

// ParseOutPoint parses the txid:vout form produced by OutPoint.String.
func ParseOutPoint(s string) (OutPoint, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return OutPoint{}, errors.Wrapf(ErrMalformed, "outpoint %q", s)
	}

	vout, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return OutPoint{}, errors.Wrapf(ErrMalformed, "outpoint %q", s)
	}

	if _, err := chainhash.NewHashFromStr(s[:i]); err != nil {
		return OutPoint{}, errors.Wrapf(ErrMalformed, "outpoint %q", s)
	}

	return OutPoint{TxID: s[:i], Vout: uint32(vout)}, nil
}

// NewFingerprint hashes txid (internal byte order), vout, amount and the
// destination script.
func NewFingerprint(txid string, vout uint32, amount int64, script []byte) (Fingerprint, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return "", errors.Wrapf(ErrMalformed, "txid %q", txid)
	}

	buf := make([]byte, 0, chainhash.HashSize+4+8+len(script))
	buf = append(buf, h[:]...)
	buf = binary.BigEndian.AppendUint32(buf, vout)
	buf = binary.BigEndian.AppendUint64(buf, uint64(amount))
	buf = append(buf, script...)

	mh, err := multihash.Sum(buf, multihash.SHA2_256, -1)
	if err != nil {
		return "", errors.Wrap(err, "hashing fingerprint")
	}

	return Fingerprint(cid.NewCidV1(cid.Raw, mh).String()), nil
}
