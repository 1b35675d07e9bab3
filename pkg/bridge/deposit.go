package bridge

import (
	"encoding/hex"
	"time"
)

type DepositStatus uint8

const (
	DepositObserved DepositStatus = iota + 1
	DepositCandidate
	DepositVoting
	DepositAgreed
	DepositRejected
	DepositRetracted
	DepositDispatched
)

func (s DepositStatus) String() string {
	switch s {
	case DepositObserved:
		return "observed"
	case DepositCandidate:
		return "candidate"
	case DepositVoting:
		return "voting"
	case DepositAgreed:
		return "agreed"
	case DepositRejected:
		return "rejected"
	case DepositRetracted:
		return "retracted"
	case DepositDispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

// Final reports whether no further transition out of s is possible.
func (s DepositStatus) Final() bool {
	return s == DepositRejected || s == DepositRetracted || s == DepositDispatched
}

// Deposit is the payload peers vote on and the home network receives.
type Deposit struct {
	TxID        string `msgpack:"tx"`
	Vout        uint32 `msgpack:"vo"`
	Amount      int64  `msgpack:"a"`
	Script      []byte `msgpack:"sc"`
	BlockHeight int64  `msgpack:"h"`
	BlockHash   string `msgpack:"bh"`
	TxIndex     uint32 `msgpack:"ti"`
}

func (d *Deposit) OutPoint() OutPoint {
	return OutPoint{TxID: d.TxID, Vout: d.Vout}
}

func (d *Deposit) Slot() Slot {
	return d.OutPoint().Slot()
}

func (d *Deposit) Fingerprint() (Fingerprint, error) {
	return NewFingerprint(d.TxID, d.Vout, d.Amount, d.Script)
}

// ScriptKey is the hex destination script, used to group the outbox per
// tracked address.
func (d *Deposit) ScriptKey() string {
	return hex.EncodeToString(d.Script)
}

type DepositEvent struct {
	Fingerprint    Fingerprint
	Deposit        Deposit
	ObservedHeight int64
	Confirmations  int64
	Status         DepositStatus
	UpdatedAt      time.Time
}

// Certificate proves agreement: the aggregated BLS signature of the voters
// whose votes matched the agreed payload.
type Certificate struct {
	Voters    []string `msgpack:"v"`
	Signature []byte   `msgpack:"s"`
}
