package bridge

import (
	"time"

	"github.com/pkg/errors"
)

type WithdrawalStatus uint8

const (
	WithdrawalPending WithdrawalStatus = iota + 1
	WithdrawalBuilding
	WithdrawalAwaitingSignatures
	WithdrawalSigned
	WithdrawalBroadcast
	WithdrawalConfirmed
	WithdrawalFailed
)

func (s WithdrawalStatus) String() string {
	switch s {
	case WithdrawalPending:
		return "pending"
	case WithdrawalBuilding:
		return "building"
	case WithdrawalAwaitingSignatures:
		return "awaiting-signatures"
	case WithdrawalSigned:
		return "signed"
	case WithdrawalBroadcast:
		return "broadcast"
	case WithdrawalConfirmed:
		return "confirmed"
	case WithdrawalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	for st := WithdrawalPending; st <= WithdrawalFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, errors.Errorf("unknown withdrawal status %q", s)
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalConfirmed || s == WithdrawalFailed
}

// CanAdvance allows strictly forward moves, or Failed from any
// non-terminal state.
func (s WithdrawalStatus) CanAdvance(next WithdrawalStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == WithdrawalFailed {
		return true
	}
	return next > s && next != WithdrawalFailed
}

type FeePolicy struct {
	// ConfTarget is the block target handed to fee estimation.
	ConfTarget int `msgpack:"ct"`
	// MaxFeeRate caps the fee rate in sat/vB. Zero uses the node cap.
	MaxFeeRate float64 `msgpack:"mf,omitempty"`
}

type WithdrawalRequest struct {
	RequestID          string           `msgpack:"id"`
	DestinationAddress string           `msgpack:"to"`
	Amount             int64            `msgpack:"a"`
	FeePolicy          FeePolicy        `msgpack:"fp"`
	Status             WithdrawalStatus `msgpack:"s"`
}

type BroadcastResult struct {
	NodeID string    `msgpack:"n"`
	TxID   string    `msgpack:"t,omitempty"`
	Error  string    `msgpack:"e,omitempty"`
	At     time.Time `msgpack:"at"`
}

type SignedTransaction struct {
	RequestID string `msgpack:"id"`
	RawTx     []byte `msgpack:"raw"`
	// CollectedSignatures maps signer member id to one signature per input.
	CollectedSignatures map[string][][]byte `msgpack:"sigs"`
	BroadcastResult     []BroadcastResult   `msgpack:"br,omitempty"`
}

// UTXO is a custody output the bridge may spend.
type UTXO struct {
	OutPoint OutPoint `msgpack:"op"`
	Value    int64    `msgpack:"v"`
	Script   []byte   `msgpack:"s"`
	Height   int64    `msgpack:"h"`
	// Reserved holds the request id currently spending this output.
	Reserved string `msgpack:"r,omitempty"`
}

// Withdrawal is the ledger record for one request across its lifecycle.
type Withdrawal struct {
	Request WithdrawalRequest `msgpack:"r"`

	Attempt     uint32  `msgpack:"at"`
	Builder     string  `msgpack:"b"`
	FeeRate     float64 `msgpack:"fr"`
	Fee         int64   `msgpack:"f"`
	Inputs      []UTXO  `msgpack:"in"`
	ChangeIndex int32   `msgpack:"ci"`
	UnsignedTx  []byte  `msgpack:"ut"`

	// Signatures collected for the current attempt, keyed by member id.
	Signatures map[string][][]byte `msgpack:"sg"`
	Signed     *SignedTransaction  `msgpack:"st,omitempty"`

	TxID     string   `msgpack:"tx,omitempty"`
	Replaced []string `msgpack:"rp,omitempty"`
	// History keeps the unsigned form of every attempt by txid, so whichever
	// attempt confirms can be settled.
	History       map[string][]byte `msgpack:"hs,omitempty"`
	Broadcasted   bool              `msgpack:"bc"`
	Confirmations int64             `msgpack:"cf"`

	Stalled    bool   `msgpack:"sl"`
	FailReason string `msgpack:"fe,omitempty"`

	CreatedAt     time.Time `msgpack:"c"`
	UpdatedAt     time.Time `msgpack:"u"`
	SigningSince  time.Time `msgpack:"ss"`
	BroadcastAt   time.Time `msgpack:"ba"`
	ReplacementAt time.Time `msgpack:"ra"`
}

// Advance moves the record to next if the lifecycle allows it.
func (w *Withdrawal) Advance(next WithdrawalStatus) error {
	if !w.Request.Status.CanAdvance(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", w.Request.Status, next)
	}
	w.Request.Status = next
	w.UpdatedAt = time.Now()
	return nil
}

// Fail marks the request Failed with reason.
func (w *Withdrawal) Fail(reason error) error {
	if err := w.Advance(WithdrawalFailed); err != nil {
		return err
	}
	w.FailReason = reason.Error()
	return nil
}

func (w *Withdrawal) SignatureCount() int {
	return len(w.Signatures)
}
