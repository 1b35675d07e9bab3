package gossip

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

const (
	VotesTopic   = "/bridged/votes/1"
	SigningTopic = "/bridged/signing/1"
)

type MsgType uint8

const (
	MsgTypeVote MsgType = iota + 1
	MsgTypeRetract
	MsgTypeSignRequest
	MsgTypeSigShare
	MsgTypeAgreement
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeVote:
		return "vote"
	case MsgTypeRetract:
		return "retract"
	case MsgTypeSignRequest:
		return "sign_request"
	case MsgTypeSigShare:
		return "sig_share"
	case MsgTypeAgreement:
		return "agreement"
	default:
		return "unknown"
	}
}

// Msg is the signed envelope every cluster message travels in.
type Msg struct {
	Type        MsgType      `msgpack:"t"`
	From        string       `msgpack:"f"`
	Vote        *Vote        `msgpack:"v,omitempty"`
	Retract     *Retract     `msgpack:"r,omitempty"`
	SignRequest *SignRequest `msgpack:"sr,omitempty"`
	SigShare    *SigShare    `msgpack:"ss,omitempty"`
	Agreement   *Agreement   `msgpack:"ag,omitempty"`
	Timestamp   time.Time    `msgpack:"ts"`
	Signature   []byte       `msgpack:"s,omitempty"`

	// Peer is the libp2p peer that originated the message, when known.
	Peer peer.ID `msgpack:"-"`
}

func (m *Msg) Marshal() ([]byte, error) {
	return msgpack.Marshal(m)
}

func Unmarshal(b []byte) (*Msg, error) {
	m := &Msg{}
	if err := msgpack.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Vote asserts the voter observed Deposit at depth. Assertion is the
// voter's BLS signature over the vote digest, so matching votes can be
// aggregated into a certificate.
type Vote struct {
	Fingerprint bridge.Fingerprint `msgpack:"fp"`
	Slot        bridge.Slot        `msgpack:"sl"`
	Deposit     bridge.Deposit     `msgpack:"d"`
	Assertion   []byte             `msgpack:"as"`
}

// Agreement tells a member that voted on a decided slot which payload won.
// Certificate aggregates the matching vote assertions.
type Agreement struct {
	Fingerprint bridge.Fingerprint `msgpack:"fp"`
	Slot        bridge.Slot        `msgpack:"sl"`
	Deposit     bridge.Deposit     `msgpack:"d"`
	Certificate bridge.Certificate `msgpack:"c"`
}

// Retract withdraws the sender's earlier vote for Fingerprint.
type Retract struct {
	Fingerprint bridge.Fingerprint `msgpack:"fp"`
	Slot        bridge.Slot        `msgpack:"sl"`
	Reason      string             `msgpack:"re"`
}

// SignRequest asks members to sign an unsigned withdrawal transaction.
type SignRequest struct {
	RequestID  string        `msgpack:"id"`
	Attempt    uint32        `msgpack:"at"`
	UnsignedTx []byte        `msgpack:"tx"`
	Inputs     []bridge.UTXO `msgpack:"in"`
	FeeRate    float64       `msgpack:"fr"`
}

// SigShare carries one member's signatures, one per input in order.
type SigShare struct {
	RequestID  string   `msgpack:"id"`
	Attempt    uint32   `msgpack:"at"`
	TxHash     string   `msgpack:"h"`
	Signatures [][]byte `msgpack:"sg"`
}
