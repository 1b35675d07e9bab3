package bridge

import "time"

type OutboxStatus uint8

const (
	OutboxPending OutboxStatus = iota + 1
	OutboxDispatched
	OutboxFailedDelivery
	OutboxRetracted
)

func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxDispatched:
		return "dispatched"
	case OutboxFailedDelivery:
		return "failed-delivery"
	case OutboxRetracted:
		return "retracted"
	default:
		return "unknown"
	}
}

type OutboxEntry struct {
	Fingerprint Fingerprint  `msgpack:"fp"`
	Deposit     Deposit      `msgpack:"d"`
	Certificate Certificate  `msgpack:"c"`
	Status      OutboxStatus `msgpack:"s"`
	Attempts    int          `msgpack:"a"`
	LastError   string       `msgpack:"e,omitempty"`

	// Attempted is set once a delivery call left this node, whether or not
	// an Ack came back.
	Attempted bool `msgpack:"at"`
	// RetractAcked is set once the home network confirmed a retraction.
	RetractAcked bool `msgpack:"ra"`

	CreatedAt time.Time `msgpack:"ct"`
	UpdatedAt time.Time `msgpack:"ut"`
}

// Less orders entries for delivery: per address by block height, then
// intra-block index, then vout.
func (e *OutboxEntry) Less(o *OutboxEntry) bool {
	a, b := e.Deposit.ScriptKey(), o.Deposit.ScriptKey()
	if a != b {
		return a < b
	}
	if e.Deposit.BlockHeight != o.Deposit.BlockHeight {
		return e.Deposit.BlockHeight < o.Deposit.BlockHeight
	}
	if e.Deposit.TxIndex != o.Deposit.TxIndex {
		return e.Deposit.TxIndex < o.Deposit.TxIndex
	}
	return e.Deposit.Vout < o.Deposit.Vout
}
