package bridge

import "time"

type TxOut struct {
	Index  uint32 `msgpack:"i"`
	Value  int64  `msgpack:"v"`
	Script []byte `msgpack:"s"`
}

type Tx struct {
	TxID    string     `msgpack:"id"`
	Index   uint32     `msgpack:"i"`
	Inputs  []OutPoint `msgpack:"in"`
	Outputs []TxOut    `msgpack:"out"`
}

type Block struct {
	Hash     string    `msgpack:"h"`
	Height   int64     `msgpack:"n"`
	PrevHash string    `msgpack:"p"`
	Time     time.Time `msgpack:"t"`
	Txs      []Tx      `msgpack:"tx"`
}

// ChainObservation is what a single upstream node reported for a block
// during one poll cycle.
type ChainObservation struct {
	SourceNodeID  string
	BlockHeight   int64
	BlockHash     string
	Transactions  []Tx
	Timestamp     time.Time
	Confirmations int64
}

type TxStatus struct {
	TxID        string `json:"txid"`
	Confirmed   bool   `json:"confirmed"`
	InMempool   bool   `json:"in_mempool"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

// Confirmations given the current tip. Unconfirmed transactions have none.
func (s *TxStatus) Confirmations(tip int64) int64 {
	if s == nil || !s.Confirmed || s.BlockHeight <= 0 || tip < s.BlockHeight {
		return 0
	}
	return tip - s.BlockHeight + 1
}

// OutputStatus reports whether an output is still spendable. SpendingTxID
// is only filled by backends that index spends.
type OutputStatus struct {
	Unspent      bool   `json:"unspent"`
	SpendingTxID string `json:"spending_txid,omitempty"`
}
