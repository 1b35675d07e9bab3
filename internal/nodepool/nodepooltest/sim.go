// Package nodepooltest simulates Bitcoin chains and upstream nodes for
// tests.
package nodepooltest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

var ErrDown = errors.New("node unreachable")

// Chain is an in-memory block sequence starting at height 0.
type Chain struct {
	mu     sync.RWMutex
	tag    string
	blocks []*bridge.Block
	txs    map[string]int64
	spends map[bridge.OutPoint]string
}

func NewChain(tag string, height int64) *Chain {
	c := &Chain{
		tag:    tag,
		txs:    map[string]int64{},
		spends: map[bridge.OutPoint]string{},
	}
	for i := int64(0); i <= height; i++ {
		c.Mine()
	}
	return c
}

func (c *Chain) hash(height int64) string {
	return fmt.Sprintf("%s-%d", c.tag, height)
}

// Mine appends a block holding txs. Tx indexes are assigned in order after
// an implicit coinbase at index 0.
func (c *Chain) Mine(txs ...bridge.Tx) *bridge.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := int64(len(c.blocks))
	blk := &bridge.Block{
		Hash:   c.hash(h),
		Height: h,
		Time:   time.Unix(1700000000+h*600, 0).UTC(),
	}
	if h > 0 {
		blk.PrevHash = c.blocks[h-1].Hash
	}

	for i, tx := range txs {
		tx.Index = uint32(i + 1)
		blk.Txs = append(blk.Txs, tx)

		c.txs[tx.TxID] = h
		for _, in := range tx.Inputs {
			c.spends[in] = tx.TxID
		}
	}

	c.blocks = append(c.blocks, blk)
	return blk
}

// MineRaw decodes serialized transactions and mines them into one block.
func (c *Chain) MineRaw(raws ...[]byte) (*bridge.Block, error) {
	txs := make([]bridge.Tx, 0, len(raws))
	for _, raw := range raws {
		tx, err := DecodeTx(raw)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return c.Mine(txs...), nil
}

// Fork copies the chain below height under a new tag. Mining on the copy
// replaces everything from height up.
func (c *Chain) Fork(tag string, height int64) *Chain {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f := &Chain{
		tag:    tag,
		blocks: append([]*bridge.Block(nil), c.blocks[:height]...),
		txs:    map[string]int64{},
		spends: map[bridge.OutPoint]string{},
	}
	for _, blk := range f.blocks {
		for _, tx := range blk.Txs {
			f.txs[tx.TxID] = blk.Height
			for _, in := range tx.Inputs {
				f.spends[in] = tx.TxID
			}
		}
	}
	return f
}

func (c *Chain) Tip() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return int64(len(c.blocks)) - 1
}

func (c *Chain) Block(height int64) *bridge.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if height < 0 || height >= int64(len(c.blocks)) {
		return nil
	}
	return c.blocks[height]
}

func (c *Chain) byHash(hash string) *bridge.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, b := range c.blocks {
		if b.Hash == hash {
			return b
		}
	}
	return nil
}

func (c *Chain) txHeight(txid string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.txs[txid]
	return h, ok
}

func (c *Chain) spender(op bridge.OutPoint) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.spends[op]
	return s, ok
}

// DecodeTx converts a serialized transaction to the bridge model.
func DecodeTx(raw []byte) (bridge.Tx, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return bridge.Tx{}, err
	}

	tx := bridge.Tx{TxID: msg.TxHash().String()}
	for _, in := range msg.TxIn {
		tx.Inputs = append(tx.Inputs, bridge.OutPoint{
			TxID: in.PreviousOutPoint.Hash.String(),
			Vout: in.PreviousOutPoint.Index,
		})
	}
	for i, out := range msg.TxOut {
		tx.Outputs = append(tx.Outputs, bridge.TxOut{Index: uint32(i), Value: out.Value, Script: out.PkScript})
	}
	return tx, nil
}

// Node is a simulated upstream node following a Chain.
type Node struct {
	id string

	mu      sync.Mutex
	chain   *Chain
	mempool map[string][]byte
	feeRate float64
	// Mutate rewrites blocks before they are returned, to model a lying or
	// buggy node.
	mutate func(*bridge.Block) *bridge.Block

	Down       atomic.Bool
	Broadcasts atomic.Int32
}

func NewNode(id string, chain *Chain) *Node {
	return &Node{id: id, chain: chain, mempool: map[string][]byte{}, feeRate: 10}
}

func (n *Node) Follow(c *Chain) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.chain = c
}

func (n *Node) SetFeeRate(r float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.feeRate = r
}

func (n *Node) SetMutate(fn func(*bridge.Block) *bridge.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.mutate = fn
}

// Mempool returns the raw transactions accepted and not yet mined.
func (n *Node) Mempool() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([][]byte, 0, len(n.mempool))
	for id, raw := range n.mempool {
		if _, mined := n.chain.txHeight(id); mined {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func (n *Node) current() (*Chain, error) {
	if n.Down.Load() {
		return nil, ErrDown
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.chain, nil
}

func (n *Node) ID() string       { return n.id }
func (n *Node) Endpoint() string { return "sim://" + n.id }
func (n *Node) Close()           {}

func (n *Node) TipHeight(ctx context.Context) (int64, error) {
	c, err := n.current()
	if err != nil {
		return 0, err
	}
	return c.Tip(), nil
}

func (n *Node) BlockHash(ctx context.Context, height int64) (string, error) {
	c, err := n.current()
	if err != nil {
		return "", err
	}
	b := c.Block(height)
	if b == nil {
		return "", errors.Errorf("no block at %d", height)
	}
	return b.Hash, nil
}

func (n *Node) Block(ctx context.Context, hash string) (*bridge.Block, error) {
	c, err := n.current()
	if err != nil {
		return nil, err
	}
	b := c.byHash(hash)
	if b == nil {
		return nil, errors.Errorf("unknown block %s", hash)
	}

	n.mu.Lock()
	mutate := n.mutate
	n.mu.Unlock()

	if mutate != nil {
		cp := *b
		cp.Txs = append([]bridge.Tx(nil), b.Txs...)
		return mutate(&cp), nil
	}
	return b, nil
}

func (n *Node) TxStatus(ctx context.Context, txid string) (*bridge.TxStatus, error) {
	c, err := n.current()
	if err != nil {
		return nil, err
	}

	st := &bridge.TxStatus{TxID: txid}
	if h, ok := c.txHeight(txid); ok {
		st.Confirmed = true
		st.BlockHeight = h
		st.BlockHash = c.Block(h).Hash
		return st, nil
	}

	n.mu.Lock()
	_, st.InMempool = n.mempool[txid]
	n.mu.Unlock()

	return st, nil
}

func (n *Node) OutputStatus(ctx context.Context, op bridge.OutPoint) (*bridge.OutputStatus, error) {
	c, err := n.current()
	if err != nil {
		return nil, err
	}
	if s, ok := c.spender(op); ok {
		return &bridge.OutputStatus{SpendingTxID: s}, nil
	}
	return &bridge.OutputStatus{Unspent: true}, nil
}

func (n *Node) EstimateFeeRate(ctx context.Context, target int) (float64, error) {
	if _, err := n.current(); err != nil {
		return 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.feeRate, nil
}

func (n *Node) Broadcast(ctx context.Context, raw []byte) (string, error) {
	if _, err := n.current(); err != nil {
		return "", err
	}

	tx, err := DecodeTx(raw)
	if err != nil {
		return "", errors.Wrap(bridge.ErrMalformed, err.Error())
	}

	n.Broadcasts.Add(1)

	n.mu.Lock()
	n.mempool[tx.TxID] = raw
	n.mu.Unlock()

	return tx.TxID, nil
}
