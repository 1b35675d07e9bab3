package withdraw

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tcfw/btcbridge/internal/nodepool"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// Chain is the upstream surface the manager needs.
type Chain interface {
	EstimateFeeRate(ctx context.Context, target int) (float64, error)
	OutputStatus(ctx context.Context, op bridge.OutPoint) (*bridge.OutputStatus, error)
	// Broadcast submits raw to every usable node.
	Broadcast(ctx context.Context, txid string, raw []byte) []bridge.BroadcastResult
	BroadcastTo(ctx context.Context, node, txid string, raw []byte) bridge.BroadcastResult
}

// PoolChain serves Chain from the upstream node pool.
type PoolChain struct {
	pool *nodepool.Pool
}

func NewPoolChain(p *nodepool.Pool) *PoolChain {
	return &PoolChain{pool: p}
}

func (c *PoolChain) EstimateFeeRate(ctx context.Context, target int) (float64, error) {
	return nodepool.Query(ctx, c.pool, nodepool.HealthWeighted, nodepool.Request[float64]{
		Name: "estimatefee",
		Do: func(ctx context.Context, b nodepool.Backend) (float64, error) {
			return b.EstimateFeeRate(ctx, target)
		},
	})
}

// OutputStatus is a quorum read, so one lying node cannot fail a request
// as double spent.
func (c *PoolChain) OutputStatus(ctx context.Context, op bridge.OutPoint) (*bridge.OutputStatus, error) {
	return nodepool.Query(ctx, c.pool, nodepool.QuorumRead, nodepool.Request[*bridge.OutputStatus]{
		Name: "outputstatus",
		Do: func(ctx context.Context, b nodepool.Backend) (*bridge.OutputStatus, error) {
			return b.OutputStatus(ctx, op)
		},
		Key: func(s *bridge.OutputStatus) string {
			return fmt.Sprintf("%t/%s", s.Unspent, s.SpendingTxID)
		},
	})
}

func (c *PoolChain) Broadcast(ctx context.Context, txid string, raw []byte) []bridge.BroadcastResult {
	res := nodepool.All(ctx, c.pool, broadcastRequest(raw))

	out := make([]bridge.BroadcastResult, len(res))
	for i, r := range res {
		out[i] = broadcastResult(r.NodeID, txid, r.Value, r.Err)
	}
	return out
}

func (c *PoolChain) BroadcastTo(ctx context.Context, node, txid string, raw []byte) bridge.BroadcastResult {
	got, err := nodepool.On(ctx, c.pool, node, broadcastRequest(raw))
	return broadcastResult(node, txid, got, err)
}

func broadcastRequest(raw []byte) nodepool.Request[string] {
	return nodepool.Request[string]{
		Name: "broadcast",
		Do: func(ctx context.Context, b nodepool.Backend) (string, error) {
			return b.Broadcast(ctx, raw)
		},
	}
}

func broadcastResult(node, txid, got string, err error) bridge.BroadcastResult {
	r := bridge.BroadcastResult{NodeID: node, TxID: got, At: time.Now()}
	switch {
	case err == nil:
	case alreadyKnown(err):
		r.TxID = txid
	default:
		r.TxID = ""
		r.Error = err.Error()
	}
	return r
}

// Nodes report a transaction they already hold as an error; it counts as
// accepted.
func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "txn-already-in-mempool") ||
		strings.Contains(msg, "already have transaction")
}
