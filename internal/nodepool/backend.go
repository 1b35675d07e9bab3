package nodepool

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// Backend is the capability set the bridge needs from an upstream Bitcoin
// node. Each RPC dialect is one implementation.
type Backend interface {
	ID() string
	Endpoint() string

	TipHeight(ctx context.Context) (int64, error)
	BlockHash(ctx context.Context, height int64) (string, error)
	Block(ctx context.Context, hash string) (*bridge.Block, error)
	TxStatus(ctx context.Context, txid string) (*bridge.TxStatus, error)
	OutputStatus(ctx context.Context, op bridge.OutPoint) (*bridge.OutputStatus, error)
	// EstimateFeeRate returns sat/vB for confirmation within target blocks.
	EstimateFeeRate(ctx context.Context, target int) (float64, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)

	Close()
}

// NewBackend builds the backend variant selected by n.Kind.
func NewBackend(n config.UpstreamNode, proxy *config.SocksProxy) (Backend, error) {
	switch n.Kind {
	case config.BackendBitcoind:
		return newBitcoindBackend(n, proxy)
	case config.BackendEsplora:
		return newEsploraBackend(n, proxy)
	default:
		return nil, errors.Errorf("unknown backend kind %q", n.Kind)
	}
}

// callCtx runs a blocking call and gives up when ctx ends. The call itself
// keeps running in the background until it returns.
func callCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
