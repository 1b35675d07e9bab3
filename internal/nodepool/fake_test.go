package nodepool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

type fakeBackend struct {
	id    string
	tip   atomic.Int64
	fail  atomic.Bool
	delay time.Duration
	calls atomic.Int32
}

func newFake(id string, tip int64) *fakeBackend {
	f := &fakeBackend{id: id}
	f.tip.Store(tip)
	return f
}

var errFake = errors.New("connection refused")

func (f *fakeBackend) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errFake
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeBackend) ID() string       { return f.id }
func (f *fakeBackend) Endpoint() string { return "fake://" + f.id }
func (f *fakeBackend) Close()           {}

func (f *fakeBackend) TipHeight(ctx context.Context) (int64, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	return f.tip.Load(), nil
}

func (f *fakeBackend) BlockHash(ctx context.Context, height int64) (string, error) {
	return "", f.wait(ctx)
}

func (f *fakeBackend) Block(ctx context.Context, hash string) (*bridge.Block, error) {
	return nil, f.wait(ctx)
}

func (f *fakeBackend) TxStatus(ctx context.Context, txid string) (*bridge.TxStatus, error) {
	return nil, f.wait(ctx)
}

func (f *fakeBackend) OutputStatus(ctx context.Context, op bridge.OutPoint) (*bridge.OutputStatus, error) {
	return nil, f.wait(ctx)
}

func (f *fakeBackend) EstimateFeeRate(ctx context.Context, target int) (float64, error) {
	return 0, f.wait(ctx)
}

func (f *fakeBackend) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	return "", f.wait(ctx)
}

var tipRequest = Request[int64]{
	Name: "tip",
	Do:   func(ctx context.Context, b Backend) (int64, error) { return b.TipHeight(ctx) },
}
