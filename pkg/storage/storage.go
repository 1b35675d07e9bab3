//go:generate go run github.com/vektra/mockery/v2 --name OutboxStore
package storage

import (
	"context"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

// OutboxStore persists agreed events awaiting delivery to the home network.
type OutboxStore interface {
	// PutOutbox inserts e unless an entry for its fingerprint already
	// exists, reporting whether it was created.
	PutOutbox(ctx context.Context, e *bridge.OutboxEntry) (bool, error)
	GetOutbox(ctx context.Context, fp bridge.Fingerprint) (*bridge.OutboxEntry, error)
	UpdateOutbox(ctx context.Context, e *bridge.OutboxEntry) error
	// ListOutbox returns entries in delivery order (see OutboxEntry.Less).
	// A zero status returns every entry.
	ListOutbox(ctx context.Context, status bridge.OutboxStatus) ([]*bridge.OutboxEntry, error)
}

// WithdrawalStore is the withdrawal request ledger.
type WithdrawalStore interface {
	PutWithdrawal(ctx context.Context, w *bridge.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*bridge.Withdrawal, error)
	ListWithdrawals(ctx context.Context) ([]*bridge.Withdrawal, error)
}

// UTXOStore tracks custody outputs available to withdrawals.
type UTXOStore interface {
	PutUTXO(ctx context.Context, u *bridge.UTXO) error
	DeleteUTXO(ctx context.Context, op bridge.OutPoint) error
	ListUTXOs(ctx context.Context) ([]*bridge.UTXO, error)
}

type Header struct {
	Height   int64  `msgpack:"n"`
	Hash     string `msgpack:"h"`
	PrevHash string `msgpack:"p"`
}

// ChainStore keeps poller progress across restarts.
type ChainStore interface {
	SetLastHeight(ctx context.Context, nodeID string, height int64) error
	// LastHeight returns 0 when nothing was recorded for nodeID.
	LastHeight(ctx context.Context, nodeID string) (int64, error)

	PutHeader(ctx context.Context, h *Header) error
	GetHeader(ctx context.Context, height int64) (*Header, error)
	// DeleteHeadersFrom removes every header at or above height.
	DeleteHeadersFrom(ctx context.Context, height int64) error
}

type Store interface {
	OutboxStore
	WithdrawalStore
	UTXOStore
	ChainStore

	Close() error
}
