package nodepool

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// bitcoindRPC is the subset of rpcclient.Client used, so tests can fake it.
type bitcoindRPC interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlockVerboseTx(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetTxOut(txHash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	Shutdown()
}

type bitcoindBackend struct {
	id       string
	endpoint string
	rpc      bitcoindRPC
}

func newBitcoindBackend(n config.UpstreamNode, proxy *config.SocksProxy) (*bitcoindBackend, error) {
	host := n.Endpoint
	if u, err := url.Parse(n.Endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	cfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         n.User,
		Pass:         n.Pass,
		HTTPPostMode: true,
		DisableTLS:   n.DisableTLS,
	}

	if proxy != nil {
		cfg.Proxy = proxy.Addr
		cfg.ProxyUser = proxy.Username
		cfg.ProxyPass = proxy.Password
	}

	c, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "creating rpc client for %s", n.ID)
	}

	return &bitcoindBackend{id: n.ID, endpoint: n.Endpoint, rpc: c}, nil
}

func (b *bitcoindBackend) ID() string       { return b.id }
func (b *bitcoindBackend) Endpoint() string { return b.endpoint }
func (b *bitcoindBackend) Close()           { b.rpc.Shutdown() }

func (b *bitcoindBackend) TipHeight(ctx context.Context) (int64, error) {
	return callCtx(ctx, b.rpc.GetBlockCount)
}

func (b *bitcoindBackend) BlockHash(ctx context.Context, height int64) (string, error) {
	return callCtx(ctx, func() (string, error) {
		h, err := b.rpc.GetBlockHash(height)
		if err != nil {
			return "", err
		}
		return h.String(), nil
	})
}

func (b *bitcoindBackend) Block(ctx context.Context, hash string) (*bridge.Block, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
	}

	res, err := callCtx(ctx, func() (*btcjson.GetBlockVerboseTxResult, error) {
		return b.rpc.GetBlockVerboseTx(h)
	})
	if err != nil {
		return nil, err
	}

	blk := &bridge.Block{
		Hash:     res.Hash,
		Height:   res.Height,
		PrevHash: res.PreviousHash,
		Time:     time.Unix(res.Time, 0).UTC(),
		Txs:      make([]bridge.Tx, 0, len(res.Tx)),
	}

	for i, rtx := range res.Tx {
		tx := bridge.Tx{TxID: rtx.Txid, Index: uint32(i)}

		for _, in := range rtx.Vin {
			if in.IsCoinBase() {
				continue
			}
			tx.Inputs = append(tx.Inputs, bridge.OutPoint{TxID: in.Txid, Vout: in.Vout})
		}

		for _, out := range rtx.Vout {
			amt, err := btcutil.NewAmount(out.Value)
			if err != nil {
				return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
			}
			script, err := hex.DecodeString(out.ScriptPubKey.Hex)
			if err != nil {
				return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
			}
			tx.Outputs = append(tx.Outputs, bridge.TxOut{Index: out.N, Value: int64(amt), Script: script})
		}

		blk.Txs = append(blk.Txs, tx)
	}

	return blk, nil
}

func isNotFound(err error) bool {
	var rerr *btcjson.RPCError
	return errors.As(err, &rerr) && rerr.Code == btcjson.ErrRPCNoTxInfo
}

func (b *bitcoindBackend) TxStatus(ctx context.Context, txid string) (*bridge.TxStatus, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
	}

	return callCtx(ctx, func() (*bridge.TxStatus, error) {
		res, err := b.rpc.GetRawTransactionVerbose(h)
		if err != nil {
			if isNotFound(err) {
				return &bridge.TxStatus{TxID: txid}, nil
			}
			return nil, err
		}

		st := &bridge.TxStatus{TxID: txid}
		if res.BlockHash == "" {
			st.InMempool = true
			return st, nil
		}

		bh, err := chainhash.NewHashFromStr(res.BlockHash)
		if err != nil {
			return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
		}
		hdr, err := b.rpc.GetBlockHeaderVerbose(bh)
		if err != nil {
			return nil, err
		}

		st.Confirmed = true
		st.BlockHash = res.BlockHash
		st.BlockHeight = int64(hdr.Height)

		return st, nil
	})
}

func (b *bitcoindBackend) OutputStatus(ctx context.Context, op bridge.OutPoint) (*bridge.OutputStatus, error) {
	h, err := chainhash.NewHashFromStr(op.TxID)
	if err != nil {
		return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
	}

	return callCtx(ctx, func() (*bridge.OutputStatus, error) {
		res, err := b.rpc.GetTxOut(h, op.Vout, true)
		if err != nil {
			return nil, err
		}
		return &bridge.OutputStatus{Unspent: res != nil}, nil
	})
}

func (b *bitcoindBackend) EstimateFeeRate(ctx context.Context, target int) (float64, error) {
	mode := btcjson.EstimateModeConservative

	return callCtx(ctx, func() (float64, error) {
		res, err := b.rpc.EstimateSmartFee(int64(target), &mode)
		if err != nil {
			return 0, err
		}
		if res.FeeRate == nil {
			return 0, errors.New("node has no fee estimate")
		}
		// BTC/kvB to sat/vB
		return *res.FeeRate * btcutil.SatoshiPerBitcoin / 1000, nil
	})
}

func (b *bitcoindBackend) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", errors.Wrap(bridge.ErrMalformed, err.Error())
	}

	return callCtx(ctx, func() (string, error) {
		h, err := b.rpc.SendRawTransaction(tx, false)
		if err != nil {
			return "", err
		}
		return h.String(), nil
	})
}
