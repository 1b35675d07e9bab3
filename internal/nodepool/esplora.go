package nodepool

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	socks "github.com/btcsuite/go-socks/socks"
	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

const esploraPageSize = 25

// esploraBackend speaks the Esplora REST dialect (blockstream.info,
// mempool.space and self hosted electrs).
type esploraBackend struct {
	id       string
	endpoint string
	client   *http.Client
}

func newEsploraBackend(n config.UpstreamNode, proxy *config.SocksProxy) (*esploraBackend, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	if proxy != nil {
		p := &socks.Proxy{
			Addr:         proxy.Addr,
			Username:     proxy.Username,
			Password:     proxy.Password,
			TorIsolation: proxy.Username == "" && proxy.Password == "",
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return p.Dial(network, addr)
		}
	}

	return &esploraBackend{
		id:       n.ID,
		endpoint: strings.TrimRight(n.Endpoint, "/"),
		client:   &http.Client{Transport: transport},
	}, nil
}

func (b *esploraBackend) ID() string       { return b.id }
func (b *esploraBackend) Endpoint() string { return b.endpoint }
func (b *esploraBackend) Close()           { b.client.CloseIdleConnections() }

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("esplora: http %d: %s", e.code, e.body)
}

func (b *esploraBackend) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.endpoint+path, body)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{resp.StatusCode, strings.TrimSpace(string(data))}
	}

	return data, nil
}

func (b *esploraBackend) getJSON(ctx context.Context, path string, v interface{}) error {
	data, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(bridge.ErrMalformed, err.Error())
	}
	return nil
}

func (b *esploraBackend) TipHeight(ctx context.Context) (int64, error) {
	data, err := b.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	h, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(bridge.ErrMalformed, err.Error())
	}
	return h, nil
}

func (b *esploraBackend) BlockHash(ctx context.Context, height int64) (string, error) {
	data, err := b.do(ctx, http.MethodGet, fmt.Sprintf("/block-height/%d", height), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

type esploraBlock struct {
	ID                string `json:"id"`
	Height            int64  `json:"height"`
	PreviousBlockHash string `json:"previousblockhash"`
	Timestamp         int64  `json:"timestamp"`
	TxCount           int    `json:"tx_count"`
}

type esploraTx struct {
	TxID string `json:"txid"`
	Vin  []struct {
		TxID       string `json:"txid"`
		Vout       uint32 `json:"vout"`
		IsCoinbase bool   `json:"is_coinbase"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey string `json:"scriptpubkey"`
		Value        int64  `json:"value"`
	} `json:"vout"`
	Status esploraTxStatus `json:"status"`
}

type esploraTxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

func (b *esploraBackend) Block(ctx context.Context, hash string) (*bridge.Block, error) {
	var eb esploraBlock
	if err := b.getJSON(ctx, "/block/"+hash, &eb); err != nil {
		return nil, err
	}

	blk := &bridge.Block{
		Hash:     eb.ID,
		Height:   eb.Height,
		PrevHash: eb.PreviousBlockHash,
		Time:     time.Unix(eb.Timestamp, 0).UTC(),
		Txs:      make([]bridge.Tx, 0, eb.TxCount),
	}

	for start := 0; start < eb.TxCount; start += esploraPageSize {
		var page []esploraTx
		if err := b.getJSON(ctx, fmt.Sprintf("/block/%s/txs/%d", hash, start), &page); err != nil {
			return nil, errors.Wrapf(err, "fetching txs from %d", start)
		}
		if len(page) == 0 {
			break
		}

		for i, etx := range page {
			tx := bridge.Tx{TxID: etx.TxID, Index: uint32(start + i)}

			for _, in := range etx.Vin {
				if in.IsCoinbase {
					continue
				}
				tx.Inputs = append(tx.Inputs, bridge.OutPoint{TxID: in.TxID, Vout: in.Vout})
			}

			for n, out := range etx.Vout {
				script, err := hex.DecodeString(out.ScriptPubKey)
				if err != nil {
					return nil, errors.Wrap(bridge.ErrMalformed, err.Error())
				}
				tx.Outputs = append(tx.Outputs, bridge.TxOut{Index: uint32(n), Value: out.Value, Script: script})
			}

			blk.Txs = append(blk.Txs, tx)
		}
	}

	if len(blk.Txs) != eb.TxCount {
		return nil, errors.Wrapf(bridge.ErrMalformed, "block %s: got %d of %d txs", hash, len(blk.Txs), eb.TxCount)
	}

	return blk, nil
}

func (b *esploraBackend) TxStatus(ctx context.Context, txid string) (*bridge.TxStatus, error) {
	var st esploraTxStatus
	err := b.getJSON(ctx, "/tx/"+txid+"/status", &st)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return &bridge.TxStatus{TxID: txid}, nil
		}
		return nil, err
	}

	return &bridge.TxStatus{
		TxID:        txid,
		Confirmed:   st.Confirmed,
		InMempool:   !st.Confirmed,
		BlockHeight: st.BlockHeight,
		BlockHash:   st.BlockHash,
	}, nil
}

func (b *esploraBackend) OutputStatus(ctx context.Context, op bridge.OutPoint) (*bridge.OutputStatus, error) {
	var res struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
	}
	if err := b.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", op.TxID, op.Vout), &res); err != nil {
		return nil, err
	}
	return &bridge.OutputStatus{Unspent: !res.Spent, SpendingTxID: res.TxID}, nil
}

func (b *esploraBackend) EstimateFeeRate(ctx context.Context, target int) (float64, error) {
	var est map[string]float64
	if err := b.getJSON(ctx, "/fee-estimates", &est); err != nil {
		return 0, err
	}

	// Pick the estimate for the largest target not above the requested one,
	// falling back to the smallest available.
	best, bestTarget := 0.0, 0
	minTarget, minRate := 0, 0.0
	for k, v := range est {
		t, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if t <= target && t > bestTarget {
			best, bestTarget = v, t
		}
		if minTarget == 0 || t < minTarget {
			minTarget, minRate = t, v
		}
	}

	if bestTarget == 0 {
		if minTarget == 0 {
			return 0, errors.New("node has no fee estimate")
		}
		return minRate, nil
	}

	return best, nil
}

func (b *esploraBackend) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	data, err := b.do(ctx, http.MethodPost, "/tx", bytes.NewBufferString(hex.EncodeToString(rawTx)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
