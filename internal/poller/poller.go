package poller

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/nodepool"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

// cursorKey holds the last canonical height processed, next to the per
// node heights.
const cursorKey = "~cursor"

// ForkSignal tells validation that everything at or above Height may no
// longer be canonical.
type ForkSignal struct {
	Height int64
	Reason string
}

// Update is everything one poll cycle learned, in the order it should be
// applied: fork first, then new blocks, then the tip.
type Update struct {
	Fork         *ForkSignal
	Observations []*bridge.ChainObservation
	Tip          int64
	TxStatuses   []bridge.TxStatus
}

func (u *Update) Empty() bool {
	return u.Fork == nil && len(u.Observations) == 0 && len(u.TxStatuses) == 0
}

type Options struct {
	Interval          time.Duration
	MaxBlocksPerCycle int
	StartHeight       int64
	ReorgWindow       int64
	// Rescan is how many already processed heights are observed again after
	// a restart, so events that had not finished are rebuilt.
	Rescan int64

	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

type Poller struct {
	pool   *nodepool.Pool
	store  storage.ChainStore
	filter *ScriptFilter
	opts   Options
	log    *logrus.Entry

	watch *xsync.Map[string, struct{}]
	out   chan *Update

	mu       sync.Mutex
	cursor   int64
	tip      int64
	started  bool
	degraded bool
}

func New(pool *nodepool.Pool, store storage.ChainStore, filter *ScriptFilter, opts Options) *Poller {
	if opts.MaxBlocksPerCycle < 1 {
		opts.MaxBlocksPerCycle = 1
	}
	if opts.ReorgWindow < 1 {
		opts.ReorgWindow = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Component("poller")
	}

	return &Poller{
		pool:   pool,
		store:  store,
		filter: filter,
		opts:   opts,
		log:    opts.Log,
		watch:  xsync.NewMap[string, struct{}](),
		out:    make(chan *Update, 16),
	}
}

// Updates delivers one Update per productive cycle.
func (p *Poller) Updates() <-chan *Update { return p.out }

// Watch adds a txid whose status is reported every cycle until Unwatch.
func (p *Poller) Watch(txid string) { p.watch.Store(txid, struct{}{}) }

func (p *Poller) Unwatch(txid string) { p.watch.Delete(txid) }

func (p *Poller) Tip() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tip
}

// QuorumAvailable is false while the last cycle failed for lack of
// upstream quorum.
func (p *Poller) QuorumAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.degraded
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.opts.Interval)
	defer t.Stop()

	for {
		u, err := p.Cycle(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.WithError(err).Warn("poll cycle failed")
		}

		if u != nil && (!u.Empty() || u.Tip > 0) {
			select {
			case p.out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Poller) setDegraded(on bool, cause error) {
	p.mu.Lock()
	was := p.degraded
	p.degraded = on
	p.mu.Unlock()

	p.opts.Metrics.SetDegraded(on)

	switch {
	case on && !was:
		p.log.WithError(cause).Error("upstream quorum lost, forwarding halted")
	case !on && was:
		p.log.Info("upstream quorum restored")
	}
}

// Cycle runs one poll. A partial Update is returned with the error when
// the cycle stopped midway.
func (p *Poller) Cycle(ctx context.Context) (*Update, error) {
	u := &Update{}

	tip, err := p.agreedTip(ctx)
	if err != nil {
		p.cycleFailed(err)
		return nil, err
	}

	u.Tip = tip
	p.opts.Metrics.TipHeight(tip)

	if err := p.loadCursor(ctx, tip); err != nil {
		return nil, err
	}

	if err := p.advance(ctx, u, tip); err != nil {
		p.cycleFailed(err)
		return u, err
	}

	statuses, err := p.checkWatched(ctx)
	u.TxStatuses = statuses
	if err != nil {
		p.cycleFailed(err)
		return u, err
	}

	p.mu.Lock()
	p.tip = tip
	p.mu.Unlock()

	p.setDegraded(false, nil)
	p.opts.Metrics.PollCycle("ok")

	return u, nil
}

func (p *Poller) cycleFailed(err error) {
	if errors.Is(err, nodepool.ErrInsufficientQuorum) {
		p.setDegraded(true, err)
		p.opts.Metrics.PollCycle("no_quorum")
		return
	}
	p.opts.Metrics.PollCycle("error")
}

// agreedTip asks every node for its tip, persists each answer and returns
// the highest height at least a quorum of nodes have reached.
func (p *Poller) agreedTip(ctx context.Context) (int64, error) {
	res := nodepool.All(ctx, p.pool, nodepool.Request[int64]{
		Name: "tip",
		Do:   func(ctx context.Context, b nodepool.Backend) (int64, error) { return b.TipHeight(ctx) },
	})

	tips := make([]int64, 0, len(res))
	for _, r := range res {
		if r.Err != nil {
			continue
		}
		tips = append(tips, r.Value)

		if err := p.store.SetLastHeight(ctx, r.NodeID, r.Value); err != nil {
			return 0, errors.Wrap(err, "storing node height")
		}
	}

	m := p.pool.Quorum()
	if len(tips) < m {
		return 0, errors.Wrapf(nodepool.ErrAllNodesUnavailable, "tip: %d answers, need %d", len(tips), m)
	}

	sort.Slice(tips, func(i, j int) bool { return tips[i] > tips[j] })
	return tips[m-1], nil
}

func (p *Poller) loadCursor(ctx context.Context, tip int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	last, err := p.store.LastHeight(ctx, cursorKey)
	if err != nil {
		return errors.Wrap(err, "loading cursor")
	}

	switch {
	case last > 0:
		p.cursor = last - p.opts.Rescan
		if p.cursor < p.opts.StartHeight-1 {
			p.cursor = p.opts.StartHeight - 1
		}
	case p.opts.StartHeight > 0:
		p.cursor = p.opts.StartHeight - 1
	default:
		p.cursor = tip - 1
	}

	if p.cursor < 0 {
		p.cursor = 0
	}

	p.started = true
	p.log.WithFields(logrus.Fields{"cursor": p.cursor, "stored": last}).Info("poller starting")

	return nil
}

func (p *Poller) getCursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cursor
}

func (p *Poller) setCursor(ctx context.Context, h int64) error {
	p.mu.Lock()
	p.cursor = h
	p.mu.Unlock()

	return p.store.SetLastHeight(ctx, cursorKey, h)
}

func (p *Poller) blockHash(ctx context.Context, height int64) (string, error) {
	return nodepool.Query(ctx, p.pool, nodepool.QuorumRead, nodepool.Request[string]{
		Name: "block_hash",
		Do: func(ctx context.Context, b nodepool.Backend) (string, error) {
			return b.BlockHash(ctx, height)
		},
		Key: func(h string) string { return h },
	})
}

// advance processes up to MaxBlocksPerCycle heights above the cursor,
// first checking that the cursor block is still canonical.
func (p *Poller) advance(ctx context.Context, u *Update, tip int64) error {
	if err := p.checkCursor(ctx, u); err != nil {
		return err
	}

	for i := 0; i < p.opts.MaxBlocksPerCycle; i++ {
		h := p.getCursor() + 1
		if h > tip {
			return nil
		}

		hash, err := p.blockHash(ctx, h)
		if err != nil {
			var qe *nodepool.QuorumError
			if errors.As(err, &qe) && qe.Disagreement() {
				p.fork(u, h, "nodes disagree on block hash")
				return nil
			}
			return errors.Wrapf(err, "block hash at %d", h)
		}

		obs, err := p.observe(ctx, h, hash, tip)
		if err != nil {
			var qe *nodepool.QuorumError
			if errors.As(err, &qe) && qe.Disagreement() {
				p.fork(u, h, "nodes disagree on block contents")
				return nil
			}
			return errors.Wrapf(err, "block %d", h)
		}

		prev, err := p.store.GetHeader(ctx, h-1)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if prev != nil && prev.Hash != obs.prevHash {
			// the block we hold at h-1 was replaced
			if err := p.rewind(ctx, u, h-1); err != nil {
				return err
			}
			continue
		}

		if err := p.store.PutHeader(ctx, &storage.Header{Height: h, Hash: hash, PrevHash: obs.prevHash}); err != nil {
			return errors.Wrap(err, "storing header")
		}
		if err := p.setCursor(ctx, h); err != nil {
			return errors.Wrap(err, "storing cursor")
		}

		u.Observations = append(u.Observations, obs.ChainObservation)
	}

	return nil
}

// checkCursor re-reads the hash at the cursor and rewinds on mismatch.
func (p *Poller) checkCursor(ctx context.Context, u *Update) error {
	cur := p.getCursor()

	stored, err := p.store.GetHeader(ctx, cur)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	hash, err := p.blockHash(ctx, cur)
	if err != nil {
		return errors.Wrapf(err, "rechecking block %d", cur)
	}
	if hash == stored.Hash {
		return nil
	}

	return p.rewind(ctx, u, cur)
}

// rewind walks back from height until the stored header matches the
// upstream hash again and emits a fork at the first height that changed.
func (p *Poller) rewind(ctx context.Context, u *Update, height int64) error {
	floor := height - p.opts.ReorgWindow
	if floor < 0 {
		floor = 0
	}

	forkAt := height
	for h := height; h > floor; h-- {
		stored, err := p.store.GetHeader(ctx, h)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}

		hash, err := p.blockHash(ctx, h)
		if err != nil {
			return errors.Wrapf(err, "walking back at %d", h)
		}
		if hash == stored.Hash {
			break
		}
		forkAt = h
	}

	if forkAt <= floor {
		p.log.WithField("floor", floor).Error("reorg deeper than the reorg window")
	}

	if err := p.store.DeleteHeadersFrom(ctx, forkAt); err != nil {
		return errors.Wrap(err, "dropping headers")
	}
	if err := p.setCursor(ctx, forkAt-1); err != nil {
		return err
	}

	// observations from this cycle above the fork are void
	kept := u.Observations[:0]
	for _, o := range u.Observations {
		if o.BlockHeight < forkAt {
			kept = append(kept, o)
		}
	}
	u.Observations = kept

	p.fork(u, forkAt, "block hash changed")
	return nil
}

func (p *Poller) fork(u *Update, height int64, reason string) {
	if u.Fork == nil || height < u.Fork.Height {
		u.Fork = &ForkSignal{Height: height, Reason: reason}
	}

	p.opts.Metrics.ForkSignal()
	p.log.WithFields(logrus.Fields{"height": height, "reason": reason}).Warn("fork signal")
}

type observation struct {
	*bridge.ChainObservation
	prevHash string
	key      string
}

// observe fetches the block from the pool and keeps only tracked outputs.
// A quorum of nodes must agree on the previous hash and on every tracked output.
func (p *Poller) observe(ctx context.Context, height int64, hash string, tip int64) (*observation, error) {
	return nodepool.Query(ctx, p.pool, nodepool.QuorumRead, nodepool.Request[*observation]{
		Name: "block",
		Do: func(ctx context.Context, b nodepool.Backend) (*observation, error) {
			blk, err := b.Block(ctx, hash)
			if err != nil {
				return nil, err
			}
			if blk.Hash != hash || blk.Height != height {
				return nil, errors.Wrapf(bridge.ErrMalformed, "asked for %d/%s, got %d/%s", height, hash, blk.Height, blk.Hash)
			}
			return p.filterBlock(b.ID(), blk, tip), nil
		},
		Key: func(o *observation) string { return o.key },
	})
}

func (p *Poller) filterBlock(nodeID string, blk *bridge.Block, tip int64) *observation {
	obs := &bridge.ChainObservation{
		SourceNodeID:  nodeID,
		BlockHeight:   blk.Height,
		BlockHash:     blk.Hash,
		Timestamp:     time.Now(),
		Confirmations: tip - blk.Height + 1,
	}

	d := sha3.New256()
	d.Write([]byte(blk.PrevHash))

	seen := map[bridge.OutPoint]struct{}{}
	for _, tx := range blk.Txs {
		var outs []bridge.TxOut
		for _, out := range tx.Outputs {
			op := bridge.OutPoint{TxID: tx.TxID, Vout: out.Index}
			if _, dup := seen[op]; dup {
				continue
			}
			if !p.filter.Contains(out.Script) {
				continue
			}
			seen[op] = struct{}{}
			outs = append(outs, out)

			d.Write([]byte(tx.TxID))
			d.Write(binary.BigEndian.AppendUint32(nil, out.Index))
			d.Write(binary.BigEndian.AppendUint32(nil, tx.Index))
			d.Write(binary.BigEndian.AppendUint64(nil, uint64(out.Value)))
			d.Write(out.Script)
		}

		if len(outs) > 0 {
			obs.Transactions = append(obs.Transactions, bridge.Tx{
				TxID:    tx.TxID,
				Index:   tx.Index,
				Inputs:  tx.Inputs,
				Outputs: outs,
			})
		}
	}

	return &observation{
		ChainObservation: obs,
		prevHash:         blk.PrevHash,
		key:              hex.EncodeToString(d.Sum(nil)),
	}
}

func (p *Poller) checkWatched(ctx context.Context) ([]bridge.TxStatus, error) {
	var ids []string
	p.watch.Range(func(k string, _ struct{}) bool {
		ids = append(ids, k)
		return true
	})
	sort.Strings(ids)

	var out []bridge.TxStatus
	for _, id := range ids {
		st, err := nodepool.Query(ctx, p.pool, nodepool.QuorumRead, nodepool.Request[*bridge.TxStatus]{
			Name: "tx_status",
			Do: func(ctx context.Context, b nodepool.Backend) (*bridge.TxStatus, error) {
				return b.TxStatus(ctx, id)
			},
			Key: func(s *bridge.TxStatus) string {
				return s.BlockHash + "/" + boolKey(s.Confirmed)
			},
		})
		if err != nil {
			return out, errors.Wrapf(err, "status of %s", id)
		}
		out = append(out, *st)
	}

	return out, nil
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
