// Package withdraw drives withdrawal requests from the home network through
// building, threshold signing, broadcast and confirmation.
package withdraw

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

// HomeNetwork is where withdrawal requests come from and where their
// progress is reported.
type HomeNetwork interface {
	ListPendingWithdrawals(ctx context.Context) ([]bridge.WithdrawalRequest, error)
	ReportWithdrawalStatus(ctx context.Context, id string, status bridge.WithdrawalStatus, txid, reason string) error
}

// Watcher tracks confirmation of transactions through the chain poller.
type Watcher interface {
	Watch(txid string)
	Unwatch(txid string)
}

// Ledger is the persistent state the manager owns.
type Ledger interface {
	storage.WithdrawalStore
	storage.UTXOStore
}

type Options struct {
	SignTimeout   time.Duration
	Confirmations int64

	FeeRateCap        float64
	MaxFee            int64
	DefaultConfTarget int
	BumpAfter         time.Duration
	BumpFactor        float64
	CoinSelection     string
	ChangeDust        int64

	PollInterval      time.Duration
	RebroadcastTTL    time.Duration
	RebroadcastPeriod time.Duration

	Params  *chaincfg.Params
	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

func OptionsFromConfig(c *config.Withdrawals, params *chaincfg.Params) Options {
	return Options{
		SignTimeout:       c.SignTimeout,
		Confirmations:     c.Confirmations,
		FeeRateCap:        c.FeeRateCap,
		MaxFee:            c.MaxFee,
		DefaultConfTarget: c.DefaultConfTarget,
		BumpAfter:         c.BumpAfter,
		BumpFactor:        c.BumpFactor,
		CoinSelection:     c.CoinSelection,
		ChangeDust:        c.ChangeDust,
		PollInterval:      c.PollInterval,
		RebroadcastTTL:    c.RebroadcastTTL,
		RebroadcastPeriod: c.RebroadcastPeriod,
		Params:            params,
	}
}

// Manager runs the withdrawal lifecycle. Every member runs one: the elected
// builder of a request drives it, the others validate and sign.
type Manager struct {
	ledger    Ledger
	chain     Chain
	watcher   Watcher
	home      HomeNetwork
	transport gossip.Transport
	signer    *gossip.Signer
	members   *gossip.Members
	custody   *Custody
	key       *btcec.PrivateKey
	opts      Options
	log       *logrus.Entry

	inbox <-chan *gossip.Msg

	mu              sync.Mutex
	requests        map[string]*bridge.Withdrawal
	loaded          bool
	lastRebroadcast time.Time

	// own maps every txid this node built or signed to its request.
	own   *xsync.Map[string, string]
	cache *broadcastCache
	now   func() time.Time
}

func New(
	ledger Ledger,
	chain Chain,
	watcher Watcher,
	home HomeNetwork,
	transport gossip.Transport,
	signer *gossip.Signer,
	members *gossip.Members,
	custody *Custody,
	key *btcec.PrivateKey,
	opts Options,
) (*Manager, error) {
	if _, ok := members.Get(signer.ID()); !ok {
		return nil, errors.Errorf("%s is not a cluster member", signer.ID())
	}
	if opts.Params == nil {
		return nil, errors.New("no chain params")
	}
	if opts.Confirmations < 1 {
		opts.Confirmations = 1
	}
	if opts.SignTimeout <= 0 {
		opts.SignTimeout = 5 * time.Minute
	}
	if opts.DefaultConfTarget < 1 {
		opts.DefaultConfTarget = 6
	}
	if opts.BumpFactor <= 1 {
		opts.BumpFactor = 1.5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.RebroadcastPeriod <= 0 {
		opts.RebroadcastPeriod = time.Minute
	}
	if opts.CoinSelection == "" {
		opts.CoinSelection = config.CoinSelectionBranchAndBound
	}
	if opts.Log == nil {
		opts.Log = logging.Component("withdraw")
	}

	inbox, err := transport.Subscribe(gossip.SigningTopic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to signing topic")
	}

	m := &Manager{
		ledger:    ledger,
		chain:     chain,
		watcher:   watcher,
		home:      home,
		transport: transport,
		signer:    signer,
		members:   members,
		custody:   custody,
		key:       key,
		opts:      opts,
		log:       opts.Log,
		inbox:     inbox,
		requests:  map[string]*bridge.Withdrawal{},
		own:       xsync.NewMap[string, string](),
		now:       time.Now,
	}
	m.cache = newBroadcastCache(opts.RebroadcastTTL, defaultCacheCapacity, func() time.Time { return m.now() })

	return m, nil
}

// IsOwnTx reports whether txid is a withdrawal this node built or signed.
func (m *Manager) IsOwnTx(txid string) bool {
	_, ok := m.own.Load(txid)
	return ok
}

// Run loads the ledger and processes ticks and signing messages until ctx
// is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		return err
	}

	t := time.NewTicker(m.opts.PollInterval)
	defer t.Stop()

	m.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbox:
			m.OnMsg(ctx, msg)
		case <-t.C:
			m.Tick(ctx)
		}
	}
}

// Load restores the ledger and resumes confirmation tracking for every
// transaction already built.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	list, err := m.ledger.ListWithdrawals(ctx)
	if err != nil {
		return errors.Wrap(err, "loading withdrawals")
	}

	for _, w := range list {
		m.requests[w.Request.RequestID] = w
		if w.Request.Status == bridge.WithdrawalConfirmed || (w.Request.Status == bridge.WithdrawalFailed && !w.Broadcasted) {
			continue
		}
		for _, txid := range txids(w) {
			m.track(txid, w.Request.RequestID)
		}
	}

	m.loaded = true
	m.log.WithField("requests", len(list)).Debug("withdrawal ledger loaded")

	return nil
}

// Tick pulls new requests, steps every open request and rebroadcasts.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		m.log.WithError(err).Error("withdrawal ledger unavailable")
		return
	}

	if err := m.sync(ctx); err != nil {
		m.log.WithError(err).Warn("listing pending withdrawals failed")
	}

	for _, w := range m.open() {
		if w.Builder != m.signer.ID() {
			continue
		}
		if err := m.step(ctx, w); err != nil {
			m.log.WithError(err).WithField("request", w.Request.RequestID).Warn("withdrawal step failed")
		}
	}

	if m.now().Sub(m.lastRebroadcast) >= m.opts.RebroadcastPeriod {
		m.rebroadcast(ctx)
		m.lastRebroadcast = m.now()
	}

	stalled := 0
	for _, w := range m.requests {
		if w.Stalled && !w.Request.Status.Terminal() {
			stalled++
		}
	}
	m.opts.Metrics.SetStalled(stalled)
}

// sync adds requests the home network lists that the ledger does not know.
func (m *Manager) sync(ctx context.Context) error {
	reqs, err := m.home.ListPendingWithdrawals(ctx)
	if err != nil {
		return err
	}

	for _, r := range reqs {
		if _, ok := m.requests[r.RequestID]; ok {
			continue
		}

		now := m.now()
		r.Status = bridge.WithdrawalPending
		w := &bridge.Withdrawal{
			Request:     r,
			Builder:     ElectBuilder(r.RequestID, m.members),
			ChangeIndex: -1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := m.ledger.PutWithdrawal(ctx, w); err != nil {
			return errors.Wrap(err, "storing withdrawal")
		}
		m.requests[r.RequestID] = w

		m.log.WithFields(logrus.Fields{
			"request": r.RequestID,
			"amount":  r.Amount,
			"builder": w.Builder,
		}).Info("withdrawal requested")
	}

	return nil
}

func (m *Manager) open() []*bridge.Withdrawal {
	var out []*bridge.Withdrawal
	for _, w := range m.requests {
		if !w.Request.Status.Terminal() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Request.RequestID < out[j].Request.RequestID
	})
	return out
}

// List returns a copy of every request in the ledger, oldest first.
func (m *Manager) List() []bridge.Withdrawal {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]bridge.Withdrawal, 0, len(m.requests))
	for _, w := range m.requests {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) Get(id string) (bridge.Withdrawal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.requests[id]
	if !ok {
		return bridge.Withdrawal{}, false
	}
	return *w, true
}

// Stalled lists requests that missed their signing deadline.
func (m *Manager) Stalled() []bridge.Withdrawal {
	var out []bridge.Withdrawal
	for _, w := range m.List() {
		if w.Stalled && !w.Request.Status.Terminal() {
			out = append(out, w)
		}
	}
	return out
}

func (m *Manager) persist(ctx context.Context, w *bridge.Withdrawal) error {
	w.UpdatedAt = m.now()
	return errors.Wrap(m.ledger.PutWithdrawal(ctx, w), "storing withdrawal")
}

func (m *Manager) transition(w *bridge.Withdrawal, next bridge.WithdrawalStatus) error {
	from, since := w.Request.Status, w.UpdatedAt
	if err := w.Advance(next); err != nil {
		return err
	}
	w.UpdatedAt = m.now()

	m.opts.Metrics.WithdrawalTransition(next.String(), from.String(), w.UpdatedAt.Sub(since))
	m.log.WithFields(logrus.Fields{
		"request": w.Request.RequestID,
		"from":    from.String(),
		"to":      next.String(),
		"txid":    w.TxID,
	}).Info("withdrawal advanced")

	return nil
}

// report sends the current status home. Only the builder reports.
func (m *Manager) report(ctx context.Context, w *bridge.Withdrawal) {
	if w.Builder != m.signer.ID() {
		return
	}
	err := m.home.ReportWithdrawalStatus(ctx, w.Request.RequestID, w.Request.Status, w.TxID, w.FailReason)
	if err != nil {
		m.log.WithError(err).WithField("request", w.Request.RequestID).Warn("reporting withdrawal status failed")
	}
}

// fail marks the request Failed. Inputs are released unless a transaction
// spending them may already be in the network.
func (m *Manager) fail(ctx context.Context, w *bridge.Withdrawal, reason error) error {
	from, since := w.Request.Status, w.UpdatedAt
	if err := w.Fail(reason); err != nil {
		return err
	}
	m.opts.Metrics.WithdrawalTransition(bridge.WithdrawalFailed.String(), from.String(), m.now().Sub(since))
	w.Stalled = false

	m.log.WithError(reason).WithFields(logrus.Fields{
		"request": w.Request.RequestID,
		"from":    from.String(),
	}).Error("withdrawal failed, needs operator action")

	if !w.Broadcasted && len(w.Replaced) == 0 {
		if err := m.release(ctx, w); err != nil {
			return err
		}
		for _, txid := range txids(w) {
			m.untrack(txid)
		}
	}

	if err := m.persist(ctx, w); err != nil {
		return err
	}
	m.report(ctx, w)

	return nil
}

func (m *Manager) release(ctx context.Context, w *bridge.Withdrawal) error {
	utxos, err := m.ledger.ListUTXOs(ctx)
	if err != nil {
		return err
	}
	for _, u := range utxos {
		if u.Reserved != w.Request.RequestID {
			continue
		}
		u.Reserved = ""
		if err := m.ledger.PutUTXO(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) track(txid, request string) {
	m.own.Store(txid, request)
	if m.watcher != nil {
		m.watcher.Watch(txid)
	}
}

func (m *Manager) untrack(txid string) {
	m.own.Delete(txid)
	m.cache.Remove(txid)
	if m.watcher != nil {
		m.watcher.Unwatch(txid)
	}
}

func txids(w *bridge.Withdrawal) []string {
	var out []string
	if w.TxID != "" {
		out = append(out, w.TxID)
	}
	return append(out, w.Replaced...)
}

// rateCap is the highest fee rate the request may pay.
func (m *Manager) rateCap(r *bridge.WithdrawalRequest) float64 {
	limit := m.opts.FeeRateCap
	if r.FeePolicy.MaxFeeRate > 0 && (limit <= 0 || r.FeePolicy.MaxFeeRate < limit) {
		limit = r.FeePolicy.MaxFeeRate
	}
	return limit
}
