package validation

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/consensus"
	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/poller"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

// Coordinator is the agreement side of the pipeline.
type Coordinator interface {
	Propose(ctx context.Context, d bridge.Deposit) ([]*consensus.Result, error)
	Retract(ctx context.Context, fp bridge.Fingerprint, reason string) error
}

// Sink receives agreed events for delivery.
type Sink interface {
	Enqueue(ctx context.Context, fp bridge.Fingerprint, d bridge.Deposit, cert *bridge.Certificate) error
	// Retract withdraws an undelivered event. It returns
	// bridge.ErrAlreadyDispatched once the home network has it.
	Retract(ctx context.Context, fp bridge.Fingerprint, reason string) error
}

type Options struct {
	// Confirmations is the depth before an output is proposed.
	Confirmations int64
	DustThreshold int64
	// Tracked decides which destination scripts are deposits.
	Tracked *poller.ScriptFilter
	// CustodyScript marks deposits that become spendable custody.
	CustodyScript []byte
	// Custody records agreed custody deposits. Optional.
	Custody storage.UTXOStore
	// IsOwnTx reports transactions this node built itself, whose outputs
	// are not deposits.
	IsOwnTx func(txid string) bool
	// Retain is how far below the tip finished events are kept.
	Retain int64

	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// Engine applies deposit policy to poller output and drives events
// through agreement to the dispatcher.
type Engine struct {
	coord Coordinator
	sink  Sink
	opts  Options
	log   *logrus.Entry

	mu sync.Mutex
	// live holds one event per slot
	live map[bridge.Slot]*bridge.DepositEvent
	// dropped remembers fingerprints that must never be evaluated again,
	// with the height they were seen at for pruning.
	dropped map[bridge.Fingerprint]int64
	tip     int64
}

func New(coord Coordinator, sink Sink, opts Options) *Engine {
	if opts.Confirmations < 1 {
		opts.Confirmations = 1
	}
	if opts.Retain < opts.Confirmations {
		opts.Retain = 100
	}
	if opts.Log == nil {
		opts.Log = logging.Component("validation")
	}

	return &Engine{
		coord:   coord,
		sink:    sink,
		opts:    opts,
		log:     opts.Log,
		live:    map[bridge.Slot]*bridge.DepositEvent{},
		dropped: map[bridge.Fingerprint]int64{},
	}
}

// Run applies poll updates and round outcomes until ctx ends.
func (e *Engine) Run(ctx context.Context, updates <-chan *poller.Update, results <-chan *consensus.Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			e.Apply(ctx, u)
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			e.OnResult(ctx, r)
		}
	}
}

// Apply processes one poll update: the fork first, then new outputs, then
// confirmation depth against the new tip.
func (e *Engine) Apply(ctx context.Context, u *poller.Update) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if u.Fork != nil {
		e.invalidate(ctx, u.Fork)
	}

	for _, obs := range u.Observations {
		e.observe(obs)
	}

	if u.Tip > 0 {
		e.tip = u.Tip
	}

	e.deepen(ctx)
	e.prune()
}

// Check applies the deposit policy to one output.
func (e *Engine) Check(out bridge.TxOut) error {
	if out.Value <= 0 || len(out.Script) == 0 {
		return errors.Wrap(bridge.ErrMalformed, "empty output")
	}
	if e.opts.Tracked == nil || !e.opts.Tracked.Contains(out.Script) {
		return bridge.ErrUntrackedScript
	}
	if out.Value < e.opts.DustThreshold {
		return errors.Wrapf(bridge.ErrDust, "%d < %d", out.Value, e.opts.DustThreshold)
	}
	return nil
}

func (e *Engine) observe(obs *bridge.ChainObservation) {
	for _, tx := range obs.Transactions {
		if e.opts.IsOwnTx != nil && e.opts.IsOwnTx(tx.TxID) {
			continue
		}

		for _, out := range tx.Outputs {
			d := bridge.Deposit{
				TxID:        tx.TxID,
				Vout:        out.Index,
				Amount:      out.Value,
				Script:      out.Script,
				BlockHeight: obs.BlockHeight,
				BlockHash:   obs.BlockHash,
				TxIndex:     tx.Index,
			}
			e.observeOutput(d, obs.Confirmations)
		}
	}
}

func (e *Engine) observeOutput(d bridge.Deposit, confs int64) {
	l := e.log.WithField("slot", d.Slot())

	fp, err := d.Fingerprint()
	if err != nil {
		e.opts.Metrics.ValidationDrop("malformed")
		l.WithError(err).Warn("dropping output")
		return
	}

	if _, ok := e.dropped[fp]; ok {
		return
	}

	if err := e.Check(bridge.TxOut{Index: d.Vout, Value: d.Amount, Script: d.Script}); err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, bridge.ErrDust):
			reason = "dust"
		case errors.Is(err, bridge.ErrUntrackedScript):
			reason = "untracked"
		case errors.Is(err, bridge.ErrMalformed):
			reason = "malformed"
		}
		e.opts.Metrics.ValidationDrop(reason)
		e.dropped[fp] = d.BlockHeight
		l.WithError(err).Debug("output rejected")
		return
	}

	ev, ok := e.live[d.Slot()]
	if ok && ev.Fingerprint != fp {
		// one chain cannot carry two outputs at one outpoint
		l.WithFields(logrus.Fields{"have": ev.Fingerprint, "got": fp}).Warn("conflicting output for slot")
		return
	}

	if !ok {
		ev = &bridge.DepositEvent{
			Fingerprint:    fp,
			Deposit:        d,
			ObservedHeight: d.BlockHeight,
			Status:         bridge.DepositObserved,
			UpdatedAt:      time.Now(),
		}
		e.live[d.Slot()] = ev
		l.WithFields(logrus.Fields{"fp": fp, "amount": d.Amount, "height": d.BlockHeight}).Info("deposit observed")
	}

	e.confirm(ev, confs)
}

// confirm raises the event's confirmations. They never go down until a
// reorg removes the event.
func (e *Engine) confirm(ev *bridge.DepositEvent, confs int64) {
	if confs > ev.Confirmations {
		ev.Confirmations = confs
		ev.UpdatedAt = time.Now()
	}
}

// deepen recomputes depth against the tip and proposes candidates.
func (e *Engine) deepen(ctx context.Context) {
	for _, ev := range e.sorted() {
		if e.tip > 0 {
			e.confirm(ev, e.tip-ev.Deposit.BlockHeight+1)
		}

		if ev.Status == bridge.DepositObserved && ev.Confirmations >= e.opts.Confirmations {
			ev.Status = bridge.DepositCandidate
			ev.UpdatedAt = time.Now()
		}

		if ev.Status == bridge.DepositCandidate {
			e.propose(ctx, ev)
		}
	}
}

func (e *Engine) propose(ctx context.Context, ev *bridge.DepositEvent) {
	results, err := e.coord.Propose(ctx, ev.Deposit)
	if err != nil {
		e.log.WithError(err).WithField("fp", ev.Fingerprint).Warn("proposing deposit")
		return
	}

	ev.Status = bridge.DepositVoting
	ev.UpdatedAt = time.Now()

	for _, r := range results {
		e.onResult(ctx, r)
	}
}

// OnResult applies a round outcome.
func (e *Engine) OnResult(ctx context.Context, r *consensus.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onResult(ctx, r)
}

func (e *Engine) onResult(ctx context.Context, r *consensus.Result) {
	ev, ok := e.live[r.Slot]
	if !ok || ev.Fingerprint != r.Fingerprint {
		return
	}

	l := e.log.WithField("fp", r.Fingerprint)

	switch r.Outcome {
	case consensus.OutcomeAgreed:
		if ev.Status == bridge.DepositAgreed || ev.Status == bridge.DepositDispatched {
			return
		}

		ev.Deposit = r.Deposit
		ev.Status = bridge.DepositAgreed
		ev.UpdatedAt = time.Now()
		l.Info("deposit agreed")

		if err := e.sink.Enqueue(ctx, r.Fingerprint, r.Deposit, r.Certificate); err != nil {
			l.WithError(err).Error("queueing agreed deposit")
		}

		e.recordCustody(ctx, r.Deposit)

	case consensus.OutcomeRejected:
		ev.Status = bridge.DepositRejected
		e.dropped[r.Fingerprint] = ev.Deposit.BlockHeight
		delete(e.live, r.Slot)
		e.opts.Metrics.ValidationDrop("rejected")
		l.Warn("deposit rejected by peers")

	case consensus.OutcomeExpired:
		if ev.Status == bridge.DepositVoting {
			ev.Status = bridge.DepositCandidate
			ev.UpdatedAt = time.Now()
			l.Info("round expired, deposit back to candidate")
		}
	}
}

func (e *Engine) recordCustody(ctx context.Context, d bridge.Deposit) {
	if e.opts.Custody == nil || len(e.opts.CustodyScript) == 0 || !bytes.Equal(d.Script, e.opts.CustodyScript) {
		return
	}

	err := e.opts.Custody.PutUTXO(ctx, &bridge.UTXO{
		OutPoint: d.OutPoint(),
		Value:    d.Amount,
		Script:   d.Script,
		Height:   d.BlockHeight,
	})
	if err != nil {
		e.log.WithError(err).WithField("slot", d.Slot()).Error("recording custody utxo")
	}
}

// invalidate drops every event at or above the fork height. Rounds still
// voting and agreed events not yet delivered are retracted explicitly.
func (e *Engine) invalidate(ctx context.Context, f *poller.ForkSignal) {
	l := e.log.WithFields(logrus.Fields{"height": f.Height, "reason": f.Reason})
	l.Warn("invalidating events above fork")

	for slot, ev := range e.live {
		if ev.Deposit.BlockHeight < f.Height {
			continue
		}

		el := l.WithField("fp", ev.Fingerprint)

		switch ev.Status {
		case bridge.DepositObserved, bridge.DepositCandidate:
			delete(e.live, slot)

		case bridge.DepositVoting:
			if err := e.coord.Retract(ctx, ev.Fingerprint, "reorg"); err != nil {
				el.WithError(err).Warn("retracting vote")
			}
			e.retracted(slot, ev)

		case bridge.DepositAgreed:
			err := e.sink.Retract(ctx, ev.Fingerprint, "reorg")
			if errors.Is(err, bridge.ErrAlreadyDispatched) {
				ev.Status = bridge.DepositDispatched
				el.Error("reorg touched a deposit the home network already has")
				continue
			}
			if err != nil {
				el.WithError(err).Error("retracting agreed deposit")
			}
			if err := e.coord.Retract(ctx, ev.Fingerprint, "reorg"); err != nil {
				el.WithError(err).Warn("retracting vote")
			}
			e.dropCustody(ctx, ev.Deposit)
			e.retracted(slot, ev)

		case bridge.DepositDispatched:
			el.Error("reorg touched a deposit the home network already has")
		}
	}

	for fp, h := range e.dropped {
		if h >= f.Height {
			delete(e.dropped, fp)
		}
	}
}

func (e *Engine) retracted(slot bridge.Slot, ev *bridge.DepositEvent) {
	ev.Status = bridge.DepositRetracted
	e.opts.Metrics.Retraction()
	delete(e.live, slot)
}

func (e *Engine) dropCustody(ctx context.Context, d bridge.Deposit) {
	if e.opts.Custody == nil || !bytes.Equal(d.Script, e.opts.CustodyScript) {
		return
	}
	if err := e.opts.Custody.DeleteUTXO(ctx, d.OutPoint()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.WithError(err).Error("dropping custody utxo")
	}
}

// MarkDispatched records that the home network acknowledged fp.
func (e *Engine) MarkDispatched(fp bridge.Fingerprint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range e.live {
		if ev.Fingerprint == fp && ev.Status == bridge.DepositAgreed {
			ev.Status = bridge.DepositDispatched
			ev.UpdatedAt = time.Now()
			return
		}
	}
}

// prune forgets finished events and drop marks deep below the tip.
func (e *Engine) prune() {
	if e.tip == 0 {
		return
	}
	floor := e.tip - e.opts.Retain

	for slot, ev := range e.live {
		if ev.Status == bridge.DepositDispatched && ev.Deposit.BlockHeight < floor {
			delete(e.live, slot)
		}
	}
	for fp, h := range e.dropped {
		if h < floor {
			delete(e.dropped, fp)
		}
	}
}

func (e *Engine) sorted() []*bridge.DepositEvent {
	out := make([]*bridge.DepositEvent, 0, len(e.live))
	for _, ev := range e.live {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Deposit, out[j].Deposit
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight < b.BlockHeight
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Vout < b.Vout
	})
	return out
}

// Events returns a copy of the live events in chain order.
func (e *Engine) Events() []bridge.DepositEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	evs := e.sorted()
	out := make([]bridge.DepositEvent, len(evs))
	for i, ev := range evs {
		out[i] = *ev
	}
	return out
}

// Event looks up the live event for fp.
func (e *Engine) Event(fp bridge.Fingerprint) (bridge.DepositEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range e.live {
		if ev.Fingerprint == fp {
			return *ev, true
		}
	}
	return bridge.DepositEvent{}, false
}
