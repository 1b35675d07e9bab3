package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

var (
	ErrNotFailed = errors.New("entry is not in failed delivery")
)

// HomeNetwork is the delivery surface of the home network. A nil error
// from DeliverEvent is an Ack, including for a fingerprint it already has.
type HomeNetwork interface {
	DeliverEvent(ctx context.Context, e *bridge.OutboxEntry) error
	RetractEvent(ctx context.Context, fp bridge.Fingerprint, reason string) error
}

// Gate reports whether upstream data can currently be trusted.
type Gate interface {
	QuorumAvailable() bool
}

type Options struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Interval    time.Duration

	// Gates pause delivery while any of them reports no quorum.
	Gates []Gate
	// OnDelivered is called after an Ack was persisted.
	OnDelivered func(bridge.Fingerprint)

	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// Dispatcher delivers agreed events from the durable outbox to the home
// network, at most once per fingerprint.
type Dispatcher struct {
	store storage.OutboxStore
	home  HomeNetwork
	opts  Options
	log   *logrus.Entry

	backoff *backoff.Backoff

	wake chan struct{}

	// emu serialises read-modify-write of stored entries
	emu sync.Mutex

	mu     sync.Mutex
	next   map[bridge.Fingerprint]time.Time
	paused bool
	now    func() time.Time
}

func New(store storage.OutboxStore, home HomeNetwork, opts Options) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Component("dispatch")
	}

	return &Dispatcher{
		store: store,
		home:  home,
		opts:  opts,
		log:   opts.Log,
		backoff: &backoff.Backoff{
			Min:    opts.MinBackoff,
			Max:    opts.MaxBackoff,
			Factor: 2,
			Jitter: true,
		},
		wake: make(chan struct{}, 1),
		next: map[bridge.Fingerprint]time.Time{},
		now:  time.Now,
	}
}

// Enqueue adds an agreed event to the outbox. Fingerprints already in the
// outbox are left alone unless they were retracted, in which case the new
// agreement revives them.
func (d *Dispatcher) Enqueue(ctx context.Context, fp bridge.Fingerprint, dep bridge.Deposit, cert *bridge.Certificate) error {
	now := d.now()
	e := &bridge.OutboxEntry{
		Fingerprint: fp,
		Deposit:     dep,
		Status:      bridge.OutboxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cert != nil {
		e.Certificate = *cert
	}

	created, err := d.store.PutOutbox(ctx, e)
	if err != nil {
		return errors.Wrap(err, "storing outbox entry")
	}

	if !created {
		_, revived, err := d.modify(ctx, fp, func(old *bridge.OutboxEntry) bool {
			if old.Status != bridge.OutboxRetracted {
				return false
			}
			old.Deposit = dep
			old.Certificate = e.Certificate
			old.Status = bridge.OutboxPending
			old.Attempts = 0
			old.LastError = ""
			old.RetractAcked = false
			old.UpdatedAt = now
			return true
		})
		if err != nil {
			return err
		}
		if !revived {
			return nil
		}
	}

	d.log.WithFields(logrus.Fields{"fp": fp, "height": dep.BlockHeight}).Info("queued for delivery")
	d.Wake()
	return nil
}

// Retract withdraws an undelivered entry. If a delivery attempt already
// left this node, the home network is told to discard it.
func (d *Dispatcher) Retract(ctx context.Context, fp bridge.Fingerprint, reason string) error {
	var dispatched bool
	e, changed, err := d.modify(ctx, fp, func(e *bridge.OutboxEntry) bool {
		switch e.Status {
		case bridge.OutboxDispatched:
			dispatched = true
			return false
		case bridge.OutboxRetracted:
			return false
		}
		e.Status = bridge.OutboxRetracted
		e.LastError = reason
		e.UpdatedAt = d.now()
		return true
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if dispatched {
		return errors.Wrap(bridge.ErrAlreadyDispatched, fp.String())
	}
	if !changed {
		return nil
	}

	d.mu.Lock()
	delete(d.next, fp)
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{"fp": fp, "reason": reason}).Warn("outbox entry retracted")

	if e.Attempted {
		d.sendRetract(ctx, e)
	}

	return nil
}

func (d *Dispatcher) sendRetract(ctx context.Context, e *bridge.OutboxEntry) {
	if err := d.home.RetractEvent(ctx, e.Fingerprint, e.LastError); err != nil {
		d.log.WithError(err).WithField("fp", e.Fingerprint).Warn("sending retraction, will retry")
		return
	}

	_, _, err := d.modify(ctx, e.Fingerprint, func(cur *bridge.OutboxEntry) bool {
		if cur.Status != bridge.OutboxRetracted {
			return false
		}
		cur.RetractAcked = true
		return true
	})
	if err != nil {
		d.log.WithError(err).Error("storing retraction ack")
	}
}

// Redrive puts a failed entry back into the queue with fresh attempts.
func (d *Dispatcher) Redrive(ctx context.Context, fp bridge.Fingerprint) error {
	e, changed, err := d.modify(ctx, fp, func(e *bridge.OutboxEntry) bool {
		if e.Status != bridge.OutboxFailedDelivery {
			return false
		}
		e.Status = bridge.OutboxPending
		e.Attempts = 0
		e.UpdatedAt = d.now()
		return true
	})
	if err != nil {
		return err
	}
	if !changed {
		return errors.Wrapf(ErrNotFailed, "%s is %s", fp, e.Status)
	}

	d.mu.Lock()
	delete(d.next, fp)
	d.mu.Unlock()

	d.log.WithField("fp", fp).Info("redriving entry")
	d.Wake()
	return nil
}

func (d *Dispatcher) ListFailed(ctx context.Context) ([]*bridge.OutboxEntry, error) {
	return d.store.ListOutbox(ctx, bridge.OutboxFailedDelivery)
}

// List returns every entry with the given status, or all for zero.
func (d *Dispatcher) List(ctx context.Context, status bridge.OutboxStatus) ([]*bridge.OutboxEntry, error) {
	return d.store.ListOutbox(ctx, status)
}

// Wake triggers a delivery pass without waiting for the interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.opts.Interval)
	defer t.Stop()

	for {
		if err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.log.WithError(err).Warn("delivery pass failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) gated() bool {
	for _, g := range d.opts.Gates {
		if g != nil && !g.QuorumAvailable() {
			return true
		}
	}
	return false
}

// Flush runs one delivery pass over every due entry.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d.gated() {
		d.setPaused(true)
		return nil
	}
	d.setPaused(false)

	retracted, err := d.store.ListOutbox(ctx, bridge.OutboxRetracted)
	if err != nil {
		return err
	}
	for _, e := range retracted {
		if e.Attempted && !e.RetractAcked {
			d.sendRetract(ctx, e)
		}
	}

	failed, err := d.store.ListOutbox(ctx, bridge.OutboxFailedDelivery)
	if err != nil {
		return err
	}
	parked := map[string]*bridge.OutboxEntry{}
	for _, e := range failed {
		if _, ok := parked[e.Deposit.ScriptKey()]; !ok {
			parked[e.Deposit.ScriptKey()] = e
		}
	}

	pending, err := d.store.ListOutbox(ctx, bridge.OutboxPending)
	if err != nil {
		return err
	}

	// an address waits behind its oldest undelivered deposit, parked or not
	blocked := map[string]bool{}

	for _, e := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		addr := e.Deposit.ScriptKey()
		if blocked[addr] {
			continue
		}
		if p, ok := parked[addr]; ok && p.Less(e) {
			blocked[addr] = true
			continue
		}
		if !d.due(e.Fingerprint) {
			blocked[addr] = true
			continue
		}

		if err := d.deliver(ctx, e); err != nil {
			blocked[addr] = true
		}
	}

	return nil
}

func (d *Dispatcher) setPaused(on bool) {
	d.mu.Lock()
	was := d.paused
	d.paused = on
	d.mu.Unlock()

	if on && !was {
		d.log.Warn("delivery paused, upstream quorum unavailable")
	} else if !on && was {
		d.log.Info("delivery resumed")
	}
}

// Paused reports whether the last pass was held back by a gate.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.paused
}

func (d *Dispatcher) due(fp bridge.Fingerprint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.next[fp]
	return !ok || !d.now().Before(at)
}

// modify applies fn to the stored entry for fp and writes it back when fn
// reports a change.
func (d *Dispatcher) modify(ctx context.Context, fp bridge.Fingerprint, fn func(*bridge.OutboxEntry) bool) (*bridge.OutboxEntry, bool, error) {
	d.emu.Lock()
	defer d.emu.Unlock()

	e, err := d.store.GetOutbox(ctx, fp)
	if err != nil {
		return nil, false, err
	}
	if !fn(e) {
		return e, false, nil
	}
	if err := d.store.UpdateOutbox(ctx, e); err != nil {
		return e, false, err
	}
	return e, true, nil
}

func (d *Dispatcher) deliver(ctx context.Context, listed *bridge.OutboxEntry) error {
	fp := listed.Fingerprint
	l := d.log.WithFields(logrus.Fields{"fp": fp, "attempt": listed.Attempts + 1})

	// the attempt is on disk before the call leaves the node
	e, ok, err := d.modify(ctx, fp, func(e *bridge.OutboxEntry) bool {
		if e.Status != bridge.OutboxPending {
			return false
		}
		e.Attempts++
		e.Attempted = true
		e.UpdatedAt = d.now()
		return true
	})
	if err != nil {
		return errors.Wrap(err, "storing attempt")
	}
	if !ok {
		return nil
	}

	err = d.home.DeliverEvent(ctx, e)
	if err == nil {
		var late bool
		_, _, uerr := d.modify(ctx, fp, func(cur *bridge.OutboxEntry) bool {
			if cur.Status == bridge.OutboxRetracted {
				// the Ack landed after the retraction went out
				late = true
				cur.RetractAcked = false
			} else {
				cur.Status = bridge.OutboxDispatched
				cur.LastError = ""
			}
			cur.UpdatedAt = d.now()
			return true
		})
		if uerr != nil {
			// the next pass delivers again and the home network acks the duplicate
			l.WithError(uerr).Error("storing dispatched marker")
			return uerr
		}

		d.mu.Lock()
		delete(d.next, fp)
		d.mu.Unlock()

		d.opts.Metrics.DispatchAttempt("ok")

		if late {
			l.Warn("delivered after retraction, retracting again")
			d.Wake()
			return nil
		}

		l.Info("event delivered")

		if d.opts.OnDelivered != nil {
			d.opts.OnDelivered(fp)
		}
		return nil
	}

	d.opts.Metrics.DispatchAttempt("error")

	var parked bool
	_, live, uerr := d.modify(ctx, fp, func(cur *bridge.OutboxEntry) bool {
		if cur.Status != bridge.OutboxPending {
			return false
		}
		cur.LastError = err.Error()
		if cur.Attempts >= d.opts.MaxAttempts {
			cur.Status = bridge.OutboxFailedDelivery
			parked = true
		}
		cur.UpdatedAt = d.now()
		return true
	})
	if uerr != nil {
		l.WithError(uerr).Error("storing delivery failure")
	}
	if !live && uerr == nil {
		l.WithError(err).Info("delivery failed on a withdrawn entry")
		return err
	}

	if parked {
		d.opts.Metrics.DispatchFailed()
		l.WithError(err).Error("delivery failed, parked for redrive")

		d.mu.Lock()
		delete(d.next, fp)
		d.mu.Unlock()
	} else {
		wait := d.backoff.ForAttempt(float64(e.Attempts - 1))
		d.mu.Lock()
		d.next[fp] = d.now().Add(wait)
		d.mu.Unlock()
		l.WithError(err).WithField("retry_in", wait).Warn("delivery failed")
	}

	return err
}
