package consensus

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/cryptography"
)

var (
	// ErrSlotConflict is returned when this node already has a live vote
	// for a different fingerprint in the same slot.
	ErrSlotConflict = errors.New("already voting for another fingerprint in this slot")
	ErrUnknownRound = errors.New("no such round")
)

type Options struct {
	// Threshold is the number of matching votes needed to agree.
	Threshold int
	// VoteTimeout bounds how long a round waits for votes.
	VoteTimeout time.Duration
	// Retention is how long a decided slot is remembered.
	Retention time.Duration
	Tick      time.Duration

	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// Coordinator runs threshold agreement over deposit fingerprints with the
// other cluster members.
type Coordinator struct {
	signer    *gossip.Signer
	members   *gossip.Members
	transport gossip.Transport
	opts      Options
	log       *logrus.Entry

	slots *xsync.Map[bridge.Slot, *slotState]
	index *xsync.Map[bridge.Fingerprint, bridge.Slot]

	inbox   <-chan *gossip.Msg
	results chan *Result
	now     func() time.Time
}

func New(signer *gossip.Signer, members *gossip.Members, transport gossip.Transport, opts Options) (*Coordinator, error) {
	if _, ok := members.Get(signer.ID()); !ok {
		return nil, errors.Errorf("%s is not a cluster member", signer.ID())
	}
	if opts.Threshold < 1 || opts.Threshold > members.Len() {
		return nil, errors.Errorf("threshold %d outside 1..%d", opts.Threshold, members.Len())
	}
	if opts.VoteTimeout <= 0 {
		opts.VoteTimeout = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 6 * time.Hour
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Component("consensus")
	}

	inbox, err := transport.Subscribe(gossip.VotesTopic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to votes")
	}

	return &Coordinator{
		inbox:     inbox,
		signer:    signer,
		members:   members,
		transport: transport,
		opts:      opts,
		log:       opts.Log.WithField("self", signer.ID()),
		slots:     xsync.NewMap[bridge.Slot, *slotState](),
		index:     xsync.NewMap[bridge.Fingerprint, bridge.Slot](),
		results:   make(chan *Result),
		now:       time.Now,
	}, nil
}

// Results delivers outcomes of rounds that reached a decision
// asynchronously. Outcomes known at Propose time are returned by Propose.
func (c *Coordinator) Results() <-chan *Result { return c.results }

// Run consumes peer votes and expires rounds until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	tick := time.NewTicker(c.opts.Tick)
	defer tick.Stop()

	var pending []*Result

	for {
		var out chan *Result
		var next *Result
		if len(pending) > 0 {
			out = c.results
			next = pending[0]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.inbox:
			if !ok {
				return errors.New("vote subscription closed")
			}
			pending = append(pending, c.OnMsg(msg)...)
		case <-tick.C:
			pending = append(pending, c.expire()...)
		case out <- next:
			pending = pending[1:]
		}
	}
}

// Propose casts this node's vote for d and starts (or restarts) its round.
// Outcomes already decided, such as a slot won by another fingerprint, are
// returned immediately.
func (c *Coordinator) Propose(ctx context.Context, d bridge.Deposit) ([]*Result, error) {
	fp, err := d.Fingerprint()
	if err != nil {
		return nil, err
	}
	slot := d.Slot()

	digest, err := gossip.VoteDigest(fp, &d)
	if err != nil {
		return nil, err
	}
	assertion, err := c.signer.Assert(digest)
	if err != nil {
		return nil, errors.Wrap(err, "signing vote")
	}

	c.index.Store(fp, slot)

	var (
		results  []*Result
		publish  bool
		conflict bool
	)

	c.slots.Compute(slot, func(s *slotState, loaded bool) (*slotState, xsync.ComputeOp) {
		if !loaded {
			s = newSlotState()
		}
		if i, ok := s.byVoter[c.signer.ID()]; ok && s.log[i].fp != fp {
			conflict = true
			return s, xsync.UpdateOp
		}

		now := c.now()
		r := s.round(fp, now)
		r.proposed = true

		if s.winner != "" && s.winner != fp {
			r.state = RoundRejected
			results = append(results, &Result{Fingerprint: fp, Slot: slot, Outcome: OutcomeRejected})
			return s, xsync.UpdateOp
		}

		switch r.state {
		case RoundAgreed:
			results = append(results, agreedResult(slot, r))
			return s, xsync.UpdateOp
		case RoundRejected:
			results = append(results, &Result{Fingerprint: fp, Slot: slot, Outcome: OutcomeRejected})
			return s, xsync.UpdateOp
		}

		s.record(voteEntry{
			voter:      c.signer.ID(),
			fp:         fp,
			payloadKey: payloadKey(digest),
			deposit:    d,
			assertion:  assertion,
			at:         now,
		})

		if r.state != RoundVoting || r.deadline.IsZero() {
			if r.state != RoundVoting {
				r.started = now
			}
			r.state = RoundVoting
			r.deadline = now.Add(c.opts.VoteTimeout)
			publish = true
		}

		results = append(results, c.evaluate(s, slot, fp, now)...)
		return s, xsync.UpdateOp
	})

	if conflict {
		return nil, errors.Wrapf(ErrSlotConflict, "slot %s", slot)
	}

	if publish {
		msg := &gossip.Msg{
			Type: gossip.MsgTypeVote,
			Vote: &gossip.Vote{Fingerprint: fp, Slot: slot, Deposit: d, Assertion: assertion},
		}
		if err := c.send(ctx, msg); err != nil {
			// peers pick the vote up again when the round is re-proposed
			c.log.WithError(err).WithField("fp", fp).Warn("publishing vote")
		}
	}

	return results, nil
}

// Retract withdraws this node's vote for fp, locally ends the round and
// asks peers to discard the vote.
func (c *Coordinator) Retract(ctx context.Context, fp bridge.Fingerprint, reason string) error {
	slot, ok := c.index.Load(fp)
	if !ok {
		return errors.Wrap(ErrUnknownRound, fp.String())
	}

	var found bool
	c.slots.Compute(slot, func(s *slotState, loaded bool) (*slotState, xsync.ComputeOp) {
		if !loaded {
			return s, xsync.CancelOp
		}

		r, ok := s.rounds[fp]
		if !ok {
			return s, xsync.CancelOp
		}
		found = true

		s.retract(c.signer.ID(), fp)
		if s.winner == fp {
			s.winner = ""
		}
		if r.state != RoundRejected {
			r.state = RoundRetracted
			r.deadline = time.Time{}
			r.cert = nil
		}

		return s, xsync.UpdateOp
	})

	if !found {
		return errors.Wrap(ErrUnknownRound, fp.String())
	}

	c.opts.Metrics.RoundOutcome("retracted", 0)

	return c.send(ctx, &gossip.Msg{
		Type:    gossip.MsgTypeRetract,
		Retract: &gossip.Retract{Fingerprint: fp, Slot: slot, Reason: reason},
	})
}

func (c *Coordinator) send(ctx context.Context, msg *gossip.Msg) error {
	if err := c.signer.SignMsg(msg); err != nil {
		return err
	}
	return c.transport.Publish(ctx, gossip.VotesTopic, msg)
}

// OnMsg applies a message from a peer and returns any outcomes it caused.
func (c *Coordinator) OnMsg(msg *gossip.Msg) []*Result {
	if msg.From == c.signer.ID() {
		return nil
	}

	if err := c.members.Verify(msg); err != nil {
		c.opts.Metrics.VoteDropped("signature")
		c.log.WithError(err).Warn("dropping msg")
		return nil
	}

	switch msg.Type {
	case gossip.MsgTypeVote:
		if msg.Vote == nil {
			return nil
		}
		return c.onVote(msg.From, msg.Vote)
	case gossip.MsgTypeRetract:
		if msg.Retract != nil {
			c.onRetract(msg.From, msg.Retract)
		}
	case gossip.MsgTypeAgreement:
		if msg.Agreement != nil {
			return c.onAgreement(msg.From, msg.Agreement)
		}
	}

	return nil
}

func (c *Coordinator) onVote(from string, v *gossip.Vote) []*Result {
	l := c.log.WithFields(logrus.Fields{"from": from, "fp": v.Fingerprint})

	fp, err := v.Deposit.Fingerprint()
	if err != nil || fp != v.Fingerprint || v.Deposit.Slot() != v.Slot {
		c.opts.Metrics.VoteDropped("payload")
		l.Warn("vote payload does not match its fingerprint")
		return nil
	}

	digest, err := gossip.VoteDigest(fp, &v.Deposit)
	if err != nil {
		return nil
	}
	if err := c.members.VerifyAssertion(from, digest, v.Assertion); err != nil {
		c.opts.Metrics.VoteDropped("assertion")
		l.WithError(err).Warn("bad vote assertion")
		return nil
	}

	c.index.Store(fp, v.Slot)

	var (
		results []*Result
		share   *gossip.Msg
	)
	c.slots.Compute(v.Slot, func(s *slotState, loaded bool) (*slotState, xsync.ComputeOp) {
		if !loaded {
			s = newSlotState()
		}
		now := c.now()

		res := s.record(voteEntry{
			voter:      from,
			fp:         fp,
			payloadKey: payloadKey(digest),
			deposit:    v.Deposit,
			assertion:  v.Assertion,
			at:         now,
		})
		if res == voteEquivocation {
			c.opts.Metrics.VoteDropped("equivocation")
			l.Warn("peer voted twice in one slot")
			return s, xsync.UpdateOp
		}

		if s.winner != "" {
			// the voter has not seen the outcome, so it gets the certificate
			share = c.agreement(s, v.Slot, now)
			if r := s.round(fp, now); fp != s.winner && r.state != RoundRejected {
				r.state = RoundRejected
				r.deadline = time.Time{}
				c.opts.Metrics.RoundOutcome(OutcomeRejected.String(), now.Sub(r.started))
			}
			return s, xsync.UpdateOp
		}
		if res == voteDuplicate {
			return s, xsync.UpdateOp
		}

		s.round(fp, now)
		results = c.evaluate(s, v.Slot, fp, now)
		return s, xsync.UpdateOp
	})

	if share != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.VoteTimeout)
		defer cancel()
		if err := c.send(ctx, share); err != nil {
			l.WithError(err).Warn("sharing agreement")
		}
	}

	return results
}

// agreement builds the message announcing the slot's winner, at most once
// per tick. It must be called inside a Compute on the slot.
func (c *Coordinator) agreement(s *slotState, slot bridge.Slot, now time.Time) *gossip.Msg {
	w, ok := s.rounds[s.winner]
	if !ok || w.cert == nil || now.Sub(w.shared) < c.opts.Tick {
		return nil
	}
	w.shared = now

	return &gossip.Msg{
		Type: gossip.MsgTypeAgreement,
		Agreement: &gossip.Agreement{
			Fingerprint: w.fp,
			Slot:        slot,
			Deposit:     w.deposit,
			Certificate: *w.cert,
		},
	}
}

// onAgreement adopts a peer's certified outcome for a slot this node is
// still voting on.
func (c *Coordinator) onAgreement(from string, a *gossip.Agreement) []*Result {
	l := c.log.WithFields(logrus.Fields{"from": from, "fp": a.Fingerprint})

	fp, err := a.Deposit.Fingerprint()
	if err != nil || fp != a.Fingerprint || a.Deposit.Slot() != a.Slot {
		c.opts.Metrics.VoteDropped("payload")
		l.Warn("agreement payload does not match its fingerprint")
		return nil
	}

	if len(a.Certificate.Voters) < c.opts.Threshold {
		c.opts.Metrics.VoteDropped("certificate")
		l.WithField("voters", len(a.Certificate.Voters)).Warn("agreement below threshold")
		return nil
	}

	digest, err := gossip.VoteDigest(fp, &a.Deposit)
	if err != nil {
		return nil
	}
	if err := c.members.VerifyCertificate(digest, &a.Certificate); err != nil {
		c.opts.Metrics.VoteDropped("certificate")
		l.WithError(err).Warn("bad agreement certificate")
		return nil
	}

	var results []*Result
	c.slots.Compute(a.Slot, func(s *slotState, loaded bool) (*slotState, xsync.ComputeOp) {
		if !loaded || s.winner != "" || !s.proposedAny() {
			return s, xsync.CancelOp
		}

		now := c.now()
		r := s.round(fp, now)
		if r.state == RoundRejected || r.state == RoundRetracted {
			return s, xsync.UpdateOp
		}
		if i, ok := s.byVoter[c.signer.ID()]; ok && s.log[i].fp == fp && s.log[i].payloadKey != payloadKey(digest) {
			l.Warn("agreed payload differs from own vote")
			return s, xsync.UpdateOp
		}

		cert := a.Certificate
		c.index.Store(fp, a.Slot)
		results = c.decide(s, a.Slot, r, payloadKey(digest), a.Deposit, &cert, now)
		l.Info("adopted agreement from peer")

		return s, xsync.UpdateOp
	})

	return results
}

func (c *Coordinator) onRetract(from string, r *gossip.Retract) {
	c.slots.Compute(r.Slot, func(s *slotState, loaded bool) (*slotState, xsync.ComputeOp) {
		if !loaded {
			return s, xsync.CancelOp
		}
		if s.retract(from, r.Fingerprint) {
			c.log.WithFields(logrus.Fields{"from": from, "fp": r.Fingerprint, "reason": r.Reason}).Info("peer retracted vote")
		}
		return s, xsync.UpdateOp
	})
}

// evaluate decides fp if its leading payload has Threshold live votes. It must be
// called inside a Compute on the slot.
func (c *Coordinator) evaluate(s *slotState, slot bridge.Slot, fp bridge.Fingerprint, now time.Time) []*Result {
	if s.winner != "" {
		return nil
	}
	// a loser stays lost and a retracted round waits for a new proposal
	if r, ok := s.rounds[fp]; ok && (r.state == RoundRejected || r.state == RoundRetracted) {
		return nil
	}

	key, idx := s.leader(fp)
	if len(idx) < c.opts.Threshold {
		return nil
	}

	entries := make([]voteEntry, 0, len(idx))
	for _, i := range idx {
		entries = append(entries, s.log[i])
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].voter < entries[j].voter })

	cert := &bridge.Certificate{}
	sigs := make([][]byte, 0, len(entries))
	for _, e := range entries {
		cert.Voters = append(cert.Voters, e.voter)
		sigs = append(sigs, e.assertion)
	}

	agg, err := cryptography.AggregateBls12381Signatures(sigs...)
	if err != nil {
		c.log.WithError(err).WithField("fp", fp).Error("aggregating vote assertions")
		return nil
	}
	cert.Signature = agg

	return c.decide(s, slot, s.round(fp, now), key, entries[0].deposit, cert, now)
}

// decide marks r Agreed and every other round in the slot Rejected. It
// must be called inside a Compute on the slot.
func (c *Coordinator) decide(s *slotState, slot bridge.Slot, r *round, key string, d bridge.Deposit, cert *bridge.Certificate, now time.Time) []*Result {
	r.state = RoundAgreed
	r.deadline = time.Time{}
	r.agreedKey = key
	r.deposit = d
	r.cert = cert
	s.winner = r.fp

	c.opts.Metrics.RoundOutcome(OutcomeAgreed.String(), now.Sub(r.started))
	c.log.WithFields(logrus.Fields{"fp": r.fp, "votes": len(cert.Voters)}).Info("round agreed")

	var results []*Result
	if r.proposed {
		results = append(results, agreedResult(slot, r))
	}

	for ofp, other := range s.rounds {
		if ofp == r.fp || other.state == RoundRejected {
			continue
		}
		other.state = RoundRejected
		other.deadline = time.Time{}
		c.opts.Metrics.RoundOutcome(OutcomeRejected.String(), now.Sub(other.started))
		if other.proposed {
			results = append(results, &Result{Fingerprint: ofp, Slot: slot, Outcome: OutcomeRejected})
		}
	}

	return results
}

func agreedResult(slot bridge.Slot, r *round) *Result {
	return &Result{
		Fingerprint: r.fp,
		Slot:        slot,
		Outcome:     OutcomeAgreed,
		Deposit:     r.deposit,
		Certificate: r.cert,
	}
}

// expire times out voting rounds past their deadline and forgets idle
// slots past retention.
func (c *Coordinator) expire() []*Result {
	now := c.now()

	var due []bridge.Slot
	c.slots.Range(func(slot bridge.Slot, s *slotState) bool {
		due = append(due, slot)
		return true
	})

	var results []*Result
	for _, slot := range due {
		var forget []bridge.Fingerprint

		c.slots.Compute(slot, func(s *slotState, loaded bool) (*slotState, xsync.ComputeOp) {
			if !loaded {
				return s, xsync.CancelOp
			}

			for fp, r := range s.rounds {
				if r.state != RoundVoting || r.deadline.IsZero() || now.Before(r.deadline) {
					continue
				}
				r.state = RoundExpired
				r.deadline = time.Time{}
				c.opts.Metrics.RoundOutcome(OutcomeExpired.String(), now.Sub(r.started))
				c.log.WithField("fp", fp).Info("round expired")
				if r.proposed {
					results = append(results, &Result{Fingerprint: fp, Slot: slot, Outcome: OutcomeExpired})
				}
			}

			if !s.active() && now.Sub(s.touched) > c.opts.Retention {
				for fp := range s.rounds {
					forget = append(forget, fp)
				}
				return s, xsync.DeleteOp
			}

			return s, xsync.UpdateOp
		})

		for _, fp := range forget {
			c.index.Delete(fp)
		}
	}

	return results
}

type RoundInfo struct {
	Fingerprint bridge.Fingerprint `json:"fingerprint"`
	Slot        bridge.Slot        `json:"slot"`
	State       string             `json:"state"`
	Votes       int                `json:"votes"`
	Deadline    time.Time          `json:"deadline,omitempty"`
}

// Round reports the local view of fp's round.
func (c *Coordinator) Round(fp bridge.Fingerprint) (RoundInfo, bool) {
	slot, ok := c.index.Load(fp)
	if !ok {
		return RoundInfo{}, false
	}

	var info RoundInfo
	var found bool
	c.slots.Compute(slot, func(s *slotState, loaded bool) (*slotState, xsync.ComputeOp) {
		if !loaded {
			return s, xsync.CancelOp
		}
		r, ok := s.rounds[fp]
		if !ok {
			return s, xsync.CancelOp
		}
		_, idx := s.leader(fp)
		info = RoundInfo{Fingerprint: fp, Slot: slot, State: r.state.String(), Votes: len(idx), Deadline: r.deadline}
		found = true
		return s, xsync.CancelOp
	})

	return info, found
}
