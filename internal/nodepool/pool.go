package nodepool

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

var (
	// ErrInsufficientQuorum is returned when fewer than the quorum of nodes gave a
	// matching answer.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrAllNodesUnavailable is returned when fewer than the quorum of nodes are usable
	// at all, before anything is asked.
	ErrAllNodesUnavailable = errors.Wrap(ErrInsufficientQuorum, "all nodes unavailable")
)

type Policy int

const (
	RoundRobin Policy = iota
	HealthWeighted
	QuorumRead
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round-robin"
	case HealthWeighted:
		return "health-weighted"
	case QuorumRead:
		return "quorum"
	default:
		return "unknown"
	}
}

// Request is one logical upstream call. Key maps a response to the value
// compared across nodes in a quorum read; it defaults to fmt's %v.
type Request[T any] struct {
	Name string
	Do   func(ctx context.Context, b Backend) (T, error)
	Key  func(T) string
}

func (r Request[T]) key(v T) string {
	if r.Key != nil {
		return r.Key(v)
	}
	return fmt.Sprintf("%v", v)
}

type Options struct {
	Quorum         int
	RequestTimeout time.Duration
	Workers        int
	Metrics        *metrics.Metrics
	Log            *logrus.Entry
}

type Pool struct {
	reg     *Registry
	opts    Options
	workers pond.Pool
	log     *logrus.Entry

	rr       atomic.Uint64
	quorumOK atomic.Bool
}

func New(reg *Registry, opts Options) *Pool {
	if opts.Quorum < 1 {
		opts.Quorum = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Workers < 1 {
		opts.Workers = 16
	}
	if opts.Log == nil {
		opts.Log = logging.Component("nodepool")
	}

	p := &Pool{
		reg:     reg,
		opts:    opts,
		workers: pond.NewPool(opts.Workers),
		log:     opts.Log,
	}
	p.quorumOK.Store(true)

	reg.OnTransition(func(id string, from, to bridge.NodeState) {
		p.log.WithFields(logrus.Fields{
			"node": id,
			"from": from.String(),
			"to":   to.String(),
		}).Info("node health changed")
		opts.Metrics.NodeTransition(id, from.String(), to.String(), int(to))
	})

	return p
}

func (p *Pool) Registry() *Registry { return p.reg }

func (p *Pool) Quorum() int { return p.opts.Quorum }

// QuorumAvailable reports whether the most recent quorum read succeeded.
func (p *Pool) QuorumAvailable() bool { return p.quorumOK.Load() }

func (p *Pool) Close() {
	p.workers.StopAndWait()

	for _, h := range p.reg.Snapshot() {
		if b, ok := p.reg.Backend(h.NodeID); ok {
			b.Close()
		}
	}
}

// Query runs req against the pool under the given policy.
func Query[T any](ctx context.Context, p *Pool, policy Policy, req Request[T]) (T, error) {
	switch policy {
	case QuorumRead:
		return quorumQuery(ctx, p, req)
	default:
		return failoverQuery(ctx, p, p.ordered(policy), req)
	}
}

// ordered lists usable nodes for the single-node policies. Nodes still
// inside their backoff window go last.
func (p *Pool) ordered(policy Policy) []Backend {
	cands := p.reg.usable()
	if len(cands) == 0 {
		return nil
	}

	start := int(p.rr.Add(1)-1) % len(cands)
	rotation := make(map[string]int, len(cands))
	for i, c := range cands {
		rotation[c.backend.ID()] = (i - start + len(cands)) % len(cands)
	}

	now := p.reg.now()
	waiting := func(c candidate) bool { return now.Before(c.health.NextAttempt) }

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if wa, wb := waiting(a), waiting(b); wa != wb {
			return !wa
		}
		if policy == HealthWeighted {
			if a.health.State != b.health.State {
				return a.health.State < b.health.State
			}
			if a.health.ConsecutiveFailures != b.health.ConsecutiveFailures {
				return a.health.ConsecutiveFailures < b.health.ConsecutiveFailures
			}
		}
		return rotation[a.backend.ID()] < rotation[b.backend.ID()]
	})

	out := make([]Backend, len(cands))
	for i, c := range cands {
		out[i] = c.backend
	}
	return out
}

func (p *Pool) call(ctx context.Context, b Backend, fn func(context.Context) error) (penalize bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	if l := p.reg.limiter(b.ID()); l != nil {
		if err := l.Wait(callCtx); err != nil {
			return false, errors.Wrap(err, "rate limited")
		}
	}

	err = fn(callCtx)
	if err == nil {
		p.reg.ReportSuccess(b.ID())
		return false, nil
	}

	// the caller gave up or the quorum was already reached
	if ctx.Err() != nil {
		return false, err
	}

	p.reg.ReportFailure(b.ID(), err)
	return true, err
}

func failoverQuery[T any](ctx context.Context, p *Pool, nodes []Backend, req Request[T]) (T, error) {
	var zero T

	if len(nodes) == 0 {
		return zero, errors.Wrap(ErrAllNodesUnavailable, req.Name)
	}

	var lastErr error
	for _, b := range nodes {
		var v T
		_, err := p.call(ctx, b, func(cctx context.Context) error {
			var err error
			v, err = req.Do(cctx, b)
			return err
		})
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		p.log.WithError(err).WithFields(logrus.Fields{"node": b.ID(), "request": req.Name}).Debug("upstream call failed")
		lastErr = err
	}

	return zero, errors.Wrapf(ErrAllNodesUnavailable, "%s: last error: %s", req.Name, lastErr)
}

type answer[T any] struct {
	node string
	v    T
	err  error
}

func quorumQuery[T any](ctx context.Context, p *Pool, req Request[T]) (T, error) {
	var zero T

	cands := p.reg.ready()
	if len(cands) < p.opts.Quorum {
		p.quorumOK.Store(false)
		p.opts.Metrics.QuorumFailure(req.Name)
		return zero, errors.Wrapf(ErrAllNodesUnavailable, "%s: %d usable of %d required", req.Name, len(cands), p.opts.Quorum)
	}

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	answers := make(chan answer[T], len(cands))
	for _, c := range cands {
		b := c.backend
		p.workers.Submit(func() {
			var v T
			_, err := p.call(qctx, b, func(cctx context.Context) error {
				var err error
				v, err = req.Do(cctx, b)
				return err
			})
			answers <- answer[T]{b.ID(), v, err}
		})
	}

	counts := map[string]int{}
	first := map[string]T{}
	failed := 0

	for i := 0; i < len(cands); i++ {
		var a answer[T]
		select {
		case a = <-answers:
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		if a.err != nil {
			failed++
			continue
		}

		k := req.key(a.v)
		counts[k]++
		if _, ok := first[k]; !ok {
			first[k] = a.v
		}

		if counts[k] >= p.opts.Quorum {
			p.quorumOK.Store(true)
			return first[k], nil
		}
	}

	p.quorumOK.Store(false)
	p.opts.Metrics.QuorumFailure(req.Name)

	return zero, &QuorumError{Request: req.Name, Answers: counts, Failed: failed, Need: p.opts.Quorum}
}

// QuorumError describes a quorum read that got answers but not enough
// matching ones.
type QuorumError struct {
	Request string
	// Answers counts nodes per distinct response key.
	Answers map[string]int
	Failed  int
	Need    int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("%s: %s: %d distinct answers, %d failed, need %d matching", e.Request, ErrInsufficientQuorum, len(e.Answers), e.Failed, e.Need)
}

func (e *QuorumError) Unwrap() error { return ErrInsufficientQuorum }

// Disagreement reports whether at least two nodes answered differently.
func (e *QuorumError) Disagreement() bool { return len(e.Answers) > 1 }

// Result is one node's answer from All.
type Result[T any] struct {
	NodeID string
	Value  T
	Err    error
}

// All runs req on every usable node and waits for each to answer. Results
// keep registration order.
func All[T any](ctx context.Context, p *Pool, req Request[T]) []Result[T] {
	cands := p.reg.usable()
	out := make([]Result[T], len(cands))

	group := p.workers.NewGroupContext(ctx)
	for i, c := range cands {
		i, b := i, c.backend
		group.Submit(func() {
			out[i].NodeID = b.ID()
			_, out[i].Err = p.call(ctx, b, func(cctx context.Context) error {
				var err error
				out[i].Value, err = req.Do(cctx, b)
				return err
			})
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		p.log.WithError(err).WithField("request", req.Name).Warn("fan-out did not complete")
	}

	return out
}

// On runs req on one specific node.
func On[T any](ctx context.Context, p *Pool, nodeID string, req Request[T]) (T, error) {
	var zero T

	b, ok := p.reg.Backend(nodeID)
	if !ok {
		return zero, errors.Errorf("unknown node %q", nodeID)
	}

	var v T
	_, err := p.call(ctx, b, func(cctx context.Context) error {
		var err error
		v, err = req.Do(cctx, b)
		return err
	})
	return v, err
}
