package nodepool

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

// TransitionFunc observes node health state changes.
type TransitionFunc func(nodeID string, from, to bridge.NodeState)

type RegistryOptions struct {
	DeadAfter        int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	ProbeInterval    time.Duration
	MaxProbeInterval time.Duration
	RateLimit        float64
	RateBurst        int
}

type member struct {
	backend Backend
	health  bridge.NodeHealth
	bo      *backoff.Backoff
	limiter *rate.Limiter
}

// Registry owns the health of every upstream node. It is safe for
// concurrent use; no lock is held across a network call.
type Registry struct {
	opts RegistryOptions

	mu      sync.RWMutex
	members map[string]*member
	order   []string

	observers []TransitionFunc
	now       func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.DeadAfter < 1 {
		opts.DeadAfter = 1
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.MaxProbeInterval < opts.ProbeInterval {
		opts.MaxProbeInterval = opts.ProbeInterval
	}

	return &Registry{
		opts:    opts,
		members: map[string]*member{},
		now:     time.Now,
	}
}

// OnTransition registers an observer. Observers run synchronously outside
// the registry lock.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.observers = append(r.observers, fn)
}

func (r *Registry) Add(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[b.ID()]; ok {
		return
	}

	m := &member{
		backend: b,
		health: bridge.NodeHealth{
			NodeID:   b.ID(),
			Endpoint: b.Endpoint(),
			State:    bridge.NodeActive,
		},
		bo: &backoff.Backoff{
			Min:    r.opts.BackoffMin,
			Max:    r.opts.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
	}

	if r.opts.RateLimit > 0 {
		burst := r.opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(r.opts.RateLimit), burst)
	}

	r.members[b.ID()] = m
	r.order = append(r.order, b.ID())
}

func (r *Registry) Backend(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	return m.backend, true
}

func (r *Registry) limiter(id string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.members[id]; ok {
		return m.limiter
	}
	return nil
}

// Len is the number of registered nodes regardless of state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Snapshot copies the health of every node in registration order.
func (r *Registry) Snapshot() []bridge.NodeHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]bridge.NodeHealth, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id].health)
	}
	return out
}

func (r *Registry) Health(id string) (bridge.NodeHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return bridge.NodeHealth{}, false
	}
	return m.health, true
}

type candidate struct {
	backend Backend
	health  bridge.NodeHealth
}

// usable returns every non-Dead node in registration order.
func (r *Registry) usable() []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]candidate, 0, len(r.order))
	for _, id := range r.order {
		m := r.members[id]
		if m.health.State == bridge.NodeDead {
			continue
		}
		out = append(out, candidate{m.backend, m.health})
	}
	return out
}

// ready returns the non-Dead nodes that are not waiting out a backoff.
func (r *Registry) ready() []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]candidate, 0, len(r.order))
	for _, id := range r.order {
		m := r.members[id]
		if m.health.State == bridge.NodeDead || now.Before(m.health.NextAttempt) {
			continue
		}
		out = append(out, candidate{m.backend, m.health})
	}
	return out
}

// dueProbes returns Dead nodes whose next probe time has passed.
func (r *Registry) dueProbes() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []Backend
	for _, id := range r.order {
		m := r.members[id]
		if m.health.State == bridge.NodeDead && !now.Before(m.health.NextAttempt) {
			out = append(out, m.backend)
		}
	}
	return out
}

func (r *Registry) ReportSuccess(id string) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	from := m.health.State
	m.health.ConsecutiveFailures = 0
	m.health.State = bridge.NodeActive
	m.health.LastProbeTime = r.now()
	m.health.NextAttempt = time.Time{}
	m.health.LastError = ""
	m.bo.Reset()
	obs := r.observers
	r.mu.Unlock()

	r.notify(obs, id, from, bridge.NodeActive)
}

func (r *Registry) ReportFailure(id string, cause error) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.now()
	from := m.health.State
	m.health.ConsecutiveFailures++
	m.health.LastProbeTime = now
	if cause != nil {
		m.health.LastError = cause.Error()
	}

	if m.health.ConsecutiveFailures >= r.opts.DeadAfter {
		m.health.State = bridge.NodeDead
		m.health.NextAttempt = now.Add(r.probeDelay(m.health.ConsecutiveFailures - r.opts.DeadAfter))
	} else {
		m.health.State = bridge.NodeDegraded
		m.health.NextAttempt = now.Add(m.bo.Duration())
	}

	to := m.health.State
	obs := r.observers
	r.mu.Unlock()

	r.notify(obs, id, from, to)
}

// probeDelay is probeInterval * 2^k capped at the max probe interval.
func (r *Registry) probeDelay(k int) time.Duration {
	d := r.opts.ProbeInterval
	for i := 0; i < k; i++ {
		d *= 2
		if d >= r.opts.MaxProbeInterval {
			return r.opts.MaxProbeInterval
		}
	}
	return d
}

func (r *Registry) notify(obs []TransitionFunc, id string, from, to bridge.NodeState) {
	if from == to {
		return
	}
	for _, fn := range obs {
		fn(id, from, to)
	}
}
