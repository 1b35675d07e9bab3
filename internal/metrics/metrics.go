package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bridged"

type Metrics struct {
	nodeTransitions *prometheus.CounterVec
	nodeState       *prometheus.GaugeVec
	quorumFailures  *prometheus.CounterVec
	degraded        prometheus.Gauge

	pollCycles  *prometheus.CounterVec
	forkSignals prometheus.Counter
	tipHeight   prometheus.Gauge

	validationDrops *prometheus.CounterVec
	retractions     prometheus.Counter

	roundOutcomes *prometheus.CounterVec
	roundLatency  *prometheus.HistogramVec
	votesDropped  *prometheus.CounterVec

	dispatchAttempts *prometheus.CounterVec
	dispatchFailed   prometheus.Counter

	withdrawalTransitions *prometheus.CounterVec
	withdrawalStage       *prometheus.HistogramVec
	withdrawalsStalled    prometheus.Gauge
}

var (
	once     sync.Once
	registry *Metrics
)

// Bridge returns the lazily registered process metrics.
func Bridge() *Metrics {
	once.Do(func() {
		registry = newMetrics()
		registry.MustRegister(prometheus.DefaultRegisterer)
	})
	return registry
}

func newMetrics() *Metrics {
	return &Metrics{
		nodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nodepool",
			Name:      "health_transitions_total",
			Help:      "Upstream node health state transitions.",
		}, []string{"node", "from", "to"}),
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nodepool",
			Name:      "node_state",
			Help:      "Current state per upstream node (1 active, 2 degraded, 3 dead).",
		}, []string{"node"}),
		quorumFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nodepool",
			Name:      "quorum_failures_total",
			Help:      "Quorum reads that did not reach the required matching responses.",
		}, []string{"request"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nodepool",
			Name:      "degraded_mode",
			Help:      "1 while forwarding is halted for lack of upstream quorum.",
		}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		forkSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fork_signals_total",
			Help:      "Fork signals emitted to validation.",
		}),
		tipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tip_height",
			Help:      "Last agreed upstream tip height.",
		}),
		validationDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "dropped_total",
			Help:      "Outputs dropped by validation policy.",
		}, []string{"reason"}),
		retractions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "retractions_total",
			Help:      "Events retracted after a reorg.",
		}),
		roundOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "round_outcomes_total",
			Help:      "Consensus round outcomes.",
		}, []string{"outcome"}),
		roundLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "round_duration_seconds",
			Help:      "Time from round start to outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"outcome"}),
		votesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_dropped_total",
			Help:      "Votes ignored, by reason.",
		}, []string{"reason"}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Delivery attempts to the home network by outcome.",
		}, []string{"outcome"}),
		dispatchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "failed_delivery_total",
			Help:      "Events moved to Failed-Delivery.",
		}),
		withdrawalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawals",
			Name:      "transitions_total",
			Help:      "Withdrawal status transitions.",
		}, []string{"to"}),
		withdrawalStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "withdrawals",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in a withdrawal stage before leaving it.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"stage"}),
		withdrawalsStalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "withdrawals",
			Name:      "stalled",
			Help:      "Withdrawals stuck awaiting signatures past their timeout.",
		}),
	}
}

func (m *Metrics) MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		m.nodeTransitions,
		m.nodeState,
		m.quorumFailures,
		m.degraded,
		m.pollCycles,
		m.forkSignals,
		m.tipHeight,
		m.validationDrops,
		m.retractions,
		m.roundOutcomes,
		m.roundLatency,
		m.votesDropped,
		m.dispatchAttempts,
		m.dispatchFailed,
		m.withdrawalTransitions,
		m.withdrawalStage,
		m.withdrawalsStalled,
	)
}

// A nil *Metrics is valid and records nothing, which keeps tests free of
// the global registry.

func (m *Metrics) NodeTransition(node, from, to string, state int) {
	if m == nil {
		return
	}
	m.nodeTransitions.WithLabelValues(node, from, to).Inc()
	m.nodeState.WithLabelValues(node).Set(float64(state))
}

func (m *Metrics) QuorumFailure(request string) {
	if m == nil {
		return
	}
	m.quorumFailures.WithLabelValues(request).Inc()
}

func (m *Metrics) SetDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

func (m *Metrics) PollCycle(outcome string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ForkSignal() {
	if m == nil {
		return
	}
	m.forkSignals.Inc()
}

func (m *Metrics) TipHeight(h int64) {
	if m == nil {
		return
	}
	m.tipHeight.Set(float64(h))
}

func (m *Metrics) ValidationDrop(reason string) {
	if m == nil {
		return
	}
	m.validationDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) Retraction() {
	if m == nil {
		return
	}
	m.retractions.Inc()
}

func (m *Metrics) RoundOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundOutcomes.WithLabelValues(outcome).Inc()
	m.roundLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) VoteDropped(reason string) {
	if m == nil {
		return
	}
	m.votesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DispatchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DispatchFailed() {
	if m == nil {
		return
	}
	m.dispatchFailed.Inc()
}

func (m *Metrics) WithdrawalTransition(to string, stage string, inStage time.Duration) {
	if m == nil {
		return
	}
	m.withdrawalTransitions.WithLabelValues(to).Inc()
	if stage != "" {
		m.withdrawalStage.WithLabelValues(stage).Observe(inStage.Seconds())
	}
}

func (m *Metrics) SetStalled(n int) {
	if m == nil {
		return
	}
	m.withdrawalsStalled.Set(float64(n))
}
