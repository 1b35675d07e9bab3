package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.NodeTransition("a", "active", "dead", 3)
		m.RoundOutcome("agreed", time.Second)
		m.SetDegraded(true)
		m.SetStalled(1)
	})
}

func TestRecordsOnPrivateRegistry(t *testing.T) {
	m := newMetrics()
	m.MustRegister(prometheus.NewRegistry())

	m.RoundOutcome("agreed", time.Second)
	m.RoundOutcome("agreed", 2*time.Second)
	m.RoundOutcome("expired", time.Minute)
	m.SetDegraded(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.roundOutcomes.WithLabelValues("agreed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roundOutcomes.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degraded))
}
