package nodepool

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

func testRegistry(deadAfter int) (*Registry, *time.Time) {
	now := time.Unix(1700000000, 0)
	reg := NewRegistry(RegistryOptions{
		DeadAfter:        deadAfter,
		BackoffMin:       time.Second,
		BackoffMax:       time.Minute,
		ProbeInterval:    10 * time.Second,
		MaxProbeInterval: 60 * time.Second,
	})
	reg.now = func() time.Time { return now }
	return reg, &now
}

func TestRegistryDeadAfterConsecutiveFailures(t *testing.T) {
	reg, _ := testRegistry(3)
	reg.Add(newFake("a", 1))

	var transitions []string
	reg.OnTransition(func(id string, from, to bridge.NodeState) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	reg.ReportFailure("a", errors.New("timeout"))
	h, _ := reg.Health("a")
	assert.Equal(t, bridge.NodeDegraded, h.State)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, "timeout", h.LastError)

	reg.ReportFailure("a", errors.New("timeout"))
	reg.ReportFailure("a", errors.New("timeout"))
	h, _ = reg.Health("a")
	assert.Equal(t, bridge.NodeDead, h.State)
	assert.Empty(t, reg.usable())

	reg.ReportSuccess("a")
	h, _ = reg.Health("a")
	assert.Equal(t, bridge.NodeActive, h.State)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)

	assert.Equal(t, []string{"active>degraded", "degraded>dead", "dead>active"}, transitions)
}

func TestRegistrySuccessResetsCount(t *testing.T) {
	reg, _ := testRegistry(3)
	reg.Add(newFake("a", 1))

	reg.ReportFailure("a", nil)
	reg.ReportFailure("a", nil)
	reg.ReportSuccess("a")
	reg.ReportFailure("a", nil)
	reg.ReportFailure("a", nil)

	h, _ := reg.Health("a")
	assert.Equal(t, bridge.NodeDegraded, h.State)
}

func TestRegistryProbeDelayDoublesAndCaps(t *testing.T) {
	reg, now := testRegistry(1)
	reg.Add(newFake("a", 1))

	expect := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for _, d := range expect {
		reg.ReportFailure("a", nil)
		h, _ := reg.Health("a")
		require.Equal(t, bridge.NodeDead, h.State)
		assert.Equal(t, now.Add(d), h.NextAttempt)
	}
}

func TestRegistryDueProbes(t *testing.T) {
	reg, now := testRegistry(1)
	reg.Add(newFake("a", 1))
	reg.Add(newFake("b", 1))

	reg.ReportFailure("a", nil)
	assert.Empty(t, reg.dueProbes())

	*now = now.Add(11 * time.Second)
	due := reg.dueProbes()
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].ID())
}

func TestRegistrySnapshotOrder(t *testing.T) {
	reg, _ := testRegistry(1)
	reg.Add(newFake("b", 1))
	reg.Add(newFake("a", 1))
	reg.Add(newFake("b", 1))

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].NodeID)
	assert.Equal(t, "a", snap[1].NodeID)
	assert.Equal(t, "fake://a", snap[1].Endpoint)
}
