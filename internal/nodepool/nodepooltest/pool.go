package nodepooltest

import (
	"testing"
	"time"

	"github.com/tcfw/btcbridge/internal/nodepool"
)

// NewPool wraps sim nodes in a pool with quorum m and fast timings.
func NewPool(t testing.TB, m int, nodes ...*Node) *nodepool.Pool {
	reg := nodepool.NewRegistry(nodepool.RegistryOptions{
		DeadAfter:        5,
		BackoffMin:       time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
		ProbeInterval:    time.Hour,
		MaxProbeInterval: time.Hour,
	})
	for _, n := range nodes {
		reg.Add(n)
	}

	p := nodepool.New(reg, nodepool.Options{Quorum: m, RequestTimeout: 2 * time.Second, Workers: 8})
	t.Cleanup(p.Close)
	return p
}

// Nodes creates count nodes following c, named a, b, c...
func Nodes(c *Chain, count int) []*Node {
	out := make([]*Node, count)
	for i := range out {
		out[i] = NewNode(string(rune('a'+i)), c)
	}
	return out
}
