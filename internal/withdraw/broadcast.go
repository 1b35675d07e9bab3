package withdraw

import (
	"sync"
	"time"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

const (
	defaultCacheTTL      = 10 * time.Minute
	defaultCacheCapacity = 250
)

type cacheEntry struct {
	raw     []byte
	pending map[string]struct{}
	added   time.Time
}

// broadcastCache remembers recently broadcast transactions and the nodes
// that have not accepted them yet.
type broadcastCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*cacheEntry
	order    []string
	now      func() time.Time
}

func newBroadcastCache(ttl time.Duration, capacity int, now func() time.Time) *broadcastCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &broadcastCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  map[string]*cacheEntry{},
		now:      now,
	}
}

// Add records the results of a broadcast. Nodes that rejected it stay
// pending.
func (c *broadcastCache) Add(txid string, raw []byte, results []bridge.BroadcastResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := map[string]struct{}{}
	for _, r := range results {
		if r.Error != "" {
			pending[r.NodeID] = struct{}{}
		}
	}

	if _, ok := c.entries[txid]; !ok {
		c.order = append(c.order, txid)
	}
	c.entries[txid] = &cacheEntry{raw: raw, pending: pending, added: c.now()}

	for len(c.order) > c.capacity {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *broadcastCache) Accepted(txid, node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[txid]; ok {
		delete(e.pending, node)
	}
}

func (c *broadcastCache) Remove(txid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(txid)
}

func (c *broadcastCache) remove(txid string) {
	delete(c.entries, txid)
	for i, id := range c.order {
		if id == txid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

type rebroadcast struct {
	txid  string
	raw   []byte
	nodes []string
}

// Due drops expired entries and returns the rest that still have pending
// nodes, oldest first.
func (c *broadcastCache) Due() []rebroadcast {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []rebroadcast

	for _, txid := range append([]string(nil), c.order...) {
		e := c.entries[txid]
		if now.Sub(e.added) > c.ttl {
			c.remove(txid)
			continue
		}
		if len(e.pending) == 0 {
			continue
		}

		r := rebroadcast{txid: txid, raw: e.raw}
		for n := range e.pending {
			r.nodes = append(r.nodes, n)
		}
		out = append(out, r)
	}

	return out
}

func (c *broadcastCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
