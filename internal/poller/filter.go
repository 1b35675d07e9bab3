package poller

import (
	"encoding/hex"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	falsePositive = 0.01
	minFilterSize = 1024
)

// ScriptFilter is the set of tracked destination scripts. A bloom filter
// rejects most outputs before the exact lookup.
type ScriptFilter struct {
	mu     sync.RWMutex
	bloom  *bloom.BloomFilter
	exact  map[string]struct{}
	expect uint
}

func NewScriptFilter(scripts ...[]byte) *ScriptFilter {
	f := &ScriptFilter{exact: map[string]struct{}{}}
	f.reset(uint(len(scripts)))

	for _, s := range scripts {
		f.add(s)
	}

	return f
}

func (f *ScriptFilter) reset(n uint) {
	if n < minFilterSize {
		n = minFilterSize
	}
	f.expect = n
	f.bloom = bloom.NewWithEstimates(n, falsePositive)
}

func (f *ScriptFilter) add(script []byte) {
	k := string(script)
	if _, ok := f.exact[k]; ok {
		return
	}
	f.exact[k] = struct{}{}
	f.bloom.Add(script)
}

// Add tracks more scripts. The bloom filter is rebuilt when it outgrows
// its estimate.
func (f *ScriptFilter) Add(scripts ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if uint(len(f.exact)+len(scripts)) > f.expect {
		f.reset(uint(len(f.exact)+len(scripts)) * 2)
		for k := range f.exact {
			f.bloom.Add([]byte(k))
		}
	}

	for _, s := range scripts {
		f.add(s)
	}
}

func (f *ScriptFilter) Contains(script []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.bloom.Test(script) {
		return false
	}
	_, ok := f.exact[string(script)]
	return ok
}

func (f *ScriptFilter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.exact)
}

// Scripts lists the tracked scripts hex encoded.
func (f *ScriptFilter) Scripts() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.exact))
	for k := range f.exact {
		out = append(out, hex.EncodeToString([]byte(k)))
	}
	return out
}
