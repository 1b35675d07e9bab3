package withdraw

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

const bnbMaxTries = 100_000

// sizer estimates virtual sizes for custody spends.
type sizer struct {
	overhead int64
	input    int64
	dest     int64
	change   int64
}

func newSizer(c *Custody, destScript []byte) sizer {
	return sizer{
		// version, locktime, counts, segwit marker and flag
		overhead: 11,
		input:    c.InputVSize(),
		dest:     int64(8 + 1 + len(destScript)),
		change:   int64(8 + 1 + len(c.PkScript())),
	}
}

func (s sizer) vsize(inputs int, change bool) int64 {
	v := s.overhead + int64(inputs)*s.input + s.dest
	if change {
		v += s.change
	}
	return v
}

func feeFor(vsize int64, rate float64) int64 {
	return int64(math.Ceil(float64(vsize) * rate))
}

type Selection struct {
	Inputs []bridge.UTXO
	Fee    int64
	Change int64
}

func (s *Selection) total() int64 {
	var t int64
	for _, in := range s.Inputs {
		t += in.Value
	}
	return t
}

// SelectLargestFirst spends the largest outputs until target and fee are
// covered.
func SelectLargestFirst(utxos []bridge.UTXO, target int64, rate float64, sz sizer, changeDust int64) (*Selection, error) {
	sorted := append([]bridge.UTXO(nil), utxos...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var sum int64
	for i, u := range sorted {
		sum += u.Value

		withChange := feeFor(sz.vsize(i+1, true), rate)
		if change := sum - target - withChange; change >= changeDust {
			return &Selection{Inputs: sorted[:i+1], Fee: withChange, Change: change}, nil
		}

		noChange := feeFor(sz.vsize(i+1, false), rate)
		if sum-target >= noChange {
			// remainder below dust goes to the fee
			return &Selection{Inputs: sorted[:i+1], Fee: sum - target}, nil
		}
	}

	return nil, errors.Wrapf(bridge.ErrInsufficientFunds, "have %d, need %d plus fee", sum, target)
}

// SelectBranchAndBound searches for an input set matching target plus fee
// within the cost of a change output, so no change is created. It falls
// back to largest-first when no such set exists.
func SelectBranchAndBound(utxos []bridge.UTXO, target int64, rate float64, sz sizer, changeDust int64) (*Selection, error) {
	inputFee := feeFor(sz.input, rate)

	type candidate struct {
		utxo      bridge.UTXO
		effective int64
	}
	var pool []candidate
	var available int64
	for _, u := range utxos {
		ev := u.Value - inputFee
		if ev <= 0 {
			continue
		}
		pool = append(pool, candidate{u, ev})
		available += ev
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].effective > pool[j].effective })

	base := feeFor(sz.vsize(0, false), rate)
	low := target + base
	high := low + feeFor(sz.change, rate) + changeDust

	if available < low {
		return SelectLargestFirst(utxos, target, rate, sz, changeDust)
	}

	var (
		best      []bool
		bestWaste int64 = math.MaxInt64
		current         = make([]bool, len(pool))
		tries     int
	)

	var search func(depth int, value, remaining int64)
	search = func(depth int, value, remaining int64) {
		tries++
		if tries > bnbMaxTries || value > high || value+remaining < low {
			return
		}
		if value >= low {
			if waste := value - low; waste < bestWaste {
				bestWaste = waste
				best = append([]bool(nil), current...)
			}
			return
		}
		if depth == len(pool) {
			return
		}

		remaining -= pool[depth].effective

		current[depth] = true
		search(depth+1, value+pool[depth].effective, remaining)
		current[depth] = false

		search(depth+1, value, remaining)
	}
	search(0, 0, available)

	if best == nil {
		return SelectLargestFirst(utxos, target, rate, sz, changeDust)
	}

	sel := &Selection{}
	for i, in := range best {
		if in {
			sel.Inputs = append(sel.Inputs, pool[i].utxo)
		}
	}
	sel.Fee = sel.total() - target
	return sel, nil
}
