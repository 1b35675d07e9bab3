package consensus

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

type RoundState uint8

const (
	RoundProposed RoundState = iota + 1
	RoundVoting
	RoundAgreed
	RoundRejected
	RoundExpired
	RoundRetracted
)

func (s RoundState) String() string {
	switch s {
	case RoundProposed:
		return "proposed"
	case RoundVoting:
		return "voting"
	case RoundAgreed:
		return "agreed"
	case RoundRejected:
		return "rejected"
	case RoundExpired:
		return "expired"
	case RoundRetracted:
		return "retracted"
	default:
		return "unknown"
	}
}

// Outcome is what a round resolved to, as reported to validation.
type Outcome uint8

const (
	OutcomeAgreed Outcome = iota + 1
	OutcomeRejected
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAgreed:
		return "agreed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type Result struct {
	Fingerprint bridge.Fingerprint
	Slot        bridge.Slot
	Outcome     Outcome
	// Deposit is the payload carried by the matching votes. Set on Agreed.
	Deposit     bridge.Deposit
	Certificate *bridge.Certificate
}

// voteEntry is one line of a slot's vote log. Entries are never removed;
// a retraction only flips the flag.
type voteEntry struct {
	voter      string
	fp         bridge.Fingerprint
	payloadKey string
	deposit    bridge.Deposit
	assertion  []byte
	at         time.Time
	retracted  bool
}

type round struct {
	fp       bridge.Fingerprint
	state    RoundState
	proposed bool
	started  time.Time
	deadline time.Time

	agreedKey string
	cert      *bridge.Certificate
	deposit   bridge.Deposit
	// shared is when the agreement was last sent to a lagging voter
	shared time.Time
}

// slotState holds every round competing for one txid:vout. It is only
// ever touched inside a Compute on the slot table, so it needs no lock.
type slotState struct {
	log     []voteEntry
	byFP    map[bridge.Fingerprint][]int
	byVoter map[string]int
	rounds  map[bridge.Fingerprint]*round
	winner  bridge.Fingerprint
	touched time.Time
}

func newSlotState() *slotState {
	return &slotState{
		byFP:    map[bridge.Fingerprint][]int{},
		byVoter: map[string]int{},
		rounds:  map[bridge.Fingerprint]*round{},
	}
}

type voteResult uint8

const (
	voteAccepted voteResult = iota
	voteDuplicate
	voteEquivocation
)

// record appends a vote unless the voter already has a live vote in the
// slot.
func (s *slotState) record(e voteEntry) voteResult {
	if i, ok := s.byVoter[e.voter]; ok {
		prev := s.log[i]
		if prev.fp == e.fp && prev.payloadKey == e.payloadKey {
			return voteDuplicate
		}
		return voteEquivocation
	}

	s.log = append(s.log, e)
	idx := len(s.log) - 1
	s.byFP[e.fp] = append(s.byFP[e.fp], idx)
	s.byVoter[e.voter] = idx
	s.touched = e.at

	return voteAccepted
}

// retract drops voter's live vote for fp.
func (s *slotState) retract(voter string, fp bridge.Fingerprint) bool {
	i, ok := s.byVoter[voter]
	if !ok || s.log[i].fp != fp {
		return false
	}

	s.log[i].retracted = true
	delete(s.byVoter, voter)
	return true
}

// tally returns the live votes for fp grouped by payload.
func (s *slotState) tally(fp bridge.Fingerprint) map[string][]int {
	groups := map[string][]int{}
	for _, i := range s.byFP[fp] {
		e := s.log[i]
		if e.retracted {
			continue
		}
		groups[e.payloadKey] = append(groups[e.payloadKey], i)
	}
	return groups
}

// leader returns the payload group of fp with the most votes, breaking
// ties by key so every node picks the same one.
func (s *slotState) leader(fp bridge.Fingerprint) (string, []int) {
	groups := s.tally(fp)

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var best string
	var bestIdx []int
	for _, k := range keys {
		if len(groups[k]) > len(bestIdx) {
			best, bestIdx = k, groups[k]
		}
	}
	return best, bestIdx
}

func (s *slotState) round(fp bridge.Fingerprint, now time.Time) *round {
	r, ok := s.rounds[fp]
	if !ok {
		r = &round{fp: fp, state: RoundVoting, started: now}
		s.rounds[fp] = r
	}
	return r
}

// proposedAny reports whether this node proposed any round in the slot.
func (s *slotState) proposedAny() bool {
	for _, r := range s.rounds {
		if r.proposed {
			return true
		}
	}
	return false
}

// active reports whether any round this node proposed is still collecting
// votes. Rounds only peers voted on do not hold the slot open.
func (s *slotState) active() bool {
	for _, r := range s.rounds {
		if r.proposed && (r.state == RoundVoting || r.state == RoundProposed) {
			return true
		}
	}
	return false
}

func payloadKey(digest []byte) string {
	return hex.EncodeToString(digest)
}
