package node

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/consensus"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

var ErrWithdrawalsDisabled = errors.New("withdrawals are disabled on this node")

type Status struct {
	Self     string `json:"self" msgpack:"self"`
	Network  string `json:"network" msgpack:"net"`
	PeerID   string `json:"peer_id,omitempty" msgpack:"pid,omitempty"`
	Custody  string `json:"custody,omitempty" msgpack:"cu,omitempty"`
	Tip      int64  `json:"tip" msgpack:"tip"`
	Degraded bool   `json:"degraded" msgpack:"dg"`
	// DispatchPaused is set while delivery waits for upstream quorum.
	DispatchPaused bool `json:"dispatch_paused" msgpack:"dp"`

	HealthyNodes int `json:"healthy_nodes" msgpack:"hn"`
	Quorum       int `json:"quorum" msgpack:"q"`
	Peers        int `json:"peers" msgpack:"p"`

	LiveEvents         int `json:"live_events" msgpack:"le"`
	OpenWithdrawals    int `json:"open_withdrawals" msgpack:"ow"`
	StalledWithdrawals int `json:"stalled_withdrawals" msgpack:"sw"`
}

// Healthy reports whether the node can currently forward events.
func (s Status) Healthy() bool {
	return !s.Degraded && s.HealthyNodes >= s.Quorum
}

func (n *Node) Status() Status {
	s := Status{
		Self:           n.signer.ID(),
		Network:        n.cfg.Network,
		Tip:            n.poller.Tip(),
		Degraded:       !n.poller.QuorumAvailable() || !n.pool.QuorumAvailable(),
		DispatchPaused: n.dispatcher.Paused(),
		Quorum:         n.pool.Quorum(),
		Peers:          len(n.Peers()),
		LiveEvents:     len(n.engine.Events()),
	}

	if n.p2p != nil {
		s.PeerID = n.p2p.host.ID().String()
	}
	if n.custody != nil {
		s.Custody = n.custody.Address().String()
	}

	for _, h := range n.pool.Registry().Snapshot() {
		if h.State != bridge.NodeDead {
			s.HealthyNodes++
		}
	}

	if n.withdrawals != nil {
		for _, w := range n.withdrawals.List() {
			if !w.Request.Status.Terminal() {
				s.OpenWithdrawals++
			}
		}
		s.StalledWithdrawals = len(n.withdrawals.Stalled())
	}

	return s
}

func (n *Node) UpstreamHealth() []bridge.NodeHealth {
	return n.pool.Registry().Snapshot()
}

// EventInfo is a live deposit event with its local agreement round.
type EventInfo struct {
	Event bridge.DepositEvent   `json:"event" msgpack:"ev"`
	Round *consensus.RoundInfo `json:"round,omitempty" msgpack:"rd,omitempty"`
}

func (n *Node) DepositEvents() []EventInfo {
	events := n.engine.Events()
	out := make([]EventInfo, 0, len(events))

	for _, ev := range events {
		info := EventInfo{Event: ev}
		if r, ok := n.coord.Round(ev.Fingerprint); ok {
			info.Round = &r
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Event.ObservedHeight < out[j].Event.ObservedHeight
	})

	return out
}

func (n *Node) FailedDeliveries(ctx context.Context) ([]*bridge.OutboxEntry, error) {
	return n.dispatcher.ListFailed(ctx)
}

func (n *Node) Redrive(ctx context.Context, fp bridge.Fingerprint) error {
	return n.dispatcher.Redrive(ctx, fp)
}

// ListWithdrawals returns every known withdrawal, or only stalled ones.
func (n *Node) ListWithdrawals(stalledOnly bool) ([]bridge.Withdrawal, error) {
	if n.withdrawals == nil {
		return nil, ErrWithdrawalsDisabled
	}
	if stalledOnly {
		return n.withdrawals.Stalled(), nil
	}
	return n.withdrawals.List(), nil
}
