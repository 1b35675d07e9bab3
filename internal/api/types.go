package api

import (
	"github.com/tcfw/btcbridge/internal/node"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

type Empty struct{}

type StatusResponse struct {
	Status node.Status `msgpack:"s"`
}

type NodesResponse struct {
	Nodes []bridge.NodeHealth `msgpack:"n"`
}

type PeersResponse struct {
	Peers []node.PeerInfo `msgpack:"p"`
}

type EventsResponse struct {
	Events []node.EventInfo `msgpack:"e"`
}

type ListFailedResponse struct {
	Entries []*bridge.OutboxEntry `msgpack:"e"`
}

type RedriveRequest struct {
	Fingerprint bridge.Fingerprint `msgpack:"fp"`
}

type WithdrawalsRequest struct {
	StalledOnly bool `msgpack:"so"`
}

type WithdrawalsResponse struct {
	Withdrawals []bridge.Withdrawal `msgpack:"w"`
}
