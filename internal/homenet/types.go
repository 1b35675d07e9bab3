package homenet

import (
	"github.com/tcfw/btcbridge/pkg/bridge"
)

type DeliverEventRequest struct {
	NodeID      string             `msgpack:"n"`
	Fingerprint bridge.Fingerprint `msgpack:"fp"`
	Deposit     bridge.Deposit     `msgpack:"d"`
	Certificate bridge.Certificate `msgpack:"c"`
}

// Ack confirms the home network holds the event. Duplicate is set when it
// already had it.
type Ack struct {
	Duplicate bool `msgpack:"dup"`
}

type RetractEventRequest struct {
	NodeID      string             `msgpack:"n"`
	Fingerprint bridge.Fingerprint `msgpack:"fp"`
	Reason      string             `msgpack:"r"`
}

type ListPendingWithdrawalsRequest struct {
	NodeID string `msgpack:"n"`
}

type ListPendingWithdrawalsResponse struct {
	Requests []bridge.WithdrawalRequest `msgpack:"r"`
}

type ReportWithdrawalStatusRequest struct {
	NodeID    string                  `msgpack:"n"`
	RequestID string                  `msgpack:"id"`
	Status    bridge.WithdrawalStatus `msgpack:"s"`
	TxID      string                  `msgpack:"tx,omitempty"`
	Reason    string                  `msgpack:"r,omitempty"`
}

type ReportWithdrawalStatusResponse struct{}
