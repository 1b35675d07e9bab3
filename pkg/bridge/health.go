package bridge

import "time"

type NodeState uint8

const (
	NodeActive NodeState = iota + 1
	NodeDegraded
	NodeDead
)

func (s NodeState) String() string {
	switch s {
	case NodeActive:
		return "active"
	case NodeDegraded:
		return "degraded"
	case NodeDead:
		return "dead"
	default:
		return "unknown"
	}
}

type NodeHealth struct {
	NodeID              string    `json:"node_id" msgpack:"id"`
	Endpoint            string    `json:"endpoint" msgpack:"ep"`
	ConsecutiveFailures int       `json:"consecutive_failures" msgpack:"cf"`
	State               NodeState `json:"state" msgpack:"s"`
	LastProbeTime       time.Time `json:"last_probe_time" msgpack:"lp"`
	NextAttempt         time.Time `json:"next_attempt" msgpack:"na"`
	LastError           string    `json:"last_error,omitempty" msgpack:"le,omitempty"`
}
