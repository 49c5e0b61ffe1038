package node

import "github.com/amirimatin/rapid-core/pkg/state"

// Status is a point-in-time snapshot of this node's view of the cluster,
// returned by the /status management endpoint and by Status.
type Status struct {
	NodeID     string     `json:"nodeId"`
	IsLeader   bool       `json:"isLeader"`
	Term       uint64     `json:"term"`
	LeaderID   string     `json:"leaderId,omitempty"`
	LeaderAddr string     `json:"leaderAddr,omitempty"`
	View       state.View `json:"view"`
	Warnings   []string   `json:"warnings,omitempty"`
}
