// Package state defines the persisted-state contract the consensus layer
// drives: a replicated view of cluster membership, advanced one view
// change at a time and snapshottable for log compaction.
package state

import "github.com/amirimatin/rapid-core/pkg/watermark"

// ViewState is the FSM a consensus engine replicates. ApplyViewChange is
// the only mutation: a node present in the current view is interpreted
// as leaving, a node absent from it as joining, mirroring how a
// watermark.Proposal's membership-change set is consumed once delivered.
type ViewState interface {
    ApplyViewChange(nodes []watermark.Endpoint) (View, error)
    CurrentView() View
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}

// View is an immutable snapshot of the installed membership: the ordered
// set of endpoints and the sequence number of the view change that
// produced it.
type View struct {
    Seq     uint64               `json:"seq"`
    Members []watermark.Endpoint `json:"members"`
}
