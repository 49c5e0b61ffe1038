// Package viewstate implements the in-memory state.ViewState FSM: it tracks
// the currently installed cluster membership and advances it one view
// change at a time.
package viewstate

import (
    "encoding/json"
    "sort"
    "sync"

    base "github.com/amirimatin/rapid-core/pkg/state"
    "github.com/amirimatin/rapid-core/pkg/watermark"
)

// State is a simple in-memory FSM for the installed view.
type State struct {
    mu      sync.RWMutex
    seq     uint64
    members map[watermark.Endpoint]struct{}
}

// New returns an empty State, with no members and seq 0.
func New() *State {
    return &State{members: make(map[watermark.Endpoint]struct{})}
}

// ApplyViewChange flips membership for every endpoint in nodes: present
// endpoints are removed (they were reported down and crossed the
// stability threshold), absent ones are added (they were joining and the
// cluster has now converged on admitting them). It always advances Seq,
// even if nodes is empty, since a raft log entry was still committed.
func (s *State) ApplyViewChange(nodes []watermark.Endpoint) (base.View, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, n := range nodes {
        if _, present := s.members[n]; present {
            delete(s.members, n)
        } else {
            s.members[n] = struct{}{}
        }
    }
    s.seq++
    return s.snapshotLocked(), nil
}

// CurrentView returns the latest installed view.
func (s *State) CurrentView() base.View {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.snapshotLocked()
}

func (s *State) snapshotLocked() base.View {
    out := make([]watermark.Endpoint, 0, len(s.members))
    for e := range s.members {
        out = append(out, e)
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].Host != out[j].Host {
            return out[i].Host < out[j].Host
        }
        return out[i].Port < out[j].Port
    })
    return base.View{Seq: s.seq, Members: out}
}

// Snapshot encodes the view as JSON for Raft snapshotting.
func (s *State) Snapshot() ([]byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return json.Marshal(s.snapshotLocked())
}

// Restore replaces the current view with the decoded snapshot.
func (s *State) Restore(buf []byte) error {
    var v base.View
    if err := json.Unmarshal(buf, &v); err != nil {
        return err
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.seq = v.Seq
    s.members = make(map[watermark.Endpoint]struct{}, len(v.Members))
    for _, e := range v.Members {
        s.members[e] = struct{}{}
    }
    return nil
}

var _ base.ViewState = (*State)(nil)
