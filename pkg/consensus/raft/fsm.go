package raftcons

import (
    "encoding/json"
    "io"
    "time"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/rapid-core/pkg/consensus"
    base "github.com/amirimatin/rapid-core/pkg/state"
    "github.com/amirimatin/rapid-core/pkg/watermark"
)

// opViewChange is the only Raft log command this FSM understands: the
// watermark endpoints that crossed the stability threshold together, to
// be toggled into or out of the installed view atomically.
const opViewChange = "ViewChange"

// viewFSM bridges Raft Apply/Snapshot to a state.ViewState.
type viewFSM struct {
    vs base.ViewState
}

func newViewFSM(vs base.ViewState) *viewFSM { return &viewFSM{vs: vs} }

func (f *viewFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case opViewChange:
        var nodes []watermark.Endpoint
        if err := json.Unmarshal(cmd.Payload, &nodes); err != nil {
            return err
        }
        view, err := f.vs.ApplyViewChange(nodes)
        if err != nil {
            return err
        }
        return view
    default:
        return nil
    }
}

func (f *viewFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.vs.Snapshot()
    if err != nil {
        return nil, err
    }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *viewFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil {
        return err
    }
    return f.vs.Restore(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil {
        _ = sink.Cancel()
        return err
    }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*viewFSM)(nil)
