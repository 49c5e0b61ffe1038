package raftcons

import (
    "encoding/json"
    "testing"

    r "github.com/hashicorp/raft"

    c "github.com/amirimatin/rapid-core/pkg/consensus"
    "github.com/amirimatin/rapid-core/pkg/state/viewstate"
    "github.com/amirimatin/rapid-core/pkg/watermark"
)

func TestViewFSM_Apply_TogglesMembership(t *testing.T) {
    vs := viewstate.New()
    fsm := newViewFSM(vs)

    n1 := watermark.Endpoint{Host: "127.0.0.1", Port: 1}
    payload, _ := json.Marshal([]watermark.Endpoint{n1})
    data, _ := json.Marshal(c.Command{Op: opViewChange, Payload: payload})

    if v := fsm.Apply(&r.Log{Data: data}); v != nil {
        if err, ok := v.(error); ok && err != nil {
            t.Fatalf("apply join: %v", err)
        }
    }
    if view := vs.CurrentView(); len(view.Members) != 1 || view.Members[0] != n1 {
        t.Fatalf("unexpected view after join: %+v", view)
    }

    if v := fsm.Apply(&r.Log{Data: data}); v != nil {
        if err, ok := v.(error); ok && err != nil {
            t.Fatalf("apply remove: %v", err)
        }
    }
    if view := vs.CurrentView(); len(view.Members) != 0 {
        t.Fatalf("expected empty view after toggling back, got %+v", view)
    }
}

func TestViewFSM_SnapshotRestore(t *testing.T) {
    vs := viewstate.New()
    fsm := newViewFSM(vs)
    n1 := watermark.Endpoint{Host: "127.0.0.1", Port: 1}
    payload, _ := json.Marshal([]watermark.Endpoint{n1})
    data, _ := json.Marshal(c.Command{Op: opViewChange, Payload: payload})
    fsm.Apply(&r.Log{Data: data})

    blob, err := vs.Snapshot()
    if err != nil {
        t.Fatalf("Snapshot: %v", err)
    }

    restoredVS := viewstate.New()
    if err := restoredVS.Restore(blob); err != nil {
        t.Fatalf("Restore: %v", err)
    }
    if view := restoredVS.CurrentView(); len(view.Members) != 1 || view.Members[0] != n1 {
        t.Fatalf("unexpected restored view: %+v", view)
    }
}
