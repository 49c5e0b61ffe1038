package raftcons

import (
    "context"
    "testing"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/rapid-core/pkg/watermark"
)

// Three-node election using real TCP transports and on-disk stores (in temp dirs).
func TestRaft_ThreeNodeElection_TCP(t *testing.T) {
    t.Parallel()

    mk := func(id string) *Node {
        n, err := New(Options{
            NodeID:            id,
            BindAddr:          "127.0.0.1:0",
            DataDir:           t.TempDir(),
            SnapshotsRetained: 1,
            HeartbeatTimeout:  150 * time.Millisecond,
            ElectionTimeout:   300 * time.Millisecond,
            CommitTimeout:     50 * time.Millisecond,
            ApplyTimeout:      2 * time.Second,
        })
        if err != nil {
            t.Fatalf("new %s: %v", id, err)
        }
        return n
    }

    n1 := mk("n1")
    n1.opts.Bootstrap = true
    n2 := mk("n2")
    n3 := mk("n3")

    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    for _, n := range []*Node{n1, n2, n3} {
        if err := n.Start(ctx); err != nil {
            t.Fatalf("start %s: %v", n.opts.NodeID, err)
        }
        defer n.Stop()
    }

    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        if n1.IsLeader() {
            break
        }
        time.Sleep(50 * time.Millisecond)
    }
    if !n1.IsLeader() {
        t.Fatalf("n1 did not become leader")
    }

    add := func(id string, addr string) {
        f := n1.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 3*time.Second)
        if err := f.Error(); err != nil {
            t.Fatalf("AddVoter %s: %v", id, err)
        }
    }
    add("n2", string(n2.addr))
    add("n3", string(n3.addr))

    awaitLeaderKnown := func(n *Node) {
        t.Helper()
        dl := time.Now().Add(5 * time.Second)
        for time.Now().Before(dl) {
            if id, _, ok := n.Leader(); ok && id != "" {
                return
            }
            time.Sleep(50 * time.Millisecond)
        }
        t.Fatalf("leader unknown on %s", n.opts.NodeID)
    }
    awaitLeaderKnown(n1)
    awaitLeaderKnown(n2)
    awaitLeaderKnown(n3)

    joiner := watermark.Endpoint{Host: "10.0.0.1", Port: 9999}
    if err := n1.ApplyViewChange([]watermark.Endpoint{joiner}, 2*time.Second); err != nil {
        t.Fatalf("apply view change: %v", err)
    }

    awaitHasMember := func(n *Node, ep watermark.Endpoint) {
        dl := time.Now().Add(5 * time.Second)
        for time.Now().Before(dl) {
            if viewHasMember(n.CurrentView().Members, ep) {
                return
            }
            time.Sleep(50 * time.Millisecond)
        }
        t.Fatalf("view did not include %v on %s", ep, n.opts.NodeID)
    }
    awaitHasMember(n1, joiner)
    awaitHasMember(n2, joiner)
    awaitHasMember(n3, joiner)

    if err := n1.ApplyViewChange([]watermark.Endpoint{joiner}, 2*time.Second); err != nil {
        t.Fatalf("apply view change (removal): %v", err)
    }
    awaitNoMember := func(n *Node, ep watermark.Endpoint) {
        dl := time.Now().Add(5 * time.Second)
        for time.Now().Before(dl) {
            if !viewHasMember(n.CurrentView().Members, ep) {
                return
            }
            time.Sleep(50 * time.Millisecond)
        }
        t.Fatalf("view still includes %v on %s", ep, n.opts.NodeID)
    }
    awaitNoMember(n1, joiner)
    awaitNoMember(n2, joiner)
    awaitNoMember(n3, joiner)
}

func viewHasMember(members []watermark.Endpoint, ep watermark.Endpoint) bool {
    for _, m := range members {
        if m == ep {
            return true
        }
    }
    return false
}
